package dto

type FaceResponse struct {
	Label     string `json:"label"`
	Dim       int    `json:"dim"`
	ImageURL  string `json:"image_url,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type FaceListResponse struct {
	Faces []FaceResponse `json:"faces"`
	Total int            `json:"total"`
}

// RenameRequest is shared by the HTTP API and the identity.rename subject.
type RenameRequest struct {
	OldLabel string `json:"old_label" binding:"required"`
	NewLabel string `json:"new_label" binding:"required"`
}

// RenameResponse reports rename and delete outcomes as a reason string
// rather than an error status.
type RenameResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type StatsResponse struct {
	TotalFaces         int     `json:"total_faces"`
	Model              string  `json:"model"`
	Matcher            string  `json:"matcher"`
	EnrollmentMode     string  `json:"enrollment_mode"`
	ConfidentThreshold float64 `json:"confident_threshold"`
	RejectThreshold    float64 `json:"reject_threshold"`
	ActiveCameras      int     `json:"active_cameras"`
}

type EnrollResponse struct {
	Label      string  `json:"label"`
	Confidence float32 `json:"confidence"`
}

type SearchResponse struct {
	Kind     string   `json:"kind"`
	Label    string   `json:"label,omitempty"`
	Distance *float64 `json:"distance,omitempty"`
	Faces    int      `json:"faces"`
}
