package dto

// SessionUpdate is the published session record.
type SessionUpdate struct {
	SessionID       string  `json:"session_id"`
	Status          string  `json:"status"`
	CurrentIdentity *string `json:"current_identity"`
	Confidence      string  `json:"confidence"`
	At              string  `json:"at"`
}

// WSEvent is a WebSocket message.
type WSEvent struct {
	Type    string         `json:"type"` // session_update
	Session *SessionUpdate `json:"session,omitempty"`
}
