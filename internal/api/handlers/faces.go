package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/facelock/internal/identity"
	"github.com/your-org/facelock/internal/vision"
	"github.com/your-org/facelock/pkg/dto"
)

const maxUploadBytes = 10 << 20

// FaceExtractor finds the main face of an uploaded image.
type FaceExtractor interface {
	Extract(ctx context.Context, data []byte) (vision.Face, error)
}

// Lookuper tiers an embedding against the store without side effects.
type Lookuper interface {
	Lookup(embedding []float32) (identity.Classification, identity.Match)
}

// LockFollower keeps the session lock in step with identity changes.
type LockFollower interface {
	Rename(oldLabel, newLabel string, now time.Time)
	Forget(label string, now time.Time)
}

type FaceHandler struct {
	store     *identity.Store
	lookup    Lookuper
	extractor FaceExtractor
	lock      LockFollower
	now       func() time.Time
}

// NewFaceHandler builds the identity admin handler. extractor may be nil when
// no vision models are loaded; enroll and search then answer 503.
func NewFaceHandler(store *identity.Store, lookup Lookuper, extractor FaceExtractor, lock LockFollower) *FaceHandler {
	return &FaceHandler{store: store, lookup: lookup, extractor: extractor, lock: lock, now: time.Now}
}

func faceResponse(id identity.Identity) dto.FaceResponse {
	resp := dto.FaceResponse{
		Label:     id.Label,
		Dim:       len(id.Embedding),
		CreatedAt: id.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: id.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if id.ImageKey != "" {
		resp.ImageURL = "/v1/faces/" + url.PathEscape(id.Label) + "/image"
	}
	return resp
}

func (h *FaceHandler) List(c *gin.Context) {
	all := h.store.All()
	faces := make([]dto.FaceResponse, 0, len(all))
	for _, id := range all {
		faces = append(faces, faceResponse(id))
	}
	c.JSON(http.StatusOK, dto.FaceListResponse{Faces: faces, Total: len(faces)})
}

func (h *FaceHandler) Get(c *gin.Context) {
	id, ok := h.store.Get(c.Param("label"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "identity not found"})
		return
	}
	c.JSON(http.StatusOK, faceResponse(id))
}

func (h *FaceHandler) Image(c *gin.Context) {
	data, err := h.store.Image(c.Request.Context(), c.Param("label"))
	switch {
	case errors.Is(err, identity.ErrNotFound), errors.Is(err, identity.ErrNoImage):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/jpeg", data)
}

// Rename answers {success, message}; the status code mirrors the outcome.
func (h *FaceHandler) Rename(c *gin.Context) {
	var req dto.RenameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, dto.RenameResponse{Message: err.Error()})
		return
	}
	resp, status := h.rename(c.Request.Context(), req.OldLabel, req.NewLabel)
	c.JSON(status, resp)
}

// RenameIdentity is the rename trigger shared with the NATS subscriber.
func (h *FaceHandler) RenameIdentity(ctx context.Context, oldLabel, newLabel string) dto.RenameResponse {
	resp, _ := h.rename(ctx, oldLabel, newLabel)
	return resp
}

func (h *FaceHandler) rename(ctx context.Context, oldLabel, newLabel string) (dto.RenameResponse, int) {
	if err := h.store.Rename(ctx, oldLabel, newLabel); err != nil {
		return dto.RenameResponse{Message: err.Error()}, statusFor(err)
	}
	if h.lock != nil {
		h.lock.Rename(oldLabel, newLabel, h.now())
	}
	return dto.RenameResponse{Success: true, Message: "renamed " + oldLabel + " to " + newLabel}, http.StatusOK
}

func (h *FaceHandler) Delete(c *gin.Context) {
	label := c.Param("label")
	if err := h.store.Remove(c.Request.Context(), label); err != nil {
		c.JSON(statusFor(err), dto.RenameResponse{Message: err.Error()})
		return
	}
	if h.lock != nil {
		h.lock.Forget(label, h.now())
	}
	c.JSON(http.StatusOK, dto.RenameResponse{Success: true, Message: "deleted " + label})
}

// Enroll registers an uploaded face under an operator-chosen label.
func (h *FaceHandler) Enroll(c *gin.Context) {
	label := c.PostForm("label")
	if label == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "label required"})
		return
	}
	face, ok := h.extractFace(c)
	if !ok {
		return
	}

	img, err := identity.EncodeJPEG(face.Crop)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.store.Insert(c.Request.Context(), label, face.Embedding, img); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, dto.EnrollResponse{Label: label, Confidence: face.Confidence})
}

// Search reports the nearest identity and its tier without enrolling.
func (h *FaceHandler) Search(c *gin.Context) {
	face, ok := h.extractFace(c)
	if !ok {
		return
	}

	class, m := h.lookup.Lookup(face.Embedding)
	resp := dto.SearchResponse{Kind: "unknown", Faces: face.Faces}
	if m.Label != "" {
		d := m.Distance
		resp.Distance = &d
	}
	if class != nil {
		resp.Kind = class.Kind().String()
		resp.Label, _ = identity.LabelOf(class)
	}
	c.JSON(http.StatusOK, resp)
}

func (h *FaceHandler) extractFace(c *gin.Context) (vision.Face, bool) {
	if h.extractor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "vision models not loaded"})
		return vision.Face{}, false
	}
	file, _, err := c.Request.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file required"})
		return vision.Face{}, false
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "read image failed"})
		return vision.Face{}, false
	}

	face, err := h.extractor.Extract(c.Request.Context(), data)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "failed to extract face: " + err.Error()})
		return vision.Face{}, false
	}
	return face, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, identity.ErrNotFound):
		return http.StatusNotFound
	case identity.IsConflict(err):
		return http.StatusConflict
	case errors.Is(err, identity.ErrInvalidLabel),
		errors.Is(err, identity.ErrDimensionMismatch),
		errors.Is(err, identity.ErrEmptyEmbedding):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
