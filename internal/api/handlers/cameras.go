package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/your-org/facelock/internal/ingest"
)

type CameraController interface {
	Start(ctx context.Context, cam ingest.Camera) error
	Stop(id string) bool
	List() []ingest.CameraInfo
}

type CameraHandler struct {
	cameras CameraController
	// ctx outlives requests; cameras started over HTTP stop with the service.
	ctx context.Context
}

func NewCameraHandler(ctx context.Context, cameras CameraController) *CameraHandler {
	return &CameraHandler{cameras: cameras, ctx: ctx}
}

type startCameraRequest struct {
	ID  string `json:"id" binding:"required"`
	URL string `json:"url" binding:"required"`
	FPS int    `json:"fps"`
}

func (h *CameraHandler) List(c *gin.Context) {
	cams := h.cameras.List()
	c.JSON(http.StatusOK, gin.H{"cameras": cams, "total": len(cams)})
}

func (h *CameraHandler) Start(c *gin.Context) {
	var req startCameraRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.cameras.Start(h.ctx, ingest.Camera{ID: req.ID, URL: req.URL, FPS: req.FPS})
	switch {
	case errors.Is(err, ingest.ErrCameraRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "starting", "id": req.ID})
}

func (h *CameraHandler) Stop(c *gin.Context) {
	if !h.cameras.Stop(c.Param("id")) {
		c.JSON(http.StatusNotFound, gin.H{"error": "camera not running"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}
