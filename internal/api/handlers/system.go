package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/facelock/internal/config"
	"github.com/your-org/facelock/internal/identity"
	"github.com/your-org/facelock/pkg/dto"
)

// Check reports whether a dependency is reachable.
type Check func(ctx context.Context) error

type SystemHandler struct {
	store   *identity.Store
	cfg     *config.Config
	checks  map[string]Check
	cameras func() int
}

func NewSystemHandler(store *identity.Store, cfg *config.Config, checks map[string]Check, activeCameras func() int) *SystemHandler {
	return &SystemHandler{store: store, cfg: cfg, checks: checks, cameras: activeCameras}
}

func (h *SystemHandler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *SystemHandler) Readyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	healthy := true
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
		} else {
			checks[name] = "ok"
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status": map[bool]string{true: "ready", false: "not ready"}[healthy],
		"checks": checks,
	})
}

func (h *SystemHandler) Stats(c *gin.Context) {
	resp := dto.StatsResponse{
		TotalFaces:         h.store.Snapshot().Len(),
		Model:              h.cfg.Vision.EmbedderModel,
		Matcher:            h.cfg.Identity.Matcher,
		EnrollmentMode:     h.cfg.Identity.EnrollmentMode,
		ConfidentThreshold: h.cfg.Identity.ConfidentThreshold,
		RejectThreshold:    h.cfg.Identity.RejectThreshold,
	}
	if h.cameras != nil {
		resp.ActiveCameras = h.cameras()
	}
	c.JSON(http.StatusOK, resp)
}
