package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/facelock/internal/session"
)

type SessionController interface {
	Start(now time.Time)
	End(now time.Time)
	State() session.Lock
}

type SessionHandler struct {
	engine SessionController
	now    func() time.Time
}

func NewSessionHandler(engine SessionController) *SessionHandler {
	return &SessionHandler{engine: engine, now: time.Now}
}

func (h *SessionHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.State())
}

func (h *SessionHandler) Start(c *gin.Context) {
	h.engine.Start(h.now())
	c.JSON(http.StatusOK, h.engine.State())
}

func (h *SessionHandler) End(c *gin.Context) {
	h.engine.End(h.now())
	c.JSON(http.StatusOK, h.engine.State())
}
