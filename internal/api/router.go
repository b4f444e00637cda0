package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/your-org/facelock/internal/api/handlers"
	"github.com/your-org/facelock/internal/api/ws"
	"github.com/your-org/facelock/internal/auth"
)

type RouterConfig struct {
	APIKey      string
	CORSOrigins []string

	Faces   *handlers.FaceHandler
	Session *handlers.SessionHandler
	Cameras *handlers.CameraHandler
	System  *handlers.SystemHandler
	Hub     *ws.Hub
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(LoggingMiddleware())
	r.Use(corsMiddleware(cfg.CORSOrigins))

	// System endpoints (no auth)
	r.GET("/healthz", cfg.System.Healthz)
	r.GET("/readyz", cfg.System.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.Use(auth.APIKeyMiddleware(cfg.APIKey))

	if cfg.Hub != nil {
		v1.GET("/ws", cfg.Hub.HandleWS)
	}

	v1.GET("/stats", cfg.System.Stats)

	// Known identities
	v1.GET("/faces", cfg.Faces.List)
	v1.POST("/faces", cfg.Faces.Enroll)
	v1.POST("/faces/rename", cfg.Faces.Rename)
	v1.GET("/faces/:label", cfg.Faces.Get)
	v1.GET("/faces/:label/image", cfg.Faces.Image)
	v1.DELETE("/faces/:label", cfg.Faces.Delete)
	v1.POST("/search", cfg.Faces.Search)

	// Session lock
	v1.GET("/session", cfg.Session.Get)
	v1.POST("/session/start", cfg.Session.Start)
	v1.POST("/session/end", cfg.Session.End)

	if cfg.Cameras != nil {
		v1.GET("/cameras", cfg.Cameras.List)
		v1.POST("/cameras", cfg.Cameras.Start)
		v1.DELETE("/cameras/:id", cfg.Cameras.Stop)
	}

	return r
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	if len(origins) == 0 {
		return cors.Default()
	}
	cc := cors.DefaultConfig()
	cc.AllowOrigins = origins
	cc.AddAllowHeaders("X-API-Key", "Authorization")
	return cors.New(cc)
}
