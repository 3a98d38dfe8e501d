package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"oracle-market/internal/auth"
	"oracle-market/internal/config"
	"oracle-market/internal/service"
)

// Deps are the collaborators the HTTP layer serves.
type Deps struct {
	Service     *service.Service
	Auth        *auth.Authenticator
	CORSOrigins []string
	Version     string
	Logger      zerolog.Logger
}

// NewRouter builds the gin engine with every route under /api.
func NewRouter(d Deps) *gin.Engine {
	logger := d.Logger.With().Str("component", "http").Logger()

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(logger), cors(d.CORSOrigins))

	group := r.Group("/api")
	(&HealthHandler{Version: d.Version}).Register(group)
	(&AuthHandler{Auth: d.Auth, Logger: logger}).Register(group)
	(&ClaimHandler{Svc: d.Service, Logger: logger}).Register(group)
	(&PositionHandler{Svc: d.Service, Logger: logger}).Register(group)
	(&UserHandler{Svc: d.Service, Logger: logger}).Register(group)
	return r
}

// NewServer wraps the router in an http.Server using the configured timeouts.
func NewServer(cfg config.HTTPConfig, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
}
