package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kosherhub/kosherhub/pkg/auth"
	"github.com/kosherhub/kosherhub/pkg/cache"
	"github.com/kosherhub/kosherhub/pkg/config"
	"github.com/kosherhub/kosherhub/pkg/database"
	"github.com/kosherhub/kosherhub/pkg/metrics"
	"github.com/kosherhub/kosherhub/pkg/observability"
	"github.com/kosherhub/kosherhub/pkg/redis"
)

// Dependencies carries the wired subsystems the HTTP surface exposes.
// Everything but Auth is optional; absent components simply drop out of
// the detailed health report.
type Dependencies struct {
	Auth       *auth.Service
	AuthConfig auth.Config
	DB         *database.Manager
	DBHealth   *database.HealthMonitor
	Cache      *cache.Manager
	Redis      *redis.Client
	Aggregator *metrics.Aggregator
	Logger     observability.Logger
}

// Server is the HTTP front of the platform: health and metrics
// endpoints, the JWKS document, and the authentication API.
type Server struct {
	router *gin.Engine
	server *http.Server
	cfg    config.APIConfig
	deps   Dependencies
}

// NewServer builds the router, middleware chain, and route table.
func NewServer(cfg config.APIConfig, deps Dependencies) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.NewNoopLogger()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(TraceRequests())
	router.Use(RequestLogger(deps.Logger))
	if deps.Aggregator != nil {
		router.Use(ObserveRequests(deps.Aggregator))
	}
	if cfg.EnableCORS {
		router.Use(CORSMiddleware(cfg.CORSOrigins))
	}
	router.Use(CSRFGuard())

	s := &Server{
		router: router,
		cfg:    cfg,
		deps:   deps,
		server: &http.Server{
			Addr:         cfg.ListenAddress,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/health/detailed", s.handleDetailedHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/.well-known/jwks.json", s.handleJWKS)

	authAPI := NewAuthAPI(s.deps.Auth, s.deps.AuthConfig, s.cfg, s.deps.Logger)

	public := s.router.Group("/auth")
	authAPI.RegisterPublicRoutes(public)

	private := s.router.Group("/auth")
	private.Use(AuthRequired(s.deps.Auth))
	authAPI.RegisterProtectedRoutes(private)
}

// Start serves plaintext HTTP until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// StartTLS serves HTTPS with the given certificate pair.
func (s *Server) StartTLS(certFile, keyFile string) error {
	return s.server.ListenAndServeTLS(certFile, keyFile)
}

// Shutdown drains in-flight requests until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}
