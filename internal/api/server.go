package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/xeet991fx/mrmorris-build-sub005/internal/config"
	"github.com/xeet991fx/mrmorris-build-sub005/internal/storage"
)

const agentPrefix = "/v1/workspaces/{ws}/agents/{agent}"

// Server is the execution API server.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	repo       storage.Repository
	cfg        *config.Config
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and middleware.
func NewServer(cfg *config.Config, deps Deps) *Server {
	handlers := NewHandlers(deps)

	s := &Server{
		handlers:  handlers,
		repo:      deps.Repo,
		cfg:       cfg,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		if cfg.Security.AllowUnauthenticated {
			log.Warn().Msg("no API keys configured, allow_unauthenticated is true, all requests will be accepted")
		} else {
			log.Warn().Msg("no API keys configured and allow_unauthenticated is false, all requests will be rejected")
		}
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      s.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handlers exposes the request handlers, e.g. to hook them to the report writer.
func (s *Server) Handlers() *Handlers {
	return s.handlers
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) routes() http.Handler {
	h := s.handlers

	// Execution API, wrapped with auth
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET "+agentPrefix+"/executions", h.HandleListExecutions)
	apiMux.HandleFunc("GET "+agentPrefix+"/executions/export", h.HandleExportExecutions)
	apiMux.HandleFunc("GET "+agentPrefix+"/executions/{id}", h.HandleGetExecution)
	apiMux.HandleFunc("POST "+agentPrefix+"/executions/{id}/retry", h.HandleRetryExecution)
	apiMux.HandleFunc("POST "+agentPrefix+"/executions/{id}/reports", h.HandleReport)
	apiMux.HandleFunc("POST "+agentPrefix+"/test", h.HandleTestAgent)
	apiMux.HandleFunc("GET "+agentPrefix+"/events", h.HandleEvents)

	authedAPI := AuthMiddleware(s.cfg.Security.AllowedKeys, s.cfg.Security.AllowUnauthenticated)(apiMux)

	// Top-level mux: health/metrics bypass auth, everything else goes through auth
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.cfg.Metrics.Enabled {
		mux.Handle("GET "+s.cfg.Metrics.Path, promhttp.HandlerFor(h.metrics.Registry, promhttp.HandlerOpts{}))
	}
	mux.Handle("/", authedAPI)

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(h.metrics)(handler)
	handler = RateLimitMiddleware(s.cfg.Security.RateLimitRPS, s.cfg.Security.RateLimitBurst)(handler)
	handler = MaxBodyMiddleware(s.cfg.Server.MaxRequestBody)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)
	return handler
}

// Start begins listening for requests. Uses TLS if configured.
func (s *Server) Start() error {
	if s.cfg.TLS.Enabled {
		log.Info().
			Str("addr", s.httpServer.Addr).
			Str("cert", s.cfg.TLS.CertFile).
			Msg("starting HTTPS server with TLS")

		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	log.Warn().Msg("TLS not enabled, running plain HTTP")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	s.handlers.closeStreams()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	dbOK := s.repo != nil && s.repo.Healthy(r.Context())

	resp := HealthResponse{
		Status:   "ok",
		Database: dbOK,
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}

	status := http.StatusOK
	if !dbOK {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
