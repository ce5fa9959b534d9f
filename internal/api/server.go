package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"csv-chat-sandbox/internal/config"
	"csv-chat-sandbox/internal/dataset"
	"csv-chat-sandbox/internal/monitor"
	"csv-chat-sandbox/internal/sandbox"
)

// Server is the HTTP front end for the chat pipeline.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
	cfg        *config.Config
	backend    sandbox.Backend
	startTime  time.Time
}

// NewServer creates and configures the HTTP server with all routes and
// middleware. runs may be nil when no database is configured.
func NewServer(cfg *config.Config, asker Asker, backend sandbox.Backend, tables *dataset.Store, runs RunStore, metrics *monitor.Metrics) *Server {
	handlers := NewHandlers(asker, tables, runs, metrics).
		WithTableLimits(cfg.Tables.MaxUploadBytes, cfg.Tables.SampleRows)

	s := &Server{
		handlers:  handlers,
		cfg:       cfg,
		backend:   backend,
		startTime: time.Now(),
	}

	if len(cfg.Security.AllowedKeys) == 0 {
		log.Warn().Msg("no API keys configured, all requests will be accepted")
	}

	auth := AuthMiddleware(cfg.Security.APIKeyHeader, cfg.Security.AllowedKeys)
	// Uploads get their own body cap; everything else is small JSON.
	limitJSON := MaxBodyMiddleware(cfg.Server.MaxRequestBody)
	limitUpload := MaxBodyMiddleware(cfg.Tables.MaxUploadBytes)
	authed := func(h http.HandlerFunc) http.Handler { return limitJSON(auth(h)) }

	// Health and metrics bypass auth.
	mux := http.NewServeMux()
	mux.Handle("POST /tables", limitUpload(auth(http.HandlerFunc(handlers.HandleUploadTable))))
	mux.Handle("GET /tables/{id}", authed(handlers.HandleGetTable))
	mux.Handle("POST /chat", authed(handlers.HandleChat))
	mux.Handle("POST /chat/stream", authed(handlers.HandleChatStream))
	mux.Handle("GET /runs", authed(handlers.HandleListRuns))
	mux.Handle("GET /runs/{id}", authed(handlers.HandleGetRun))
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Metrics.Enabled {
		path := cfg.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}

	// Apply middleware chain (outermost first)
	var handler http.Handler = mux
	handler = MetricsMiddleware(metrics)(handler)
	handler = RateLimitMiddleware(cfg.Security.RateLimitRPS, cfg.Security.RateLimitBurst)(handler)
	handler = SecurityHeadersMiddleware(handler)
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = RecoveryMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.Address(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

// Handler returns the fully wrapped handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
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

	log.Warn().Msg("TLS not enabled, running plain HTTP (not recommended for production)")
	log.Info().
		Str("addr", s.httpServer.Addr).
		Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	runs := s.handlers.runs
	dbOK := runs == nil || runs.Healthy(r.Context())

	resp := HealthResponse{
		Status:   "ok",
		Backend:  s.backend != nil,
		Database: dbOK,
		Tables:   s.handlers.tables.Len(),
		Uptime:   time.Since(s.startTime).Round(time.Second).String(),
	}
	if s.backend != nil {
		resp.ActiveExecutions = s.backend.ActiveCount()
		s.handlers.metrics.ActiveExecutions.Set(float64(resp.ActiveExecutions))
	}

	if !dbOK || s.backend == nil {
		resp.Status = "degraded"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, resp)
}
