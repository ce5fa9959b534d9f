package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace/noop"

	"csv-chat-sandbox/internal/api"
	"csv-chat-sandbox/internal/config"
	"csv-chat-sandbox/internal/dataset"
	"csv-chat-sandbox/internal/llm"
	"csv-chat-sandbox/internal/monitor"
	"csv-chat-sandbox/internal/pipeline"
	"csv-chat-sandbox/internal/sandbox"
	"csv-chat-sandbox/internal/storage"
)

func main() {
	// Structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	var cfg *config.Config
	var err error

	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err = config.Load(configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
		}
	} else {
		log.Info().Msg("no config file found, using defaults")
		cfg = config.DefaultConfig()
	}
	log.Logger = log.Logger.Level(cfg.LogLevel())

	// Without an exporter configured, spans go nowhere.
	if !cfg.Tracing.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := monitor.NewMetrics()

	backend, err := sandbox.NewBackend(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create sandbox backend")
	}

	model, err := llm.FromConfig(cfg)
	if err != nil {
		log.Fatal().Err(err).Str("provider", cfg.Model.Provider).Msg("failed to create model client")
	}

	// Initialize database (optional, runs without it for development)
	var db *storage.DB
	if dsn := cfg.DatabaseDSN(); dsn != "" {
		db, err = storage.New(ctx, dsn, storage.Options{
			MaxConns:        int32(cfg.Database.MaxOpenConns),
			MinConns:        int32(cfg.Database.MaxIdleConns),
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
			db = nil
		} else {
			defer db.Close()
		}
	}

	// Buffered audit log; runs are never blocked on Postgres.
	var auditWriter *storage.AuditWriter
	var runs api.RunStore
	if db != nil {
		auditWriter = storage.NewAuditWriter(db, cfg.Database.AuditBuffer)
		auditWriter.OnDrop(metrics.AuditDroppedTotal.Inc)
		auditWriter.Start()
		defer auditWriter.Flush(10 * time.Second)
		runs = db
	}

	chat, err := pipeline.New(pipeline.Options{
		Backend:  backend,
		Model:    model,
		MaxRows:  cfg.Sandbox.MaxResultRows,
		Repair:   cfg.Repair,
		Metrics:  metrics,
		Tracer:   monitor.NewTracer(),
		Detector: monitor.NewEscapeDetector(),
		Audit:    auditWriter,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create chat pipeline")
	}

	tables := dataset.NewStore(cfg.Tables.MaxTables)
	server := api.NewServer(cfg, chat, backend, tables, runs, metrics)

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}

		// Waits for in-flight executions to finish or be interrupted.
		if err := backend.Close(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("backend close error")
		}

		cancel()
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Str("model_provider", cfg.Model.Provider).
		Str("policy_mode", string(backend.Policy().Mode())).
		Bool("db_enabled", db != nil).
		Bool("repair_enabled", cfg.Repair.Enabled).
		Msg("server starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}

	log.Info().Msg("server stopped")
}
