package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/italolelis/mediadrop/internal/cleanup"
	"github.com/italolelis/mediadrop/internal/config"
	"github.com/italolelis/mediadrop/internal/delivery"
	"github.com/italolelis/mediadrop/internal/fetch"
	"github.com/italolelis/mediadrop/internal/fileserver"
	"github.com/italolelis/mediadrop/internal/http/rest"
	"github.com/italolelis/mediadrop/internal/limiter"
	"github.com/italolelis/mediadrop/internal/logctx"
	"github.com/italolelis/mediadrop/internal/merge"
	"github.com/italolelis/mediadrop/internal/notifier"
	"github.com/italolelis/mediadrop/internal/session"
	"github.com/italolelis/mediadrop/internal/storage/sqlite"
	"github.com/italolelis/mediadrop/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("mediadrop starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	sessionRepo := sqlite.NewInstrumentedSessionRepository(database, tel)
	artifactRepo := sqlite.NewInstrumentedArtifactRepository(database, tel)

	// =========================================================================
	// Start File Server Registry
	registry := fileserver.NewRegistry(cfg.ArtifactRetention, artifactRepo)

	loaded, err := registry.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load artifacts: %w", err)
	}

	logger.Info("artifacts restored", "count", loaded)

	// =========================================================================
	// Start Delivery
	var (
		uploader delivery.Uploader
		links    delivery.LinkSender
	)

	if cfg.TelegramToken != "" {
		tg, err := delivery.NewTelegramUploader(cfg.TelegramToken, cfg.TelegramAPIEndpoint, cleanhttp.DefaultPooledClient())
		if err != nil {
			return fmt.Errorf("failed to setup telegram delivery: %w", err)
		}

		uploader, links = tg, tg
	} else {
		logger.Warn("TELEGRAM_TOKEN not set, every artifact is delivered by link")
	}

	router := delivery.NewRouter(uploader, links, registry, delivery.Options{
		DirectUploadLimit: cfg.DirectUploadLimit,
		ExternalURL:       cfg.ExternalURL,
	}, tel)

	// =========================================================================
	// Start Session Manager
	var notif notifier.Notifier
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	fetcher := fetch.New(nil, fetch.Options{
		Concurrency:  cfg.FetchConcurrency,
		FragmentSize: cfg.FragmentSize,
		Retries:      cfg.FetchRetries,
		Telemetry:    tel,
	})

	manager := session.NewManager(
		limiter.New(cfg.MaxPerUser, cfg.MaxGlobal),
		fetcher,
		merge.NewStage(merge.NewFFmpegMuxer(cfg.FFmpegPath), tel),
		router,
		registry,
		session.Options{
			DataDir:          cfg.DataDir,
			ProgressInterval: cfg.ProgressInterval,
			OnProgress:       logProgress(logger),
			Repository:       sessionRepo,
			Notifier:         notif,
			Telemetry:        tel,
		},
	)

	restored, err := manager.Restore(ctx)
	if err != nil {
		return fmt.Errorf("failed to restore sessions: %w", err)
	}

	logger.Info("sessions restored", "count", restored)

	// =========================================================================
	// Start Cleanup
	cleanup.NewSweeper(manager, registry, cleanup.Options{
		DataDir:           cfg.DataDir,
		Interval:          cfg.CleanupInterval,
		PartialStaleAfter: cfg.PartialStaleAfter,
		SessionGrace:      cfg.SessionGrace,
		Telemetry:         tel,
	}).Start(ctx)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, cfg, manager, registry, tel)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for sessions...",
		"data_dir", cfg.DataDir,
		"external_url", cfg.ExternalURL,
		"max_per_user", cfg.MaxPerUser,
		"direct_upload_limit", humanize.IBytes(uint64(cfg.DirectUploadLimit)),
		"artifact_retention", cfg.ArtifactRetention.String(),
	)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Error("sessions did not stop in time", "err", err)
		}

		return nil
	}
}

// setupServer prepares the handlers and services to create the http server.
func setupServer(ctx context.Context, cfg *config.Config, manager *session.Manager, registry *fileserver.Registry, tel *telemetry.Telemetry) *http.Server {
	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Handle("/metrics", tel.Handler())
	r.Mount(fileserver.Prefix, fileserver.NewHandler(registry, tel).Routes())
	r.Mount("/api", rest.NewSessionHandler(cfg.API.Username, cfg.API.Password, manager).Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "mediadrop"),
		BaseContext: func(net.Listener) context.Context {
			return context.WithoutCancel(ctx)
		},
	}
}

func logProgress(logger *slog.Logger) session.ProgressFunc {
	return func(sessionID string, done, total int64) {
		logger.Debug("session progress",
			"session_id", sessionID,
			"done", humanize.IBytes(uint64(done)),
			"total", humanize.IBytes(uint64(total)))
	}
}
