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
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/download_engine/internal/cleanup"
	"github.com/italolelis/download_engine/internal/config"
	"github.com/italolelis/download_engine/internal/engine"
	"github.com/italolelis/download_engine/internal/http/rest"
	"github.com/italolelis/download_engine/internal/logctx"
	"github.com/italolelis/download_engine/internal/notifier"
	"github.com/italolelis/download_engine/internal/storage/sqlite"
	"github.com/italolelis/download_engine/internal/telemetry"
	"github.com/italolelis/download_engine/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	logger := slog.New(logctx.NewTraceHandler(handler))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("download engine starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   cfg.Telemetry.OTLPInsecure,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(ctx); err != nil {
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

	repo := sqlite.NewInstrumentedDownloadRepository(database, tel)

	// =========================================================================
	// Start Notification
	notif := notifier.NewDispatcher(ctx, buildNotifier(cfg), 64, 10*time.Second)
	defer notif.Close()

	// =========================================================================
	// Start Engine
	opts := transfer.Options{
		ConnectTimeout:   cfg.ConnectTimeout,
		ReadTimeout:      cfg.ReadTimeout,
		ChunkSize:        cfg.ChunkSize,
		ProgressInterval: cfg.ProgressInterval,
		UserAgent:        cfg.UserAgent,
		BearerToken:      cfg.BearerToken,
	}

	runner := transfer.NewInstrumentedWorker(transfer.NewWorker(transfer.NewHTTPClient(opts), opts), tel)

	eng := engine.New(ctx, repo, runner, engine.Options{
		MaxParallel: cfg.MaxParallel,
		MaxRetries:  cfg.MaxRetries,
		Notifier:    notif,
		Telemetry:   tel,
	})

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := eng.Close(ctx); err != nil {
			logger.Error("failed to stop engine gracefully", "err", err)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	// =========================================================================
	// Start Cleanup
	if cfg.KeepCompletedFor > 0 {
		g.Go(func() error {
			cleanup.Run(ctx, eng, cfg.KeepCompletedFor, cfg.CleanupInterval)

			return nil
		})
	}

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, eng, tel, cfg)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

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

		return nil
	})

	logger.Info("waiting for downloads...",
		"target_dir", cfg.TargetDir,
		"max_parallel", cfg.MaxParallel,
		"retention", cfg.KeepCompletedFor.String(),
	)

	return g.Wait()
}

func buildNotifier(cfg *config.Config) notifier.Notifier {
	if cfg.DiscordWebhookURL == "" {
		return notifier.LogNotifier{}
	}

	return notifier.Multi{
		notifier.LogNotifier{},
		&notifier.DiscordNotifier{WebhookURL: cfg.DiscordWebhookURL},
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, eng *engine.Engine, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	dHandler := rest.NewDownloadsHandler(eng, cfg.TargetDir, cfg.Web.Username, cfg.Web.Password)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", otelhttp.NewHandler(dHandler.Routes(), "download-engine-api"))

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
