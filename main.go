package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/john/livesync/internal/audit"
	"github.com/john/livesync/internal/channel"
	"github.com/john/livesync/internal/config"
	"github.com/john/livesync/internal/consensus"
	"github.com/john/livesync/internal/content"
	"github.com/john/livesync/internal/escalate"
	"github.com/john/livesync/internal/health"
	"github.com/john/livesync/internal/identity"
	"github.com/john/livesync/internal/moderation"
	"github.com/john/livesync/internal/reconcile"
	"github.com/john/livesync/internal/session"
	"github.com/john/livesync/internal/storage"
)

func main() {
	// Get config path from environment variable or use default
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Livesync starting",
		zap.String("channel_url", cfg.Server.ChannelURL),
		zap.Strings("streams", cfg.Session.Streams))

	// Setup context and signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Moderation collaborators
	classifier := moderation.NewClassifier(cfg.Server.ModerationURL, logger)
	detector := moderation.NewDetector()

	// Content store and the consensus aggregator over it
	contentStore := content.NewStore(classifier, logger)
	aggregator := consensus.NewAggregator(
		contentStore,
		cfg.Engine.ReportThreshold,
		cfg.Engine.CountedReportReason,
		logger,
		func(itemID string) {
			// Index the flagged content as a confirmed violation pattern.
			// Best-effort: a failure is logged inside the classifier.
			post, err := contentStore.GetPost(itemID)
			if err != nil {
				logger.Warn("Flagged item vanished before indexing", zap.String("item_id", itemID))
				return
			}
			indexCtx, indexCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer indexCancel()
			classifier.ConfirmRumor(indexCtx, post.Caption)
		},
	)

	user := identity.User{UserID: cfg.Session.UserID, DisplayName: cfg.Session.Username}

	// Engine state: router, reconciliation store, escalation tracker
	router := channel.NewRouter(cfg.Server.ChannelURL, cfg.Engine.ReconnectBackoff(), logger)
	store := reconcile.NewStore(cfg.Engine.ReconcileWindow(), logger)

	var sess *session.Session
	tracker := escalate.NewTracker(cfg.Engine.WarningCeiling, logger,
		escalate.WithTerminationHook(func(rec escalate.Record) {
			if sess != nil {
				sess.HandleTermination(rec)
			}
		}),
	)

	auditChan := make(chan audit.Entry, cfg.Audit.BufferSize)
	fileChan := make(chan string, 100)

	sess = session.New(user, router, store, tracker, aggregator, logger,
		session.WithDetector(detector),
		session.WithAuditSink(auditChan),
	)

	rec := audit.New(
		cfg.Audit.OutputDir,
		cfg.Audit.BufferSize,
		cfg.Audit.RotateMinutes,
		cfg.Audit.RotateMegabytes,
		logger,
	)

	// Create shipper with appropriate authentication method, if S3 is configured
	var shipper *storage.Shipper
	if cfg.S3.Bucket != "" {
		if cfg.S3.RoleARN != "" {
			// Use OIDC authentication
			logger.Info("Using OIDC authentication", zap.String("role", cfg.S3.RoleARN))
			shipper, err = storage.New(
				ctx,
				cfg.S3.Bucket,
				cfg.S3.Region,
				cfg.S3.RoleARN,
				cfg.S3.MediaPrefix,
				cfg.S3.PublicBaseURL,
				cfg.Uploader.DeleteAfterUpload,
				cfg.Uploader.MaxRetries,
				logger,
			)
		} else {
			// Use legacy static credentials (deprecated)
			logger.Warn("Using static AWS credentials (deprecated). Migrate to OIDC.")
			shipper, err = storage.NewWithStaticCredentials(
				ctx,
				cfg.S3.Bucket,
				cfg.S3.Region,
				cfg.S3.AccessKeyID,
				cfg.S3.SecretAccessKey,
				cfg.S3.MediaPrefix,
				cfg.S3.PublicBaseURL,
				cfg.Uploader.DeleteAfterUpload,
				cfg.Uploader.MaxRetries,
				logger,
			)
		}
		if err != nil {
			logger.Fatal("Failed to create shipper", zap.Error(err))
		}

		// Ship any audit files left over from a previous run
		if err := shipper.ScanAndShipExisting(ctx, cfg.Audit.OutputDir); err != nil {
			logger.Warn("Failed to scan for existing audit files", zap.Error(err))
		}
	}

	healthServer := health.New(cfg.Health.Addr, logger)

	// Start all components
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sess.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("Session error", zap.Error(err))
		}
	}()

	// Join the configured streams once the session loop is running
	for _, streamID := range cfg.Session.Streams {
		sess.JoinStream(ctx, streamID, false)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := rec.Start(ctx, auditChan, fileChan); err != nil && err != context.Canceled {
			logger.Error("Audit recorder error", zap.Error(err))
		}
	}()

	if shipper != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := shipper.Start(ctx, fileChan); err != nil && err != context.Canceled {
				logger.Error("Shipper error", zap.Error(err))
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := healthServer.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("Health server error", zap.Error(err))
		}
	}()

	logger.Info("All components started successfully")

	// Wait for shutdown signal
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, initiating graceful shutdown")

		// Create shutdown context with timeout
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		// Stop health server
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down health server", zap.Error(err))
		}

		// Close connections and cancel countdowns, then stop the loops
		sess.Close()
		cancel()

		// Wait for components to finish with timeout
		done := make(chan struct{})
		go func() {
			wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			logger.Info("All components stopped gracefully")
		case <-shutdownCtx.Done():
			logger.Warn("Shutdown timeout exceeded, forcing exit")
		}

		os.Exit(0)
	}()

	// Wait for shutdown
	wg.Wait()
	logger.Info("Livesync stopped")
}
