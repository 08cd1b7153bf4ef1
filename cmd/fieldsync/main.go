package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"fieldsync/internal/api"
	"fieldsync/internal/config"
	"fieldsync/internal/logging"
	"fieldsync/internal/metrics"
	"fieldsync/internal/models"
	"fieldsync/internal/netmon"
	"fieldsync/internal/queue"
	"fieldsync/internal/remote"
	"fieldsync/internal/status"
	"fieldsync/internal/storage"
	"fieldsync/internal/syncer"

	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}
	logger := baseLogger.With().Str("component", "fieldsync-main").Logger()

	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := buildStorage(cfg, baseLogger)
	if err != nil {
		return err
	}
	defer backend.Close()

	storeLogger := baseLogger.With().Str("component", "queue").Logger()
	store, err := queue.NewStore(ctx, backend, queue.Limits{
		Capacity:       cfg.Sync.QueueCapacity,
		FailedCapacity: cfg.Sync.FailedCapacity,
		MaxRetries:     cfg.Sync.MaxRetries,
	}, &storeLogger)
	if err != nil {
		return err
	}

	// The UI polls /api/v1/status; the change hook just surfaces badge
	// transitions in the log.
	badgeLogger := baseLogger.With().Str("component", "badge").Logger()
	var lastBadge string
	store.OnChange(func(q models.Queue) {
		badge := status.Derive(q).Badge()
		if badge != lastBadge {
			badgeLogger.Info().Str("badge", badge).Msg("status changed")
			lastBadge = badge
		}
	})

	monitorLogger := baseLogger.With().Str("component", "netmon").Logger()
	monitor := netmon.New(buildProber(cfg), time.Duration(cfg.Monitor.IntervalSeconds)*time.Second, &monitorLogger)

	remoteLogger := baseLogger.With().Str("component", "remote").Logger()
	client := remote.NewClient(cfg.Remote, &remoteLogger)

	policy := syncer.RetryPolicy{
		MaxRetries: cfg.Sync.MaxRetries,
		BaseDelay:  time.Duration(cfg.Sync.BackoffBaseSeconds) * time.Second,
		Factor:     cfg.Sync.BackoffFactor,
		MaxDelay:   time.Duration(cfg.Sync.MaxDelaySeconds) * time.Second,
	}
	syncLogger := baseLogger.With().Str("component", "syncer").Logger()
	orch := syncer.New(store, client, monitor, policy, &syncLogger)

	go orch.Run(ctx)
	go monitor.Run(ctx)

	if cfg.API.Enabled {
		apiLogger := baseLogger.With().Str("component", "api").Logger()
		server := api.NewHTTPServer(cfg.API, store, orch, &apiLogger)
		go func() {
			if err := server.Start(); err != nil {
				logger.Error().Err(err).Msg("API server error")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	logger.Info().Str("driver", cfg.Storage.Driver).Msg("fieldsync engine started")
	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return nil
}

func buildStorage(cfg *config.Config, logger *zerolog.Logger) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case "file":
		return storage.NewFileStore(cfg.Storage.Path)
	case "sqlite":
		return storage.NewSQLiteStore(cfg.Storage.Path, cfg.Storage.Key)
	case "redis":
		client := storage.NewRedisClient(cfg.Storage.Redis)
		primary, err := storage.NewRedisStore(client, cfg.Storage.Key)
		if err != nil {
			return nil, err
		}
		fallback, err := storage.NewFileStore(cfg.Storage.FallbackPath)
		if err != nil {
			return nil, err
		}
		failoverLogger := logger.With().Str("component", "storage").Logger()
		return storage.NewFailoverStore(primary, fallback, time.Minute, &failoverLogger), nil
	default:
		return storage.NewMemoryStore(), nil
	}
}

func buildProber(cfg *config.Config) netmon.Prober {
	timeout := time.Duration(cfg.Monitor.TimeoutSeconds) * time.Second
	if cfg.Monitor.ProbeURL != "" {
		return netmon.HTTPProber{
			URL:    cfg.Monitor.ProbeURL,
			Client: &http.Client{Timeout: timeout},
		}
	}
	return netmon.DialProber{Addr: cfg.Monitor.ProbeAddress, Timeout: timeout}
}
