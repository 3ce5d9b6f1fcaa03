package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	cacheadapter "github.com/voicegrid/licensing-service/internal/adapters/cache"
	httpadapter "github.com/voicegrid/licensing-service/internal/adapters/http"
	"github.com/voicegrid/licensing-service/internal/adapters/master"
	"github.com/voicegrid/licensing-service/internal/adapters/postgres"
	"github.com/voicegrid/licensing-service/internal/adapters/security"
	"github.com/voicegrid/licensing-service/internal/adapters/workers"
	"github.com/voicegrid/licensing-service/internal/application"
)

type Runtime struct {
	cfg         Config
	logger      *slog.Logger
	httpServer  *http.Server
	reconciler  *workers.ReconcileWorker
	licenseSync *workers.LicenseSyncWorker
	cleanupFn   func(context.Context)
}

func NewRuntime(ctx context.Context, configPath string) (*Runtime, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("bootstrapping licensing service", "http_port", cfg.HTTPPort)

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	sqlDB, err := pool.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	redisClient, err := cacheadapter.Connect(ctx, cfg.RedisURL)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		// Redis down at boot is survivable; admission runs degraded against
		// the durable store until the cache returns.
		logger.Warn("redis unreachable at startup, running degraded", "error", err)
	}

	repos := postgres.NewRepositories(pool)
	tokenSigner, err := security.NewJWTSigner(cfg.JWTKeyID, cfg.JWTPrivateKeyPEM, cfg.JWTPublicKeyPEM)
	if err != nil {
		if !cfg.AllowEphemeralJWT {
			_ = sqlDB.Close()
			_ = redisClient.Close()
			return nil, fmt.Errorf("init jwt signer: %w", err)
		}
		logger.Warn("using ephemeral JWT keys for local/dev runtime")
		tokenSigner, err = security.NewEphemeralJWTSigner(cfg.JWTKeyID)
		if err != nil {
			_ = sqlDB.Close()
			_ = redisClient.Close()
			return nil, fmt.Errorf("init ephemeral jwt signer: %w", err)
		}
	}

	sessionCache := cacheadapter.NewRedisSessionCache(redisClient, logger)
	masterClient := master.NewClient(master.Config{
		BaseURL: cfg.MasterBaseURL,
		APIKey:  cfg.MasterAPIKey,
		Timeout: cfg.MasterTimeout,
	}, logger)

	svc := application.NewService(application.Dependencies{
		Config: application.Config{
			LicenseTTL:             cfg.LicenseTTL,
			LicenseGracePeriod:     cfg.LicenseGracePeriod,
			FailedLicenseRetention: cfg.FailedLicenseRetention,
			FetchRetries:           cfg.FetchRetries,
			FetchRetryDelay:        cfg.FetchRetryDelay,
			OfflineMaxUsers:        cfg.OfflineMaxUsers,
			SessionTTL:             cfg.SessionTTL,
			TokenTTL:               cfg.TokenTTL,
			HeartbeatWindow:        cfg.HeartbeatWindow,
			SessionAbsoluteCeiling: cfg.SessionAbsoluteCeiling,
			StartupGrace:           cfg.StartupGrace,
		},
		Logger:       logger,
		Licenses:     repos.Licenses,
		Sessions:     repos.Sessions,
		Fingerprints: repos.FingerprintChanges,
		Cache:        sessionCache,
		Master:       masterClient,
		Fingerprint:  security.NewHostFingerprint(),
		TokenSigner:  tokenSigner,
	})

	handler := httpadapter.NewHandler(svc, cfg.InternalAPIKey)
	router := httpadapter.NewRouter(handler)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return &Runtime{
		cfg:         cfg,
		logger:      logger,
		httpServer:  httpServer,
		reconciler:  workers.NewReconcileWorker(logger, svc, cfg.ReconcileInterval),
		licenseSync: workers.NewLicenseSyncWorker(logger, svc, cfg.SyncInterval),
		cleanupFn: func(ctx context.Context) {
			_ = redisClient.Close()
			_ = sqlDB.Close()
		},
	}, nil
}

func (r *Runtime) RunAPI(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		r.logger.Info("http server started", "addr", r.httpServer.Addr)
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		r.logger.Info("shutdown signal received")
	case err := <-errCh:
		r.logger.Error("server failure", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = r.httpServer.Shutdown(shutdownCtx)
	r.cleanupFn(shutdownCtx)
	return nil
}

func (r *Runtime) RunWorker(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	r.logger.Info("background workers started")
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.reconciler.Run(gctx) })
	g.Go(func() error { return r.licenseSync.Run(gctx) })

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.cleanupFn(shutdownCtx)
	return nil
}
