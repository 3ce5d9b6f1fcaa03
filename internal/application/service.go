package application

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/voicegrid/licensing-service/internal/ports"
)

// Config carries the tunable windows of the licensing core. Durations are
// resolved by bootstrap; zero values are replaced with safe defaults there.
type Config struct {
	// LicenseTTL is how long a synced license is served before it is flagged
	// stale and a background refresh is triggered.
	LicenseTTL time.Duration
	// LicenseGracePeriod is how long past its last sync a stale license stays
	// usable before the slave falls back to the offline default.
	LicenseGracePeriod time.Duration
	// FailedLicenseRetention is how long failed license rows are kept before
	// the reconciler physically deletes them.
	FailedLicenseRetention time.Duration
	FetchRetries           int
	FetchRetryDelay        time.Duration
	OfflineMaxUsers        int

	// SessionTTL bounds both the cache entries and the durable expires_at.
	SessionTTL time.Duration
	TokenTTL   time.Duration
	// HeartbeatWindow is the liveness window: active sessions whose last
	// heartbeat is older are expired by reconciliation.
	HeartbeatWindow time.Duration
	// SessionAbsoluteCeiling is the hard age limit for any session.
	SessionAbsoluteCeiling time.Duration
	// StartupGrace covers sessions that never recorded a heartbeat, e.g.
	// right after a process restart.
	StartupGrace time.Duration
}

// Service is the licensing and session-admission core. All collaborators are
// injected so tests run against in-memory fakes; nothing here touches global
// connection state.
type Service struct {
	cfg          Config
	logger       *slog.Logger
	licenses     ports.LicenseRepository
	sessions     ports.SessionRepository
	fingerprints ports.FingerprintChangeRepository
	cache        ports.SessionCache
	master       ports.MasterClient
	fingerprint  ports.FingerprintProvider
	tokenSigner  ports.TokenSigner
	nowFn        func() time.Time

	refreshing atomic.Bool
}

type Dependencies struct {
	Config       Config
	Logger       *slog.Logger
	Licenses     ports.LicenseRepository
	Sessions     ports.SessionRepository
	Fingerprints ports.FingerprintChangeRepository
	Cache        ports.SessionCache
	Master       ports.MasterClient
	Fingerprint  ports.FingerprintProvider
	TokenSigner  ports.TokenSigner
}

func NewService(deps Dependencies) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config
	if cfg.LicenseTTL <= 0 {
		cfg.LicenseTTL = time.Hour
	}
	if cfg.LicenseGracePeriod <= 0 {
		cfg.LicenseGracePeriod = 72 * time.Hour
	}
	if cfg.FailedLicenseRetention <= 0 {
		cfg.FailedLicenseRetention = 24 * time.Hour
	}
	if cfg.FetchRetryDelay <= 0 {
		cfg.FetchRetryDelay = 2 * time.Second
	}
	if cfg.OfflineMaxUsers <= 0 {
		cfg.OfflineMaxUsers = 3
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 2 * time.Hour
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.HeartbeatWindow <= 0 {
		cfg.HeartbeatWindow = 45 * time.Minute
	}
	if cfg.SessionAbsoluteCeiling <= 0 {
		cfg.SessionAbsoluteCeiling = 24 * time.Hour
	}
	if cfg.StartupGrace <= 0 {
		cfg.StartupGrace = 15 * time.Minute
	}

	return &Service{
		cfg:          cfg,
		logger:       logger,
		licenses:     deps.Licenses,
		sessions:     deps.Sessions,
		fingerprints: deps.Fingerprints,
		cache:        deps.Cache,
		master:       deps.Master,
		fingerprint:  deps.Fingerprint,
		tokenSigner:  deps.TokenSigner,
		nowFn:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) log() *slog.Logger {
	return s.logger.With(
		"module", "application",
		"layer", "service",
	)
}
