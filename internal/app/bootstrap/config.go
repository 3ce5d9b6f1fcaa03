package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the resolved runtime configuration for the licensing service.
// It merges file defaults and environment overrides to support both local and deployed runs.
type Config struct {
	ServiceID string

	HTTPPort int

	DatabaseURL string
	RedisURL    string

	MasterBaseURL string
	MasterAPIKey  string
	MasterTimeout time.Duration

	InternalAPIKey string

	JWTPrivateKeyPEM  string
	JWTPublicKeyPEM   string
	JWTKeyID          string
	AllowEphemeralJWT bool

	LicenseTTL             time.Duration
	LicenseGracePeriod     time.Duration
	FailedLicenseRetention time.Duration
	FetchRetries           int
	FetchRetryDelay        time.Duration
	OfflineMaxUsers        int
	SyncInterval           time.Duration

	TokenTTL               time.Duration
	SessionTTL             time.Duration
	HeartbeatWindow        time.Duration
	SessionAbsoluteCeiling time.Duration
	StartupGrace           time.Duration
	ReconcileInterval      time.Duration

	MaxDBConns int
}

// configFile mirrors the YAML schema used by configs/default.yaml.
// It is intentionally separate from Config so runtime-only fields stay internal.
type configFile struct {
	Service struct {
		ID       string `yaml:"id"`
		HTTPPort int    `yaml:"http_port"`
	} `yaml:"service"`
	Dependencies struct {
		PostgresURL string `yaml:"postgres_url"`
		RedisURL    string `yaml:"redis_url"`
	} `yaml:"dependencies"`
	Master struct {
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"master"`
	License struct {
		TTLMinutes       int `yaml:"ttl_minutes"`
		GraceHours       int `yaml:"grace_hours"`
		FetchRetries     int `yaml:"fetch_retries"`
		RetryDelaySecs   int `yaml:"retry_delay_seconds"`
		OfflineMaxUsers  int `yaml:"offline_max_users"`
		SyncIntervalMins int `yaml:"sync_interval_minutes"`
	} `yaml:"license"`
	Sessions struct {
		TTLMinutes            int `yaml:"ttl_minutes"`
		HeartbeatWindowMins   int `yaml:"heartbeat_window_minutes"`
		AbsoluteCeilingHours  int `yaml:"absolute_ceiling_hours"`
		StartupGraceMins      int `yaml:"startup_grace_minutes"`
		ReconcileIntervalMins int `yaml:"reconcile_interval_minutes"`
	} `yaml:"sessions"`
}

// LoadConfig resolves configuration in priority order: defaults -> file -> env.
// This order keeps local bootstrap simple while allowing environment-specific overrides.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		ServiceID:              "Licensing-Service",
		HTTPPort:               8080,
		MasterTimeout:          5 * time.Second,
		JWTKeyID:               "licensing-key-1",
		AllowEphemeralJWT:      true,
		LicenseTTL:             time.Hour,
		LicenseGracePeriod:     72 * time.Hour,
		FailedLicenseRetention: 24 * time.Hour,
		FetchRetries:           3,
		FetchRetryDelay:        2 * time.Second,
		OfflineMaxUsers:        3,
		SyncInterval:           time.Hour,
		TokenTTL:               24 * time.Hour,
		SessionTTL:             2 * time.Hour,
		HeartbeatWindow:        45 * time.Minute,
		SessionAbsoluteCeiling: 24 * time.Hour,
		StartupGrace:           15 * time.Minute,
		ReconcileInterval:      10 * time.Minute,
		MaxDBConns:             20,
	}

	raw, err := os.ReadFile(path)
	if err == nil {
		var f configFile
		if unmarshalErr := yaml.Unmarshal(raw, &f); unmarshalErr != nil {
			return Config{}, fmt.Errorf("parse config file: %w", unmarshalErr)
		}
		if f.Service.ID != "" {
			cfg.ServiceID = f.Service.ID
		}
		if f.Service.HTTPPort > 0 {
			cfg.HTTPPort = f.Service.HTTPPort
		}
		if f.Dependencies.PostgresURL != "" {
			cfg.DatabaseURL = f.Dependencies.PostgresURL
		}
		if f.Dependencies.RedisURL != "" {
			cfg.RedisURL = f.Dependencies.RedisURL
		}
		if f.Master.BaseURL != "" {
			cfg.MasterBaseURL = f.Master.BaseURL
		}
		if f.Master.APIKey != "" {
			cfg.MasterAPIKey = f.Master.APIKey
		}
		if f.Master.TimeoutSeconds > 0 {
			cfg.MasterTimeout = time.Duration(f.Master.TimeoutSeconds) * time.Second
		}
		if f.License.TTLMinutes > 0 {
			cfg.LicenseTTL = time.Duration(f.License.TTLMinutes) * time.Minute
		}
		if f.License.GraceHours > 0 {
			cfg.LicenseGracePeriod = time.Duration(f.License.GraceHours) * time.Hour
		}
		if f.License.FetchRetries > 0 {
			cfg.FetchRetries = f.License.FetchRetries
		}
		if f.License.RetryDelaySecs > 0 {
			cfg.FetchRetryDelay = time.Duration(f.License.RetryDelaySecs) * time.Second
		}
		if f.License.OfflineMaxUsers > 0 {
			cfg.OfflineMaxUsers = f.License.OfflineMaxUsers
		}
		if f.License.SyncIntervalMins > 0 {
			cfg.SyncInterval = time.Duration(f.License.SyncIntervalMins) * time.Minute
		}
		if f.Sessions.TTLMinutes > 0 {
			cfg.SessionTTL = time.Duration(f.Sessions.TTLMinutes) * time.Minute
		}
		if f.Sessions.HeartbeatWindowMins > 0 {
			cfg.HeartbeatWindow = time.Duration(f.Sessions.HeartbeatWindowMins) * time.Minute
		}
		if f.Sessions.AbsoluteCeilingHours > 0 {
			cfg.SessionAbsoluteCeiling = time.Duration(f.Sessions.AbsoluteCeilingHours) * time.Hour
		}
		if f.Sessions.StartupGraceMins > 0 {
			cfg.StartupGrace = time.Duration(f.Sessions.StartupGraceMins) * time.Minute
		}
		if f.Sessions.ReconcileIntervalMins > 0 {
			cfg.ReconcileInterval = time.Duration(f.Sessions.ReconcileIntervalMins) * time.Minute
		}
	}

	cfg.DatabaseURL = envOrDefault("DB_URL", envOrDefault("POSTGRES_URL", cfg.DatabaseURL))
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.MasterBaseURL = envOrDefault("MASTER_BASE_URL", cfg.MasterBaseURL)
	cfg.MasterAPIKey = envOrDefault("MASTER_API_KEY", cfg.MasterAPIKey)
	cfg.InternalAPIKey = envOrDefault("INTERNAL_API_KEY", cfg.InternalAPIKey)
	cfg.JWTPrivateKeyPEM = envOrDefault("JWT_PRIVATE_KEY_PEM", cfg.JWTPrivateKeyPEM)
	cfg.JWTPublicKeyPEM = envOrDefault("JWT_PUBLIC_KEY_PEM", cfg.JWTPublicKeyPEM)
	cfg.JWTKeyID = envOrDefault("JWT_KEY_ID", cfg.JWTKeyID)
	cfg.AllowEphemeralJWT = envBool("JWT_ALLOW_EPHEMERAL", cfg.AllowEphemeralJWT)

	cfg.HTTPPort = envInt("HTTP_PORT", cfg.HTTPPort)
	cfg.MaxDBConns = envInt("DB_MAX_CONNS", cfg.MaxDBConns)
	cfg.FetchRetries = envInt("LICENSE_FETCH_RETRIES", cfg.FetchRetries)
	cfg.OfflineMaxUsers = envInt("OFFLINE_MAX_USERS", cfg.OfflineMaxUsers)

	cfg.MasterTimeout = time.Duration(envInt("MASTER_TIMEOUT_SECONDS", int(cfg.MasterTimeout.Seconds()))) * time.Second
	cfg.LicenseTTL = time.Duration(envInt("LICENSE_TTL_MINUTES", int(cfg.LicenseTTL.Minutes()))) * time.Minute
	cfg.LicenseGracePeriod = time.Duration(envInt("LICENSE_GRACE_HOURS", int(cfg.LicenseGracePeriod.Hours()))) * time.Hour
	cfg.FailedLicenseRetention = time.Duration(envInt("LICENSE_FAILED_RETENTION_HOURS", int(cfg.FailedLicenseRetention.Hours()))) * time.Hour
	cfg.FetchRetryDelay = time.Duration(envInt("LICENSE_RETRY_DELAY_SECONDS", int(cfg.FetchRetryDelay.Seconds()))) * time.Second
	cfg.SyncInterval = time.Duration(envInt("LICENSE_SYNC_INTERVAL_MINUTES", int(cfg.SyncInterval.Minutes()))) * time.Minute
	cfg.TokenTTL = time.Duration(envInt("TOKEN_EXPIRY_HOURS", int(cfg.TokenTTL.Hours()))) * time.Hour
	cfg.SessionTTL = time.Duration(envInt("SESSION_TTL_MINUTES", int(cfg.SessionTTL.Minutes()))) * time.Minute
	cfg.HeartbeatWindow = time.Duration(envInt("SESSION_HEARTBEAT_WINDOW_MINUTES", int(cfg.HeartbeatWindow.Minutes()))) * time.Minute
	cfg.SessionAbsoluteCeiling = time.Duration(envInt("SESSION_ABSOLUTE_CEILING_HOURS", int(cfg.SessionAbsoluteCeiling.Hours()))) * time.Hour
	cfg.StartupGrace = time.Duration(envInt("SESSION_STARTUP_GRACE_MINUTES", int(cfg.StartupGrace.Minutes()))) * time.Minute
	cfg.ReconcileInterval = time.Duration(envInt("RECONCILE_INTERVAL_MINUTES", int(cfg.ReconcileInterval.Minutes()))) * time.Minute

	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("missing DB_URL/POSTGRES_URL")
	}
	if cfg.RedisURL == "" {
		return Config{}, fmt.Errorf("missing REDIS_URL")
	}
	if cfg.MasterBaseURL == "" {
		return Config{}, fmt.Errorf("missing MASTER_BASE_URL")
	}
	if (cfg.JWTPrivateKeyPEM == "" || cfg.JWTPublicKeyPEM == "") && !cfg.AllowEphemeralJWT {
		return Config{}, fmt.Errorf("missing JWT_PRIVATE_KEY_PEM or JWT_PUBLIC_KEY_PEM")
	}

	return cfg, nil
}

// envOrDefault returns an env var when present, otherwise the provided fallback.
func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// envInt parses integer env vars with safe fallback on empty/invalid values.
func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// envBool parses common boolean env forms while keeping a deterministic fallback.
func envBool(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}
