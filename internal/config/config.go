// Package config loads relayarchive settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/agentworkforce/relayarchive/internal/engine"
	"github.com/agentworkforce/relayarchive/internal/retry"
)

const envPrefix = "RELAYARCHIVE_"

type Config struct {
	BaseURL  string
	Token    string
	ClientID string
	PushURL  string

	StoreDSN   string
	DataDir    string
	VaultDir   string
	InboxDir   string
	ListenAddr string

	ControlToken string

	Interval         time.Duration
	IntervalJitter   float64
	GracePeriod      time.Duration
	TransientTimeout time.Duration
	RecheckDelay     time.Duration

	MaxRetries    int
	RetryDelay    time.Duration
	RetryStrategy string

	RecentTTL         time.Duration
	SyncFetchAttempts int
	SyncFetchBackoff  time.Duration
	SyncRetryDelay    time.Duration

	RequestsPerSecond float64

	LogLevel  string
	LogFormat string
}

// Load reads envFile when it exists, then the process environment. Variables already set
// in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	dataDir := envOrDefault("DATA_DIR", ".relayarchive")
	cfg := &Config{
		BaseURL:           strings.TrimRight(envOrDefault("BASE_URL", "http://localhost:8787"), "/"),
		Token:             envOrDefault("TOKEN", ""),
		ClientID:          envOrDefault("CLIENT_ID", defaultClientID()),
		PushURL:           envOrDefault("PUSH_URL", ""),
		StoreDSN:          envOrDefault("STORE_DSN", "sqlite://"+filepath.Join(dataDir, "jobs.db")),
		DataDir:           dataDir,
		VaultDir:          envOrDefault("VAULT_DIR", filepath.Join(dataDir, "vault")),
		InboxDir:          envOrDefault("INBOX_DIR", ""),
		ListenAddr:        envOrDefault("LISTEN_ADDR", "127.0.0.1:8790"),
		ControlToken:      envOrDefault("CONTROL_TOKEN", ""),
		Interval:          durationEnv("RECONCILE_INTERVAL", engine.DefaultInterval),
		IntervalJitter:    floatEnv("INTERVAL_JITTER", 0.2),
		GracePeriod:       durationEnv("GRACE_PERIOD", engine.DefaultGracePeriod),
		TransientTimeout:  durationEnv("TRANSIENT_TIMEOUT", engine.DefaultTransientTimeout),
		RecheckDelay:      durationEnv("RECHECK_DELAY", engine.DefaultRecheckDelay),
		MaxRetries:        intEnv("MAX_RETRIES", retry.DefaultMaxRetries),
		RetryDelay:        durationEnv("RETRY_DELAY", 0),
		RetryStrategy:     strings.ToLower(envOrDefault("RETRY_STRATEGY", "constant")),
		RecentTTL:         durationEnv("RECENT_TTL", 0),
		SyncFetchAttempts: intEnv("SYNC_FETCH_ATTEMPTS", engine.DefaultSyncFetchAttempts),
		SyncFetchBackoff:  durationEnv("SYNC_FETCH_BACKOFF", engine.DefaultSyncFetchBackoff),
		SyncRetryDelay:    durationEnv("SYNC_RETRY_DELAY", engine.DefaultSyncRetryDelay),
		RequestsPerSecond: floatEnv("REQUESTS_PER_SECOND", 5),
		LogLevel:          strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(envOrDefault("LOG_FORMAT", "text")),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.RetryStrategy {
	case "constant", "linear", "exponential":
	default:
		return fmt.Errorf("invalid %sRETRY_STRATEGY %q", envPrefix, c.RetryStrategy)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("invalid %sMAX_RETRIES %d", envPrefix, c.MaxRetries)
	}
	if strings.TrimSpace(c.ClientID) == "" {
		return fmt.Errorf("%sCLIENT_ID is required", envPrefix)
	}
	return nil
}

// RetryPolicyStrategy builds the delay strategy for requeued jobs. Without an explicit
// delay the reconcile interval is used.
func (c *Config) RetryPolicyStrategy() retry.Strategy {
	base := c.RetryDelay
	if base <= 0 {
		base = c.Interval
	}
	return retry.StrategyFromName(c.RetryStrategy, base, 30*time.Minute)
}

// NewLogger builds the process logger. Output goes to w, or stderr when w is nil.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: parseLevel(c.LogLevel)}
	var handler slog.Handler
	switch c.LogFormat {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func defaultClientID() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		return "relayarchive"
	}
	return host
}

func envOrDefault(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(envPrefix + name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("invalid integer setting, using fallback", "name", envPrefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("invalid float setting, using fallback", "name", envPrefix+name, "value", raw, "fallback", fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(envPrefix + name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		slog.Warn("invalid duration setting, using fallback", "name", envPrefix+name, "value", raw, "fallback", fallback.String())
		return fallback
	}
	return value
}
