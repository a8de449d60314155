// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	sol "github.com/gagliardetto/solana-go"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"liquidation-watch/internal/discovery"
	"liquidation-watch/internal/sink"
	"liquidation-watch/internal/solana"
)

// ErrInvalid wraps every configuration validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all application configuration loaded from environment variables.
// It is built once at startup and passed by pointer; nothing mutates it afterwards.
type Config struct {
	// Feed configuration
	FeedEndpoint          string
	FeedAccessToken       string
	ProgramID             string
	FilterKey             string
	Commitment            string
	ConnectTimeout        time.Duration
	SubscribeTimeout      time.Duration
	PingInterval          time.Duration
	ReadTimeout           time.Duration
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration

	// Sink configuration
	SinkBackend      sink.Backend
	SinkURL          string
	SinkOrg          string
	SinkToken        string
	SinkBucket       string
	SinkWriteTimeout time.Duration

	// Observability configuration
	MetricsAddr string
	LogLevel    string
	LogFormat   string
}

// LoadEnvFile loads variables from a .env file without overriding ones already set.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables and validates all fields.
// All problems are reported together.
func Load() (*Config, error) {
	return load(true)
}

// LoadSink is like Load but only validates the sink and logging settings,
// for commands that never connect to the feed.
func LoadSink() (*Config, error) {
	return load(false)
}

func load(feed bool) (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Feed configuration
	cfg.FeedEndpoint = os.Getenv("FEED_ENDPOINT")
	cfg.FeedAccessToken = os.Getenv("FEED_ACCESS_TOKEN")
	cfg.ProgramID = getEnvOrDefault("FEED_PROGRAM_ID", discovery.MarginfiV2)
	cfg.FilterKey = getEnvOrDefault("FEED_FILTER_KEY", cfg.ProgramID)
	cfg.Commitment = getEnvOrDefault("FEED_COMMITMENT", solana.CommitmentConfirmed)

	durations := []struct {
		key, def string
		dst      *time.Duration
	}{
		{"FEED_CONNECT_TIMEOUT", "10s", &cfg.ConnectTimeout},
		{"FEED_SUBSCRIBE_TIMEOUT", "30s", &cfg.SubscribeTimeout},
		{"FEED_PING_INTERVAL", "30s", &cfg.PingInterval},
		{"FEED_READ_TIMEOUT", "60s", &cfg.ReadTimeout},
		{"RECONNECT_INITIAL_DELAY", "500ms", &cfg.ReconnectInitialDelay},
		{"RECONNECT_MAX_DELAY", "30s", &cfg.ReconnectMaxDelay},
		{"SINK_WRITE_TIMEOUT", "10s", &cfg.SinkWriteTimeout},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.dst = v
	}

	// Sink configuration
	backend, err := sink.ParseBackend(getEnvOrDefault("SINK_BACKEND", string(sink.BackendClickhouse)))
	if err != nil {
		errs = append(errs, fmt.Errorf("SINK_BACKEND: %w", err))
	}
	cfg.SinkBackend = backend
	cfg.SinkURL = os.Getenv("SINK_URL")
	cfg.SinkOrg = os.Getenv("SINK_ORG")
	cfg.SinkToken = os.Getenv("SINK_TOKEN")
	cfg.SinkBucket = os.Getenv("SINK_BUCKET")

	// Observability configuration
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9090")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")
	cfg.LogFormat = getEnvOrDefault("LOG_FORMAT", "json")

	if feed {
		errs = append(errs, cfg.validateFeed()...)
	}
	errs = append(errs, cfg.validateSink()...)
	if err := invalid(errs); err != nil {
		return nil, err
	}

	return cfg, nil
}

// invalid wraps accumulated validation errors in ErrInvalid, or returns nil.
func invalid(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}

func (c *Config) validateFeed() []error {
	var errs []error

	if c.FeedEndpoint == "" {
		errs = append(errs, fmt.Errorf("FEED_ENDPOINT is required"))
	} else if u, err := url.Parse(c.FeedEndpoint); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("FEED_ENDPOINT must be a ws:// or wss:// URL, got %q", c.FeedEndpoint))
	}

	if _, err := sol.PublicKeyFromBase58(c.ProgramID); err != nil {
		errs = append(errs, fmt.Errorf("FEED_PROGRAM_ID %q is not a valid public key: %v", c.ProgramID, err))
	}

	if c.FilterKey == "" {
		errs = append(errs, fmt.Errorf("FEED_FILTER_KEY must not be empty"))
	}

	switch c.Commitment {
	case solana.CommitmentProcessed, solana.CommitmentConfirmed, solana.CommitmentFinalized:
	default:
		errs = append(errs, fmt.Errorf("FEED_COMMITMENT must be processed, confirmed or finalized, got %q", c.Commitment))
	}

	for name, d := range map[string]time.Duration{
		"FEED_CONNECT_TIMEOUT":    c.ConnectTimeout,
		"FEED_SUBSCRIBE_TIMEOUT":  c.SubscribeTimeout,
		"FEED_PING_INTERVAL":      c.PingInterval,
		"FEED_READ_TIMEOUT":       c.ReadTimeout,
		"RECONNECT_INITIAL_DELAY": c.ReconnectInitialDelay,
		"RECONNECT_MAX_DELAY":     c.ReconnectMaxDelay,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}

	if c.ReconnectInitialDelay > c.ReconnectMaxDelay {
		errs = append(errs, fmt.Errorf("RECONNECT_INITIAL_DELAY (%v) cannot be greater than RECONNECT_MAX_DELAY (%v)",
			c.ReconnectInitialDelay, c.ReconnectMaxDelay))
	}

	if c.ReadTimeout > 0 && c.PingInterval >= c.ReadTimeout {
		errs = append(errs, fmt.Errorf("FEED_PING_INTERVAL (%v) must be shorter than FEED_READ_TIMEOUT (%v)",
			c.PingInterval, c.ReadTimeout))
	}

	return errs
}

// validateSink checks the sink and logging settings, which every command needs.
func (c *Config) validateSink() []error {
	var errs []error

	if c.SinkWriteTimeout < 0 {
		errs = append(errs, fmt.Errorf("SINK_WRITE_TIMEOUT must not be negative"))
	}

	if c.SinkBackend != sink.BackendMemory {
		if c.SinkURL == "" {
			errs = append(errs, fmt.Errorf("SINK_URL is required for the %s backend", c.SinkBackend))
		} else if _, err := c.SinkDSN(); err != nil {
			errs = append(errs, err)
		}
	}

	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %v", err))
	}

	if c.LogFormat != "json" && c.LogFormat != "console" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat))
	}

	return errs
}

// SinkDSN returns SINK_URL with SINK_TOKEN applied as the password and
// SINK_BUCKET as the database.
func (c *Config) SinkDSN() (string, error) {
	if c.SinkToken == "" && c.SinkBucket == "" {
		return c.SinkURL, nil
	}

	u, err := url.Parse(c.SinkURL)
	if err != nil {
		return "", fmt.Errorf("SINK_URL: %w", err)
	}

	if c.SinkToken != "" {
		username := ""
		if u.User != nil {
			username = u.User.Username()
		}
		u.User = url.UserPassword(username, c.SinkToken)
	}
	if c.SinkBucket != "" {
		u.Path = "/" + strings.TrimPrefix(c.SinkBucket, "/")
	}

	return u.String(), nil
}

// SubscribeRequest returns the transaction subscription for the configured program.
// Vote and failed transactions are excluded.
func (c *Config) SubscribeRequest() solana.SubscribeRequest {
	return solana.SubscribeRequest{
		FilterKey: c.FilterKey,
		Filter: solana.TransactionFilter{
			Vote:           false,
			Failed:         false,
			AccountInclude: []string{c.ProgramID},
			AccountExclude: []string{},
		},
		Commitment: c.Commitment,
	}
}

// WSConfig returns the feed connection settings.
func (c *Config) WSConfig(logger *zap.Logger) solana.WSConfig {
	ws := solana.DefaultWSConfig()
	ws.AccessToken = c.FeedAccessToken
	ws.HandshakeTimeout = c.ConnectTimeout
	ws.SubscribeTimeout = c.SubscribeTimeout
	ws.PingInterval = c.PingInterval
	ws.ReadTimeout = c.ReadTimeout
	ws.Logger = logger
	return ws
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}
