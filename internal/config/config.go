package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime configuration for the RTI.
type Config struct {
	// FederationSize is the number of federates that must connect
	// before the barrier can release. Fixed for the lifetime of one
	// federation run.
	FederationSize int
	ListenAddr     string

	// AcceptTimeout bounds how long the RTI waits for all federates to
	// connect. Zero disables the deadline.
	AcceptTimeout time.Duration

	// BarrierTimeout bounds how long a handler waits inside the
	// barrier for the final proposal. Zero disables the deadline and
	// preserves the wait-forever behavior.
	BarrierTimeout time.Duration

	Audit struct {
		Enabled       bool
		Brokers       []string
		Topic         string
		ClientID      string
		RetryMax      int
		RetryBackoff  time.Duration
		TLS           bool
		TLSCAPath     string
		TLSCertPath   string
		TLSKeyPath    string
		SASLEnabled   bool
		SASLMechanism string
		SASLUsername  string
		SASLPassword  string
	}

	MetricsAddr     string
	ShutdownTimeout time.Duration

	LogLevel      string
	LogFilePath   string
	LogMaxSize    int
	LogMaxBackups int
	LogMaxAge     int
	LogCompress   bool
}

const (
	defaultListenAddr      = ":55001"
	defaultMetricsAddr     = ":9102"
	defaultAuditTopic      = "federation.lifecycle.v1"
	defaultAuditClientID   = "federation-rti"
	defaultShutdownTimeout = 15 * time.Second
)

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	var cfg Config

	size := strings.TrimSpace(os.Getenv("RTI_FEDERATION_SIZE"))
	if size == "" {
		return cfg, fmt.Errorf("RTI_FEDERATION_SIZE is required")
	}
	n, err := strconv.Atoi(size)
	if err != nil {
		return cfg, fmt.Errorf("parse RTI_FEDERATION_SIZE: %w", err)
	}
	if n < 1 {
		return cfg, fmt.Errorf("RTI_FEDERATION_SIZE must be positive, got %d", n)
	}
	cfg.FederationSize = n

	cfg.ListenAddr = envWithDefault("RTI_LISTEN_ADDR", defaultListenAddr)
	cfg.AcceptTimeout = parseDurationEnv("RTI_ACCEPT_TIMEOUT", 0)
	if cfg.AcceptTimeout < 0 {
		cfg.AcceptTimeout = 0
	}
	cfg.BarrierTimeout = parseDurationEnv("RTI_BARRIER_TIMEOUT", 0)
	if cfg.BarrierTimeout < 0 {
		cfg.BarrierTimeout = 0
	}

	cfg.Audit.Enabled = parseBoolEnv("AUDIT_ENABLED", false)
	brokers := strings.TrimSpace(os.Getenv("AUDIT_BROKERS"))
	cfg.Audit.Brokers = splitAndTrim(brokers)
	if cfg.Audit.Enabled && len(cfg.Audit.Brokers) == 0 {
		return cfg, fmt.Errorf("AUDIT_BROKERS is required when AUDIT_ENABLED is set")
	}
	cfg.Audit.Topic = envWithDefault("AUDIT_TOPIC", defaultAuditTopic)
	cfg.Audit.ClientID = envWithDefault("AUDIT_CLIENT_ID", defaultAuditClientID)
	cfg.Audit.RetryMax = int(parseIntEnv("AUDIT_RETRY_MAX", 5))
	if cfg.Audit.RetryMax <= 0 {
		cfg.Audit.RetryMax = 5
	}
	cfg.Audit.RetryBackoff = parseDurationEnv("AUDIT_RETRY_BACKOFF", 500*time.Millisecond)
	if cfg.Audit.RetryBackoff <= 0 {
		cfg.Audit.RetryBackoff = 500 * time.Millisecond
	}
	cfg.Audit.TLS = parseBoolEnv("AUDIT_TLS", false)
	cfg.Audit.TLSCAPath = strings.TrimSpace(os.Getenv("AUDIT_TLS_CA"))
	cfg.Audit.TLSCertPath = strings.TrimSpace(os.Getenv("AUDIT_TLS_CERT"))
	cfg.Audit.TLSKeyPath = strings.TrimSpace(os.Getenv("AUDIT_TLS_KEY"))
	cfg.Audit.SASLEnabled = parseBoolEnv("AUDIT_SASL_ENABLED", false)
	cfg.Audit.SASLMechanism = strings.TrimSpace(os.Getenv("AUDIT_SASL_MECHANISM"))
	cfg.Audit.SASLUsername = strings.TrimSpace(os.Getenv("AUDIT_SASL_USERNAME"))
	cfg.Audit.SASLPassword = strings.TrimSpace(os.Getenv("AUDIT_SASL_PASSWORD"))

	cfg.MetricsAddr = envWithDefault("METRICS_ADDR", defaultMetricsAddr)
	cfg.ShutdownTimeout = parseDurationEnv("SHUTDOWN_TIMEOUT", defaultShutdownTimeout)

	cfg.LogLevel = strings.ToLower(envWithDefault("LOG_LEVEL", "info"))
	cfg.LogFilePath = strings.TrimSpace(os.Getenv("LOG_FILE_PATH"))
	cfg.LogMaxSize = int(parseIntEnv("LOG_MAX_SIZE", 100))
	cfg.LogMaxBackups = int(parseIntEnv("LOG_MAX_BACKUPS", 10))
	cfg.LogMaxAge = int(parseIntEnv("LOG_MAX_AGE", 30))
	cfg.LogCompress = parseBoolEnv("LOG_COMPRESS", true)

	return cfg, nil
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		p := strings.TrimSpace(part)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func envWithDefault(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return parsed
}

func parseDurationEnv(key string, def time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseIntEnv(key string, def int64) int64 {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	i, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return def
	}
	return i
}
