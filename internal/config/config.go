package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultListenAddress is the default bind address for inbound MQTT connections.
	DefaultListenAddress = "0.0.0.0"
	// DefaultListenPort is the default bind port for inbound MQTT connections.
	DefaultListenPort = 1883
	// DefaultBrokerHost is the default upstream broker host.
	DefaultBrokerHost = "localhost"
	// DefaultBrokerPort is the default upstream broker port.
	DefaultBrokerPort = 1884

	// DefaultMaxMessagesPerSec is the default token refill rate applied to
	// clients without a policy override.
	DefaultMaxMessagesPerSec = 10.0
	// DefaultBurstSize is the default token bucket capacity.
	DefaultBurstSize = 20
	// DefaultBlockDurationSec is the default block window applied after a denied chunk.
	DefaultBlockDurationSec = 60

	// DefaultMetricsNamespace prefixes every exported Prometheus metric name.
	DefaultMetricsNamespace = "throttlebox"

	// DefaultCaptureMaxAge bounds how long capture trace files are retained.
	DefaultCaptureMaxAge = 24 * time.Hour
	// DefaultCaptureMaxFiles bounds how many capture trace files are retained.
	DefaultCaptureMaxFiles = 50

	// DefaultLogLevel controls verbosity for proxy logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "throttlebox.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config captures all runtime tunables for the proxy.
type Config struct {
	ListenAddress string
	ListenPort    int
	BrokerHost    string
	BrokerPort    int

	MaxMessagesPerSec float64
	BurstSize         int
	BlockDurationSec  int

	AdminAddress     string
	AdminToken       string
	MetricsNamespace string

	CaptureDir      string
	CaptureMaxAge   time.Duration
	CaptureMaxFiles int

	Logging LoggingConfig
}

// ListenAddr renders the configured listen address and port as a dial string.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.ListenAddress, strconv.Itoa(c.ListenPort))
}

// BrokerAddr renders the configured upstream broker host and port as a dial string.
func (c *Config) BrokerAddr() string {
	return net.JoinHostPort(c.BrokerHost, strconv.Itoa(c.BrokerPort))
}

// Load reads the proxy configuration from environment variables, applying sane
// defaults and returning a descriptive error for invalid overrides.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddress:     getString("THROTTLEBOX_LISTEN_ADDRESS", DefaultListenAddress),
		ListenPort:        DefaultListenPort,
		BrokerHost:        getString("THROTTLEBOX_BROKER_HOST", DefaultBrokerHost),
		BrokerPort:        DefaultBrokerPort,
		MaxMessagesPerSec: DefaultMaxMessagesPerSec,
		BurstSize:         DefaultBurstSize,
		BlockDurationSec:  DefaultBlockDurationSec,
		AdminAddress:      strings.TrimSpace(os.Getenv("THROTTLEBOX_ADMIN_ADDRESS")),
		AdminToken:        strings.TrimSpace(os.Getenv("THROTTLEBOX_ADMIN_TOKEN")),
		MetricsNamespace:  getString("THROTTLEBOX_METRICS_NAMESPACE", DefaultMetricsNamespace),
		CaptureDir:        strings.TrimSpace(os.Getenv("THROTTLEBOX_CAPTURE_DIR")),
		CaptureMaxAge:     DefaultCaptureMaxAge,
		CaptureMaxFiles:   DefaultCaptureMaxFiles,
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("THROTTLEBOX_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("THROTTLEBOX_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("THROTTLEBOX_LISTEN_PORT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 1 || value > 65535 {
			problems = append(problems, fmt.Sprintf("THROTTLEBOX_LISTEN_PORT must be in 1..65535, got %q", raw))
		} else {
			cfg.ListenPort = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("THROTTLEBOX_BROKER_PORT")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 1 || value > 65535 {
			problems = append(problems, fmt.Sprintf("THROTTLEBOX_BROKER_PORT must be in 1..65535, got %q", raw))
		} else {
			cfg.BrokerPort = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("THROTTLEBOX_MAX_MESSAGES_PER_SEC")); raw != "" {
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("THROTTLEBOX_MAX_MESSAGES_PER_SEC must be a positive number, got %q", raw))
		} else {
			cfg.MaxMessagesPerSec = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("THROTTLEBOX_BURST_SIZE")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("THROTTLEBOX_BURST_SIZE must be a positive integer, got %q", raw))
		} else {
			cfg.BurstSize = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("THROTTLEBOX_BLOCK_DURATION_SEC")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("THROTTLEBOX_BLOCK_DURATION_SEC must be non-negative, got %q", raw))
		} else {
			cfg.BlockDurationSec = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("THROTTLEBOX_CAPTURE_MAX_AGE")); raw != "" {
		duration, err := time.ParseDuration(raw)
		if err != nil || duration < 0 {
			problems = append(problems, fmt.Sprintf("THROTTLEBOX_CAPTURE_MAX_AGE must be a non-negative duration, got %q", raw))
		} else {
			cfg.CaptureMaxAge = duration
		}
	}

	if raw := strings.TrimSpace(os.Getenv("THROTTLEBOX_CAPTURE_MAX_FILES")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("THROTTLEBOX_CAPTURE_MAX_FILES must be a positive integer, got %q", raw))
		} else {
			cfg.CaptureMaxFiles = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("THROTTLEBOX_LOG_MAX_SIZE_MB")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("THROTTLEBOX_LOG_MAX_SIZE_MB must be a positive integer, got %q", raw))
		} else {
			cfg.Logging.MaxSizeMB = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("THROTTLEBOX_LOG_MAX_BACKUPS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("THROTTLEBOX_LOG_MAX_BACKUPS must be non-negative, got %q", raw))
		} else {
			cfg.Logging.MaxBackups = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("THROTTLEBOX_LOG_MAX_AGE_DAYS")); raw != "" {
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			problems = append(problems, fmt.Sprintf("THROTTLEBOX_LOG_MAX_AGE_DAYS must be non-negative, got %q", raw))
		} else {
			cfg.Logging.MaxAgeDays = value
		}
	}

	if raw := strings.TrimSpace(os.Getenv("THROTTLEBOX_LOG_COMPRESS")); raw != "" {
		value, err := strconv.ParseBool(raw)
		if err != nil {
			problems = append(problems, fmt.Sprintf("THROTTLEBOX_LOG_COMPRESS must be a boolean value, got %q", raw))
		} else {
			cfg.Logging.Compress = value
		}
	}

	if _, err := parseLevel(cfg.Logging.Level); err != nil {
		problems = append(problems, fmt.Sprintf("THROTTLEBOX_LOG_LEVEL: %v", err))
	}

	if cfg.BrokerHost == "" {
		problems = append(problems, "THROTTLEBOX_BROKER_HOST must not be empty")
	}

	if cfg.AdminAddress != "" && cfg.AdminToken == "" {
		problems = append(problems, "THROTTLEBOX_ADMIN_TOKEN must be set when THROTTLEBOX_ADMIN_ADDRESS is configured")
	}

	if len(problems) > 0 {
		return nil, errors.New(strings.Join(problems, "; "))
	}

	return cfg, nil
}

func parseLevel(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug", "info", "warn", "warning", "error", "fatal":
		return raw, nil
	default:
		return "", fmt.Errorf("unknown log level %q", raw)
	}
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
