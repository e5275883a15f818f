package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"OpenHome/Songshark-Go/internal/logger"
)

// Environment variables that override config.json.
const (
	EnvInterface = "SONGSHARK_INTERFACE"
	EnvEndpoint  = "SONGSHARK_ENDPOINT"
	EnvStrategy  = "SONGSHARK_STRATEGY"
	EnvLogLevel  = "SONGSHARK_LOG_LEVEL"
)

// Config represents the application configuration
type Config struct {
	// Logging configuration
	Logging struct {
		// Level is the minimum log level to output (debug, info, warn, error)
		Level string `json:"level"`
		// File is the path to the log file. If empty, logs to stdout only
		File string `json:"file"`
		// MaxSizeMB is the maximum size of log file before rotation
		MaxSizeMB int `json:"max_size_mb"`
		// LogRetentionDays is how long rotated log files are kept
		LogRetentionDays int `json:"log_retention_days"`
	} `json:"logging"`

	// Capture configuration
	Capture struct {
		// Interface is the device name or adapter description to capture on,
		// matched like the -adapter flag
		Interface string `json:"interface"`
		// Endpoint is the stream destination as address:port
		Endpoint string `json:"endpoint"`
		// Strategy is the analysis to run ("Timings" or "Udp")
		Strategy string `json:"strategy"`
		// ReadTimeoutMS bounds each blocking read, and so how long Stop waits
		ReadTimeoutMS int `json:"read_timeout_ms"`
		// SnapLen is the number of bytes captured per packet
		SnapLen int `json:"snap_len"`
		// Promiscuous captures traffic not addressed to this host
		Promiscuous bool `json:"promiscuous"`
		// PollIntervalSeconds is how often statistics are printed
		PollIntervalSeconds int `json:"poll_interval_seconds"`
	} `json:"capture"`

	// Health endpoint configuration
	Health struct {
		// Listen is the gRPC health listen address; empty disables it
		Listen string `json:"listen"`
	} `json:"health"`
}

// DefaultPaths returns the config file locations searched in order.
func DefaultPaths() []string {
	if runtime.GOOS == "windows" {
		return []string{
			`C:\ProgramData\Songshark\config.json`,
			"config.json",
		}
	}
	return []string{
		"/etc/songshark/config.json",
		"config.json",
	}
}

// LoadConfig loads configuration from a JSON file
func LoadConfig(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.json"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Default returns a validated configuration with every default applied.
func Default() *Config {
	var c Config
	_ = c.ValidateAndSetDefaults()
	return &c
}

// ValidateAndSetDefaults fills unset fields and rejects invalid ones.
func (c *Config) ValidateAndSetDefaults() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if _, err := logger.ParseLogLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %w", err)
	}
	if c.Logging.MaxSizeMB <= 0 {
		c.Logging.MaxSizeMB = 100 // 100MB default
	}
	if c.Logging.LogRetentionDays <= 0 {
		c.Logging.LogRetentionDays = 7
	}

	if c.Capture.Strategy == "" {
		c.Capture.Strategy = "Timings"
	}
	if c.Capture.ReadTimeoutMS <= 0 || c.Capture.ReadTimeoutMS > 1000 {
		c.Capture.ReadTimeoutMS = 1000
	}
	if c.Capture.SnapLen <= 0 {
		c.Capture.SnapLen = 65536
	}
	if c.Capture.PollIntervalSeconds <= 0 {
		c.Capture.PollIntervalSeconds = 1
	}
	if c.Capture.Interface != "" {
		if err := validateInterfaceName(c.Capture.Interface); err != nil {
			return fmt.Errorf("invalid capture.interface: %w", err)
		}
	}
	return nil
}

// ReadTimeout returns the capture read timeout.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Capture.ReadTimeoutMS) * time.Millisecond
}

// PollInterval returns how often statistics are polled.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Capture.PollIntervalSeconds) * time.Second
}

// ApplyEnvFile overrides fields from the SONGSHARK_* variables. Values from
// path (a .env file) are used unless the process environment sets the same
// key. A missing file is not an error.
func (c *Config) ApplyEnvFile(path string) error {
	values := map[string]string{}
	if path != "" {
		fileValues, err := godotenv.Read(path)
		switch {
		case err == nil:
			values = fileValues
		case errors.Is(err, os.ErrNotExist):
		default:
			return fmt.Errorf("failed to read env file %s: %w", path, err)
		}
	}
	for _, key := range []string{EnvInterface, EnvEndpoint, EnvStrategy, EnvLogLevel} {
		if v, ok := os.LookupEnv(key); ok {
			values[key] = v
		}
	}

	if v := strings.TrimSpace(values[EnvInterface]); v != "" {
		c.Capture.Interface = v
	}
	if v := strings.TrimSpace(values[EnvEndpoint]); v != "" {
		c.Capture.Endpoint = v
	}
	if v := strings.TrimSpace(values[EnvStrategy]); v != "" {
		c.Capture.Strategy = v
	}
	if v := strings.TrimSpace(values[EnvLogLevel]); v != "" {
		c.Logging.Level = v
	}
	return c.ValidateAndSetDefaults()
}

// InitializeLogging sets up the default logger based on config
func (c *Config) InitializeLogging() error {
	level, err := logger.ParseLogLevel(c.Logging.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	logConfig := logger.Config{
		LogLevel:      level,
		LogFile:       c.Logging.File,
		MaxSizeMB:     c.Logging.MaxSizeMB,
		RetentionDays: c.Logging.LogRetentionDays,
	}
	if err := logger.Initialize(logConfig); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}

func (c *Config) String() string {
	return fmt.Sprintf("interface=%q endpoint=%q strategy=%s read_timeout=%v snap_len=%d promiscuous=%s log_level=%s health=%q",
		c.Capture.Interface, c.Capture.Endpoint, c.Capture.Strategy, c.ReadTimeout(), c.Capture.SnapLen,
		strconv.FormatBool(c.Capture.Promiscuous), c.Logging.Level, c.Health.Listen)
}

// interfaceNamePattern accepts device names ("eth0", "en0.100") and adapter
// descriptions such as "Intel(R) PRO/1000 MT Network Connection #2".
var interfaceNamePattern = regexp.MustCompile(`^[\p{L}\p{N}_.\-()#/+&@,:' ]+$`)

// validateInterfaceName rejects values that could be neither a capture device
// name nor an adapter description. Windows device paths (\Device\NPF_{GUID})
// are allowed as-is.
func validateInterfaceName(name string) error {
	if name == "" {
		return errors.New("interface name cannot be empty")
	}
	if len(name) > 255 {
		return fmt.Errorf("interface name too long: %d characters", len(name))
	}
	if isNPFDevice(name) {
		return nil
	}
	if strings.TrimSpace(name) != name || !interfaceNamePattern.MatchString(name) {
		return errors.New("interface name contains invalid characters")
	}
	return nil
}

var npfDevicePattern = regexp.MustCompile(`^\\Device\\NPF_(\{[0-9A-Fa-f\-]+\}|Loopback)$`)

func isNPFDevice(name string) bool {
	return npfDevicePattern.MatchString(name)
}
