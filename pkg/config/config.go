package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/adrg/xdg"

	"github.com/rattlesnake/gateway/pkg/fs"
	"github.com/rattlesnake/gateway/pkg/logger"
)

// localConfigDir is a var so tests can point it somewhere else
var localConfigDir = filepath.Join(xdg.ConfigHome, "rattlesnake")

type (
	// Config provides a general structure to capture the config options
	// for the gateway
	Config struct {
		Logger    Logger    `toml:"logger"`
		Server    Server    `toml:"server"`
		Scanner   Scanner   `toml:"scanner"`
		Telemetry Telemetry `toml:"telemetry"`
	}

	// Logger provides general logging config
	Logger struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	}

	// Server configures the websocket gateway
	Server struct {
		Listen string `toml:"listen"`
		// MaxMessageBytes caps a single inbound websocket message
		MaxMessageBytes int64 `toml:"max_message_bytes"`
	}

	// Scanner provides scan orchestration config
	Scanner struct {
		// Timeout is the wall-clock budget for one scan in seconds
		Timeout      uint32 `toml:"timeout"`
		Workers      int    `toml:"workers"`
		MaxQueueSize int    `toml:"max_queue_size"`
		// MaxOrphanedScans caps how many replacement workers can stand in
		// for engine calls that outlived their timeout
		MaxOrphanedScans int      `toml:"max_orphaned_scans"`
		MaxArchiveDepth  int      `toml:"max_archive_depth"`
		MaxDecodeDepth   int      `toml:"max_decode_depth"`
		MaxEntryBytes    int64    `toml:"max_entry_bytes"`
		Patterns         Patterns `toml:"patterns"`
	}

	// Telemetry configures the in process metrics
	Telemetry struct {
		// LogInterval is how often metrics are logged in seconds. 0 turns
		// it off.
		LogInterval uint32 `toml:"log_interval"`
	}

	// Patterns configures where the detection rules come from
	Patterns struct {
		// RulesPath points at a gitleaks style rule pack. When empty the
		// embedded default pack is used.
		RulesPath string `toml:"rules_path"`
	}
)

// ScanTimeout returns the scan budget as a duration
func (s Scanner) ScanTimeout() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}

// MetricsLogInterval returns the metrics log interval as a duration
func (t Telemetry) MetricsLogInterval() time.Duration {
	return time.Duration(t.LogInterval) * time.Second
}

// DefaultConfig provides a fully usable instance of Config with default
// values provided
func DefaultConfig() *Config {
	return &Config{
		Logger: Logger{
			Level:  "INFO",
			Format: "HUMAN",
		},
		Server: Server{
			Listen:          "0.0.0.0:8081",
			MaxMessageBytes: 64 << 20,
		},
		Scanner: Scanner{
			Timeout:          30,
			Workers:          runtime.NumCPU(),
			MaxQueueSize:     1024,
			MaxOrphanedScans: 512,
			MaxArchiveDepth:  4,
			MaxEntryBytes:    32 << 20,
		},
		Telemetry: Telemetry{
			LogInterval: 60,
		},
	}
}

// LoadConfigFromFile provides a config object with default values set plus any
// custom values pulled in from the config file
func LoadConfigFromFile(path string) (*Config, error) {
	config := DefaultConfig()
	_, err := toml.DecodeFile(filepath.Clean(path), config)

	if err != nil {
		return nil, err
	}

	if err := config.validate(); err != nil {
		return nil, err
	}

	if err := applyLogger(config.Logger); err != nil {
		return nil, err
	}

	return config, nil
}

// LocateAndLoadConfig looks through the possible places for the config
// favoring the provided path if it is set
func LocateAndLoadConfig(path string) (*Config, error) {
	if len(path) > 0 {
		return LoadConfigFromFile(path)
	}

	if path = os.Getenv("RATTLESNAKE_CONFIG"); len(path) > 0 {
		return LoadConfigFromFile(path)
	}

	path = filepath.Join(localConfigDir, "config.toml")
	if fs.FileExists(path) {
		return LoadConfigFromFile(path)
	}

	path = "/etc/rattlesnake/config.toml"
	if fs.FileExists(path) {
		return LoadConfigFromFile(path)
	}

	return DefaultConfig(), nil
}

func (c *Config) validate() error {
	if len(c.Server.Listen) == 0 {
		return fmt.Errorf("missing required field: field=%q", "server.listen")
	}

	if c.Scanner.Timeout == 0 {
		return fmt.Errorf("invalid scanner timeout: timeout=%d", c.Scanner.Timeout)
	}

	if c.Scanner.Workers <= 0 {
		c.Scanner.Workers = runtime.NumCPU()
	}

	if c.Scanner.MaxArchiveDepth < 0 || c.Scanner.MaxDecodeDepth < 0 || c.Scanner.MaxEntryBytes < 0 {
		return fmt.Errorf(
			"scanner limits must not be negative: max_archive_depth=%d max_decode_depth=%d max_entry_bytes=%d",
			c.Scanner.MaxArchiveDepth, c.Scanner.MaxDecodeDepth, c.Scanner.MaxEntryBytes,
		)
	}

	if c.Scanner.MaxOrphanedScans < 0 {
		return fmt.Errorf("invalid max orphaned scans: max_orphaned_scans=%d", c.Scanner.MaxOrphanedScans)
	}

	if c.Scanner.MaxQueueSize < 0 {
		return fmt.Errorf("invalid max queue size: max_queue_size=%d", c.Scanner.MaxQueueSize)
	}

	if len(c.Scanner.Patterns.RulesPath) > 0 && !fs.FileExists(c.Scanner.Patterns.RulesPath) {
		return fmt.Errorf("rules file does not exist: rules_path=%q", c.Scanner.Patterns.RulesPath)
	}

	return nil
}

func applyLogger(cfg Logger) error {
	if err := logger.SetLoggerLevel(cfg.Level); err != nil {
		return err
	}

	format, err := logger.ParseLogFormat(cfg.Format)
	if err != nil {
		return err
	}

	return logger.SetLoggerFormat(format)
}
