// Package config loads the daemon's YAML configuration: data
// directory, default lock-idle timeout, smartcard service level, and
// logging options.
//
// No single teacher file models this shape (warren's configuration
// lives inline as cobra flags in cmd/warren), so this follows the
// general struct-tag-plus-yaml.Unmarshal idiom instead, using
// gopkg.in/yaml.v3 — already a teacher dependency — rather than
// hand-rolling a parser.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/securityd/pkg/log"
	"github.com/cuemby/securityd/pkg/smartcard"
)

// Config is the top-level daemon configuration document.
type Config struct {
	DataDir     string          `yaml:"data_dir"`
	LogLevel    log.Level       `yaml:"log_level"`
	LogJSON     bool            `yaml:"log_json"`
	LockTimeout time.Duration   `yaml:"lock_timeout"`
	OpsAddr     string          `yaml:"ops_addr"`
	Smartcard   SmartcardConfig `yaml:"smartcard"`
}

// SmartcardConfig configures the pcscd supervisor.
type SmartcardConfig struct {
	ServiceLevel smartcard.ServiceLevel `yaml:"service_level"`
	ExecPath     string                 `yaml:"exec_path"`
	WorkingDir   string                 `yaml:"working_dir"`
	DebugLogPath string                 `yaml:"debug_log_path"`
}

// Default returns the configuration used when no file is supplied.
func Default() Config {
	return Config{
		DataDir:     "/var/db/securityd",
		LogLevel:    log.InfoLevel,
		LogJSON:     false,
		LockTimeout: 5 * time.Minute,
		OpsAddr:     "127.0.0.1:9191",
		Smartcard: SmartcardConfig{
			ServiceLevel: smartcard.Conservative,
		},
	}
}

// Load reads and parses the YAML configuration file at path, filling
// any field it doesn't set from Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}
