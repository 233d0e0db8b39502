package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"firewall-audit/internal/detect"
	"firewall-audit/internal/risk"
)

const (
	DefaultLogLevel = "INFO"
	DefaultProvider = "file"
)

// Config is the fwaudit configuration file. Command-line flags override
// any value set here.
type Config struct {
	// LogLevel is DEBUG, INFO, WARN or ERROR.
	LogLevel string `yaml:"log_level"`
	// LogFile, when set, receives the JSON log instead of stderr.
	LogFile string `yaml:"log_file"`
	// Workers bounds the detector worker pool; 0 means one per CPU.
	Workers int `yaml:"workers"`
	// Provider selects the rule source: file, mariadb or nftables.
	Provider string `yaml:"provider"`
	// FailAbove makes analyze exit with status 2 when the posture is
	// worse than this value. Empty disables the gate.
	FailAbove string `yaml:"fail_above"`

	Database  DatabaseConfig  `yaml:"database"`
	Catalogue detect.Settings `yaml:"catalogue"`
}

// DatabaseConfig locates stored rule snapshots.
type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	Snapshot string `yaml:"snapshot"`
}

func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Provider == "" {
		c.Provider = DefaultProvider
	}
	c.Catalogue.ApplyDefaults()
}

func (c *Config) Validate() error {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
	default:
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}
	if c.Workers < 0 {
		return fmt.Errorf("config: workers must not be negative, got %d", c.Workers)
	}
	switch c.Provider {
	case "file", "nftables":
	case "mariadb":
		if c.Database.DSN == "" {
			return fmt.Errorf("config: database.dsn is required for the mariadb provider")
		}
	default:
		return fmt.Errorf("config: invalid provider %q (must be \"file\", \"mariadb\" or \"nftables\")", c.Provider)
	}
	if c.FailAbove != "" {
		if _, ok := risk.ParsePosture(c.FailAbove); !ok {
			return fmt.Errorf("config: invalid fail_above %q", c.FailAbove)
		}
	}
	if err := c.Catalogue.Validate(); err != nil {
		return fmt.Errorf("config: catalogue: %w", err)
	}
	return nil
}

// Load reads a YAML configuration file. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
