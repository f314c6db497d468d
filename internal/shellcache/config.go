package shellcache

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port          int    `yaml:"port" env:"SHELLCACHE_PORT"`
		Origin        string `yaml:"origin" env:"SHELLCACHE_ORIGIN"`
		ControlPrefix string `yaml:"controlPrefix"`
	} `yaml:"server"`
	Storage struct {
		Backend string `yaml:"backend" env:"SHELLCACHE_STORAGE_BACKEND"`
		Path    string `yaml:"path" env:"SHELLCACHE_STORAGE_PATH"`
		RAM     struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`

		// compiled
		ramMaxBytes int64
	} `yaml:"storage"`
	Manifest struct {
		Path            string   `yaml:"path" env:"SHELLCACHE_MANIFEST_PATH"`
		URL             string   `yaml:"url" env:"SHELLCACHE_MANIFEST_URL"`
		Core            []string `yaml:"core"`
		InitialDelay    string   `yaml:"initialDelay"`
		RediscoverEvery string   `yaml:"rediscoverEvery"`

		// compiled
		initialDelayDur    time.Duration
		rediscoverEveryDur time.Duration
	} `yaml:"manifest"`
	Fetch struct {
		Timeout     string `yaml:"timeout"`
		Concurrency int    `yaml:"concurrency"`

		// compiled
		timeoutDur time.Duration
	} `yaml:"fetch"`
	Logging struct {
		Level         string `yaml:"level" env:"SHELLCACHE_LOG_LEVEL"`
		Format        string `yaml:"format"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		// compiled
		logStatsEveryDur time.Duration
	} `yaml:"logging"`
}

// LoadConfig reads the YAML file at path, applies environment overrides and
// fills defaults.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig is LoadConfig for an in-memory document.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if cfg.Server.ControlPrefix == "" {
		cfg.Server.ControlPrefix = "/__shellcache"
	}
	if !strings.HasPrefix(cfg.Server.ControlPrefix, "/") {
		return fmt.Errorf("server.controlPrefix must start with /")
	}
	cfg.Server.ControlPrefix = strings.TrimRight(cfg.Server.ControlPrefix, "/")

	switch strings.ToLower(cfg.Storage.Backend) {
	case "":
		cfg.Storage.Backend = "leveldb"
	case "leveldb", "sqlite", "memory":
		cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)
	default:
		return fmt.Errorf("storage.backend: unknown backend %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Path == "" {
		switch cfg.Storage.Backend {
		case "leveldb":
			cfg.Storage.Path = "./data/leveldb"
		case "sqlite":
			cfg.Storage.Path = "./data/shellcache.db"
		}
	}
	if cfg.Storage.RAM.Max != "" {
		n, err := parseBytes(cfg.Storage.RAM.Max)
		if err != nil {
			return fmt.Errorf("storage.ram.max: %w", err)
		}
		cfg.Storage.ramMaxBytes = n
	}

	if cfg.Manifest.Path == "" && cfg.Manifest.URL == "" {
		return fmt.Errorf("one of manifest.path or manifest.url is required")
	}
	if cfg.Manifest.Path != "" && cfg.Manifest.URL != "" {
		return fmt.Errorf("manifest.path and manifest.url are mutually exclusive")
	}
	for i, p := range cfg.Manifest.Core {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("manifest.core[%d]: empty path", i)
		}
	}
	var err error
	if cfg.Manifest.initialDelayDur, err = parseOptionalDuration(cfg.Manifest.InitialDelay); err != nil {
		return fmt.Errorf("manifest.initialDelay: %w", err)
	}
	if cfg.Manifest.rediscoverEveryDur, err = parseOptionalDuration(cfg.Manifest.RediscoverEvery); err != nil {
		return fmt.Errorf("manifest.rediscoverEvery: %w", err)
	}

	if cfg.Fetch.Timeout == "" {
		cfg.Fetch.Timeout = "30s"
	}
	if cfg.Fetch.timeoutDur, err = time.ParseDuration(cfg.Fetch.Timeout); err != nil {
		return fmt.Errorf("fetch.timeout: %w", err)
	}
	if cfg.Fetch.Concurrency == 0 {
		cfg.Fetch.Concurrency = 8
	}
	if cfg.Fetch.Concurrency < 0 {
		return fmt.Errorf("fetch.concurrency must be positive")
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	switch cfg.Logging.Format {
	case "":
		cfg.Logging.Format = "json"
	case "json", "console":
	default:
		return fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format)
	}
	if cfg.Logging.logStatsEveryDur, err = parseOptionalDuration(cfg.Logging.LogStatsEvery); err != nil {
		return fmt.Errorf("logging.logStatsEvery: %w", err)
	}
	return nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

// RAMMaxBytes is the compiled storage.ram.max.
func (cfg Config) RAMMaxBytes() int64 { return cfg.Storage.ramMaxBytes }

// RediscoverEvery is the compiled manifest.rediscoverEvery.
func (cfg Config) RediscoverEvery() time.Duration { return cfg.Manifest.rediscoverEveryDur }

// FetchTimeout is the compiled fetch.timeout.
func (cfg Config) FetchTimeout() time.Duration { return cfg.Fetch.timeoutDur }
