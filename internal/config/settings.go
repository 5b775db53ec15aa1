package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"ipranges/internal/support"
)

type Config struct {
	Sources []Source `json:"sources" yaml:"sources"`

	Fetch struct {
		Timeout   Duration `json:"timeout" yaml:"timeout"`
		Retries   int      `json:"retries" yaml:"retries"`
		Backoff   Duration `json:"backoff" yaml:"backoff"`
		UserAgent string   `json:"user_agent" yaml:"user_agent"`
	} `json:"fetch" yaml:"fetch"`

	Check struct {
		Timeout      Duration `json:"timeout" yaml:"timeout"`
		SnapshotPath string   `json:"snapshot_path" yaml:"snapshot_path"`
	} `json:"check" yaml:"check"`

	Notes struct {
		Path        string `json:"path" yaml:"path"`
		PreviousDir string `json:"previous_dir" yaml:"previous_dir"`
	} `json:"notes" yaml:"notes"`

	Redis struct {
		URL     string `json:"url" yaml:"url"`
		Key     string `json:"key" yaml:"key"`
		Channel string `json:"channel" yaml:"channel"`
	} `json:"redis" yaml:"redis"`

	MetricsFile string `json:"metrics_file" yaml:"metrics_file"`
	LogLevel    string `json:"log_level" yaml:"log_level"`
}

const envPrefix = "IPRANGES_"

// DefaultFiles are probed in the working directory when no --config is given.
var DefaultFiles = []string{"ipranges.yaml", "ipranges.yml", "ipranges.json"}

var (
	//go:embed default_settings.json
	defaultConfig []byte

	ErrUnsupportedFormat = errors.New("config: unsupported file format")
)

// Default returns the embedded configuration.
func Default() (Config, error) {
	var cfg Config
	if err := json.Unmarshal(defaultConfig, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode defaults: %w", err)
	}
	return cfg, nil
}

// Load builds the effective configuration: embedded defaults, then the
// settings file (path, or the first DefaultFiles entry that exists), then
// IPRANGES_* environment overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg, err := Default()
	if err != nil {
		return Config{}, err
	}

	if path == "" {
		path = findDefaultFile()
	}
	if path != "" {
		if err := loadConfigFromFile(&cfg, path); err != nil {
			return Config{}, err
		}
		log.Debug("Settings file loaded", "path", path)
	}

	if err := overrideConfigWithEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func findDefaultFile() string {
	for _, name := range DefaultFiles {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}
	return ""
}

func loadConfigFromFile(cfg *Config, path string) error {
	expanded, err := support.ExpandPath(path)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(expanded)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("config: decode yaml %s: %w", path, err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("config: decode json %s: %w", path, err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	return nil
}

func overrideConfigWithEnv(cfg *Config) error {
	var errs []error

	durationEnv := func(key string, target *Duration) {
		raw := support.GetEnv(envPrefix+key, "")
		if raw == "" {
			return
		}
		parsed, err := ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %s%s: %w", envPrefix, key, err))
			return
		}
		*target = Duration(parsed)
	}

	durationEnv("TIMEOUT", &cfg.Fetch.Timeout)
	durationEnv("BACKOFF", &cfg.Fetch.Backoff)
	durationEnv("CHECK_TIMEOUT", &cfg.Check.Timeout)

	cfg.Fetch.Retries = support.GetEnvInt(envPrefix+"RETRIES", cfg.Fetch.Retries)
	cfg.Fetch.UserAgent = support.GetEnv(envPrefix+"USER_AGENT", cfg.Fetch.UserAgent)
	cfg.Check.SnapshotPath = support.GetEnv(envPrefix+"SNAPSHOT_PATH", cfg.Check.SnapshotPath)
	cfg.Notes.Path = support.GetEnv(envPrefix+"NOTES_PATH", cfg.Notes.Path)
	cfg.Notes.PreviousDir = support.GetEnv(envPrefix+"PREVIOUS_DIR", cfg.Notes.PreviousDir)
	cfg.Redis.URL = support.GetEnv(envPrefix+"REDIS_URL", cfg.Redis.URL)
	cfg.MetricsFile = support.GetEnv(envPrefix+"METRICS_FILE", cfg.MetricsFile)
	cfg.LogLevel = support.GetEnv(envPrefix+"LOG_LEVEL", cfg.LogLevel)

	// Per-source URL overrides, e.g. IPRANGES_GOOG_URL.
	for i := range cfg.Sources {
		key := envPrefix + strings.ToUpper(strings.ReplaceAll(cfg.Sources[i].Name, "-", "_")) + "_URL"
		cfg.Sources[i].URL = support.GetEnv(key, cfg.Sources[i].URL)
	}

	return errors.Join(errs...)
}

func (c *Config) normalize() error {
	var errs []error

	sources, err := normalizeSources(c.Sources)
	if err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	c.Sources = sources

	if c.Fetch.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("config: fetch.timeout must be positive, got %s", c.Fetch.Timeout))
	}
	if c.Fetch.Retries < 0 {
		errs = append(errs, fmt.Errorf("config: fetch.retries must not be negative, got %d", c.Fetch.Retries))
	}
	if c.Fetch.Backoff < 0 {
		errs = append(errs, fmt.Errorf("config: fetch.backoff must not be negative, got %s", c.Fetch.Backoff))
	}
	if c.Check.Timeout <= 0 {
		c.Check.Timeout = c.Fetch.Timeout
	}
	if strings.TrimSpace(c.Check.SnapshotPath) == "" {
		c.Check.SnapshotPath = "data/ipranges.remote.json"
	}
	if c.Redis.Key == "" {
		c.Redis.Key = "ipranges:snapshot"
	}
	if c.Redis.Channel == "" {
		c.Redis.Channel = "ipranges:updates"
	}

	for _, p := range c.pathFields() {
		if *p == "" {
			continue
		}
		expanded, err := support.ExpandPath(*p)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*p = expanded
	}

	return errors.Join(errs...)
}

func (c *Config) pathFields() []*string {
	fields := []*string{&c.Check.SnapshotPath, &c.Notes.Path, &c.Notes.PreviousDir, &c.MetricsFile}
	for i := range c.Sources {
		fields = append(fields, &c.Sources[i].DocumentPath, &c.Sources[i].CIDRPath)
	}
	return fields
}

// FetchTimeout is the per-attempt timeout for GET requests.
func (c Config) FetchTimeout() time.Duration {
	return c.Fetch.Timeout.Std()
}

// CheckTimeout is the timeout for HEAD requests.
func (c Config) CheckTimeout() time.Duration {
	return c.Check.Timeout.Std()
}
