package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/andreyvit/tokenidx"
	"github.com/andreyvit/tokenidx/query"
)

type Config struct {
	Service ServiceConfig `yaml:"service"`
	Storage StorageConfig `yaml:"storage"`
	Driver  DriverConfig  `yaml:"driver"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Query   query.Config  `yaml:"query"`
	Log     LogConfig     `yaml:"log"`
}

type ServiceConfig struct {
	Listen              string `yaml:"listen"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
	// RequestTimeoutSeconds bounds how long a request waits for the store.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
}

type StorageConfig struct {
	Engine string `yaml:"engine"`
	Path   string `yaml:"path"`
}

type DriverConfig struct {
	IOThreads           int `yaml:"io_threads"`
	QueueSize           int `yaml:"queue_size"`
	QueueTimeoutSeconds int `yaml:"queue_timeout_seconds"`
}

type IngestConfig struct {
	MaxInFlight int `yaml:"max_in_flight"`

	// JournalDir, if set, keeps every ingested ledger in an append-only
	// journal that is replayed into the store on startup.
	JournalDir  string `yaml:"journal_dir"`
	JournalSync bool   `yaml:"journal_sync"`

	// MaxBodyMB limits the size of ingested ledger and snapshot bodies.
	MaxBodyMB int `yaml:"max_body_mb"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{
			Listen:                ":8080",
			ReadTimeoutSeconds:    30,
			WriteTimeoutSeconds:   30,
			RequestTimeoutSeconds: 10,
		},
		Storage: StorageConfig{
			Engine: tokenidx.EngineBolt,
			Path:   "tokenidx.db",
		},
		Ingest: IngestConfig{
			MaxBodyMB: 64,
		},
		Query: query.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads a YAML config on top of DefaultConfig. Unknown keys are
// rejected. An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, cfg.validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Storage.Engine {
	case tokenidx.EngineBolt, tokenidx.EngineBadger, tokenidx.EngineMemory:
	default:
		return fmt.Errorf("storage.engine: unknown engine %q", c.Storage.Engine)
	}
	if c.Storage.Engine == tokenidx.EngineBolt && c.Storage.Path == "" {
		return errors.New("storage.path is required for bolt")
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format)
	}
	if err := c.Query.Validate(); err != nil {
		return err
	}
	if c.Service.RequestTimeoutSeconds <= 0 {
		return errors.New("service.request_timeout_seconds must be positive")
	}
	if c.Ingest.MaxBodyMB <= 0 {
		return errors.New("ingest.max_body_mb must be positive")
	}
	return nil
}

func (c *Config) storeOptions() tokenidx.Options {
	return tokenidx.Options{
		Engine: c.Storage.Engine,
		Path:   c.Storage.Path,
	}
}

func (c *Config) requestTimeout() time.Duration {
	return time.Duration(c.Service.RequestTimeoutSeconds) * time.Second
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

func (l LogConfig) newLogger(w io.Writer) *slog.Logger {
	lvl, _ := l.level()
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
