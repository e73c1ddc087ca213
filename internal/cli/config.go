package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/fabric-recovery/internal/engine"
	"github.com/ChuLiYu/fabric-recovery/internal/retry"
	"github.com/ChuLiYu/fabric-recovery/internal/telemetry"
	"github.com/ChuLiYu/fabric-recovery/pkg/types"
)

// Config represents the complete daemon configuration
// Maps config file fields through YAML tags
type Config struct {
	Executor struct {
		WorkerCount int `yaml:"worker_count" validate:"gte=1,lte=1024"`
	} `yaml:"executor"`

	Locks struct {
		WaitTimeout  time.Duration `yaml:"wait_timeout" validate:"gte=0"`
		ScanInterval time.Duration `yaml:"scan_interval" validate:"gt=0"`
	} `yaml:"locks"`

	Retry struct {
		MaxAttempts  int           `yaml:"max_attempts" validate:"gte=1"`
		InitialDelay time.Duration `yaml:"initial_delay" validate:"gte=0"`
		MaxDelay     time.Duration `yaml:"max_delay" validate:"gte=0"`
		Multiplier   float64       `yaml:"multiplier" validate:"gte=1"`
		Jitter       float64       `yaml:"jitter" validate:"gte=0,lte=1"`
	} `yaml:"retry"`

	Store struct {
		Backend      string `yaml:"backend" validate:"oneof=badger file postgres memory"`
		Path         string `yaml:"path" validate:"required_if=Backend badger,required_if=Backend file"`
		DSN          string `yaml:"dsn" validate:"required_if=Backend postgres"`
		SyncWrites   bool   `yaml:"sync_writes"`
		CompactEvery int    `yaml:"compact_every" validate:"gte=0"`
	} `yaml:"store"`

	Recovery struct {
		UndoInterrupted bool `yaml:"undo_interrupted"`
	} `yaml:"recovery"`

	Server struct {
		GRPCAddr string `yaml:"grpc_addr" validate:"required,hostname_port"`
		HTTPAddr string `yaml:"http_addr" validate:"omitempty,hostname_port"`
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"metrics"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		Exporter    string  `yaml:"exporter" validate:"oneof=stdout otlp"`
		Endpoint    string  `yaml:"endpoint" validate:"required_if=Exporter otlp"`
		Insecure    bool    `yaml:"insecure"`
		SampleRatio float64 `yaml:"sample_ratio" validate:"gte=0,lte=1"`
	} `yaml:"tracing"`

	Jobs struct {
		RetainFinished int           `yaml:"retain_finished" validate:"gte=0"`
		PurgeAfter     time.Duration `yaml:"purge_after" validate:"gte=0"`
	} `yaml:"jobs"`

	// Triggers maps server events to procedures; empty keeps the defaults.
	Triggers map[string]string `yaml:"triggers"`

	// Farm seeds the simulated server farm: group -> servers, master first.
	Farm map[string][]string `yaml:"farm" validate:"dive,min=1"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	ec := engine.DefaultConfig()
	rp := retry.Default()

	cfg := &Config{}
	cfg.Executor.WorkerCount = ec.WorkerCount
	cfg.Locks.WaitTimeout = ec.LockTimeout
	cfg.Locks.ScanInterval = ec.ScanInterval
	cfg.Retry.MaxAttempts = rp.MaxAttempts
	cfg.Retry.InitialDelay = rp.InitialDelay
	cfg.Retry.MaxDelay = rp.MaxDelay
	cfg.Retry.Multiplier = rp.Multiplier
	cfg.Retry.Jitter = rp.Jitter
	cfg.Store.Backend = "badger"
	cfg.Store.Path = "data/fabric"
	cfg.Store.SyncWrites = true
	cfg.Server.GRPCAddr = "127.0.0.1:7070"
	cfg.Server.HTTPAddr = "127.0.0.1:7071"
	cfg.Metrics.Enabled = true
	cfg.Tracing.Exporter = "stdout"
	cfg.Tracing.Endpoint = "localhost:4317"
	cfg.Tracing.Insecure = true
	cfg.Tracing.SampleRatio = 1
	cfg.Jobs.RetainFinished = ec.RetainFinished
	return cfg
}

// LoadConfig reads path over the defaults and validates the result. A
// missing file yields the defaults when allowMissing is set.
func LoadConfig(path string, allowMissing bool) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist) && allowMissing:
		return cfg, cfg.Validate()
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for name := range c.Triggers {
		if !types.IsKnownEvent(types.EventName(name)) {
			return fmt.Errorf("invalid config: unknown trigger event %q", name)
		}
	}
	return nil
}

// TelemetryConfig converts the tracing section for telemetry.NewTracerProvider.
func (c *Config) TelemetryConfig() telemetry.Config {
	return telemetry.Config{
		ServiceName: "fabricd",
		Version:     version,
		Exporter:    c.Tracing.Exporter,
		Endpoint:    c.Tracing.Endpoint,
		Insecure:    c.Tracing.Insecure,
		SampleRatio: c.Tracing.SampleRatio,
	}
}

// EngineConfig converts to the engine's configuration.
func (c *Config) EngineConfig() engine.Config {
	ec := engine.DefaultConfig()
	ec.WorkerCount = c.Executor.WorkerCount
	ec.LockTimeout = c.Locks.WaitTimeout
	ec.ScanInterval = c.Locks.ScanInterval
	ec.Retry = &retry.Policy{
		MaxAttempts:  c.Retry.MaxAttempts,
		InitialDelay: c.Retry.InitialDelay,
		MaxDelay:     c.Retry.MaxDelay,
		Multiplier:   c.Retry.Multiplier,
		Jitter:       c.Retry.Jitter,
	}
	ec.UndoInterrupted = c.Recovery.UndoInterrupted
	ec.RetainFinished = c.Jobs.RetainFinished
	if len(c.Triggers) > 0 {
		ec.Triggers = make(map[types.EventName]string, len(c.Triggers))
		for name, proc := range c.Triggers {
			ec.Triggers[types.EventName(name)] = proc
		}
	}
	return ec
}
