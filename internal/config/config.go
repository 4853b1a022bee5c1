// Package config loads the YAML run configuration of the kernel.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/signalsfoundry/nodekernel/internal/observability"
)

// Config is the complete run configuration.
type Config struct {
	Topology   Topology   `yaml:"topology"`
	Scheduling Scheduling `yaml:"scheduling"`
	Logging    Logging    `yaml:"logging"`

	Tracing observability.TracingConfig `yaml:"tracing"`

	// Capacity bounds the GID space; zero means unbounded.
	Capacity    uint64 `yaml:"capacity"`
	MetricsAddr string `yaml:"metrics_addr" validate:"omitempty,hostname_port"`

	// Create lists the populations built before the first run, in order.
	Create []CreateStep `yaml:"create" validate:"dive"`
}

// Topology describes the simulated distribution: Processes simulation
// ranks and RecordingProcesses recording ranks, each running Threads
// worker threads.
type Topology struct {
	Processes          int `yaml:"processes" validate:"gte=1,lte=4096"`
	RecordingProcesses int `yaml:"recording_processes" validate:"gte=0,lte=4096"`
	Threads            int `yaml:"threads" validate:"gte=1,lte=1024"`
}

// Scheduling holds the timing parameters.
type Scheduling struct {
	Resolution            time.Duration `yaml:"resolution" validate:"gt=0"`
	MinDelay              int64         `yaml:"min_delay" validate:"gte=1"`
	WFRInterpolationOrder int           `yaml:"wfr_interpolation_order" validate:"gte=0,lte=3"`
	Mode                  string        `yaml:"mode" validate:"oneof=realtime accelerated"`
	Tick                  time.Duration `yaml:"tick" validate:"required_if=Mode realtime,gte=0"`
}

// Logging mirrors logging.Config.
type Logging struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// CreateStep creates N nodes of Model and applies Params to each of them.
type CreateStep struct {
	Model  string         `yaml:"model" validate:"required"`
	N      int            `yaml:"n" validate:"gte=1"`
	Params map[string]any `yaml:"params"`
}

// Default returns the configuration used for keys a file leaves out.
func Default() Config {
	return Config{
		Topology: Topology{Processes: 1, Threads: 1},
		Scheduling: Scheduling{
			Resolution:            100 * time.Microsecond,
			MinDelay:              10,
			WFRInterpolationOrder: 3,
			Mode:                  "accelerated",
		},
		Logging: Logging{Level: "info", Format: "text"},
		Tracing: observability.TracingConfig{
			ServiceName: "nodekernel",
			Exporter:    "stdout",
			SampleRatio: 1,
		},
	}
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes data on top of Default, applies environment overrides and
// validates the result. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv lets LOG_LEVEL, LOG_FORMAT and the tracing variables override
// the file.
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("LOG_LEVEL")); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv("LOG_FORMAT")); v != "" {
		c.Logging.Format = strings.ToLower(v)
	}
	c.Tracing.ApplyEnv()
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s fails %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// NumRanks is the total number of processes.
func (t Topology) NumRanks() int { return t.Processes + t.RecordingProcesses }
