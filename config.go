package ftr

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/peterbourgon/ftr/ftrstore"
	"gopkg.in/yaml.v3"
)

// Config is the capture configuration. The zero value is valid.
type Config struct {
	// IncludeFrames are source path fragments. Activations whose filename
	// contains any of them are always captured, even if a default exclusion
	// rule would reject them.
	IncludeFrames []string `yaml:"include_frames"`

	// IgnoreFrames are source path fragments. Activations whose filename
	// contains any of them are never captured, unless a processor matched.
	IgnoreFrames []string `yaml:"ignore_frames"`

	// LineEvents enables capture of variable assignments.
	LineEvents bool `yaml:"line_events"`

	// LightweightRepr encodes opaque values as type name placeholders,
	// rather than rendering them.
	LightweightRepr bool `yaml:"lightweight_repr"`

	// OmitReturnLocals drops the locals snapshot from exit events.
	OmitReturnLocals bool `yaml:"omit_return_locals"`

	// BusyTimeout bounds how long a save waits for a locked database, in
	// trace stores opened with StoreConfig. Optional. By default, 60s.
	BusyTimeout time.Duration `yaml:"sqlite_busy_timeout"`

	// MaxTraceSize is the largest encoded trace that will be handed to the
	// sink. Larger traces are logged and dropped. Optional. By default, 512MB.
	// The minimum is 1KB, and the maximum is 1GB.
	MaxTraceSize datasize.ByteSize `yaml:"max_trace_size"`

	// Environment is extra metadata recorded in every trace.
	Environment map[string]string `yaml:"environment"`
}

const (
	busyTimeoutDef = 60 * time.Second

	maxTraceSizeMin = 1 * datasize.KB
	maxTraceSizeDef = 512 * datasize.MB
	maxTraceSizeMax = 1 * datasize.GB
)

func (cfg *Config) normalize() {
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = busyTimeoutDef
	}

	switch {
	case cfg.MaxTraceSize <= 0:
		cfg.MaxTraceSize = maxTraceSizeDef
	case cfg.MaxTraceSize < maxTraceSizeMin:
		cfg.MaxTraceSize = maxTraceSizeMin
	case cfg.MaxTraceSize > maxTraceSizeMax:
		cfg.MaxTraceSize = maxTraceSizeMax
	}
}

// metadata returns the part of the config that's recorded in traces. Rules
// are omitted.
func (cfg Config) metadata() map[string]any {
	return map[string]any{
		"line_events":         cfg.LineEvents,
		"lightweight_repr":    cfg.LightweightRepr,
		"omit_return_locals":  cfg.OmitReturnLocals,
		"sqlite_busy_timeout": cfg.BusyTimeout.Seconds(),
		"max_trace_size":      int64(cfg.MaxTraceSize.Bytes()),
	}
}

// ParseConfig reads a YAML config. Unknown keys are an error. Empty input
// produces the zero config.
func ParseConfig(r io.Reader) (Config, error) {
	var cfg Config

	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	return cfg, nil
}

// LoadConfig reads a YAML config from the given file.
func LoadConfig(filename string) (Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	defer f.Close()

	return ParseConfig(f)
}

// StoreConfig returns the config for a trace store at path, which uses the
// busy timeout and max trace size of cfg.
func (cfg Config) StoreConfig(path string) ftrstore.Config {
	cfg.normalize()
	return ftrstore.Config{
		Path:        path,
		BusyTimeout: cfg.BusyTimeout,
		MaxBlobSize: cfg.MaxTraceSize,
	}
}
