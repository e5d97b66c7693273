package main

import (
	"fmt"
	"io"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/ftr"
	"github.com/peterbourgon/ftr/ftrstore"
	"github.com/sirupsen/logrus"
)

type rootConfig struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	dbPath      string
	configFile  string
	busyTimeout time.Duration
	logLevel    string
	output      string

	capture ftr.Config
	logger  *logrus.Logger
}

const defaultDBPath = ".ftr/db.sqlite3"

func (cfg *rootConfig) registerBaseFlags(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'd',
		LongName:    "db",
		Value:       ffval.NewValueDefault(&cfg.dbPath, defaultDBPath),
		Usage:       "path to the trace database",
		Placeholder: "PATH",
	})
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'c',
		LongName:    "config",
		Value:       ffval.NewValue(&cfg.configFile),
		Usage:       "capture config file, for the busy timeout and max trace size",
		Placeholder: "FILE",
	})
	fs.AddFlag(ff.FlagConfig{
		LongName:    "busy-timeout",
		Value:       ffval.NewValue(&cfg.busyTimeout),
		Usage:       "how long to wait for a locked database (overrides config)",
		Placeholder: "DURATION",
	})
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'l',
		LongName:    "log",
		Value:       ffval.NewEnum(&cfg.logLevel, "info", "i", "debug", "d", "trace", "t", "none", "n"),
		Usage:       "log level: i/info, d/debug, t/trace, n/none",
		Placeholder: "LEVEL",
	})
	fs.AddFlag(ff.FlagConfig{
		ShortName:   'o',
		LongName:    "output",
		Value:       ffval.NewEnum(&cfg.output, "text", "ndjson", "prettyjson"),
		Usage:       "output format: text, ndjson, prettyjson",
		Placeholder: "FORMAT",
	})
}

// loadConfigFile reads the capture config file, if one was given.
func (cfg *rootConfig) loadConfigFile() error {
	if cfg.configFile == "" {
		return nil
	}

	c, err := ftr.LoadConfig(cfg.configFile)
	if err != nil {
		return err
	}

	cfg.capture = c
	cfg.logger.Debugf("config: %s", cfg.configFile)
	return nil
}

// storeConfig is the store config of the capture config, with an explicit
// busy timeout taking precedence.
func (cfg *rootConfig) storeConfig() ftrstore.Config {
	sc := cfg.capture.StoreConfig(cfg.dbPath)
	if cfg.busyTimeout > 0 {
		sc.BusyTimeout = cfg.busyTimeout
	}
	sc.Logger = cfg.logger
	return sc
}

func (cfg *rootConfig) openStore() (*ftrstore.Store, error) {
	s, err := ftrstore.Open(cfg.storeConfig())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.dbPath, err)
	}
	return s, nil
}
