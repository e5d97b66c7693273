package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/ftr/ftrstore"
)

type deleteConfig struct {
	*rootConfig

	old    bool
	maxAge time.Duration
	before string
	vacuum bool
}

func (cfg *deleteConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "old" /*      */, Value: ffval.NewValue(&cfg.old) /*                         */, Usage: "delete traces older than --max-age, or --before", NoDefault: true})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "max-age" /*  */, Value: ffval.NewValueDefault(&cfg.maxAge, 30*24*time.Hour) /*  */, Usage: "age cutoff for --old without --before"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "before" /*   */, Value: ffval.NewValue(&cfg.before) /*                      */, Usage: "delete traces created before this RFC3339 time", Placeholder: "TIME"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "vacuum" /*   */, Value: ffval.NewValue(&cfg.vacuum) /*                      */, Usage: "vacuum the database afterwards", NoDefault: true})
}

func (cfg *deleteConfig) validate(ids []string) error {
	switch {
	case cfg.before != "" && !cfg.old:
		return fmt.Errorf("--before requires --old")
	case len(ids) > 0 && cfg.old:
		return fmt.Errorf("trace IDs and --old are mutually exclusive")
	case len(ids) <= 0 && !cfg.old && !cfg.vacuum:
		return fmt.Errorf("trace IDs, --old, or --vacuum is required")
	case cfg.old && cfg.before == "" && cfg.maxAge <= 0:
		return fmt.Errorf("--max-age must be positive")
	}
	return nil
}

func (cfg *deleteConfig) cutoff(now time.Time) (time.Time, error) {
	if cfg.before == "" {
		return now.Add(-cfg.maxAge), nil
	}
	t, err := time.Parse(time.RFC3339, cfg.before)
	if err != nil {
		return time.Time{}, fmt.Errorf("--before: %w", err)
	}
	return t, nil
}

func (cfg *deleteConfig) Exec(ctx context.Context, args []string) error {
	if err := cfg.validate(args); err != nil {
		return err
	}

	var cutoff time.Time
	if cfg.old {
		t, err := cfg.cutoff(time.Now())
		if err != nil {
			return err
		}
		cutoff = t
	}

	s, err := cfg.openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	switch {
	case len(args) > 0:
		n, err := s.DeleteByIDs(ctx, args...)
		switch {
		case errors.Is(err, ftrstore.ErrNotFound):
			cfg.logger.Warnf("no traces with the given IDs")
		case err != nil:
			return err
		}
		fmt.Fprintf(cfg.stdout, "deleted %d trace(s)\n", n)

	case cfg.old:
		n, err := s.DeleteOlderThan(ctx, cutoff)
		if err != nil {
			return err
		}
		fmt.Fprintf(cfg.stdout, "deleted %d trace(s) created before %s\n", n, cutoff.Format(time.RFC3339))
	}

	if cfg.vacuum {
		if err := s.Vacuum(ctx); err != nil {
			return err
		}
		cfg.logger.Infof("vacuumed %s", s.Path())
	}

	return nil
}
