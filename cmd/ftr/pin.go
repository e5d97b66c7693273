package main

import (
	"context"
	"fmt"

	"github.com/peterbourgon/ftr/ftrstore"
)

type pinConfig struct {
	*rootConfig
}

func (cfg *pinConfig) Pin(ctx context.Context, args []string) error {
	return cfg.exec(ctx, "pinned", args, (*ftrstore.Store).Pin)
}

func (cfg *pinConfig) Unpin(ctx context.Context, args []string) error {
	return cfg.exec(ctx, "unpinned", args, (*ftrstore.Store).Unpin)
}

func (cfg *pinConfig) exec(ctx context.Context, verb string, args []string, fn func(*ftrstore.Store, context.Context, string) (bool, error)) error {
	if len(args) <= 0 {
		return fmt.Errorf("at least one trace ID is required")
	}

	s, err := cfg.openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	var missing []string
	for _, id := range args {
		ok, err := fn(s, ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			missing = append(missing, id)
			continue
		}
		fmt.Fprintf(cfg.stdout, "%s %s\n", verb, id)
	}

	if len(missing) > 0 {
		return fmt.Errorf("%v: %w", missing, ftrstore.ErrNotFound)
	}

	return nil
}
