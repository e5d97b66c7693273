package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
)

type vacuumConfig struct {
	*rootConfig
}

func (cfg *vacuumConfig) Exec(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments %v", args)
	}

	s, err := cfg.openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	before := fileSize(s.Path())
	begin := time.Now()
	if err := s.Vacuum(ctx); err != nil {
		return err
	}
	after := fileSize(s.Path())

	cfg.logger.Debugf("vacuum took %s", time.Since(begin).Truncate(time.Millisecond))
	fmt.Fprintf(cfg.stdout, "vacuumed %s: %s -> %s\n", s.Path(), humanize.Bytes(before), humanize.Bytes(after))
	return nil
}

func fileSize(path string) uint64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return uint64(fi.Size())
}
