package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/ftr"
	"github.com/peterbourgon/ftr/ftrstore"
)

type listConfig struct {
	*rootConfig

	limit  int
	oldest bool
	pinned bool
	names  bool
}

func (cfg *listConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{ShortName: 'n', LongName: "limit" /*   */, Value: ffval.NewValueDefault(&cfg.limit, 500) /*  */, Usage: "maximum number of traces to list"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "oldest" /*  */, Value: ffval.NewValue(&cfg.oldest) /*            */, Usage: "list the oldest traces first", NoDefault: true})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "pinned" /*  */, Value: ffval.NewValue(&cfg.pinned) /*            */, Usage: "only list pinned traces", NoDefault: true})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "names" /*   */, Value: ffval.NewValue(&cfg.names) /*             */, Usage: "decode each trace to show its name", NoDefault: true})
}

type listItem struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Size      int64     `json:"size"`
	Pinned    bool      `json:"pinned"`
}

func (cfg *listConfig) Exec(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments %v", args)
	}

	s, err := cfg.openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	infos, err := s.List(ctx, ftrstore.ListRequest{
		Limit:      cfg.limit,
		Oldest:     cfg.oldest,
		PinnedOnly: cfg.pinned,
		WithData:   cfg.names,
	})
	if err != nil {
		return err
	}

	cfg.logger.Debugf("listed %d trace(s)", len(infos))

	items := make([]listItem, 0, len(infos))
	for _, info := range infos {
		items = append(items, cfg.item(info))
	}

	if cfg.output == "text" {
		now := time.Now()
		for _, item := range items {
			fmt.Fprintln(cfg.stdout, formatItem(item, now))
		}
		return nil
	}

	for _, item := range items {
		if err := cfg.writeJSON(item); err != nil {
			return err
		}
	}
	return nil
}

func (cfg *listConfig) item(info ftrstore.TraceInfo) listItem {
	item := listItem{
		ID:        info.ID,
		CreatedAt: info.CreatedAt,
		Size:      info.Size,
		Pinned:    info.Pinned,
	}
	if len(info.Data) > 0 {
		tr, err := ftr.DecodeTrace(info.Data)
		if err != nil {
			cfg.logger.WithError(err).WithField("trace_id", info.ID).Warn("decode failed")
		} else {
			item.Name = tr.Name
		}
	}
	return item
}

func formatItem(item listItem, now time.Time) string {
	pin := " "
	if item.Pinned {
		pin = "*"
	}
	created := "-"
	if !item.CreatedAt.IsZero() {
		created = humanize.RelTime(item.CreatedAt, now, "ago", "from now")
	}
	line := fmt.Sprintf("%s %s  %-16s  %9s", pin, item.ID, created, humanize.Bytes(uint64(item.Size)))
	if item.Name != "" {
		line += "  " + item.Name
	}
	return line
}
