package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oklog/run"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/ftr/ftrstore"
)

type tailConfig struct {
	*rootConfig

	backlog  int
	interval time.Duration
	settle   time.Duration
}

func (cfg *tailConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{ShortName: 'n', LongName: "backlog" /*   */, Value: ffval.NewValueDefault(&cfg.backlog, 10) /*               */, Usage: "number of existing traces to print first"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "interval" /*  */, Value: ffval.NewValueDefault(&cfg.interval, 5*time.Second) /*     */, Usage: "poll interval, in case file events are missed"})
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "settle" /*    */, Value: ffval.NewValueDefault(&cfg.settle, 50*time.Millisecond) /*  */, Usage: "wait this long after a file event before polling"})
}

func (cfg *tailConfig) Exec(ctx context.Context, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments %v", args)
	}

	s, err := cfg.openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir, base := filepath.Split(s.Path())
	if dir == "" {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	cfg.logger.Infof("tailing %s", s.Path())

	var g run.Group

	{
		ctx, cancel := context.WithCancel(ctx)
		g.Add(func() error {
			return cfg.tail(ctx, s, watcher, base)
		}, func(error) {
			cancel()
		})
	}

	{
		g.Add(run.SignalHandler(ctx, syscall.SIGINT, syscall.SIGTERM))
	}

	return g.Run()
}

func (cfg *tailConfig) tail(ctx context.Context, s *ftrstore.Store, watcher *fsnotify.Watcher, base string) error {
	t := &tailer{s: s, cfg: cfg}

	if err := t.backlog(ctx, cfg.backlog); err != nil {
		return err
	}

	ticker := time.NewTicker(cfg.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher closed")
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), base) {
				continue // other files in the directory
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			cfg.logger.Tracef("file event: %s", ev)
			contextSleep(ctx, cfg.settle)
			if err := t.poll(ctx); err != nil {
				return err
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher closed")
			}
			cfg.logger.WithError(err).Warn("watcher error")

		case <-ticker.C:
			if err := t.poll(ctx); err != nil {
				return err
			}
		}
	}
}

// tailer prints traces with IDs greater than the last one it printed. Trace
// IDs sort by creation time.
type tailer struct {
	s    *ftrstore.Store
	cfg  *tailConfig
	last string
}

const tailBatch = 100

func (t *tailer) backlog(ctx context.Context, n int) error {
	infos, err := t.s.List(ctx, ftrstore.ListRequest{Limit: max(n, 1), WithData: n > 0})
	if err != nil {
		return err
	}
	if len(infos) > 0 {
		t.last = infos[0].ID
	}
	if n <= 0 {
		return nil
	}
	return t.print(infos)
}

func (t *tailer) poll(ctx context.Context) error {
	infos, err := t.s.List(ctx, ftrstore.ListRequest{Limit: tailBatch, WithData: true})
	if err != nil {
		return err
	}

	var fresh []ftrstore.TraceInfo
	for _, info := range infos {
		if info.ID <= t.last {
			break
		}
		fresh = append(fresh, info)
	}
	if len(fresh) <= 0 {
		return nil
	}
	if len(fresh) == tailBatch {
		t.cfg.logger.Warnf("more than %d new traces, some weren't printed", tailBatch)
	}

	t.last = fresh[0].ID
	return t.print(fresh)
}

// print writes infos oldest first.
func (t *tailer) print(infos []ftrstore.TraceInfo) error {
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	lc := &listConfig{rootConfig: t.cfg.rootConfig}
	now := time.Now()
	for _, info := range infos {
		item := lc.item(info)
		if t.cfg.output == "text" {
			fmt.Fprintln(t.cfg.stdout, formatItem(item, now))
			continue
		}
		if err := t.cfg.writeJSON(item); err != nil {
			return err
		}
	}
	return nil
}
