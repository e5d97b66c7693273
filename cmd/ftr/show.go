package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffval"
	"github.com/peterbourgon/ftr"
)

type showConfig struct {
	*rootConfig

	locals bool
	thread string
}

func (cfg *showConfig) register(fs *ff.FlagSet) {
	fs.AddFlag(ff.FlagConfig{ShortName: 0x0, LongName: "locals" /*  */, Value: ffval.NewValue(&cfg.locals) /*  */, Usage: "print local variables of each frame event", NoDefault: true})
	fs.AddFlag(ff.FlagConfig{ShortName: 't', LongName: "thread" /*  */, Value: ffval.NewValue(&cfg.thread) /*  */, Usage: "only show frames of this thread ID", Placeholder: "ID"})
}

func (cfg *showConfig) Exec(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("exactly one trace ID is required")
	}

	s, err := cfg.openStore()
	if err != nil {
		return err
	}
	defer s.Close()

	data, err := s.Load(ctx, args[0])
	if err != nil {
		return err
	}

	tr, err := ftr.DecodeTrace(data)
	if err != nil {
		return err
	}

	cfg.logger.Debugf("loaded %s: %s, %d thread(s), %d frame(s)", tr.ID, humanize.Bytes(uint64(len(data))), len(tr.Threads), tr.FrameCount())

	threads := tr.Threads
	if cfg.thread != "" {
		t := tr.Thread(cfg.thread)
		if t == nil {
			return fmt.Errorf("%s: no thread %s", tr.ID, cfg.thread)
		}
		threads = []*ftr.ThreadRecord{t}
	}

	if cfg.output == "text" {
		writeTraceText(cfg.stdout, tr, threads, cfg.locals)
		return nil
	}

	return cfg.writeJSON(traceJSON(tr, threads))
}

func writeTraceText(w io.Writer, tr *ftr.Trace, threads []*ftr.ThreadRecord, locals bool) {
	name := tr.Name
	if name == "" {
		name = "-"
	}
	fmt.Fprintf(w, "trace    %s\n", tr.ID)
	fmt.Fprintf(w, "name     %s\n", name)
	fmt.Fprintf(w, "created  %s (%s)\n", tr.Timestamp.Format("2006-01-02 15:04:05.000"), humanize.Time(tr.Timestamp))
	fmt.Fprintf(w, "source   %s (version %s)\n", tr.Source, tr.Version)
	if tr.CommitSHA != "" {
		fmt.Fprintf(w, "commit   %s\n", tr.CommitSHA)
	}
	if len(tr.CommandLineArgs) > 0 {
		fmt.Fprintf(w, "args     %s\n", strings.Join(tr.CommandLineArgs, " "))
	}

	for _, t := range threads {
		current := ""
		if t.ID == tr.CurrentThreadID {
			current = " (current)"
		}
		fmt.Fprintf(w, "\nthread %s %q%s: %d frame(s)\n", t.ID, t.Name, current, len(t.Frames))

		var depth int
		for _, f := range t.Frames {
			if f.Event.IsExit() && depth > 0 {
				depth--
			}
			fmt.Fprintf(w, "  %s%s\n", strings.Repeat("  ", depth), frameLine(f))
			if locals {
				for _, k := range sortedKeys(f.Locals) {
					fmt.Fprintf(w, "  %s    %s = %v\n", strings.Repeat("  ", depth), k, jsonValue(f.Locals[k]))
				}
			}
			if f.Event.IsEntry() {
				depth++
			}
		}
	}
}

func frameLine(f *ftr.FrameEvent) string {
	switch {
	case f.Assign != nil:
		return fmt.Sprintf("%s = %v  [%s]", f.Assign.Name, jsonValue(f.Assign.Value), f.Path)
	case f.Type == ftr.TypeFrame:
		name := f.QualName
		if name == "" {
			name = f.Name
		}
		return fmt.Sprintf("%-6s %s  [%s]", f.Event, name, f.Path)
	default:
		kind := f.Type
		if f.Subtype != "" {
			kind += "/" + f.Subtype
		}
		return fmt.Sprintf("%-6s <%s>", f.Event, kind)
	}
}

func traceJSON(tr *ftr.Trace, threads []*ftr.ThreadRecord) map[string]any {
	ts := make(map[string]any, len(threads))
	for _, t := range threads {
		frames := make([]any, 0, len(t.Frames))
		for _, f := range t.Frames {
			frames = append(frames, jsonValue(f.Data))
		}
		ts[t.ID] = map[string]any{
			"name":      t.Name,
			"native_id": t.NativeID,
			"ident":     t.Ident,
			"daemon":    t.Daemon,
			"is_alive":  t.Alive,
			"frames":    frames,
		}
	}
	return map[string]any{
		"trace_id":           tr.ID,
		"trace_name":         tr.Name,
		"timestamp":          tr.Timestamp,
		"current_thread_id":  tr.CurrentThreadID,
		"command_line_args":  tr.CommandLineArgs,
		"current_commit_sha": tr.CommitSHA,
		"meta": map[string]any{
			"version":     tr.Version,
			"source":      tr.Source,
			"environment": jsonValue(tr.Environment),
			"config":      jsonValue(tr.Config),
		},
		"threads": ts,
	}
}
