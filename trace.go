package ftr

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/peterbourgon/ftr/ftrcodec"
)

// Trace is a decoded trace document.
type Trace struct {
	ID              string
	Name            string
	Timestamp       time.Time
	CurrentThreadID string
	CommandLineArgs []string
	CommitSHA       string
	Version         string
	Source          string
	Environment     map[string]any
	Config          map[string]any
	Threads         []*ThreadRecord // ordered by ID
}

// Thread returns the thread record with the given ID, or nil.
func (tr *Trace) Thread(id string) *ThreadRecord {
	for _, t := range tr.Threads {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// FrameCount returns the number of frame events across all threads.
func (tr *Trace) FrameCount() int {
	var n int
	for _, t := range tr.Threads {
		n += len(t.Frames)
	}
	return n
}

// ThreadRecord is the part of a trace captured on one thread.
type ThreadRecord struct {
	ID       string
	Name     string
	NativeID int64
	Ident    string
	Daemon   bool
	Alive    bool
	Frames   []*FrameEvent
}

// FrameEvent is a decoded frame event.
type FrameEvent struct {
	Type      string // "frame" for generic events, else the processor's type
	Subtype   string
	Event     EventKind
	FrameID   string
	Timestamp time.Time
	Path      string // file:line, generic events only
	Name      string
	QualName  string
	CallSite  *CallSite
	Arg       any
	Locals    map[string]any
	Exception map[string]any
	Assign    *Assignment

	// Data is the complete frame document, including processor data.
	Data map[string]any
}

// CallSite points at the frame that called a frame, and the line it was at.
type CallSite struct {
	FrameID string
	Line    int
}

// Assignment is a captured variable assignment.
type Assignment struct {
	Name  string
	Value any
}

// DecodeTrace decodes an encoded trace document.
func DecodeTrace(data []byte) (*Trace, error) {
	v, err := ftrcodec.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode trace: %w", err)
	}

	doc, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("decode trace: document is %T, not a map", v)
	}

	tr := &Trace{
		ID:              asString(doc["trace_id"]),
		Name:            asString(doc["trace_name"]),
		CurrentThreadID: asString(doc["current_thread_id"]),
		CommitSHA:       asString(doc["current_commit_sha"]),
		CommandLineArgs: asStrings(doc["command_line_args"]),
	}
	if tr.ID == "" {
		return nil, fmt.Errorf("decode trace: missing trace_id")
	}
	if ts, ok := asFloat(doc["timestamp"]); ok {
		tr.Timestamp = fromTimestamp(ts)
	}

	if meta, ok := doc["meta"].(map[string]any); ok {
		tr.Version = asString(meta["version"])
		tr.Source = asString(meta["source"])
		tr.Environment, _ = meta["environment"].(map[string]any)
		tr.Config, _ = meta["config"].(map[string]any)
	}

	threads, _ := doc["threads"].(map[string]any)
	for id, tv := range threads {
		t, ok := tv.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("decode trace: thread %s is %T, not a map", id, tv)
		}

		rec := &ThreadRecord{
			ID:       id,
			Name:     asString(t["name"]),
			NativeID: asInt(t["native_id"]),
			Ident:    asString(t["ident"]),
			Daemon:   asBool(t["daemon"]),
			Alive:    asBool(t["is_alive"]),
		}

		frames, _ := t["frames"].([]any)
		for i, fv := range frames {
			f, ok := fv.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("decode trace: thread %s: frame %d is %T, not a map", id, i, fv)
			}
			rec.Frames = append(rec.Frames, decodeFrame(f))
		}

		tr.Threads = append(tr.Threads, rec)
	}
	sort.Slice(tr.Threads, func(i, j int) bool { return tr.Threads[i].ID < tr.Threads[j].ID })

	return tr, nil
}

func decodeFrame(f map[string]any) *FrameEvent {
	fe := &FrameEvent{
		Type:     asString(f["type"]),
		Subtype:  asString(f["subtype"]),
		Event:    EventKind(asString(f["event"])),
		FrameID:  asString(f["frame_id"]),
		Path:     asString(f["path"]),
		Name:     asString(f["co_name"]),
		QualName: asString(f["qualname"]),
		Arg:      f["arg"],
		Data:     f,
	}
	if ts, ok := asFloat(f["timestamp"]); ok {
		fe.Timestamp = fromTimestamp(ts)
	}
	if cs, ok := f["user_code_call_site"].(map[string]any); ok {
		fe.CallSite = &CallSite{
			FrameID: asString(cs["call_frame_id"]),
			Line:    int(asInt(cs["line_number"])),
		}
	}
	fe.Locals, _ = f["locals"].(map[string]any)
	fe.Exception, _ = f["exception"].(map[string]any)
	if assign, ok := f["assign"].(ftrcodec.Tuple); ok && len(assign) == 2 {
		fe.Assign = &Assignment{Name: asString(assign[0]), Value: assign[1]}
	}
	return fe
}

// Line returns the line number from the frame's path, or 0.
func (fe *FrameEvent) Line() int {
	i := strings.LastIndexByte(fe.Path, ':')
	if i < 0 {
		return 0
	}
	n, _ := strconv.Atoi(fe.Path[i+1:])
	return n
}

func asStrings(v any) []string {
	vs, _ := v.([]any)
	res := make([]string, 0, len(vs))
	for _, v := range vs {
		res = append(res, asString(v))
	}
	return res
}

func asInt(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case uint64:
		return int64(x)
	case float64:
		return int64(x)
	default:
		return 0
	}
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int64:
		return float64(x), true
	default:
		return 0, false
	}
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}
