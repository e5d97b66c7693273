package ftr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/peterbourgon/ftr/ftrcodec"
	"github.com/sirupsen/logrus/hooks/test"
	"pgregory.net/rapid"
)

type discardSink struct{}

func (discardSink) WriteTrace(context.Context, string, []byte, time.Time) error { return nil }

type fataler interface {
	Helper()
	Fatal(args ...any)
}

func newTestMonitor(t fataler, cfg Config, o options) *Monitor {
	t.Helper()
	logger, _ := test.NewNullLogger()
	o.logger = logger
	m, err := newMonitor(discardSink{}, cfg, "test", o)
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func TestStackBalanceProperty(t *testing.T) {
	t.Parallel()

	codes := []Code{
		{Filename: "/app/a.go", Name: "a"},
		{Filename: "/app/b.go", Name: "b"},
		{Filename: "/home/u/go/pkg/mod/example.com/lib/lib.go", Name: "lib"},
		{Filename: "/app/gen.go", Name: "gen"},
	}

	rapid.Check(t, func(t *rapid.T) {
		var (
			m      = newTestMonitor(t, Config{}, options{})
			thread = &Thread{NativeID: 1}
			open   []*Scope
			calls  []Code
			steps  = rapid.IntRange(0, 100).Draw(t, "steps")
		)

		exit := func() {
			i := len(open) - 1
			act, code := open[i], calls[i]
			open, calls = open[:i], calls[:i]
			switch rapid.IntRange(0, 2).Draw(t, "exit") {
			case 0:
				m.Return(thread, code, act, i)
			case 1:
				m.Unwind(thread, code, act, errors.New("unwind"))
			case 2:
				m.Throw(thread, code, act, errors.New("throw"))
				m.Return(thread, code, act, nil)
			}
		}

		for i := 0; i < steps; i++ {
			if len(open) > 0 && rapid.Bool().Draw(t, "pop") {
				exit()
				continue
			}
			code := rapid.SampledFrom(codes).Draw(t, "code")
			act := NewScope(rapid.IntRange(1, 100).Draw(t, "line"), nil)
			open, calls = append(open, act), append(calls, code)
			m.Call(thread, code, act)
		}
		for len(open) > 0 {
			exit()
		}

		if have := m.depth(thread); have != 0 {
			t.Fatalf("stack depth after balanced events: %d", have)
		}

		st := m.threadState(thread)
		var (
			entries  = map[string]int{}
			exits    = map[string]int{}
			frameIDs = map[string]bool{}
			sites    []string
		)
		for _, raw := range st.frames {
			doc := decodeFrameDoc(raw)
			if doc == nil {
				t.Fatalf("undecodable frame")
			}
			id := asString(doc["frame_id"])
			frameIDs[id] = true
			kind := EventKind(asString(doc["event"]))
			switch {
			case kind.IsEntry():
				entries[id]++
			case kind.IsExit():
				exits[id]++
			}
			if cs, ok := doc["user_code_call_site"].(map[string]any); ok {
				sites = append(sites, asString(cs["call_frame_id"]))
			}
			if strings.HasPrefix(asString(doc["path"]), "/home/u/go/pkg/mod/") {
				t.Fatalf("excluded frame recorded")
			}
		}
		for id, n := range entries {
			// Throw is exit-class, and is followed by the real exit.
			if exits[id] < n {
				t.Fatalf("frame %s: %d entries, %d exits", id, n, exits[id])
			}
		}
		for _, site := range sites {
			if !frameIDs[site] {
				t.Fatalf("call site %s doesn't refer to a recorded frame", site)
			}
		}
	})
}

func TestCallSiteSkipsUnrecordedFrames(t *testing.T) {
	t.Parallel()

	var (
		m       = newTestMonitor(t, Config{}, options{})
		thread  = &Thread{NativeID: 1}
		user    = Code{Filename: "/app/main.go", Name: "user"}
		lib     = Code{Filename: "/home/u/go/pkg/mod/example.com/lib/lib.go", Name: "lib"}
		cb      = Code{Filename: "/app/main.go", Name: "callback"}
		userAct = NewScope(7, nil)
		libAct  = NewScope(1, nil)
		cbAct   = NewScope(30, nil)
	)

	m.Call(thread, user, userAct)
	if want, have := Disable, m.Call(thread, lib, libAct); want != have {
		t.Fatalf("Call lib: want %v, have %v", want, have)
	}
	m.Call(thread, cb, cbAct)

	st := m.threadState(thread)
	if want, have := 2, len(st.frames); want != have {
		t.Fatalf("frames: want %d, have %d", want, have)
	}

	userDoc, cbDoc := decodeFrameDoc(st.frames[0]), decodeFrameDoc(st.frames[1])
	site, ok := cbDoc["user_code_call_site"].(map[string]any)
	if !ok {
		t.Fatalf("callback: missing call site")
	}
	if want, have := userDoc["frame_id"], site["call_frame_id"]; want != have {
		t.Errorf("call site frame: want %v, have %v", want, have)
	}
	if want, have := int64(7), site["line_number"]; want != have {
		t.Errorf("call site line: want %v, have %v", want, have)
	}
}

func TestThreadID(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		thread *Thread
		want   string
	}{
		{nil, "no_thread_id"},
		{&Thread{}, "no_thread_id"},
		{&Thread{NativeID: 42, Ident: "x"}, "native_42"},
		{&Thread{Ident: "abc"}, "ident_abc"},
	} {
		if have := tc.thread.ID(); tc.want != have {
			t.Errorf("%+v: want %s, have %s", tc.thread, tc.want, have)
		}
	}

	lt := LogicalThread("worker")
	if want, have := 42, len(lt.ID()); want != have { // "ident_" + 36 byte UUID
		t.Errorf("logical thread ID %q: want length %d, have %d", lt.ID(), want, have)
	}
}

func TestSkipVar(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]bool{
		"":           true,
		"_":          true,
		"~r0":        true,
		".autotmp_1": true,
		"x":          false,
		"result":     false,
	} {
		if have := skipVar(name); want != have {
			t.Errorf("%q: want %v, have %v", name, want, have)
		}
	}
}

func TestThreadStateCut(t *testing.T) {
	t.Parallel()

	st := newThreadState(&Thread{}, 1)
	for i := 0; i < 5; i++ {
		st.frames = append(st.frames, ftrcodec.Raw(ftrcodec.Marshal(i)))
	}

	taken := st.cut(2)
	if want, have := 2, len(taken); want != have {
		t.Fatalf("taken: want %d, have %d", want, have)
	}
	if want, have := 3, len(st.frames); want != have {
		t.Fatalf("rest: want %d, have %d", want, have)
	}

	st.frames = append(st.frames, ftrcodec.Raw(ftrcodec.Marshal(99)))
	for i, raw := range taken {
		v, err := ftrcodec.Unmarshal(raw)
		if err != nil {
			t.Fatal(err)
		}
		if want, have := int64(i), v; want != have {
			t.Errorf("taken[%d]: want %v, have %v", i, want, have)
		}
	}

	if have := st.cut(10); len(have) != 4 {
		t.Errorf("cut beyond length: want 4 frames, have %d", len(have))
	}
	if have := st.cut(1); have != nil {
		t.Errorf("cut from empty: want nil, have %v", have)
	}

	if want, have := 6, st.taken; want != have {
		t.Errorf("taken: want %d, have %d", want, have)
	}
	if want, have := 0, st.index(st.position(0)-1); want != have {
		t.Errorf("index of cut position: want %d, have %d", want, have)
	}
}

func TestUnitCutAfterConcurrentSplit(t *testing.T) {
	t.Parallel()

	var (
		start = Code{Filename: "/harness/unit.go", Name: "StartUnit"}
		user  = Code{Filename: "/app/main.go", Name: "user"}
		m     = newTestMonitor(t, Config{}, options{
			unitMode: true,
			plugins:  []Plugin{{Names: []string{"StartUnit"}, CallKind: TypeUnitStart}},
		})
		st    = m.threadState(nil)
		other = m.threadState(&Thread{NativeID: 2})
	)

	m.Call(nil, user, NewScope(1, nil))
	m.Call(nil, user, NewScope(2, nil))

	_, pos := m.dispatch(st, &RawEvent{Kind: KindCall, Code: start, Activation: NewScope(3, nil)})
	if pos < 0 {
		t.Fatalf("unit start: want a cut position, have %d", pos)
	}

	// Another thread's split drains the buffer, unit start included, before
	// this thread's split runs.
	m.splitUnit(other, 0)
	if want, have := 0, len(st.frames); want != have {
		t.Fatalf("frames after other split: want %d, have %d", want, have)
	}

	m.Call(nil, user, NewScope(4, nil))
	m.Call(nil, user, NewScope(5, nil))

	m.splitUnit(st, pos)
	if want, have := 2, len(st.frames); want != have {
		t.Errorf("frames after stale split: want %d, have %d", want, have)
	}
}

func TestTraceName(t *testing.T) {
	t.Parallel()

	frame := func(kv ...any) ftrcodec.Raw {
		doc := map[string]any{}
		for i := 0; i+1 < len(kv); i += 2 {
			doc[fmt.Sprint(kv[i])] = kv[i+1]
		}
		return ftrcodec.Raw(ftrcodec.Marshal(doc))
	}
	generic := frame("type", TypeFrame, "event", "call")
	owner := &Thread{NativeID: 1}

	for _, tc := range []struct {
		name   string
		frames []ftrcodec.Raw
		want   string
	}{
		{"empty", nil, ""},
		{"generic only", []ftrcodec.Raw{generic, generic}, ""},
		{"unit with class", []ftrcodec.Raw{
			frame("type", TypeUnitStart, "test_name", "TestFoo", "test_class", "Suite"),
			generic, generic, generic, generic,
			frame("type", TypeUnitEnd),
		}, "Suite.TestFoo"},
		{"unit without class", []ftrcodec.Raw{
			frame("type", TypeUnitStart, "test_name", "TestFoo"),
			frame("type", TypeUnitEnd),
		}, "TestFoo"},
		{"unit start too late", []ftrcodec.Raw{
			generic, generic, generic,
			frame("type", TypeUnitStart, "test_name", "TestFoo"),
			generic, generic, generic,
			frame("type", TypeUnitEnd),
		}, ""},
		{"http", []ftrcodec.Raw{
			frame("type", TypeHTTPRequest, "method", "POST", "path", "/x"),
			generic,
			frame("type", TypeHTTPResponse, "status_code", 201),
		}, "201 POST /x"},
		{"unit wins over http", []ftrcodec.Raw{
			frame("type", TypeHTTPRequest, "method", "POST", "path", "/x"),
			frame("type", TypeUnitStart, "test_name", "TestFoo"),
			frame("type", TypeUnitEnd),
			frame("type", TypeHTTPResponse, "status_code", 201),
		}, "TestFoo"},
		{"http without response", []ftrcodec.Raw{
			frame("type", TypeHTTPRequest, "method", "POST", "path", "/x"),
		}, ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			job := &saveJob{owner: owner, threads: threadBatch{{thread: owner, frames: tc.frames}}}
			if want, have := tc.want, traceName(job); want != have {
				t.Errorf("want %q, have %q", want, have)
			}
		})
	}
}
