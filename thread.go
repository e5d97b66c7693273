package ftr

import (
	"sync"

	"github.com/google/uuid"
	"github.com/peterbourgon/ftr/ftrcodec"
)

// threadState is the capture state of a single thread. Hooks for a thread are
// serialized by its mutex; unit splitting and finalization also take it, in
// order to cut the buffered frames.
type threadState struct {
	mtx      sync.Mutex
	thread   *Thread
	id       string
	ident    string
	order    int
	stack    []stackEntry
	frameIDs map[Activation]string
	frames   []ftrcodec.Raw
	taken    int // frames cut from the buffer so far
	pending  lineSlot
}

// stackEntry is an open activation. Entries that emitted nothing are kept, to
// keep the stack balanced, but they're never used as call sites.
type stackEntry struct {
	act      Activation
	frameID  string
	recorded bool
}

func newThreadState(t *Thread, order int) *threadState {
	id, ident := threadIdentity(t)
	return &threadState{
		thread:   t,
		id:       id,
		ident:    ident,
		order:    order,
		frameIDs: map[Activation]string{},
	}
}

// threadIdentity returns the document ID of the thread, and its ident. Threads
// without a native ID or an ident get a logical ident, so that they don't
// share a document key. Only events delivered without a thread are recorded
// under no_thread_id.
func threadIdentity(t *Thread) (id, ident string) {
	if t == nil || t == noThread || t.NativeID != 0 || t.Ident != "" {
		return t.ID(), identOf(t)
	}
	ident = uuid.NewString()
	return "ident_" + ident, ident
}

func identOf(t *Thread) string {
	if t == nil {
		return ""
	}
	return t.Ident
}

// frameID returns the frame ID of the activation, allocating one if it's new.
// Resumed activations keep the ID they had when they were suspended.
func (st *threadState) frameID(act Activation) string {
	if act == nil {
		return newFrameID()
	}
	if id, ok := st.frameIDs[act]; ok {
		return id
	}
	id := newFrameID()
	st.frameIDs[act] = id
	return id
}

// knownFrameID returns the frame ID of the activation, if it has one.
func (st *threadState) knownFrameID(act Activation) (string, bool) {
	if act == nil {
		return "", false
	}
	id, ok := st.frameIDs[act]
	return id, ok
}

func (st *threadState) forget(act Activation) {
	if act != nil {
		delete(st.frameIDs, act)
	}
}

// callSite returns the nearest recorded open activation below the given one,
// and the line it's currently at. If act is on top of the stack, it's skipped,
// so an activation is never its own call site.
func (st *threadState) callSite(act Activation) map[string]any {
	i := len(st.stack) - 1
	if i >= 0 && act != nil && st.stack[i].act == act {
		i--
	}
	for ; i >= 0; i-- {
		e := st.stack[i]
		if !e.recorded {
			continue
		}
		line := 0
		if e.act != nil {
			line = e.act.Line()
		}
		return map[string]any{
			"call_frame_id": e.frameID,
			"line_number":   line,
		}
	}
	return nil
}

func (st *threadState) push(e stackEntry) {
	st.stack = append(st.stack, e)
}

// pop removes the activation and everything above it from the stack. Entries
// above it belong to activations whose exit events were never delivered. If
// the activation isn't on the stack, pop is a no-op.
func (st *threadState) pop(act Activation) {
	for i := len(st.stack) - 1; i >= 0; i-- {
		if st.stack[i].act == act {
			clear(st.stack[i:])
			st.stack = st.stack[:i]
			return
		}
	}
}

// cut removes and returns the first n buffered frames.
func (st *threadState) cut(n int) []ftrcodec.Raw {
	if n > len(st.frames) {
		n = len(st.frames)
	}
	if n <= 0 {
		return nil
	}
	taken := st.frames[:n:n]
	rest := make([]ftrcodec.Raw, len(st.frames)-n, cap(st.frames)-n)
	copy(rest, st.frames[n:])
	st.frames = rest
	st.taken += n
	return taken
}

// position returns the absolute position of the buffer index i, counting
// every frame the thread has buffered.
func (st *threadState) position(i int) int {
	return st.taken + i
}

// index returns the buffer index of the absolute position pos. Positions
// already cut map to 0.
func (st *threadState) index(pos int) int {
	return max(pos-st.taken, 0)
}

//
//
//

// lineSlot holds at most one assignment whose value isn't known yet. Line
// events fire before the assignment executes, so the value is read when the
// slot is flushed, at the next event on the same thread.
type lineSlot struct {
	state lineState
	ev    RawEvent
	line  int
}

type lineState uint8

const (
	lineEmpty lineState = iota
	linePending
)

func (s *lineSlot) set(ev *RawEvent, line int) {
	s.state = linePending
	s.ev = *ev
	s.line = line
}

func (s *lineSlot) take() (RawEvent, int, bool) {
	if s.state != linePending {
		return RawEvent{}, 0, false
	}
	ev, line := s.ev, s.line
	s.state, s.ev, s.line = lineEmpty, RawEvent{}, 0
	return ev, line, true
}
