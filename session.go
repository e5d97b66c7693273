package ftr

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// ErrActive is returned by Enable when another capture session is active.
var ErrActive = errors.New("another capture session is active")

// Option customizes a capture session.
type Option func(*options)

type options struct {
	name       string
	owner      *Thread
	logger     logrus.FieldLogger
	processors []Processor
	plugins    []Plugin
	include    []Filter
	ignore     []Filter
	unitMode   bool
	background bool
	ctx        context.Context
}

// WithName sets the name of every trace saved by the session. By default, a
// name is derived from the captured frames, if possible.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithOwner sets the thread that enables capture. Its ID is recorded as the
// current thread of each trace, its frames are used to derive trace names, and
// enabling capture again from the same thread is a no-op.
func WithOwner(t *Thread) Option {
	return func(o *options) { o.owner = t }
}

// WithLogger sets the logger for capture failures. By default, the standard
// logrus logger is used.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(o *options) { o.logger = logger }
}

// WithProcessors registers processors, in order. Processor instances must not
// be shared between sessions.
func WithProcessors(ps ...Processor) Option {
	return func(o *options) { o.processors = append(o.processors, ps...) }
}

// WithPlugins registers plugins, in order, after any processors.
func WithPlugins(ps ...Plugin) Option {
	return func(o *options) { o.plugins = append(o.plugins, ps...) }
}

// WithInclude adds include rules, evaluated after those in the config.
func WithInclude(fs ...Filter) Option {
	return func(o *options) { o.include = append(o.include, fs...) }
}

// WithIgnore adds ignore rules, evaluated after those in the config.
func WithIgnore(fs ...Filter) Option {
	return func(o *options) { o.ignore = append(o.ignore, fs...) }
}

// WithOneTracePerUnit splits capture into one trace per unit of work, e.g. a
// test, delimited by unit_start and unit_end frame events.
func WithOneTracePerUnit() Option {
	return func(o *options) { o.unitMode = true }
}

// WithBackgroundSave persists traces in background goroutines. Use
// [Handle.Wait] to wait for them.
func WithBackgroundSave() Option {
	return func(o *options) { o.background = true }
}

// WithContext sets the context passed to the sink. By default, the background
// context is used.
func WithContext(ctx context.Context) Option {
	return func(o *options) { o.ctx = ctx }
}

//
//
//

var (
	active atomic.Pointer[Monitor]

	// enableMtx serializes Enable, so only the session that will become
	// active builds processor contexts.
	enableMtx sync.Mutex
)

// Active returns the monitor of the active capture session, or nil. Host
// instrumentation delivers its events to this monitor.
func Active() *Monitor {
	return active.Load()
}

// Enable starts a capture session, whose traces are written to sink. Source
// identifies the capturing program in trace metadata. At most one session can
// be active at a time; if another is active, Enable returns ErrActive, unless
// the same owner thread enabled it, in which case the returned handle is a
// no-op.
func Enable(sink Sink, cfg Config, source string, opts ...Option) (*Handle, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	enableMtx.Lock()
	defer enableMtx.Unlock()

	if h, ok := nestedHandle(o.owner); ok {
		return h, nil
	}

	if active.Load() != nil {
		return nil, ErrActive
	}

	m, err := newMonitor(sink, cfg, source, o)
	if err != nil {
		return nil, err
	}

	if !active.CompareAndSwap(nil, m) {
		return nil, ErrActive
	}

	return &Handle{m: m}, nil
}

func nestedHandle(owner *Thread) (*Handle, bool) {
	cur := active.Load()
	if cur == nil || owner == nil || cur.owner != owner {
		return nil, false
	}
	return &Handle{m: cur, nested: true}, true
}

// Handle controls a capture session.
type Handle struct {
	m      *Monitor
	nested bool
	once   sync.Once
	err    error
}

// Monitor returns the session's monitor.
func (h *Handle) Monitor() *Monitor {
	return h.m
}

// Close ends the session, and persists whatever was captured. With background
// saves, the returned error only reflects finalization; use Wait for the
// outcome of the saves. Closing a nested handle is a no-op. Close is
// idempotent.
func (h *Handle) Close() error {
	if h.nested {
		return nil
	}
	h.once.Do(func() {
		active.CompareAndSwap(h.m, nil)
		h.err = h.m.close()
	})
	return h.err
}

// Wait blocks until every background save has finished, and returns the first
// error among them.
func (h *Handle) Wait() error {
	return h.m.persister.wait()
}

// Saved returns the outcomes of the most recent saves, newest first.
func (h *Handle) Saved() []SaveResult {
	return h.m.persister.recent()
}
