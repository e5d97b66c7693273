package ftr

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/peterbourgon/ftr/ftrcodec"
	"github.com/peterbourgon/ftr/internal/ftrdebug"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned when finalizing a monitor that's already finalized.
var ErrClosed = errors.New("monitor closed")

const disabledCacheSize = 4096

// Monitor receives raw execution events from the host, and turns them into
// buffered frame events. Monitors are created by Enable.
//
// Hooks may be called concurrently from many threads. Events for the same
// thread must be delivered by one caller at a time, in the order they occur.
type Monitor struct {
	cfg        Config
	name       string
	owner      *Thread
	logger     logrus.FieldLogger
	encoder    ftrcodec.Encoder
	processors *processorSet
	include    []rule
	ignore     []rule
	disabled   *lru.Cache
	unitMode   bool
	persister  *persister

	gate   sync.RWMutex // hooks hold it for reading, finalization for writing
	closed bool

	threads  sync.Map // *Thread -> *threadState
	nthreads atomic.Int64

	unitMtx sync.Mutex
	traceID string
}

func newMonitor(sink Sink, cfg Config, source string, o options) (*Monitor, error) {
	cfg.normalize()

	logger := o.logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "ftr")

	disabled, err := lru.New(disabledCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create disabled code cache: %w", err)
	}

	procs := append([]Processor(nil), o.processors...)
	for _, p := range o.plugins {
		procs = append(procs, p.NewProcessor())
	}

	bound := make([]*boundProcessor, 0, len(procs))
	for i, p := range procs {
		bp := &boundProcessor{index: i, name: processorName(p), proc: p}
		if err := bp.buildContext(cfg); err != nil {
			ftrdebug.Capture.ProcessorErrors.Add(1)
			logger.WithField("processor", bp.name).Warnf("build context failed, processor disabled: %v", err)
			continue
		}
		bound = append(bound, bp)
	}

	include := pathRules("include", cfg.IncludeFrames)
	for i, f := range o.include {
		include = append(include, rule{name: "include filter " + strconv.Itoa(i), filter: f})
	}

	ignore := pathRules("ignore", cfg.IgnoreFrames)
	for i, f := range o.ignore {
		ignore = append(ignore, rule{name: "ignore filter " + strconv.Itoa(i), filter: f})
	}

	m := &Monitor{
		cfg:        cfg,
		name:       o.name,
		owner:      o.owner,
		logger:     logger,
		encoder:    ftrcodec.Encoder{Lightweight: cfg.LightweightRepr},
		processors: newProcessorSet(bound),
		include:    include,
		ignore:     ignore,
		disabled:   disabled,
		unitMode:   o.unitMode,
		traceID:    newTraceID(),
	}
	m.persister = newPersister(sink, cfg, source, o, logger)

	return m, nil
}

// TraceID returns the ID that the trace currently being captured will be
// saved under.
func (m *Monitor) TraceID() string {
	m.unitMtx.Lock()
	defer m.unitMtx.Unlock()
	return m.traceID
}

// Call is the hook for a function call.
func (m *Monitor) Call(t *Thread, code Code, act Activation) Action {
	return m.Event(&RawEvent{Kind: KindCall, Thread: t, Code: code, Activation: act})
}

// Return is the hook for a function returning value.
func (m *Monitor) Return(t *Thread, code Code, act Activation, value any) Action {
	return m.Event(&RawEvent{Kind: KindReturn, Thread: t, Code: code, Activation: act, Arg: value})
}

// Resume is the hook for a suspended activation, e.g. a generator, resuming.
func (m *Monitor) Resume(t *Thread, code Code, act Activation) Action {
	return m.Event(&RawEvent{Kind: KindResume, Thread: t, Code: code, Activation: act})
}

// Yield is the hook for an activation suspending with value.
func (m *Monitor) Yield(t *Thread, code Code, act Activation, value any) Action {
	return m.Event(&RawEvent{Kind: KindYield, Thread: t, Code: code, Activation: act, Arg: value})
}

// Unwind is the hook for an activation exiting with err.
func (m *Monitor) Unwind(t *Thread, code Code, act Activation, err error) Action {
	return m.Event(&RawEvent{Kind: KindUnwind, Thread: t, Code: code, Activation: act, Arg: err})
}

// Throw is the hook for err being thrown into a suspended activation.
func (m *Monitor) Throw(t *Thread, code Code, act Activation, err error) Action {
	return m.Event(&RawEvent{Kind: KindThrow, Thread: t, Code: code, Activation: act, Arg: err})
}

// Store is the hook for a line that assigns the named variable. It's called
// before the assignment executes.
func (m *Monitor) Store(t *Thread, code Code, act Activation, name string) Action {
	return m.Event(&RawEvent{Kind: KindLine, Thread: t, Code: code, Activation: act, Var: name})
}

// Event is the general hook. It never panics, and never blocks on anything
// but other hooks for the same thread and unit splits.
func (m *Monitor) Event(ev *RawEvent) Action {
	if ev == nil {
		return Continue
	}

	m.gate.RLock()
	defer m.gate.RUnlock()

	if m.closed {
		return Continue
	}

	ftrdebug.Capture.Events.Add(1)

	if m.disabled.Contains(ev.Code) {
		return Disable
	}

	st := m.threadState(ev.Thread)
	action, cut := m.dispatch(st, ev)
	if cut >= 0 {
		m.splitUnit(st, cut)
	}

	return action
}

var noThread = &Thread{}

func (m *Monitor) threadState(t *Thread) *threadState {
	if t == nil {
		t = noThread
	}
	if v, ok := m.threads.Load(t); ok {
		return v.(*threadState)
	}
	v, _ := m.threads.LoadOrStore(t, newThreadState(t, int(m.nthreads.Add(1))))
	return v.(*threadState)
}

// dispatch handles the event with the thread locked. It returns the action
// for the host, and a non-negative frame position if a unit boundary was
// emitted.
func (m *Monitor) dispatch(st *threadState, ev *RawEvent) (action Action, cut int) {
	st.mtx.Lock()
	defer st.mtx.Unlock()

	defer func() {
		if x := recover(); x != nil {
			ftrdebug.Capture.Dropped.Add(1)
			m.eventLogger(ev).Warnf("dropped event: %v", x)
			action, cut = Continue, -1
		}
	}()

	m.flushLine(st)

	switch {
	case ev.Kind == KindLine:
		m.line(st, ev)
		return Continue, -1
	case ev.Kind.IsEntry():
		return m.enter(st, ev)
	case ev.Kind.IsExit():
		return m.exit(st, ev)
	default:
		return Continue, -1
	}
}

func (m *Monitor) enter(st *threadState, ev *RawEvent) (Action, int) {
	d := m.decide(ev)
	if d.disable {
		st.forget(ev.Activation)
		m.disable(ev, d.rule)
		return Disable, -1
	}

	callSite := st.callSite(ev.Activation)

	var frameID string
	if d.emits() {
		frameID = st.frameID(ev.Activation)
	}

	var (
		cut      = -1
		recorded = false
	)
	for _, en := range d.enrichments {
		if m.bufferEnrichment(st, ev, frameID, callSite, en) {
			recorded = true
			cut = m.boundary(st, en, cut)
		}
	}
	if d.generic && m.bufferGeneric(st, ev, frameID, callSite) {
		recorded = true
	}

	st.push(stackEntry{act: ev.Activation, frameID: frameID, recorded: recorded})

	return Continue, cut
}

func (m *Monitor) exit(st *threadState, ev *RawEvent) (Action, int) {
	d := m.decide(ev)
	callSite := st.callSite(ev.Activation)
	st.pop(ev.Activation)

	if d.disable {
		st.forget(ev.Activation)
		m.disable(ev, d.rule)
		return Disable, -1
	}

	var frameID string
	if d.emits() {
		frameID = st.frameID(ev.Activation)
	}

	// Exit events are emitted in the reverse order of entry events, so that
	// every processor's events nest properly.
	cut := -1
	if d.generic {
		m.bufferGeneric(st, ev, frameID, callSite)
	}
	for i := len(d.enrichments) - 1; i >= 0; i-- {
		if m.bufferEnrichment(st, ev, frameID, callSite, d.enrichments[i]) {
			cut = m.boundary(st, d.enrichments[i], cut)
		}
	}

	if ev.Kind == KindReturn || ev.Kind == KindUnwind {
		st.forget(ev.Activation)
	}

	return Continue, cut
}

// skipVar returns true for names that are never interesting: the blank
// identifier and compiler temporaries.
func skipVar(name string) bool {
	return name == "" || name == "_" || strings.HasPrefix(name, "~") || strings.HasPrefix(name, ".")
}

func (m *Monitor) line(st *threadState, ev *RawEvent) {
	if !m.cfg.LineEvents || skipVar(ev.Var) {
		return
	}

	// Only assignments in recorded activations are captured.
	if _, ok := st.knownFrameID(ev.Activation); !ok {
		return
	}

	line := 0
	if ev.Activation != nil {
		line = ev.Activation.Line()
	}

	st.pending.set(ev, line)
}

// flushLine emits the pending assignment, if any, reading its value now that
// the assignment has executed.
func (m *Monitor) flushLine(st *threadState) {
	ev, line, ok := st.pending.take()
	if !ok {
		return
	}

	frameID, ok := st.knownFrameID(ev.Activation)
	if !ok {
		return
	}

	if m.buffer(st, &ev, func(f map[string]any) {
		var value any
		if ev.Activation != nil {
			value = ev.Activation.Locals()[ev.Var]
		}
		f["type"] = TypeFrame
		f["event"] = string(KindLine)
		f["path"] = ev.Code.Filename + ":" + strconv.Itoa(line)
		f["co_name"] = ev.Code.Name
		f["qualname"] = qualName(ev.Code)
		f["frame_id"] = frameID
		f["timestamp"] = timestamp(time.Now())
		f["assign"] = ftrcodec.Tuple{ev.Var, value}
	}) {
		ftrdebug.Capture.LineEvents.Add(1)
	}
}

// boundary returns the absolute frame position where the thread's buffer
// should be cut, if en is a unit boundary and unit splitting is enabled. A unit
// start is cut before, so it begins the next trace, and a unit end is cut
// after, so it ends the current trace. Positions stay valid when the buffer is
// cut by another split before this one runs.
func (m *Monitor) boundary(st *threadState, en *Enrichment, cut int) int {
	if !m.unitMode {
		return cut
	}
	switch en.Type {
	case TypeUnitStart:
		return st.position(len(st.frames) - 1)
	case TypeUnitEnd:
		return st.position(len(st.frames))
	default:
		return cut
	}
}

//
//
//

// decision is the result of the frame filter chain for one event.
type decision struct {
	enrichments []*Enrichment
	matched     bool   // some processor matched
	generic     bool   // emit a generic frame event
	disable     bool   // tell the host to stop delivering events
	rule        string // the exclusion rule that applied, if any
}

func (d decision) emits() bool {
	return d.generic || len(d.enrichments) > 0
}

// decide runs the frame filter chain. Processors always run first. Include
// rules come next, and win over every exclusion. Default and user exclusion
// rules reject the generic frame event, and disable the code location unless
// a processor matched, so processor events are never lost.
func (m *Monitor) decide(ev *RawEvent) decision {
	var d decision

	if !m.processors.empty() {
		for _, bp := range m.processors.candidates(ev.Code.Name) {
			ok, err := bp.matches(ev.Code.Filename, ev.Code.Name)
			if err != nil {
				m.processorFailed(bp, ev, err)
				continue
			}
			if !ok {
				continue
			}

			en, err := bp.extraData(ev, d.enrichments)
			if err != nil {
				m.processorFailed(bp, ev, err)
				continue
			}

			d.matched = true
			if en != nil && en.Type != "" {
				d.enrichments = append(d.enrichments, en)
			}
		}
	}

	if _, ok := m.firstMatch(ev, m.include); ok {
		d.generic = true
		return d
	}

	for _, rules := range [][]rule{defaultIgnoreRules, m.ignore} {
		if r, ok := m.firstMatch(ev, rules); ok {
			ftrdebug.Capture.Suppressed.Add(1)
			d.rule = r.name
			d.disable = !d.matched
			return d
		}
	}

	d.generic = true
	return d
}

func (m *Monitor) firstMatch(ev *RawEvent, rules []rule) (rule, bool) {
	for _, r := range rules {
		match, panicked := safeMatch(r.filter, ev)
		if panicked != nil {
			m.eventLogger(ev).WithField("rule", r.name).Warnf("filter panicked: %v", panicked)
			continue
		}
		if match {
			return r, true
		}
	}
	return rule{}, false
}

func (m *Monitor) disable(ev *RawEvent, reason string) {
	if !m.disabled.Contains(ev.Code) {
		m.disabled.Add(ev.Code, reason)
		ftrdebug.Capture.Disabled.Add(1)
		m.eventLogger(ev).WithField("rule", reason).Debug("code location disabled")
	}
}

func (m *Monitor) processorFailed(bp *boundProcessor, ev *RawEvent, err error) {
	ftrdebug.Capture.ProcessorErrors.Add(1)
	m.eventLogger(ev).WithField("processor", bp.name).Warnf("processor failed: %v", err)
}

func (m *Monitor) eventLogger(ev *RawEvent) logrus.FieldLogger {
	return m.logger.WithFields(logrus.Fields{
		"path":  ev.Code.Filename,
		"name":  ev.Code.Name,
		"event": ev.Kind,
	})
}

//
//
//

var framePool = sync.Pool{
	New: func() any {
		ftrdebug.FramePool.Alloc.Add(1)
		return map[string]any{}
	},
}

func getFrame() map[string]any {
	ftrdebug.FramePool.Get.Add(1)
	return framePool.Get().(map[string]any)
}

func putFrame(f map[string]any) {
	clear(f)
	ftrdebug.FramePool.Put.Add(1)
	framePool.Put(f)
}

// buffer builds a frame event document, encodes it, and appends it to the
// thread's frames. A failure while building drops only this frame event.
func (m *Monitor) buffer(st *threadState, ev *RawEvent, build func(f map[string]any)) (ok bool) {
	f := getFrame()
	defer putFrame(f)

	defer func() {
		if x := recover(); x != nil {
			ftrdebug.Capture.Dropped.Add(1)
			m.eventLogger(ev).Warnf("dropped frame event: %v", x)
			ok = false
		}
	}()

	build(f)
	st.frames = append(st.frames, ftrcodec.Raw(m.encoder.Marshal(f)))
	ftrdebug.Capture.Emitted.Add(1)
	return true
}

func (m *Monitor) bufferGeneric(st *threadState, ev *RawEvent, frameID string, callSite map[string]any) bool {
	return m.buffer(st, ev, func(f map[string]any) {
		line := 0
		if ev.Activation != nil {
			line = ev.Activation.Line()
		}

		f["type"] = TypeFrame
		f["event"] = string(ev.Kind)
		f["path"] = ev.Code.Filename + ":" + strconv.Itoa(line)
		f["co_name"] = ev.Code.Name
		f["qualname"] = qualName(ev.Code)
		f["frame_id"] = frameID
		f["timestamp"] = timestamp(time.Now())
		f["user_code_call_site"] = callSite

		switch ev.Kind {
		case KindUnwind, KindThrow:
			f["arg"] = nil
			f["exception"] = exceptionSummary(ev.Arg)
		default:
			f["arg"] = ev.Arg
		}

		switch {
		case ev.Kind.IsExit() && m.cfg.OmitReturnLocals, ev.Activation == nil:
			f["locals"] = nil
		default:
			f["locals"] = ev.Activation.Locals()
		}
	})
}

func (m *Monitor) bufferEnrichment(st *threadState, ev *RawEvent, frameID string, callSite map[string]any, en *Enrichment) bool {
	return m.buffer(st, ev, func(f map[string]any) {
		for k, v := range en.Data {
			f[k] = v
		}
		f["type"] = en.Type
		if en.Subtype != "" {
			f["subtype"] = en.Subtype
		}
		f["event"] = string(ev.Kind)
		f["frame_id"] = frameID
		f["timestamp"] = timestamp(time.Now())
		f["user_code_call_site"] = callSite
	})
}

func qualName(c Code) string {
	if c.QualName != "" {
		return c.QualName
	}
	return c.Name
}

func exceptionSummary(arg any) map[string]any {
	if arg == nil {
		return nil
	}
	summary := map[string]any{"type": fmt.Sprintf("%T", arg)}
	if err, ok := arg.(error); ok {
		summary["message"] = err.Error()
	} else {
		summary["message"] = fmt.Sprint(arg)
	}
	return summary
}

//
//
//

// splitUnit persists everything buffered before the unit boundary on every
// thread as a trace, and starts a new trace ID. The cut position applies to the
// thread that emitted the boundary; other threads are cut entirely.
func (m *Monitor) splitUnit(self *threadState, cut int) {
	m.unitMtx.Lock()
	defer m.unitMtx.Unlock()

	batch := m.collect(func(st *threadState) int {
		if st == self {
			return st.index(cut)
		}
		return -1
	})

	if batch.frameCount() > 0 {
		_ = m.persister.persist(m.saveJob(m.traceID, batch)) // logged by the persister
	}

	m.traceID = newTraceID()
}

// collect cuts buffered frames from every thread. The limit func returns the
// number of frames to take from a thread, or -1 for all of them. It's called
// with the thread locked.
func (m *Monitor) collect(limit func(st *threadState) int) threadBatch {
	var batch threadBatch
	m.threads.Range(func(_, v any) bool {
		st := v.(*threadState)

		st.mtx.Lock()
		n := len(st.frames)
		if l := limit(st); l >= 0 && l < n {
			n = l
		}
		frames := st.cut(n)
		st.mtx.Unlock()

		if len(frames) > 0 || st.thread == m.owner {
			batch = append(batch, threadFrames{thread: st.thread, id: st.id, ident: st.ident, order: st.order, frames: frames})
		}
		return true
	})
	sort.Slice(batch, func(i, j int) bool { return batch[i].order < batch[j].order })
	return batch
}

func (m *Monitor) saveJob(id string, batch threadBatch) *saveJob {
	owner := m.owner
	if owner == nil && len(batch) > 0 {
		owner = batch[0].thread
	}
	return &saveJob{
		id:      id,
		name:    m.name,
		owner:   owner,
		created: time.Now().UTC(),
		threads: batch,
	}
}

// close stops capture, flushes pending assignments, and persists whatever is
// buffered. In unit splitting mode, an empty buffer isn't persisted.
func (m *Monitor) close() error {
	m.gate.Lock()
	if m.closed {
		m.gate.Unlock()
		return ErrClosed
	}
	m.closed = true
	m.gate.Unlock()

	// No hooks are in flight anymore.
	m.threads.Range(func(_, v any) bool {
		st := v.(*threadState)
		st.mtx.Lock()
		defer st.mtx.Unlock()
		m.flushLine(st)
		return true
	})

	m.unitMtx.Lock()
	id := m.traceID
	batch := m.collect(func(*threadState) int { return -1 })
	m.unitMtx.Unlock()

	if m.unitMode && batch.frameCount() <= 0 {
		return nil
	}

	return m.persister.persist(m.saveJob(id, batch))
}

// depth returns the call stack depth of the thread, for tests.
func (m *Monitor) depth(t *Thread) int {
	st := m.threadState(t)
	st.mtx.Lock()
	defer st.mtx.Unlock()
	return len(st.stack)
}
