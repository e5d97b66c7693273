package ftr

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Enrichment is a domain-specific frame event produced by a processor.
type Enrichment struct {
	// Type of the frame event, e.g. "http_request". Required.
	Type string

	// Subtype further qualifies the type. Optional.
	Subtype string

	// Data is merged into the frame event. Keys that the monitor sets itself,
	// like frame_id and timestamp, take precedence.
	Data map[string]any
}

// Processor recognizes activations of specific functions, and enriches them
// with domain-specific frame events. A processor instance belongs to a single
// capture session, and is only ever called with that session's events.
type Processor interface {
	// Names returns the bare function names the processor is interested in.
	// The processor is only consulted for events of functions with those
	// names. An empty result means every function.
	Names() []string

	// Matches returns true if the processor applies to the function at the
	// given source path with the given bare name.
	Matches(path, name string) bool

	// ExtraData returns the enrichment for an entry or exit event of a
	// matched function, or nil to emit nothing. Enrichments produced for the
	// same event by processors registered earlier are passed in emitted.
	// It runs with the thread's capture state locked, so it must not call
	// any monitor hook.
	ExtraData(ev *RawEvent, emitted []*Enrichment) (*Enrichment, error)
}

// ContextBuilder is an optional interface for processors that need per-session
// state. BuildContext is called once, before any other method.
type ContextBuilder interface {
	BuildContext(cfg Config) error
}

// Plugin declares a processor. Each capture session binds a fresh processor
// from the plugin, so plugin state never leaks between sessions.
type Plugin struct {
	// Name identifies the plugin in logs. Optional.
	Name string

	// Names are the bare function names the plugin applies to. Required.
	Names []string

	// PathFragment, if set, must be contained in the source path of the
	// function.
	PathFragment string

	// Frame types emitted for each event kind. An empty type emits nothing.
	// UnwindKind and YieldKind default to ReturnKind, ResumeKind defaults to
	// CallKind, and ThrowKind defaults to UnwindKind.
	CallKind   string
	ReturnKind string
	UnwindKind string
	ResumeKind string
	YieldKind  string
	ThrowKind  string

	// Subtype is copied to every enrichment. Optional.
	Subtype string

	// Events restricts the event kinds the plugin emits for. Optional. By
	// default, the kind mapping above decides.
	Events []EventKind

	// Match is an extra predicate over events, evaluated with the session
	// state. Optional.
	Match func(ev *RawEvent, state any) bool

	// Process returns the extra data for an event. Optional.
	Process func(ev *RawEvent, state any) (map[string]any, error)

	// BuildContext returns the session state passed to Match and Process.
	// Optional.
	BuildContext func(cfg Config) (any, error)
}

// NewProcessor binds a fresh processor from the plugin.
func (p Plugin) NewProcessor() Processor {
	return &pluginProcessor{plugin: p}
}

type pluginProcessor struct {
	plugin Plugin
	state  any
}

var (
	_ Processor      = (*pluginProcessor)(nil)
	_ ContextBuilder = (*pluginProcessor)(nil)
)

func (pp *pluginProcessor) String() string {
	if pp.plugin.Name != "" {
		return pp.plugin.Name
	}
	return "plugin(" + strings.Join(pp.plugin.Names, ",") + ")"
}

func (pp *pluginProcessor) BuildContext(cfg Config) error {
	if pp.plugin.BuildContext == nil {
		return nil
	}
	state, err := pp.plugin.BuildContext(cfg)
	if err != nil {
		return err
	}
	pp.state = state
	return nil
}

func (pp *pluginProcessor) Names() []string {
	return pp.plugin.Names
}

func (pp *pluginProcessor) Matches(path, name string) bool {
	if !slices.Contains(pp.plugin.Names, name) {
		return false
	}
	return strings.Contains(path, pp.plugin.PathFragment)
}

func (pp *pluginProcessor) ExtraData(ev *RawEvent, _ []*Enrichment) (*Enrichment, error) {
	if len(pp.plugin.Events) > 0 && !slices.Contains(pp.plugin.Events, ev.Kind) {
		return nil, nil
	}

	typ := pp.typeFor(ev.Kind)
	if typ == "" {
		return nil, nil
	}

	if pp.plugin.Match != nil && !pp.plugin.Match(ev, pp.state) {
		return nil, nil
	}

	var data map[string]any
	if pp.plugin.Process != nil {
		d, err := pp.plugin.Process(ev, pp.state)
		if err != nil {
			return nil, err
		}
		data = d
	}

	return &Enrichment{Type: typ, Subtype: pp.plugin.Subtype, Data: data}, nil
}

func (pp *pluginProcessor) typeFor(kind EventKind) string {
	p := pp.plugin
	switch kind {
	case KindCall:
		return p.CallKind
	case KindResume:
		return firstOf(p.ResumeKind, p.CallKind)
	case KindReturn:
		return p.ReturnKind
	case KindYield:
		return firstOf(p.YieldKind, p.ReturnKind)
	case KindUnwind:
		return firstOf(p.UnwindKind, p.ReturnKind)
	case KindThrow:
		return firstOf(p.ThrowKind, p.UnwindKind, p.ReturnKind)
	default:
		return ""
	}
}

func firstOf(ss ...string) string {
	for _, s := range ss {
		if s != "" {
			return s
		}
	}
	return ""
}

//
//
//

// boundProcessor is a processor registered with a monitor.
type boundProcessor struct {
	index int
	name  string
	proc  Processor
}

func processorName(p Processor) string {
	if s, ok := p.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", p)
}

// processorSet dispatches processors by bare function name, preserving
// registration order.
type processorSet struct {
	byName  map[string][]*boundProcessor
	anyName []*boundProcessor
}

func newProcessorSet(bound []*boundProcessor) *processorSet {
	ps := &processorSet{byName: map[string][]*boundProcessor{}}
	for _, bp := range bound {
		names := bp.proc.Names()
		if len(names) <= 0 {
			ps.anyName = append(ps.anyName, bp)
			continue
		}
		for _, name := range names {
			ps.byName[name] = append(ps.byName[name], bp)
		}
	}
	return ps
}

func (ps *processorSet) empty() bool {
	return len(ps.byName) <= 0 && len(ps.anyName) <= 0
}

// candidates returns the processors that may apply to the named function, in
// registration order.
func (ps *processorSet) candidates(name string) []*boundProcessor {
	named := ps.byName[name]
	switch {
	case len(ps.anyName) <= 0:
		return named
	case len(named) <= 0:
		return ps.anyName
	}

	res := make([]*boundProcessor, 0, len(named)+len(ps.anyName))
	res = append(res, named...)
	res = append(res, ps.anyName...)
	sort.SliceStable(res, func(i, j int) bool { return res[i].index < res[j].index })
	return res
}

// matches calls Matches, recovering from panics.
func (bp *boundProcessor) matches(path, name string) (ok bool, err error) {
	defer func() {
		if x := recover(); x != nil {
			ok, err = false, fmt.Errorf("panic in Matches: %v", x)
		}
	}()
	return bp.proc.Matches(path, name), nil
}

// extraData calls ExtraData, recovering from panics.
func (bp *boundProcessor) extraData(ev *RawEvent, emitted []*Enrichment) (en *Enrichment, err error) {
	defer func() {
		if x := recover(); x != nil {
			en, err = nil, fmt.Errorf("panic in ExtraData: %v", x)
		}
	}()
	return bp.proc.ExtraData(ev, emitted)
}

// buildContext calls BuildContext if implemented, recovering from panics.
func (bp *boundProcessor) buildContext(cfg Config) (err error) {
	cb, ok := bp.proc.(ContextBuilder)
	if !ok {
		return nil
	}
	defer func() {
		if x := recover(); x != nil {
			err = fmt.Errorf("panic in BuildContext: %v", x)
		}
	}()
	return cb.BuildContext(cfg)
}
