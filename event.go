package ftr

import (
	"strconv"

	"github.com/google/uuid"
)

// EventKind is the kind of a raw execution event.
type EventKind string

// Raw event kinds delivered by the host.
const (
	KindCall   EventKind = "call"
	KindReturn EventKind = "return"
	KindResume EventKind = "resume"
	KindYield  EventKind = "yield"
	KindUnwind EventKind = "unwind"
	KindThrow  EventKind = "throw"
	KindLine   EventKind = "line"
)

// IsEntry returns true for kinds that enter an activation.
func (k EventKind) IsEntry() bool {
	return k == KindCall || k == KindResume
}

// IsExit returns true for kinds that leave an activation.
func (k EventKind) IsExit() bool {
	return k == KindReturn || k == KindYield || k == KindUnwind || k == KindThrow
}

// Well-known frame types produced by processors. Unit markers drive unit
// splitting, and both pairs drive trace naming.
const (
	TypeFrame        = "frame"
	TypeUnitStart    = "unit_start"
	TypeUnitEnd      = "unit_end"
	TypeHTTPRequest  = "http_request"
	TypeHTTPResponse = "http_response"
)

// Action is returned by every hook, and tells the host whether it should keep
// delivering events for the code location of the event.
type Action int

const (
	// Continue delivering events for the code location.
	Continue Action = iota

	// Disable delivery of all further events for the code location. Hosts may
	// ignore this, in which case the monitor keeps ignoring those events.
	Disable
)

// String implements fmt.Stringer.
func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case Disable:
		return "disable"
	default:
		return "action(" + strconv.Itoa(int(a)) + ")"
	}
}

// Code identifies a function, independent of any activation of it.
type Code struct {
	// Filename is the source file of the function. Rules match against it.
	Filename string

	// Name is the bare function name. Processors are dispatched by it.
	Name string

	// QualName is the qualified name, e.g. "pkg.(*Type).Method". Optional.
	QualName string
}

// Activation is a single live invocation of a function. Activations are
// compared by identity, so implementations are typically pointers.
type Activation interface {
	// Line returns the line the activation is currently executing, or is
	// suspended at.
	Line() int

	// Locals returns a snapshot of the activation's local variables. It may
	// return nil. It's called at most once per emitted frame event.
	Locals() map[string]any
}

// Thread describes an OS thread, or a logical thread like a goroutine or a
// worker, on which events are delivered. Every event carries the thread it
// occurred on. Threads are compared by identity.
type Thread struct {
	NativeID int64       // OS-level id, if known
	Ident    string      // runtime-level id, if known
	Name     string      // human readable name
	Daemon   bool        // doesn't keep the process alive
	Alive    func() bool // optional liveness check
}

// LogicalThread returns a thread without a native id, whose ident is a random
// UUID. It's meant for goroutines and other threads that the OS doesn't know.
func LogicalThread(name string) *Thread {
	return &Thread{Ident: uuid.NewString(), Name: name}
}

// ID returns the identifier of the thread in trace documents.
func (t *Thread) ID() string {
	switch {
	case t == nil:
		return "no_thread_id"
	case t.NativeID != 0:
		return "native_" + strconv.FormatInt(t.NativeID, 10)
	case t.Ident != "":
		return "ident_" + t.Ident
	default:
		return "no_thread_id"
	}
}

func (t *Thread) isAlive() bool {
	if t == nil || t.Alive == nil {
		return true
	}
	return t.Alive()
}

// RawEvent is a single execution event delivered by the host.
type RawEvent struct {
	Kind       EventKind
	Thread     *Thread
	Code       Code
	Activation Activation

	// Arg is the returned or yielded value for return and yield events, and
	// the error for unwind and throw events.
	Arg any

	// Var is the name of the assigned variable, for line events.
	Var string
}

// Scope is an Activation for manually instrumented code. Callers update its
// line and locals as the function runs.
type Scope struct {
	line   int
	locals map[string]any
}

// NewScope returns a scope at the given line, with the given locals, which are
// typically the function arguments.
func NewScope(line int, locals map[string]any) *Scope {
	if locals == nil {
		locals = map[string]any{}
	}
	return &Scope{line: line, locals: locals}
}

// At moves the scope to the given line, and returns the scope.
func (s *Scope) At(line int) *Scope {
	s.line = line
	return s
}

// Set assigns a local variable, and returns the scope.
func (s *Scope) Set(name string, value any) *Scope {
	s.locals[name] = value
	return s
}

// Line implements Activation.
func (s *Scope) Line() int {
	return s.line
}

// Locals implements Activation.
func (s *Scope) Locals() map[string]any {
	res := make(map[string]any, len(s.locals))
	for k, v := range s.locals {
		res[k] = v
	}
	return res
}
