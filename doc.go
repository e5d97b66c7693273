// Package ftr captures execution traces of a running program, and hands them to
// a persistent store.
//
// The basic idea is that the host program delivers raw execution events, such
// as function calls, returns and variable assignments, to a [Monitor] through
// its hook methods. The monitor decides which events are interesting, runs any
// registered [Processor] to enrich them with domain-specific data, encodes
// every kept event into a compact frame document, and buffers those frames per
// thread. When the capture scope ends, the buffered frames are assembled into a
// single trace document, encoded with package ftrcodec, and written to a
// [Sink], typically a [github.com/peterbourgon/ftr/ftrstore.Store].
//
// Capture is scoped. [Enable] installs a monitor as the process-wide active
// monitor, and returns a [Handle]; closing the handle finalizes and persists
// the trace. At most one monitor is active at a time.
//
// Deciding what to keep is the job of the frame filter chain. By default,
// events from dependencies, the standard library, generated code, and the
// tracer itself are excluded, and the host is told to stop delivering events
// for those code locations. Include and ignore rules in [Config] refine that.
//
// Capture failures never propagate into the host program. Panics and errors
// raised by processors, filters and value snapshots are recovered, logged, and
// counted, and the offending event is dropped.
package ftr
