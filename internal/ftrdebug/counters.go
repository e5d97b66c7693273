// Package ftrdebug holds process-wide counters describing capture activity.
package ftrdebug

import "sync/atomic"

// PoolCounters track operations on a sync.Pool for a specific type.
type PoolCounters struct {
	Get   atomic.Uint64
	Alloc atomic.Uint64
	Put   atomic.Uint64
}

// ReusePercent returns the percent (0..100) reuse of the pool type.
func (pc *PoolCounters) ReusePercent() float64 {
	var (
		get   = pc.Get.Load()
		alloc = pc.Alloc.Load()
	)
	if get == 0 || alloc > get {
		return 0.0
	}
	return 100 * float64(get-alloc) / float64(get)
}

// CaptureCounters track the work done by frame event monitors.
type CaptureCounters struct {
	Events          atomic.Uint64 // raw events delivered by hooks
	Emitted         atomic.Uint64 // frame events buffered
	Suppressed      atomic.Uint64 // activations excluded by a rule
	Disabled        atomic.Uint64 // code locations disabled
	Dropped         atomic.Uint64 // frame events lost to an internal error
	ProcessorErrors atomic.Uint64
	LineEvents      atomic.Uint64
}

// SaveCounters track trace persistence.
type SaveCounters struct {
	Saved  atomic.Uint64
	Failed atomic.Uint64
	Bytes  atomic.Uint64
}

var (
	// Capture tracks every monitor in the process.
	Capture CaptureCounters

	// Save tracks every trace handed to a sink.
	Save SaveCounters

	// FramePool tracks the pool of frame documents.
	FramePool PoolCounters
)
