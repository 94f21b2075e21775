package callrouter

import "sync/atomic"

// Counters is the external, deployment-global counters service
// (spec.md §6 "To the counters service"). The router only ever reads
// live_calls for admission and increments/decrements it around worker
// creation and termination; no other coordination is required, so reads
// are lock-free.
type Counters interface {
	LiveCalls() int64
	IncLiveCalls()
	DecLiveCalls()
}

// ProcessCounters is an in-process, atomic Counters implementation.
// Production deployments that run more than this single call router
// within a node would instead point Counters at a shared service; the
// interface is what spec.md actually requires.
type ProcessCounters struct {
	live int64
}

// NewProcessCounters returns a zeroed Counters.
func NewProcessCounters() *ProcessCounters {
	return &ProcessCounters{}
}

// LiveCalls returns a monotonically-consistent view of the number of
// live calls across the node.
func (c *ProcessCounters) LiveCalls() int64 {
	return atomic.LoadInt64(&c.live)
}

// IncLiveCalls is called once per successful ensure_worker.
func (c *ProcessCounters) IncLiveCalls() {
	atomic.AddInt64(&c.live, 1)
}

// DecLiveCalls is called once per worker termination.
func (c *ProcessCounters) DecLiveCalls() {
	atomic.AddInt64(&c.live, -1)
}
