// Package failuretracker records per-node chunk-render failures in a
// sliding window and flags a node as suspended once it crosses a
// failure threshold, so the dispatch engine stops assigning it new
// work until an operator clears it. Direct translation of the original
// implementation's NodeFailureTracker.
package failuretracker

import (
	"sync"

	"github.com/cbkow/mid-render/pkg/types"
)

const (
	// SuspendThreshold is the number of failures within SuspendWindowMs
	// that flags a node as suspended.
	SuspendThreshold = 5
	// SuspendWindowMs is the sliding window width, in milliseconds.
	SuspendWindowMs int64 = 300000
)

// Record is the per-node failure history.
type Record struct {
	FailureCount   int
	FirstFailureMs int64
	LastFailureMs  int64
	Suspended      bool
}

// Tracker is a mutex-guarded map of node ID to failure Record.
type Tracker struct {
	mu      sync.Mutex
	records map[types.NodeID]*Record
}

// New builds an empty Tracker.
func New() *Tracker {
	return &Tracker{records: make(map[types.NodeID]*Record)}
}

// RecordFailure logs one chunk-render failure for node at nowMs. If the
// node's first recorded failure is older than SuspendWindowMs, the
// window resets before counting this failure.
func (t *Tracker) RecordFailure(node types.NodeID, nowMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[node]
	if !ok {
		r = &Record{}
		t.records[node] = r
	}

	if r.FirstFailureMs > 0 && (nowMs-r.FirstFailureMs) > SuspendWindowMs {
		r.FailureCount = 0
		r.FirstFailureMs = nowMs
	}

	if r.FailureCount == 0 {
		r.FirstFailureMs = nowMs
	}

	r.FailureCount++
	r.LastFailureMs = nowMs

	if r.FailureCount >= SuspendThreshold {
		r.Suspended = true
	}
}

// IsSuspended reports whether node is currently suspended.
func (t *Tracker) IsSuspended(node types.NodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[node]
	if !ok {
		return false
	}
	return r.Suspended
}

// ClearNode removes node's failure history, called when an operator
// manually re-activates a suspended node.
func (t *Tracker) ClearNode(node types.NodeID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, node)
}

// ClearAll wipes every node's failure history.
func (t *Tracker) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[types.NodeID]*Record)
}

// GetSuspended returns a snapshot of every currently-suspended node.
func (t *Tracker) GetSuspended() map[types.NodeID]Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[types.NodeID]Record)
	for id, r := range t.records {
		if r.Suspended {
			out[id] = *r
		}
	}
	return out
}

// GetRecord returns a copy of node's record and whether it exists.
func (t *Tracker) GetRecord(node types.NodeID) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[node]
	if !ok {
		return Record{}, false
	}
	return *r, true
}
