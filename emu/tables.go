package emu

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrTableFull is returned when an insert would grow a table past its fixed
// capacity. Tables never grow unbounded; callers decide whether a failed
// write means rejection (control plane) or a dropped packet (pacing).
var ErrTableFull = errors.New("emu: table full")

// FlowTable maps flows to their impairment parameters. It is read-mostly:
// the fast path only calls Lookup, the control plane calls Put and Delete.
//
// Readers load an immutable snapshot with a single atomic pointer load, so a
// lookup always observes one consistent Impairment value and never a torn
// write. Writers serialize on a mutex and publish a fresh copy.
type FlowTable struct {
	capacity int
	mu       sync.Mutex
	snapshot atomic.Pointer[map[FlowKey]Impairment]
}

// NewFlowTable creates a flow table with the given capacity. A capacity of
// zero or less selects DefaultFlowCapacity.
func NewFlowTable(capacity int) *FlowTable {
	if capacity <= 0 {
		capacity = DefaultFlowCapacity
	}
	t := &FlowTable{capacity: capacity}
	m := make(map[FlowKey]Impairment)
	t.snapshot.Store(&m)
	return t
}

// Lookup returns the impairment parameters for the flow. A missing entry is
// a valid state meaning "no impairment".
func (t *FlowTable) Lookup(key FlowKey) (Impairment, bool) {
	m := *t.snapshot.Load()
	imp, ok := m[key]
	return imp, ok
}

// Put inserts or replaces the entry for key. Inserting a new key into a full
// table fails with ErrTableFull; replacing an existing entry always succeeds.
func (t *FlowTable) Put(key FlowKey, imp Impairment) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.snapshot.Load()
	if _, exists := cur[key]; !exists && len(cur) >= t.capacity {
		return ErrTableFull
	}

	next := make(map[FlowKey]Impairment, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[key] = imp
	t.snapshot.Store(&next)
	return nil
}

// Delete removes the entry for key, if present.
func (t *FlowTable) Delete(key FlowKey) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.snapshot.Load()
	if _, exists := cur[key]; !exists {
		return
	}

	next := make(map[FlowKey]Impairment, len(cur))
	for k, v := range cur {
		if k != key {
			next[k] = v
		}
	}
	t.snapshot.Store(&next)
}

// Len returns the number of entries.
func (t *FlowTable) Len() int {
	return len(*t.snapshot.Load())
}

// Capacity returns the fixed capacity of the table.
func (t *FlowTable) Capacity() int {
	return t.capacity
}
