package emu

import "sync/atomic"

// pacingProbeLimit bounds how many slots a lookup or store may touch, so a
// table operation can never degrade into a full scan.
const pacingProbeLimit = 8

// pacingEntry is an immutable (key, earliest-next-departure) pair. Updates
// swap the whole pointer, never mutate in place, so readers always see a
// consistent pair.
type pacingEntry struct {
	key  FlowKey
	next uint64 // nanoseconds
}

// PacingTable maps flows to the earliest permitted departure time of their
// next packet. It is read-modify-written on every throttled packet,
// potentially from several workers at once, so it avoids locks entirely:
// a fixed slot array with open addressing over a bounded probe window.
//
// Policy, stated up front:
//   - a slot is claimed for a key once and never released (entries are
//     never explicitly deleted, matching the original map lifecycle);
//   - Store fails with ErrTableFull when the whole probe window is held by
//     other live keys, the userspace analog of a full kernel hash map;
//   - two workers updating the same flow concurrently are last-writer-wins.
//     A lost update can only under-count pacing for one packet, which is an
//     accepted soft approximation.
type PacingTable struct {
	slots []atomic.Pointer[pacingEntry]
}

// NewPacingTable creates a pacing table with the given capacity. A capacity
// of zero or less selects DefaultPacingCapacity.
func NewPacingTable(capacity int) *PacingTable {
	if capacity <= 0 {
		capacity = DefaultPacingCapacity
	}
	return &PacingTable{slots: make([]atomic.Pointer[pacingEntry], capacity)}
}

// hash is FNV-1a over the packed key bytes (ifindex little-endian, then the
// six MAC bytes).
func (k FlowKey) hash() uint32 {
	const prime = 16777619
	h := uint32(2166136261)
	for i := 0; i < 4; i++ {
		h ^= uint32(byte(k.Ifindex >> (8 * i)))
		h *= prime
	}
	for _, b := range k.SrcMAC {
		h ^= uint32(b)
		h *= prime
	}
	return h
}

// Load returns the stored departure timestamp for the flow.
func (t *PacingTable) Load(key FlowKey) (uint64, bool) {
	n := uint32(len(t.slots))
	if n == 0 {
		return 0, false
	}
	h := key.hash()
	limit := uint32(pacingProbeLimit)
	if limit > n {
		limit = n
	}
	for i := uint32(0); i < limit; i++ {
		e := t.slots[(h+i)%n].Load()
		if e == nil {
			// Slots are claimed in probe order and never freed, so an
			// empty slot ends the chain.
			return 0, false
		}
		if e.key == key {
			return e.next, true
		}
	}
	return 0, false
}

// Store records the earliest departure time of the flow's next packet,
// overwriting any previous value. It fails with ErrTableFull when no slot in
// the probe window can hold the key.
func (t *PacingTable) Store(key FlowKey, next uint64) error {
	n := uint32(len(t.slots))
	if n == 0 {
		return ErrTableFull
	}
	h := key.hash()
	limit := uint32(pacingProbeLimit)
	if limit > n {
		limit = n
	}
	for i := uint32(0); i < limit; i++ {
		slot := &t.slots[(h+i)%n]
		e := slot.Load()
		if e == nil {
			if slot.CompareAndSwap(nil, &pacingEntry{key: key, next: next}) {
				return nil
			}
			// Lost the claim race; re-read and fall through.
			e = slot.Load()
		}
		if e != nil && e.key == key {
			slot.Store(&pacingEntry{key: key, next: next})
			return nil
		}
	}
	return ErrTableFull
}

// Len returns the number of claimed slots. It walks the table and is meant
// for tests and introspection, not the packet path.
func (t *PacingTable) Len() int {
	count := 0
	for i := range t.slots {
		if t.slots[i].Load() != nil {
			count++
		}
	}
	return count
}
