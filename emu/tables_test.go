package emu

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFlowTablePutLookupDelete(t *testing.T) {
	table := NewFlowTable(16)
	key := FlowKey{Ifindex: 3, SrcMAC: [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}}
	imp := Impairment{ThrottleRateBps: 1000000, Delay: 100, LossRate: 50, Jitter: 20}

	if _, ok := table.Lookup(key); ok {
		t.Fatal("lookup on empty table should miss")
	}

	if err := table.Put(key, imp); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, ok := table.Lookup(key)
	if !ok {
		t.Fatal("lookup after Put should hit")
	}
	if diff := cmp.Diff(imp, got); diff != "" {
		t.Fatalf("impairment mismatch (-want +got):\n%s", diff)
	}

	// Replacing an entry keeps the table size.
	imp.Delay = 200
	if err := table.Put(key, imp); err != nil {
		t.Fatalf("replace failed: %v", err)
	}
	if table.Len() != 1 {
		t.Fatalf("Len = %d, want 1", table.Len())
	}
	got, _ = table.Lookup(key)
	if got.Delay != 200 {
		t.Fatalf("Delay = %d, want 200", got.Delay)
	}

	table.Delete(key)
	if _, ok := table.Lookup(key); ok {
		t.Fatal("lookup after Delete should miss")
	}
}

func TestFlowTableKeysAreByteExact(t *testing.T) {
	table := NewFlowTable(16)
	a := FlowKey{Ifindex: 3, SrcMAC: [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}}
	b := FlowKey{Ifindex: 3, SrcMAC: [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xfe}}
	c := FlowKey{Ifindex: 4, SrcMAC: a.SrcMAC}

	if err := table.Put(a, Impairment{Delay: 1}); err != nil {
		t.Fatal(err)
	}
	if _, ok := table.Lookup(b); ok {
		t.Fatal("key differing in one MAC byte must not match")
	}
	if _, ok := table.Lookup(c); ok {
		t.Fatal("key differing in ifindex must not match")
	}
}

func TestFlowTableCapacity(t *testing.T) {
	table := NewFlowTable(2)
	k1 := FlowKey{Ifindex: 1}
	k2 := FlowKey{Ifindex: 2}
	k3 := FlowKey{Ifindex: 3}

	if err := table.Put(k1, Impairment{}); err != nil {
		t.Fatal(err)
	}
	if err := table.Put(k2, Impairment{}); err != nil {
		t.Fatal(err)
	}

	// A new key must be rejected, not grow the table.
	if err := table.Put(k3, Impairment{}); !errors.Is(err, ErrTableFull) {
		t.Fatalf("Put on full table = %v, want ErrTableFull", err)
	}
	if table.Len() != 2 {
		t.Fatalf("Len = %d, want 2", table.Len())
	}

	// Replacing an existing key still works at capacity.
	if err := table.Put(k1, Impairment{Delay: 7}); err != nil {
		t.Fatalf("replace at capacity failed: %v", err)
	}
}

func TestFlowTableLookupIsRepeatable(t *testing.T) {
	table := NewFlowTable(8)
	key := FlowKey{Ifindex: 9, SrcMAC: [6]byte{1, 2, 3, 4, 5, 6}}
	imp := Impairment{ThrottleRateBps: 42, Delay: 7, LossRate: 3, Jitter: 1}
	if err := table.Put(key, imp); err != nil {
		t.Fatal(err)
	}

	first, _ := table.Lookup(key)
	for i := 0; i < 100; i++ {
		got, ok := table.Lookup(key)
		if !ok || got != first {
			t.Fatalf("lookup %d returned %+v/%v, want %+v", i, got, ok, first)
		}
	}
}

func TestPacingTableStoreLoad(t *testing.T) {
	table := NewPacingTable(64)
	key := FlowKey{Ifindex: 1, SrcMAC: [6]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01}}

	if _, ok := table.Load(key); ok {
		t.Fatal("load on empty table should miss")
	}

	if err := table.Store(key, 1000); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if got, ok := table.Load(key); !ok || got != 1000 {
		t.Fatalf("Load = %d/%v, want 1000/true", got, ok)
	}

	// Overwrite in place: the slot stays claimed by the same key.
	if err := table.Store(key, 2000); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	if got, _ := table.Load(key); got != 2000 {
		t.Fatalf("Load after overwrite = %d, want 2000", got)
	}
	if table.Len() != 1 {
		t.Fatalf("Len = %d, want 1", table.Len())
	}
}

func TestPacingTableRejectsWhenProbeWindowFull(t *testing.T) {
	// Capacity below the probe window: four distinct keys fill every slot,
	// the fifth must be rejected.
	table := NewPacingTable(4)

	for i := uint32(1); i <= 4; i++ {
		key := FlowKey{Ifindex: i}
		if err := table.Store(key, uint64(i)); err != nil {
			t.Fatalf("Store #%d failed: %v", i, err)
		}
	}
	if table.Len() != 4 {
		t.Fatalf("Len = %d, want 4", table.Len())
	}

	if err := table.Store(FlowKey{Ifindex: 5}, 5); !errors.Is(err, ErrTableFull) {
		t.Fatalf("Store on full table = %v, want ErrTableFull", err)
	}

	// Existing keys remain updatable.
	if err := table.Store(FlowKey{Ifindex: 2}, 99); err != nil {
		t.Fatalf("update on full table failed: %v", err)
	}
	if got, _ := table.Load(FlowKey{Ifindex: 2}); got != 99 {
		t.Fatalf("Load = %d, want 99", got)
	}
}

func TestPacingTableDistinctKeys(t *testing.T) {
	table := NewPacingTable(1024)
	a := FlowKey{Ifindex: 7, SrcMAC: [6]byte{1, 1, 1, 1, 1, 1}}
	b := FlowKey{Ifindex: 7, SrcMAC: [6]byte{1, 1, 1, 1, 1, 2}}

	if err := table.Store(a, 111); err != nil {
		t.Fatal(err)
	}
	if err := table.Store(b, 222); err != nil {
		t.Fatal(err)
	}

	if got, _ := table.Load(a); got != 111 {
		t.Fatalf("Load(a) = %d, want 111", got)
	}
	if got, _ := table.Load(b); got != 222 {
		t.Fatalf("Load(b) = %d, want 222", got)
	}
}
