package bridge

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrTableFull is returned when an insert would grow the forwarding table or
// the port set past its fixed capacity.
var ErrTableFull = errors.New("bridge: table full")

// Default capacities, matching the original map sizes.
const (
	DefaultMacCapacity  = 1024
	DefaultPortCapacity = 1024
)

// MacKey is a 6-byte hardware address, matched exactly with no wildcards.
type MacKey [6]byte

// String formats the address in the usual colon-separated form.
func (k MacKey) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", k[0], k[1], k[2], k[3], k[4], k[5])
}

// IsGroup reports whether the I/G bit is set, i.e. the address is multicast
// or broadcast (FF:FF:FF:FF:FF:FF also has it set).
func (k MacKey) IsGroup() bool {
	return k[0]&1 == 1
}

// ParseMAC parses a colon-separated hardware address.
func ParseMAC(macStr string) (MacKey, error) {
	var mac MacKey

	parts := strings.Split(macStr, ":")
	if len(parts) != 6 {
		return mac, fmt.Errorf("invalid MAC address format: %q", macStr)
	}

	for i, part := range parts {
		b, err := hex.DecodeString(part)
		if err != nil {
			return mac, fmt.Errorf("invalid MAC address %q: %v", macStr, err)
		}
		if len(b) != 1 {
			return mac, fmt.Errorf("invalid MAC byte: %q", part)
		}
		mac[i] = b[0]
	}

	return mac, nil
}

// MacTable maps destination hardware addresses to egress interface indexes.
// Like the flow table it is read-mostly: the fast path only looks up, the
// control plane writes. Readers see an immutable snapshot behind a single
// atomic pointer load.
type MacTable struct {
	capacity int
	mu       sync.Mutex
	snapshot atomic.Pointer[map[MacKey]uint32]
}

// NewMacTable creates a forwarding table with the given capacity. A capacity
// of zero or less selects DefaultMacCapacity.
func NewMacTable(capacity int) *MacTable {
	if capacity <= 0 {
		capacity = DefaultMacCapacity
	}
	t := &MacTable{capacity: capacity}
	m := make(map[MacKey]uint32)
	t.snapshot.Store(&m)
	return t
}

// Lookup returns the egress ifindex for the destination address. A missing
// entry means "unknown destination" and is not an error.
func (t *MacTable) Lookup(mac MacKey) (uint32, bool) {
	m := *t.snapshot.Load()
	ifindex, ok := m[mac]
	return ifindex, ok
}

// Put inserts or replaces the entry for mac. Inserting a new address into a
// full table fails with ErrTableFull.
func (t *MacTable) Put(mac MacKey, ifindex uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.snapshot.Load()
	if _, exists := cur[mac]; !exists && len(cur) >= t.capacity {
		return ErrTableFull
	}

	next := make(map[MacKey]uint32, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[mac] = ifindex
	t.snapshot.Store(&next)
	return nil
}

// Delete removes the entry for mac, if present.
func (t *MacTable) Delete(mac MacKey) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur := *t.snapshot.Load()
	if _, exists := cur[mac]; !exists {
		return
	}

	next := make(map[MacKey]uint32, len(cur))
	for k, v := range cur {
		if k != mac {
			next[k] = v
		}
	}
	t.snapshot.Store(&next)
}

// Len returns the number of entries.
func (t *MacTable) Len() int {
	return len(*t.snapshot.Load())
}

// FrameWriter sends a raw frame out an interface. *pcap.Handle satisfies it;
// tests use fakes.
type FrameWriter interface {
	WritePacketData(data []byte) error
}

// Port is an egress descriptor: the interface identity plus the dispatch
// handle used to transmit frames out of it.
type Port struct {
	Ifindex uint32
	Name    string
	writer  FrameWriter
}

// NewPort creates a port backed by the given writer.
func NewPort(ifindex uint32, name string, writer FrameWriter) *Port {
	return &Port{Ifindex: ifindex, Name: name, writer: writer}
}

// Write transmits one raw frame out the port.
func (p *Port) Write(data []byte) error {
	return p.writer.WritePacketData(data)
}

// PortSet is the set of interfaces currently eligible as flood and redirect
// targets. Reads are a single atomic snapshot load; membership changes come
// from the control plane.
type PortSet struct {
	capacity int
	mu       sync.Mutex
	snapshot atomic.Pointer[map[uint32]*Port]
}

// NewPortSet creates a port set with the given capacity. A capacity of zero
// or less selects DefaultPortCapacity.
func NewPortSet(capacity int) *PortSet {
	if capacity <= 0 {
		capacity = DefaultPortCapacity
	}
	s := &PortSet{capacity: capacity}
	m := make(map[uint32]*Port)
	s.snapshot.Store(&m)
	return s
}

// Add registers a port as an eligible egress target.
func (s *PortSet) Add(port *Port) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.snapshot.Load()
	if _, exists := cur[port.Ifindex]; !exists && len(cur) >= s.capacity {
		return ErrTableFull
	}

	next := make(map[uint32]*Port, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	next[port.Ifindex] = port
	s.snapshot.Store(&next)
	return nil
}

// Remove unregisters the port with the given ifindex.
func (s *PortSet) Remove(ifindex uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.snapshot.Load()
	if _, exists := cur[ifindex]; !exists {
		return
	}

	next := make(map[uint32]*Port, len(cur))
	for k, v := range cur {
		if k != ifindex {
			next[k] = v
		}
	}
	s.snapshot.Store(&next)
}

// Get returns the port with the given ifindex.
func (s *PortSet) Get(ifindex uint32) (*Port, bool) {
	m := *s.snapshot.Load()
	port, ok := m[ifindex]
	return port, ok
}

// List returns all registered ports in no particular order.
func (s *PortSet) List() []*Port {
	m := *s.snapshot.Load()
	ports := make([]*Port, 0, len(m))
	for _, p := range m {
		ports = append(ports, p)
	}
	return ports
}

// Len returns the number of registered ports.
func (s *PortSet) Len() int {
	return len(*s.snapshot.Load())
}
