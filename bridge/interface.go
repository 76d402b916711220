// Package bridge is the userspace forwarding plane: it attaches to a set of
// network interfaces, runs every captured frame through the emu impairment
// pipeline, and forwards by destination MAC: unicast redirect through the
// forwarding table, flood for group addresses (excluding the ingress port),
// and fall-through to default delivery for unknown destinations.
package bridge

import (
	"time"

	"emulink/emu"
)

// PacketBridge defines the forwarding-plane surface. Start/Stop manage
// interface attachment; the table mutators are the operations the external
// control plane performs.
type PacketBridge interface {
	// Start attaches to the configured interfaces and begins forwarding.
	Start() error

	// Stop detaches from all interfaces and cancels held frames.
	Stop()

	// GetStats returns per-port and aggregate counters.
	GetStats() BridgeStats

	// SetImpairment installs or replaces the impairment parameters of the
	// flow (ingress ifindex, source MAC).
	SetImpairment(ifindex uint32, srcMAC string, imp emu.Impairment) error

	// ClearImpairment removes the flow's impairment entry.
	ClearImpairment(ifindex uint32, srcMAC string) error

	// AddForwardingEntry maps a destination MAC to an egress ifindex.
	AddForwardingEntry(mac string, egress uint32) error

	// RemoveForwardingEntry removes a destination MAC mapping.
	RemoveForwardingEntry(mac string) error
}

// BridgeConfig configures the bridge. Zero values select defaults.
type BridgeConfig struct {
	Interfaces     []string      `json:"interfaces"`      // interfaces to attach
	Debug          bool          `json:"debug"`           // verbose per-frame logging
	Seed           int64         `json:"seed"`            // RNG seed, 0 = time-seeded
	Horizon        time.Duration `json:"horizon"`         // max tolerated queueing delay
	FlowCapacity   int           `json:"flow_capacity"`   // impairment table entries
	PacingCapacity int           `json:"pacing_capacity"` // pacing table entries
	MacCapacity    int           `json:"mac_capacity"`    // forwarding table entries
	PortCapacity   int           `json:"port_capacity"`   // egress port set size
	MaxPending     int           `json:"max_pending"`     // held frames across all ports
	SnapLen        int32         `json:"snap_len"`        // capture snapshot length

	// Clock overrides the monotonic time source, for tests.
	Clock emu.Clock `json:"-"`
}

// PortStats contains counters for one ingress port. Drops are broken out by
// cause; the fast path itself reports nothing, these are layered on top.
type PortStats struct {
	Interface string `json:"interface"`
	Ifindex   uint32 `json:"ifindex"`

	Received   uint64 `json:"received"`
	Redirected uint64 `json:"redirected"`
	Flooded    uint64 `json:"flooded"`
	Passed     uint64 `json:"passed"`

	DroppedParse    uint64 `json:"dropped_parse"`
	DroppedLoss     uint64 `json:"dropped_loss"`
	DroppedHorizon  uint64 `json:"dropped_horizon"`
	DroppedPacing   uint64 `json:"dropped_pacing"`
	DroppedNoEgress uint64 `json:"dropped_no_egress"`
	DroppedTxQueue  uint64 `json:"dropped_tx_queue"`
	DroppedOther    uint64 `json:"dropped_other"`

	TxErrors uint64 `json:"tx_errors"`
}

// dropped sums the drop counters.
func (s *PortStats) dropped() uint64 {
	return s.DroppedParse + s.DroppedLoss + s.DroppedHorizon + s.DroppedPacing +
		s.DroppedNoEgress + s.DroppedTxQueue + s.DroppedOther
}

// BridgeStats contains per-port statistics plus totals across all ports.
type BridgeStats struct {
	Ports map[string]PortStats `json:"ports"`

	TotalReceived  uint64 `json:"total_received"`
	TotalDelivered uint64 `json:"total_delivered"`
	TotalPassed    uint64 `json:"total_passed"`
	TotalDropped   uint64 `json:"total_dropped"`
}

// NewPacketBridge creates a new bridge instance.
func NewPacketBridge(config BridgeConfig) PacketBridge {
	return NewBridge(config)
}
