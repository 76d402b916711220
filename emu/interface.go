// Package emu implements the per-packet impairment pipeline: delay/jitter
// stamping, probabilistic loss and bandwidth pacing, keyed on the ingress
// interface plus source MAC of each frame. Stages are composed into an
// explicit ordered pipeline; any stage can end processing by dropping the
// packet, everything else falls through to the next stage.
package emu

import (
	"math/rand"
	"time"
)

// Fixed-point units used by externally supplied configuration.
const (
	// NsPerHundredthMs converts delay/jitter fields (hundredths of a
	// millisecond) to nanoseconds: 0.01ms = 10,000ns.
	NsPerHundredthMs = 10000

	// NsPerSecond is one second in nanoseconds.
	NsPerSecond = 1000000000

	// LossScale is the full range of the loss rate field: a loss rate of
	// LossScale means 100% loss, 1 means 0.01%.
	LossScale = 10000
)

// DefaultHorizon caps how far into the future pacing may schedule a packet.
// Anything beyond it is dropped rather than queued.
const DefaultHorizon = 2 * time.Second

// Default table capacities, matching the original map sizes.
const (
	DefaultFlowCapacity   = 65535
	DefaultPacingCapacity = 65535
)

// FlowKey identifies a tracked flow: the ingress interface index plus the
// source MAC address of the frame. Keys are compared byte-exact, with no
// address normalization.
type FlowKey struct {
	Ifindex uint32  `json:"ifindex"`
	SrcMAC  [6]byte `json:"src_mac"`
}

// Impairment holds the emulation parameters attached to one flow. All four
// fields are independent; a zero ThrottleRateBps disables throttling.
type Impairment struct {
	ThrottleRateBps uint32 `json:"throttle_rate_bps"` // bits per second
	Delay           uint32 `json:"delay"`             // hundredths of a millisecond
	LossRate        uint32 `json:"loss_rate"`         // hundredths of a percent, 0-10000
	Jitter          uint32 `json:"jitter"`            // hundredths of a millisecond
}

// Packet is the per-frame context handed through the pipeline.
//
// Tstamp is the scheduled departure time in Clock nanoseconds, zero when
// unset. It is the only channel between the impairment stages and whatever
// transmit scheduler actually delays the frame.
type Packet struct {
	Ifindex uint32
	SrcMAC  [6]byte
	DstMAC  [6]byte
	Length  int // full frame length in bytes
	Tstamp  uint64
	Data    []byte
}

// FlowKey returns the tracking key of the packet.
func (p *Packet) FlowKey() FlowKey {
	return FlowKey{Ifindex: p.Ifindex, SrcMAC: p.SrcMAC}
}

// Action is the disposition a stage assigns to a packet.
type Action int

const (
	// ActionContinue hands the packet to the next stage.
	ActionContinue Action = iota

	// ActionDrop discards the packet; no further stages run.
	ActionDrop

	// ActionRedirect delivers the packet to a single egress interface.
	ActionRedirect

	// ActionFlood delivers the packet to every egress port except the
	// ingress interface.
	ActionFlood

	// ActionPass hands the packet to the default delivery path.
	ActionPass
)

// String returns the action name for logging.
func (a Action) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionDrop:
		return "drop"
	case ActionRedirect:
		return "redirect"
	case ActionFlood:
		return "flood"
	case ActionPass:
		return "pass"
	default:
		return "unknown"
	}
}

// Verdict is the tagged outcome of a stage. Egress is only meaningful for
// ActionRedirect; Reason is only set on drops, naming the cause for the
// drop counters layered on top of the pipeline.
type Verdict struct {
	Action Action
	Egress uint32
	Reason string
}

// Convenience verdicts for the common cases.
var (
	Continue = Verdict{Action: ActionContinue}
	Drop     = Verdict{Action: ActionDrop}
	Flood    = Verdict{Action: ActionFlood}
	Pass     = Verdict{Action: ActionPass}
)

// Redirect returns a verdict delivering the packet to the given interface.
func Redirect(egress uint32) Verdict {
	return Verdict{Action: ActionRedirect, Egress: egress}
}

// DropWith returns a drop verdict tagged with its cause.
func DropWith(reason string) Verdict {
	return Verdict{Action: ActionDrop, Reason: reason}
}

// Drop causes reported by the impairment stages.
const (
	DropReasonLoss       = "loss"
	DropReasonHorizon    = "throttle-horizon"
	DropReasonPacingFull = "pacing-table-full"
)

// Stage is one step of the per-packet pipeline. Process must complete in
// bounded time: no blocking, no sleeping, no unbounded iteration.
type Stage interface {
	// Name returns a short stage name for logging.
	Name() string

	// Process inspects and possibly mutates the packet, returning its
	// verdict.
	Process(pkt *Packet) Verdict
}

// Clock returns the current monotonic time in nanoseconds. Injected so tests
// can control time; production code uses Monotonic.
type Clock func() uint64

var bootTime = time.Now()

// Monotonic is the default Clock: nanoseconds elapsed since process start.
func Monotonic() uint64 {
	return uint64(time.Since(bootTime))
}

// NewIngressPipeline assembles the standard impairment chain applied on
// ingress: delay/jitter -> loss -> throttle.
//
// The pipeline instance is meant to be per worker: the stages share the
// tables but own the random generator, so workers never contend on it. A nil
// rng gets a time-seeded generator, a nil clock gets Monotonic.
func NewIngressPipeline(flows *FlowTable, pacing *PacingTable, clock Clock, rng *rand.Rand, horizon time.Duration) *Pipeline {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return NewPipeline(
		NewDelayJitterStage(flows, clock, rng),
		NewLossStage(flows, rng),
		NewThrottleStage(flows, pacing, clock, horizon),
	)
}
