package emu

import "time"

// ThrottleStage enforces a per-flow bandwidth ceiling by pacing departure
// timestamps: a virtual token bucket expressed as "earliest next send time"
// rather than a counted bucket. The stamped timestamp is honored by the
// downstream transmit scheduler, the userspace analog of an EDT skb->tstamp
// feeding an fq qdisc.
type ThrottleStage struct {
	flows   *FlowTable
	pacing  *PacingTable
	clock   Clock
	horizon uint64 // nanoseconds
}

// NewThrottleStage creates the stage. A nil clock gets Monotonic, a horizon
// of zero or less gets DefaultHorizon.
func NewThrottleStage(flows *FlowTable, pacing *PacingTable, clock Clock, horizon time.Duration) *ThrottleStage {
	if clock == nil {
		clock = Monotonic
	}
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &ThrottleStage{
		flows:   flows,
		pacing:  pacing,
		clock:   clock,
		horizon: uint64(horizon),
	}
}

// Name implements Stage.
func (s *ThrottleStage) Name() string {
	return "throttle"
}

// Process implements Stage. A missing entry or a zero rate means throttling
// is disabled for the flow.
func (s *ThrottleStage) Process(pkt *Packet) Verdict {
	imp, ok := s.flows.Lookup(pkt.FlowKey())
	if !ok || imp.ThrottleRateBps == 0 {
		return Continue
	}

	// Wire time of this frame at the configured rate. Integer division
	// truncates toward zero, consistently.
	durNs := uint64(pkt.Length) * 8 * NsPerSecond / uint64(imp.ThrottleRateBps)

	now := s.clock()
	base := pkt.Tstamp
	if base < now {
		base = now // never schedule earlier than the present
	}

	key := pkt.FlowKey()
	candidate := base + durNs
	if last, ok := s.pacing.Load(key); ok {
		candidate = last + durNs
	}

	if candidate <= base {
		// The flow has idle credit. Rebaseline to base+dur instead of
		// keeping the accumulated credit, so an idle flow cannot burst.
		if err := s.pacing.Store(key, base+durNs); err != nil {
			return DropWith(DropReasonPacingFull)
		}
		return Continue
	}

	// Backlogged. Cap worst-case queueing delay: anything scheduled past
	// the horizon is dropped outright, and the pacing state keeps the last
	// successfully stored timestamp.
	if candidate-now >= s.horizon {
		return DropWith(DropReasonHorizon)
	}

	// A failed write would silently under-throttle the flow; drop instead.
	if err := s.pacing.Store(key, candidate); err != nil {
		return DropWith(DropReasonPacingFull)
	}
	pkt.Tstamp = candidate

	return Continue
}
