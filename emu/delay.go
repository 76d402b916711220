package emu

import (
	"math/rand"
	"time"
)

// DelayJitterStage stamps each packet's scheduled departure with the
// configured per-flow delay plus a uniformly random jitter offset. It only
// mutates the timestamp and never drops a packet.
type DelayJitterStage struct {
	flows *FlowTable
	clock Clock
	rng   *rand.Rand
}

// NewDelayJitterStage creates the stage. A nil clock gets Monotonic, a nil
// rng gets a time-seeded generator.
func NewDelayJitterStage(flows *FlowTable, clock Clock, rng *rand.Rand) *DelayJitterStage {
	if clock == nil {
		clock = Monotonic
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &DelayJitterStage{flows: flows, clock: clock, rng: rng}
}

// Name implements Stage.
func (s *DelayJitterStage) Name() string {
	return "delay-jitter"
}

// Process implements Stage. A flow without an impairment entry passes
// through untouched.
func (s *DelayJitterStage) Process(pkt *Packet) Verdict {
	imp, ok := s.flows.Lookup(pkt.FlowKey())
	if !ok {
		return Continue
	}

	delayNs := uint64(imp.Delay) * NsPerHundredthMs
	jitterNs := uint64(imp.Jitter) * NsPerHundredthMs

	// Draw over [0, 2*jitter] and shift down by jitter: a symmetric offset
	// in [-jitter, +jitter] without a signed modulo.
	var offset int64
	if jitterNs > 0 {
		offset = int64(s.rng.Uint64()%(2*jitterNs+1)) - int64(jitterNs)
	}

	// An already-stamped packet keeps its timestamp as the base, provided
	// it is still in the future; re-entry must not reset the schedule.
	now := s.clock()
	base := pkt.Tstamp
	if base == 0 || base < now {
		base = now
	}

	ts := int64(base+delayNs) + offset
	if ts < 0 {
		ts = 0
	}
	pkt.Tstamp = uint64(ts)

	return Continue
}
