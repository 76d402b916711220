package emu

import (
	"math/rand"
	"time"
)

// LossStage drops packets with the configured per-flow probability. Loss
// events are independent per packet; there is no burst correlation.
type LossStage struct {
	flows *FlowTable
	rng   *rand.Rand
}

// NewLossStage creates the stage. A nil rng gets a time-seeded generator.
func NewLossStage(flows *FlowTable, rng *rand.Rand) *LossStage {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &LossStage{flows: flows, rng: rng}
}

// Name implements Stage.
func (s *LossStage) Name() string {
	return "loss"
}

// Process implements Stage. A missing entry or a zero loss rate continues.
func (s *LossStage) Process(pkt *Packet) Verdict {
	imp, ok := s.flows.Lookup(pkt.FlowKey())
	if !ok || imp.LossRate == 0 {
		return Continue
	}
	if s.rng.Uint32()%LossScale < imp.LossRate {
		return DropWith(DropReasonLoss)
	}
	return Continue
}
