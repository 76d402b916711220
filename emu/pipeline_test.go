package emu

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

// recordStage notes that it ran and returns a fixed verdict.
type recordStage struct {
	name    string
	verdict Verdict
	calls   int
}

func (s *recordStage) Name() string { return s.name }

func (s *recordStage) Process(pkt *Packet) Verdict {
	s.calls++
	return s.verdict
}

func TestPipelineRunsStagesInOrder(t *testing.T) {
	a := &recordStage{name: "a", verdict: Continue}
	b := &recordStage{name: "b", verdict: Continue}
	c := &recordStage{name: "c", verdict: Continue}
	p := NewPipeline(a, b, c)

	v := p.Process(&Packet{})
	if v.Action != ActionContinue {
		t.Fatalf("verdict = %v, want continue", v.Action)
	}
	if a.calls != 1 || b.calls != 1 || c.calls != 1 {
		t.Fatalf("calls = %d/%d/%d, want 1/1/1", a.calls, b.calls, c.calls)
	}

	if diff := cmp.Diff([]string{"a", "b", "c"}, p.Names()); diff != "" {
		t.Fatalf("names mismatch (-want +got):\n%s", diff)
	}
}

func TestPipelineStopsAtFirstNonContinue(t *testing.T) {
	a := &recordStage{name: "a", verdict: Continue}
	b := &recordStage{name: "b", verdict: DropWith(DropReasonLoss)}
	c := &recordStage{name: "c", verdict: Continue}
	p := NewPipeline(a, b, c)

	v := p.Process(&Packet{})
	if v.Action != ActionDrop || v.Reason != DropReasonLoss {
		t.Fatalf("verdict = %v/%q, want drop/%q", v.Action, v.Reason, DropReasonLoss)
	}
	if c.calls != 0 {
		t.Fatalf("stage after drop ran %d times, want 0", c.calls)
	}
}

func TestIngressPipelineStageOrder(t *testing.T) {
	flows := NewFlowTable(16)
	pacing := NewPacingTable(16)
	p := NewIngressPipeline(flows, pacing, fixedClock(0), nil, 0)

	want := []string{"delay-jitter", "loss", "throttle"}
	if diff := cmp.Diff(want, p.Names()); diff != "" {
		t.Fatalf("stage order mismatch (-want +got):\n%s", diff)
	}
}

func TestIngressPipelineUnknownFlowFallsThrough(t *testing.T) {
	flows := NewFlowTable(16)
	pacing := NewPacingTable(16)
	p := NewIngressPipeline(flows, pacing, fixedClock(1000), nil, 0)

	pkt := &Packet{Ifindex: 1, SrcMAC: [6]byte{2, 0, 0, 0, 0, 1}, Length: 64}
	if v := p.Process(pkt); v.Action != ActionContinue {
		t.Fatalf("verdict = %v, want continue", v.Action)
	}
	if pkt.Tstamp != 0 {
		t.Fatalf("Tstamp = %d, want 0 (no impairment entry)", pkt.Tstamp)
	}
}
