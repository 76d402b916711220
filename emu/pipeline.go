package emu

// Pipeline runs a fixed ordered list of stages over each packet. The first
// stage returning anything other than Continue ends processing; there is no
// retry or backtracking between stages.
type Pipeline struct {
	stages []Stage
}

// NewPipeline composes the given stages in order.
func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

// Process runs the packet through the stages and returns the final verdict.
// A packet that falls through every stage continues to whatever the caller
// chains next (typically the forwarding decision).
func (p *Pipeline) Process(pkt *Packet) Verdict {
	for _, s := range p.stages {
		if v := s.Process(pkt); v.Action != ActionContinue {
			return v
		}
	}
	return Continue
}

// Names returns the stage names in execution order, for logging.
func (p *Pipeline) Names() []string {
	names := make([]string, len(p.stages))
	for i, s := range p.stages {
		names[i] = s.Name()
	}
	return names
}
