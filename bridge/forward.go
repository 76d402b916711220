package bridge

import "emulink/emu"

// ForwardStage makes the layer-2 disposition for each frame: flood group
// (multicast/broadcast) traffic to every egress port except the ingress one,
// redirect known unicast to its learned egress interface, and pass unknown
// unicast through to the default delivery path so an incomplete table never
// costs a frame.
type ForwardStage struct {
	macs *MacTable
}

// NewForwardStage creates the stage on top of the forwarding table.
func NewForwardStage(macs *MacTable) *ForwardStage {
	return &ForwardStage{macs: macs}
}

// Name implements emu.Stage.
func (s *ForwardStage) Name() string {
	return "forward"
}

// Process implements emu.Stage.
func (s *ForwardStage) Process(pkt *emu.Packet) emu.Verdict {
	dst := MacKey(pkt.DstMAC)

	if dst.IsGroup() {
		return emu.Flood
	}

	if egress, ok := s.macs.Lookup(dst); ok {
		return emu.Redirect(egress)
	}

	return emu.Pass
}
