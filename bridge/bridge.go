package bridge

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"

	"emulink/emu"
)

// defaultSnapLen matches a full Ethernet frame plus headroom.
const defaultSnapLen = 1600

// Bridge implements PacketBridge over live pcap handles, one capture
// goroutine per interface. Each worker owns its pipeline (and therefore its
// random generator); the tables are shared.
type Bridge struct {
	config BridgeConfig
	clock  emu.Clock

	flows   *emu.FlowTable
	pacing  *emu.PacingTable
	macs    *MacTable
	ports   *PortSet
	forward *ForwardStage
	sched   *TxScheduler

	mutex   sync.RWMutex
	stats   map[uint32]*PortStats
	handles []*pcap.Handle
	started bool
}

// NewBridge creates a bridge from the config. Tables start empty: a flow
// without an impairment entry passes through unimpaired, an unknown
// destination falls through to default delivery.
func NewBridge(config BridgeConfig) *Bridge {
	if config.SnapLen <= 0 {
		config.SnapLen = defaultSnapLen
	}
	clock := config.Clock
	if clock == nil {
		clock = emu.Monotonic
	}

	b := &Bridge{
		config: config,
		clock:  clock,
		flows:  emu.NewFlowTable(config.FlowCapacity),
		pacing: emu.NewPacingTable(config.PacingCapacity),
		macs:   NewMacTable(config.MacCapacity),
		ports:  NewPortSet(config.PortCapacity),
		stats:  make(map[uint32]*PortStats),
	}
	b.forward = NewForwardStage(b.macs)
	b.sched = NewTxScheduler(clock, config.MaxPending, b.onWriteError)
	return b
}

// Start opens a capture handle per configured interface, registers each one
// as an egress port, and launches the capture workers.
func (b *Bridge) Start() error {
	b.mutex.Lock()
	if b.started {
		b.mutex.Unlock()
		return fmt.Errorf("bridge already started")
	}
	b.started = true
	b.mutex.Unlock()

	log.Infof("starting emulink bridge on %d interface(s)", len(b.config.Interfaces))

	for i, name := range b.config.Interfaces {
		ifc, err := net.InterfaceByName(name)
		if err != nil {
			b.Stop()
			return fmt.Errorf("lookup interface %s: %v", name, err)
		}

		handle, err := pcap.OpenLive(name, b.config.SnapLen, true, pcap.BlockForever)
		if err != nil {
			b.Stop()
			return fmt.Errorf("open interface %s: %v", name, err)
		}

		port := NewPort(uint32(ifc.Index), name, handle)
		if err := b.ports.Add(port); err != nil {
			handle.Close()
			b.Stop()
			return fmt.Errorf("register port %s: %v", name, err)
		}

		b.mutex.Lock()
		b.handles = append(b.handles, handle)
		b.stats[port.Ifindex] = &PortStats{Interface: name, Ifindex: port.Ifindex}
		b.mutex.Unlock()

		pipeline := b.newWorkerPipeline(int64(i))
		go b.capture(port, handle, pipeline)
		log.Infof("attached %s (ifindex %d, promiscuous mode)", name, port.Ifindex)
	}

	log.Infof("emulink bridge is forwarding")
	return nil
}

// Stop detaches from all interfaces, cancels held frames and clears the
// egress port set.
func (b *Bridge) Stop() {
	b.mutex.Lock()
	handles := b.handles
	b.handles = nil
	b.started = false
	b.mutex.Unlock()

	b.sched.Stop()
	for _, h := range handles {
		h.Close()
	}
	for _, p := range b.ports.List() {
		b.ports.Remove(p.Ifindex)
	}
	log.Infof("emulink bridge stopped")
}

// newWorkerPipeline builds the per-worker impairment chain with its own
// seeded random generator, so workers never contend on randomness.
func (b *Bridge) newWorkerPipeline(worker int64) *emu.Pipeline {
	seed := b.config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed + worker))
	return emu.NewIngressPipeline(b.flows, b.pacing, b.clock, rng, b.config.Horizon)
}

// capture is the per-interface worker loop.
func (b *Bridge) capture(port *Port, handle *pcap.Handle, pipeline *emu.Pipeline) {
	log.Infof("capture loop started on %s, stages: %v + forward", port.Name, pipeline.Names())

	for {
		data, _, err := handle.ZeroCopyReadPacketData()
		if err != nil {
			if errors.Is(err, pcap.NextErrorTimeoutExpired) {
				continue
			}
			log.Debugf("capture loop on %s ended: %v", port.Name, err)
			return
		}
		b.handleFrame(port, pipeline, data)
	}
}

// handleFrame runs one frame through the impairment pipeline and the
// forwarding decision, then dispatches the verdict. Split out from the
// capture loop so tests can inject synthetic frames.
func (b *Bridge) handleFrame(port *Port, pipeline *emu.Pipeline, data []byte) {
	b.mutex.Lock()
	st := b.stats[port.Ifindex]
	var received uint64
	if st != nil {
		st.Received++
		received = st.Received
	}
	b.mutex.Unlock()

	if received != 0 && received%10000 == 0 {
		log.Infof("port %s: received %d frames", port.Name, received)
	}

	pkt, ok := decodeFrame(port.Ifindex, data)
	if !ok {
		b.count(port.Ifindex, func(st *PortStats) { st.DroppedParse++ })
		return
	}

	verdict := pipeline.Process(pkt)
	if verdict.Action == emu.ActionContinue {
		verdict = b.forward.Process(pkt)
	}
	b.dispatch(port, pkt, verdict)
}

// decodeFrame parses just far enough to key the flow: the source and
// destination MAC of the link-layer header. Truncated or unparseable frames
// are rejected before any table lookup.
func decodeFrame(ifindex uint32, data []byte) (*emu.Packet, bool) {
	packet := gopacket.NewPacket(data, layers.LayerTypeEthernet,
		gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ethLayer := packet.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return nil, false
	}
	eth, ok := ethLayer.(*layers.Ethernet)
	if !ok || len(eth.SrcMAC) != 6 || len(eth.DstMAC) != 6 {
		return nil, false
	}

	pkt := &emu.Packet{Ifindex: ifindex, Length: len(data), Data: data}
	copy(pkt.SrcMAC[:], eth.SrcMAC)
	copy(pkt.DstMAC[:], eth.DstMAC)
	return pkt, true
}

// dispatch turns the final verdict into frame deliveries and counters.
func (b *Bridge) dispatch(ingress *Port, pkt *emu.Packet, v emu.Verdict) {
	switch v.Action {
	case emu.ActionDrop:
		b.countDrop(ingress.Ifindex, v.Reason)
		log.Debugf("drop on %s: %s", ingress.Name, v.Reason)

	case emu.ActionRedirect:
		egress, ok := b.ports.Get(v.Egress)
		if !ok {
			// The learned egress left the port set: same outcome as a
			// devmap miss, the frame is dropped and counted.
			b.count(ingress.Ifindex, func(st *PortStats) { st.DroppedNoEgress++ })
			return
		}
		if b.transmit(ingress, egress, pkt) {
			b.count(ingress.Ifindex, func(st *PortStats) { st.Redirected++ })
		}

	case emu.ActionFlood:
		for _, p := range b.ports.List() {
			if p.Ifindex == ingress.Ifindex {
				continue // never back out the ingress port
			}
			b.transmit(ingress, p, pkt)
		}
		b.count(ingress.Ifindex, func(st *PortStats) { st.Flooded++ })

	case emu.ActionPass, emu.ActionContinue:
		// Default delivery: capture does not steal the frame, the kernel
		// stack still sees it, so there is nothing to transmit here.
		b.count(ingress.Ifindex, func(st *PortStats) { st.Passed++ })
	}
}

// transmit hands the frame to the scheduler, honoring its scheduled
// departure timestamp, and reports whether it was accepted.
func (b *Bridge) transmit(ingress, egress *Port, pkt *emu.Packet) bool {
	err := b.sched.Schedule(egress, pkt.Data, pkt.Tstamp)
	switch {
	case errors.Is(err, ErrQueueFull):
		b.count(ingress.Ifindex, func(st *PortStats) { st.DroppedTxQueue++ })
		return false
	case err != nil:
		b.count(ingress.Ifindex, func(st *PortStats) { st.TxErrors++ })
		log.Debugf("write %s -> %s failed: %v", ingress.Name, egress.Name, err)
		return false
	default:
		return true
	}
}

// count applies fn to the ingress port's counters under the stats lock.
func (b *Bridge) count(ifindex uint32, fn func(*PortStats)) {
	b.mutex.Lock()
	if st, ok := b.stats[ifindex]; ok {
		fn(st)
	}
	b.mutex.Unlock()
}

// countDrop attributes a pipeline drop to its cause.
func (b *Bridge) countDrop(ifindex uint32, reason string) {
	b.count(ifindex, func(st *PortStats) {
		switch reason {
		case emu.DropReasonLoss:
			st.DroppedLoss++
		case emu.DropReasonHorizon:
			st.DroppedHorizon++
		case emu.DropReasonPacingFull:
			st.DroppedPacing++
		default:
			st.DroppedOther++
		}
	})
}

// onWriteError records a delayed-write failure against the egress port.
func (b *Bridge) onWriteError(port *Port, err error) {
	b.count(port.Ifindex, func(st *PortStats) { st.TxErrors++ })
	log.Debugf("delayed write on %s failed: %v", port.Name, err)
}

// SetImpairment implements PacketBridge.
func (b *Bridge) SetImpairment(ifindex uint32, srcMAC string, imp emu.Impairment) error {
	mac, err := ParseMAC(srcMAC)
	if err != nil {
		return err
	}
	key := emu.FlowKey{Ifindex: ifindex, SrcMAC: [6]byte(mac)}
	if err := b.flows.Put(key, imp); err != nil {
		return fmt.Errorf("set impairment for %s@%d: %v", srcMAC, ifindex, err)
	}
	log.Infof("impairment set: ifindex=%d src=%s rate=%dbps delay=%d loss=%d jitter=%d",
		ifindex, srcMAC, imp.ThrottleRateBps, imp.Delay, imp.LossRate, imp.Jitter)
	return nil
}

// ClearImpairment implements PacketBridge.
func (b *Bridge) ClearImpairment(ifindex uint32, srcMAC string) error {
	mac, err := ParseMAC(srcMAC)
	if err != nil {
		return err
	}
	b.flows.Delete(emu.FlowKey{Ifindex: ifindex, SrcMAC: [6]byte(mac)})
	return nil
}

// AddForwardingEntry implements PacketBridge.
func (b *Bridge) AddForwardingEntry(macStr string, egress uint32) error {
	mac, err := ParseMAC(macStr)
	if err != nil {
		return err
	}
	if err := b.macs.Put(mac, egress); err != nil {
		return fmt.Errorf("add forwarding entry %s -> %d: %v", macStr, egress, err)
	}
	log.Infof("forwarding entry added: %s -> ifindex %d", macStr, egress)
	return nil
}

// RemoveForwardingEntry implements PacketBridge.
func (b *Bridge) RemoveForwardingEntry(macStr string) error {
	mac, err := ParseMAC(macStr)
	if err != nil {
		return err
	}
	b.macs.Delete(mac)
	return nil
}

// GetStats implements PacketBridge.
func (b *Bridge) GetStats() BridgeStats {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	out := BridgeStats{Ports: make(map[string]PortStats, len(b.stats))}
	for _, st := range b.stats {
		out.Ports[st.Interface] = *st
		out.TotalReceived += st.Received
		out.TotalDelivered += st.Redirected + st.Flooded
		out.TotalPassed += st.Passed
		out.TotalDropped += st.dropped()
	}
	return out
}
