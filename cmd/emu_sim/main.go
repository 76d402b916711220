package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/montanaflynn/stats"

	"emulink/emu"
)

// emu_sim pushes a synthetic flow through the impairment pipeline with a
// virtual clock and a seeded random generator, then reports the observed
// loss rate, departure offsets and pacing spacing against the configured
// values. Useful for eyeballing pipeline behavior without any interfaces.

func main() {
	var (
		count    = flag.Int("count", 100000, "Number of packets to simulate")
		size     = flag.Int("size", 1500, "Frame size in bytes")
		rate     = flag.Uint("rate", 1000000, "Throttle rate in bits/second (0 disables)")
		delay    = flag.Uint("delay", 100, "Delay in hundredths of a millisecond")
		jitter   = flag.Uint("jitter", 20, "Jitter in hundredths of a millisecond")
		loss     = flag.Uint("loss", 100, "Loss rate in hundredths of a percent (0-10000)")
		interval = flag.Duration("interval", 20*time.Millisecond, "Packet inter-arrival time")
		seed     = flag.Int64("seed", 42, "Random seed")
	)
	flag.Parse()

	flows := emu.NewFlowTable(0)
	pacing := emu.NewPacingTable(0)

	key := emu.FlowKey{
		Ifindex: 3,
		SrcMAC:  [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff},
	}
	imp := emu.Impairment{
		ThrottleRateBps: uint32(*rate),
		Delay:           uint32(*delay),
		LossRate:        uint32(*loss),
		Jitter:          uint32(*jitter),
	}
	if err := flows.Put(key, imp); err != nil {
		log.Fatalf("Failed to install impairment: %v", err)
	}

	// Virtual clock: packets arrive at a fixed interval.
	var now uint64
	clock := func() uint64 { return now }

	rng := rand.New(rand.NewSource(*seed))
	pipeline := emu.NewIngressPipeline(flows, pacing, clock, rng, 0)

	var (
		delivered  int
		dropReason = make(map[string]int)
		offsets    []float64
		spacings   []float64
		lastDepart uint64
	)

	start := time.Now()
	for i := 0; i < *count; i++ {
		now += uint64(*interval)

		pkt := &emu.Packet{Ifindex: key.Ifindex, SrcMAC: key.SrcMAC, Length: *size}
		v := pipeline.Process(pkt)
		if v.Action == emu.ActionDrop {
			dropReason[v.Reason]++
			continue
		}

		delivered++
		depart := pkt.Tstamp
		if depart == 0 {
			depart = now
		}
		offsets = append(offsets, float64(int64(depart)-int64(now)))
		if lastDepart != 0 {
			spacings = append(spacings, float64(int64(depart)-int64(lastDepart)))
		}
		lastDepart = depart
	}
	elapsed := time.Since(start)

	fmt.Printf("=== emu_sim results ===\n")
	fmt.Printf("Sent: %d, delivered: %d\n", *count, delivered)
	for reason, n := range dropReason {
		fmt.Printf("Dropped (%s): %d (%.4f%%)\n", reason, n, float64(n)/float64(*count)*100)
	}
	fmt.Printf("Configured loss: %.4f%%\n", float64(*loss)/100)

	if len(offsets) > 0 {
		mean, _ := stats.Mean(offsets)
		min, _ := stats.Min(offsets)
		max, _ := stats.Max(offsets)
		fmt.Printf("Departure offset: mean=%.0fns min=%.0fns max=%.0fns (configured delay=%dns jitter=±%dns)\n",
			mean, min, max,
			uint64(*delay)*emu.NsPerHundredthMs, uint64(*jitter)*emu.NsPerHundredthMs)
	}

	if len(spacings) > 0 && *rate > 0 {
		minSpacing, _ := stats.Min(spacings)
		wire := uint64(*size) * 8 * emu.NsPerSecond / uint64(*rate)
		fmt.Printf("Min departure spacing: %.0fns (wire time of %d bytes at %d bps: %dns)\n",
			minSpacing, *size, *rate, wire)
	}

	fmt.Printf("Pipeline throughput: %.0f packets/sec\n", float64(*count)/elapsed.Seconds())
}
