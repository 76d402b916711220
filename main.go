package main

import (
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/apex/log"

	"emulink/bridge"
)

func main() {
	// Command line parameters
	var (
		ifaces  = flag.String("ifaces", "", "Comma-separated interfaces to bridge (at least two)")
		debug   = flag.Bool("debug", false, "Enable debug logging")
		seed    = flag.Int64("seed", 0, "Seed for jitter/loss randomness (0 = time-seeded)")
		horizon = flag.Duration("horizon", 0, "Max tolerated queueing delay before dropping (default 2s)")
	)
	flag.Parse()

	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	names := splitInterfaces(*ifaces)
	if len(names) < 2 {
		log.Fatalf("Error: -ifaces requires at least two interface names")
	}
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			log.Fatalf("Error: interface %s listed twice", name)
		}
		seen[name] = true
	}

	log.Infof("=== emulink per-flow impairment bridge ===")
	log.Infof("Interfaces: %s", strings.Join(names, ", "))
	log.Infof("Debug mode: %t", *debug)
	log.Infof("Function: WAN emulation (delay/jitter/loss/throttle) plus L2 forwarding")
	log.Infof("Note: This program requires root privileges to open capture handles")

	config := bridge.BridgeConfig{
		Interfaces: names,
		Debug:      *debug,
		Seed:       *seed,
		Horizon:    *horizon,
	}

	br := bridge.NewPacketBridge(config)
	if err := br.Start(); err != nil {
		log.Fatalf("Failed to start bridge: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	log.Infof("emulink is running... Press Ctrl+C to stop")

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats := br.GetStats()
			log.Infof("Stats: received=%d delivered=%d passed=%d dropped=%d",
				stats.TotalReceived, stats.TotalDelivered, stats.TotalPassed, stats.TotalDropped)

		case sig := <-sigChan:
			log.Infof("Received signal: %v, stopping...", sig)

			stats := br.GetStats()
			log.Infof("=== Final Statistics ===")
			log.Infof("Total: received=%d delivered=%d passed=%d dropped=%d",
				stats.TotalReceived, stats.TotalDelivered, stats.TotalPassed, stats.TotalDropped)
			for name, ps := range stats.Ports {
				log.Infof("%s: received=%d redirected=%d flooded=%d passed=%d loss=%d horizon=%d pacing=%d parse=%d txq=%d txerr=%d",
					name, ps.Received, ps.Redirected, ps.Flooded, ps.Passed,
					ps.DroppedLoss, ps.DroppedHorizon, ps.DroppedPacing,
					ps.DroppedParse, ps.DroppedTxQueue, ps.TxErrors)
			}

			br.Stop()
			log.Infof("emulink stopped successfully")
			return
		}
	}
}

// splitInterfaces splits the comma-separated -ifaces value, dropping empty
// entries.
func splitInterfaces(value string) []string {
	var names []string
	for _, part := range strings.Split(value, ",") {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}
