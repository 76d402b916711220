package bridge

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"emulink/emu"
)

// ErrQueueFull is returned when the scheduler already holds its maximum
// number of pending frames.
var ErrQueueFull = errors.New("bridge: transmit queue full")

// DefaultMaxPending bounds how many delayed frames the scheduler may hold.
const DefaultMaxPending = 65536

// TxScheduler honors scheduled departure timestamps: frames stamped in the
// past or unstamped go out immediately, everything else is held on a timer
// until its departure time. It is the userspace stand-in for the fq qdisc
// the kernel datapath relies on.
//
// Pending frames are bounded; the throttle horizon already caps per-flow
// queueing, this cap protects the process as a whole.
type TxScheduler struct {
	clock        emu.Clock
	maxPending   int64
	onWriteError func(port *Port, err error)

	pending atomic.Int64

	mu      sync.Mutex
	stopped bool
	nextID  uint64
	timers  map[uint64]*time.Timer
}

// NewTxScheduler creates a scheduler. A nil clock gets emu.Monotonic, a
// maxPending of zero or less gets DefaultMaxPending. onWriteError, if not
// nil, is invoked for write failures of delayed frames (immediate writes
// report their error to the caller instead).
func NewTxScheduler(clock emu.Clock, maxPending int, onWriteError func(port *Port, err error)) *TxScheduler {
	if clock == nil {
		clock = emu.Monotonic
	}
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &TxScheduler{
		clock:        clock,
		maxPending:   int64(maxPending),
		onWriteError: onWriteError,
		timers:       make(map[uint64]*time.Timer),
	}
}

// Schedule transmits data out the port no earlier than departNs. A zero or
// past departNs writes synchronously and returns the write error. A future
// departNs copies the frame (the capture buffer is reused by the read loop)
// and arms a timer; ErrQueueFull is returned when the pending cap is hit.
func (s *TxScheduler) Schedule(port *Port, data []byte, departNs uint64) error {
	now := s.clock()
	if departNs <= now {
		return port.Write(data)
	}

	if s.pending.Add(1) > s.maxPending {
		s.pending.Add(-1)
		return ErrQueueFull
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	delay := time.Duration(departNs - now)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.pending.Add(-1)
		return nil
	}
	id := s.nextID
	s.nextID++
	s.timers[id] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.timers, id)
		stopped := s.stopped
		s.mu.Unlock()
		s.pending.Add(-1)
		if stopped {
			return
		}
		if err := port.Write(buf); err != nil && s.onWriteError != nil {
			s.onWriteError(port, err)
		}
	})
	s.mu.Unlock()

	return nil
}

// Pending returns the number of frames currently held.
func (s *TxScheduler) Pending() int {
	return int(s.pending.Load())
}

// Stop cancels all held frames and rejects further delayed writes.
func (s *TxScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	for id, t := range s.timers {
		if t.Stop() {
			s.pending.Add(-1)
		}
		delete(s.timers, id)
	}
}
