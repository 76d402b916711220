package bridge

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeWriter records every frame written to it.
type fakeWriter struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (w *fakeWriter) WritePacketData(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	w.frames = append(w.frames, buf)
	return nil
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.frames)
}

func (w *fakeWriter) frame(i int) []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames[i]
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestScheduleImmediateWritesSynchronously(t *testing.T) {
	w := &fakeWriter{}
	port := NewPort(1, "veth0", w)
	sched := NewTxScheduler(func() uint64 { return 1000 }, 0, nil)

	if err := sched.Schedule(port, []byte{1, 2, 3}, 0); err != nil {
		t.Fatal(err)
	}
	// A stamp in the past is also immediate.
	if err := sched.Schedule(port, []byte{4, 5, 6}, 999); err != nil {
		t.Fatal(err)
	}

	if w.count() != 2 {
		t.Fatalf("writes = %d, want 2", w.count())
	}
	if sched.Pending() != 0 {
		t.Fatalf("Pending = %d, want 0", sched.Pending())
	}
}

func TestScheduleImmediateReportsWriteError(t *testing.T) {
	wantErr := errors.New("link down")
	w := &fakeWriter{err: wantErr}
	port := NewPort(1, "veth0", w)
	sched := NewTxScheduler(func() uint64 { return 1000 }, 0, nil)

	if err := sched.Schedule(port, []byte{1}, 0); !errors.Is(err, wantErr) {
		t.Fatalf("Schedule = %v, want %v", err, wantErr)
	}
}

func TestScheduleDelayedWritesAtDeparture(t *testing.T) {
	w := &fakeWriter{}
	port := NewPort(1, "veth0", w)
	sched := NewTxScheduler(func() uint64 { return 0 }, 0, nil)
	defer sched.Stop()

	// 5ms out on a zero clock.
	if err := sched.Schedule(port, []byte{0xaa}, 5_000_000); err != nil {
		t.Fatal(err)
	}
	if w.count() != 0 {
		t.Fatal("frame written before its departure time")
	}
	if sched.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1", sched.Pending())
	}

	waitFor(t, time.Second, func() bool { return w.count() == 1 })
	waitFor(t, time.Second, func() bool { return sched.Pending() == 0 })
}

func TestScheduleCopiesDelayedFrames(t *testing.T) {
	w := &fakeWriter{}
	port := NewPort(1, "veth0", w)
	sched := NewTxScheduler(func() uint64 { return 0 }, 0, nil)
	defer sched.Stop()

	// The capture loop reuses its read buffer, so the scheduler must hold
	// its own copy.
	data := []byte{1, 2, 3, 4}
	if err := sched.Schedule(port, data, 2_000_000); err != nil {
		t.Fatal(err)
	}
	data[0] = 0xff

	waitFor(t, time.Second, func() bool { return w.count() == 1 })
	if got := w.frame(0); got[0] != 1 {
		t.Fatalf("frame[0] = %d, want 1 (scheduler must copy)", got[0])
	}
}

func TestScheduleRejectsWhenQueueFull(t *testing.T) {
	w := &fakeWriter{}
	port := NewPort(1, "veth0", w)
	sched := NewTxScheduler(func() uint64 { return 0 }, 1, nil)
	defer sched.Stop()

	hour := uint64(time.Hour)
	if err := sched.Schedule(port, []byte{1}, hour); err != nil {
		t.Fatal(err)
	}
	if err := sched.Schedule(port, []byte{2}, hour); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Schedule = %v, want ErrQueueFull", err)
	}
}

func TestStopCancelsHeldFrames(t *testing.T) {
	w := &fakeWriter{}
	port := NewPort(1, "veth0", w)
	sched := NewTxScheduler(func() uint64 { return 0 }, 0, nil)

	if err := sched.Schedule(port, []byte{1}, uint64(time.Hour)); err != nil {
		t.Fatal(err)
	}
	sched.Stop()

	if sched.Pending() != 0 {
		t.Fatalf("Pending after Stop = %d, want 0", sched.Pending())
	}
	if w.count() != 0 {
		t.Fatalf("writes after Stop = %d, want 0", w.count())
	}

	// After Stop, delayed scheduling is a silent no-op; immediate writes
	// still go out (the handle may already be closed, that is the caller's
	// concern).
	if err := sched.Schedule(port, []byte{2}, uint64(time.Hour)); err != nil {
		t.Fatalf("Schedule after Stop = %v, want nil", err)
	}
	if sched.Pending() != 0 {
		t.Fatalf("Pending = %d, want 0", sched.Pending())
	}
}

func TestDelayedWriteErrorHitsCallback(t *testing.T) {
	wantErr := errors.New("link down")
	w := &fakeWriter{err: wantErr}
	port := NewPort(1, "veth0", w)

	var mu sync.Mutex
	var gotPort *Port
	var gotErr error
	sched := NewTxScheduler(func() uint64 { return 0 }, 0, func(p *Port, err error) {
		mu.Lock()
		gotPort, gotErr = p, err
		mu.Unlock()
	})
	defer sched.Stop()

	if err := sched.Schedule(port, []byte{1}, 1_000_000); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotErr != nil
	})
	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(gotErr, wantErr) || gotPort != port {
		t.Fatalf("callback got (%v, %v), want (%v, %v)", gotPort, gotErr, port, wantErr)
	}
}
