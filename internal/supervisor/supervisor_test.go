package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

// startRecorder tracks when each run attempt began.
type startRecorder struct {
	mu     sync.Mutex
	starts []time.Time
}

func (r *startRecorder) record() {
	r.mu.Lock()
	r.starts = append(r.starts, time.Now())
	r.mu.Unlock()
}

func (r *startRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.starts)
}

func (r *startRecorder) at(i int) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts[i]
}

func TestSupervisor_RestartHonorsBackoff(t *testing.T) {
	rec := &startRecorder{}
	sup := New(testLogger(), Config{
		PollInterval: 5 * time.Millisecond,
		BackoffMin:   60 * time.Millisecond,
		BackoffMax:   time.Second,
		HealthyAfter: time.Hour,
	})
	sup.Add("flaky", func(ctx context.Context) error {
		rec.record()
		return errors.New("connection lost")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	waitFor(t, 3*time.Second, func() bool { return rec.count() >= 3 }, "supervisor never restarted the worker")
	cancel()
	<-done

	// Attempt N+1 never happens sooner than the backoff computed from N
	// consecutive failures: 60ms after the first, 120ms after the second.
	if gap := rec.at(1).Sub(rec.at(0)); gap < 60*time.Millisecond {
		t.Fatalf("first restart after %v, want >= 60ms", gap)
	}
	if gap := rec.at(2).Sub(rec.at(1)); gap < 120*time.Millisecond {
		t.Fatalf("second restart after %v, want >= 120ms", gap)
	}
}

func TestSupervisor_BackoffIsBounded(t *testing.T) {
	sup := New(testLogger(), Config{
		BackoffMin: 10 * time.Millisecond,
		BackoffMax: 80 * time.Millisecond,
	})
	if d := sup.backoff(1); d != 10*time.Millisecond {
		t.Fatalf("failures=1: %v", d)
	}
	if d := sup.backoff(3); d != 40*time.Millisecond {
		t.Fatalf("failures=3: %v", d)
	}
	if d := sup.backoff(50); d != 80*time.Millisecond {
		t.Fatalf("failures=50 must cap at max, got %v", d)
	}
}

func TestSupervisor_FailingInstanceDoesNotAffectAnother(t *testing.T) {
	rec := &startRecorder{}
	work := make(chan struct{})
	var handled atomic.Int64
	var healthyStarts atomic.Int64

	sup := New(testLogger(), Config{
		PollInterval: 2 * time.Millisecond,
		BackoffMin:   5 * time.Millisecond,
		BackoffMax:   20 * time.Millisecond,
		HealthyAfter: time.Hour,
	})
	sup.Add("flaky", func(ctx context.Context) error {
		rec.record()
		return errors.New("always broken")
	})
	sup.Add("healthy", func(ctx context.Context) error {
		healthyStarts.Add(1)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-work:
				handled.Add(1)
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	// Push events through the healthy instance while the other flaps.
	for i := 0; i < 5; i++ {
		select {
		case work <- struct{}{}:
		case <-time.After(time.Second):
			t.Fatal("healthy worker stopped accepting work")
		}
	}

	waitFor(t, 3*time.Second, func() bool { return rec.count() >= 3 }, "flaky worker was not restarted")
	if got := handled.Load(); got != 5 {
		t.Fatalf("healthy instance handled %d of 5 events", got)
	}
	if got := healthyStarts.Load(); got != 1 {
		t.Fatalf("healthy instance restarted %d times", got-1)
	}

	cancel()
	<-done
}

func TestSupervisor_HealthyRunResetsFailureCount(t *testing.T) {
	rec := &startRecorder{}
	sup := New(testLogger(), Config{
		PollInterval: 2 * time.Millisecond,
		BackoffMin:   5 * time.Millisecond,
		BackoffMax:   time.Second,
		HealthyAfter: 20 * time.Millisecond,
	})
	sup.Add("slow-fail", func(ctx context.Context) error {
		rec.record()
		// Outlives HealthyAfter, so each failure counts as the first.
		time.Sleep(40 * time.Millisecond)
		return errors.New("eventual failure")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	waitFor(t, 3*time.Second, func() bool { return rec.count() >= 3 }, "worker was not restarted")
	cancel()
	<-done

	for _, h := range sup.Snapshot() {
		if h.Failures > 1 {
			t.Fatalf("failure streak not reset after healthy run: %d", h.Failures)
		}
	}
}

func TestSupervisor_CleanExitIsNotRestarted(t *testing.T) {
	var starts atomic.Int64
	sup := New(testLogger(), Config{
		PollInterval: 2 * time.Millisecond,
		BackoffMin:   2 * time.Millisecond,
	})
	sup.Add("one-shot", func(ctx context.Context) error {
		starts.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	if got := starts.Load(); got != 1 {
		t.Fatalf("clean exit restarted %d times", got-1)
	}

	cancel()
	<-done

	handles := sup.Snapshot()
	if len(handles) != 1 || handles[0].Status != StatusStopped {
		t.Fatalf("unexpected handles: %+v", handles)
	}
}

func TestSupervisor_CancelStopsRestartsAndDrains(t *testing.T) {
	var starts atomic.Int64
	sup := New(testLogger(), Config{
		PollInterval: 2 * time.Millisecond,
		BackoffMin:   2 * time.Millisecond,
		BackoffMax:   4 * time.Millisecond,
		HealthyAfter: time.Hour,
	})
	sup.Add("flaky", func(ctx context.Context) error {
		starts.Add(1)
		return errors.New("broken")
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	waitFor(t, time.Second, func() bool { return starts.Load() >= 2 }, "worker was not restarted")
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop after cancellation")
	}

	after := starts.Load()
	time.Sleep(30 * time.Millisecond)
	if starts.Load() != after {
		t.Fatal("restarts were issued after cancellation")
	}
}
