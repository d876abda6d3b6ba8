// Package supervisor owns the set of instance workers: it launches one
// goroutine per instance, watches for termination, and relaunches failed
// workers with bounded exponential backoff. One instance failing never
// touches another.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RunFunc is one instance's worker loop. It returns nil on clean
// shutdown and the failure reason otherwise.
type RunFunc func(ctx context.Context) error

type Status string

const (
	StatusRunning Status = "running"
	StatusBackoff Status = "backoff"
	StatusStopped Status = "stopped"
)

// Handle is the supervisor's bookkeeping for one instance. Mutated only
// inside Run's loop.
type Handle struct {
	Instance  string
	Status    Status
	LastErr   error
	Failures  int
	StartedAt time.Time
	RestartAt time.Time
}

type Config struct {
	PollInterval time.Duration
	BackoffMin   time.Duration
	BackoffMax   time.Duration
	// HealthyAfter is how long a worker must run before a later failure
	// is counted as a fresh first failure rather than a continuation.
	HealthyAfter time.Duration
}

type Supervisor struct {
	logger  *slog.Logger
	cfg     Config
	workers map[string]RunFunc

	mu      sync.Mutex
	handles map[string]*Handle

	results chan result
	wg      sync.WaitGroup
}

type result struct {
	instance string
	err      error
}

func New(logger *slog.Logger, cfg Config) *Supervisor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1 * time.Second
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 1 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 5 * time.Minute
	}
	if cfg.HealthyAfter <= 0 {
		cfg.HealthyAfter = 2 * time.Minute
	}
	return &Supervisor{
		logger:  logger,
		cfg:     cfg,
		workers: make(map[string]RunFunc),
		handles: make(map[string]*Handle),
	}
}

// Add registers an instance before Run is called.
func (s *Supervisor) Add(instance string, run RunFunc) {
	s.workers[instance] = run
	s.handles[instance] = &Handle{Instance: instance, Status: StatusStopped}
}

// Run launches every registered worker and polls for terminations until
// the context is cancelled. On cancellation no further restarts are
// issued and Run blocks until every worker has returned.
func (s *Supervisor) Run(ctx context.Context) {
	// One slot per worker: a worker only runs again after its previous
	// result was consumed, so sends never block.
	s.results = make(chan result, len(s.workers))

	for name := range s.workers {
		s.launch(ctx, name)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.drain()
			return
		case res := <-s.results:
			s.observe(ctx, res)
		case <-ticker.C:
			s.restartDue(ctx)
		}
	}
}

func (s *Supervisor) launch(ctx context.Context, name string) {
	run := s.workers[name]

	s.mu.Lock()
	h := s.handles[name]
	h.Status = StatusRunning
	h.StartedAt = time.Now()
	h.RestartAt = time.Time{}
	s.mu.Unlock()

	s.logger.Info("starting worker", "instance", name)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.results <- result{instance: name, err: run(ctx)}
	}()
}

func (s *Supervisor) observe(ctx context.Context, res result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.handles[res.instance]
	ranFor := time.Since(h.StartedAt)

	if res.err == nil {
		h.Status = StatusStopped
		s.logger.Info("worker stopped", "instance", res.instance)
		return
	}

	if ranFor >= s.cfg.HealthyAfter {
		h.Failures = 0
	}
	h.Failures++
	h.LastErr = res.err

	delay := s.backoff(h.Failures)
	h.Status = StatusBackoff
	h.RestartAt = time.Now().Add(delay)

	s.logger.Error("worker failed",
		"instance", res.instance,
		"err", res.err,
		"consecutive_failures", h.Failures,
		"ran_for_ms", ranFor.Milliseconds(),
		"restart_in_ms", delay.Milliseconds(),
	)

	// Cancellation may race a failure; don't schedule a doomed restart.
	if ctx.Err() != nil {
		h.Status = StatusStopped
	}
}

func (s *Supervisor) restartDue(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	now := time.Now()

	s.mu.Lock()
	var due []string
	for name, h := range s.handles {
		if h.Status == StatusBackoff && !now.Before(h.RestartAt) {
			due = append(due, name)
		}
	}
	s.mu.Unlock()

	for _, name := range due {
		s.launch(ctx, name)
	}
}

func (s *Supervisor) backoff(failures int) time.Duration {
	d := s.cfg.BackoffMin
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= s.cfg.BackoffMax {
			return s.cfg.BackoffMax
		}
	}
	if d > s.cfg.BackoffMax {
		return s.cfg.BackoffMax
	}
	return d
}

// drain waits out still-running workers after cancellation. They unblock
// promptly because their listen waits are context-driven.
func (s *Supervisor) drain() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	for {
		select {
		case res := <-s.results:
			s.finish(res)
		case <-done:
			// Results are buffered, so late sends may still be queued.
			for {
				select {
				case res := <-s.results:
					s.finish(res)
				default:
					s.logger.Info("all workers stopped")
					return
				}
			}
		}
	}
}

func (s *Supervisor) finish(res result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.handles[res.instance]
	h.Status = StatusStopped
	if res.err != nil {
		h.LastErr = res.err
	}
}

// Snapshot returns a copy of every handle, for status reporting.
func (s *Supervisor) Snapshot() []Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Handle, 0, len(s.handles))
	for _, h := range s.handles {
		out = append(out, *h)
	}
	return out
}
