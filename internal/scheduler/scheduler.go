// Package scheduler runs the engine's keyed periodic background jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"futures-trading-engine/internal/logging"
)

var (
	ErrJobExists   = errors.New("job already registered for key")
	ErrJobNotFound = errors.New("no job registered for key")
	ErrStopped     = errors.New("scheduler is stopped")
)

// JobFunc is one periodic task. The context is cancelled when the job is
// removed or the scheduler stops; long-running work must honor it.
type JobFunc func(ctx context.Context)

// Scheduler runs fixed-interval jobs keyed by name. Each job gets its own
// goroutine and cancel function so individual jobs can be removed without
// touching the rest.
type Scheduler struct {
	mu      sync.Mutex
	jobs    map[string]*job
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc
	stopped bool
	log     *logging.Logger
}

type job struct {
	key      string
	interval time.Duration
	cancel   context.CancelFunc
}

// New creates a scheduler. Jobs run until Remove or Stop.
func New(log *logging.Logger) *Scheduler {
	if log == nil {
		log = logging.WithComponent("scheduler")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:    make(map[string]*job),
		baseCtx: ctx,
		cancel:  cancel,
		log:     log,
	}
}

// Add registers a job under a unique key and starts its interval loop.
// When runNow is set the first execution happens immediately instead of
// after one interval.
func (s *Scheduler) Add(key string, interval time.Duration, runNow bool, fn JobFunc) error {
	if interval <= 0 {
		return errors.New("job interval must be positive")
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if _, exists := s.jobs[key]; exists {
		s.mu.Unlock()
		return ErrJobExists
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	j := &job{key: key, interval: interval, cancel: cancel}
	s.jobs[key] = j
	s.wg.Add(1)
	s.mu.Unlock()

	go s.run(ctx, j, runNow, fn)
	s.log.Debug("job registered", "key", key, "interval", interval.String())
	return nil
}

func (s *Scheduler) run(ctx context.Context, j *job, runNow bool, fn JobFunc) {
	defer s.wg.Done()

	if runNow {
		s.invoke(ctx, j.key, fn)
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Debug("job stopping", "key", j.key)
			return
		case <-ticker.C:
			s.invoke(ctx, j.key, fn)
		}
	}
}

// invoke runs one job execution. A panicking job is logged and skipped;
// the interval loop and every other job keep running.
func (s *Scheduler) invoke(ctx context.Context, key string, fn JobFunc) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("job panicked", "key", key, "panic", fmt.Sprintf("%v", r))
		}
	}()
	fn(ctx)
}

// Remove cancels one job. The job's context is cancelled immediately; an
// in-flight execution finishes on its own.
func (s *Scheduler) Remove(key string) error {
	s.mu.Lock()
	j, ok := s.jobs[key]
	if ok {
		delete(s.jobs, key)
	}
	s.mu.Unlock()

	if !ok {
		return ErrJobNotFound
	}
	j.cancel()
	return nil
}

// Has reports whether a job is registered under the key.
func (s *Scheduler) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[key]
	return ok
}

// Keys returns the registered job keys.
func (s *Scheduler) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.jobs))
	for k := range s.jobs {
		keys = append(keys, k)
	}
	return keys
}

// Stop cancels every job and waits for their goroutines to exit. The
// scheduler cannot be reused afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.jobs = make(map[string]*job)
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
