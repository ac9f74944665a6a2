package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// FireFunc receives the deadlines that came due on one tick, earliest first.
type FireFunc func(ctx context.Context, due []*Deadline)

// Scheduler owns a deadline queue and fires expired entries on every tick.
type Scheduler struct {
	mu           sync.Mutex
	queue        DeadlineQueue
	fire         FireFunc
	tickInterval time.Duration
}

// NewScheduler creates a Scheduler that checks its queue every tick.
func NewScheduler(tick time.Duration, fire FireFunc) *Scheduler {
	return &Scheduler{
		queue:        make(DeadlineQueue, 0),
		fire:         fire,
		tickInterval: tick,
	}
}

// Schedule adds a deadline. Safe for concurrent use.
func (s *Scheduler) Schedule(key string, kind DeadlineKind, gen uint64, at time.Time) {
	s.mu.Lock()
	s.queue.PushEntry(key, kind, gen, at)
	s.mu.Unlock()
}

// Len returns the number of pending deadlines, superseded ones included.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// Run starts the main loop.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("Starting deadline scheduler", "component", "Scheduler", "tick", s.tickInterval.String())
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Stopping deadline scheduler", "component", "Scheduler", "pending", s.Len())
			return
		case now := <-ticker.C:
			s.schedule(ctx, now)
		}
	}
}

// schedule pops everything due at now and hands it to the fire function.
func (s *Scheduler) schedule(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := s.queue.PopExpired(now)
	s.mu.Unlock()

	if len(due) == 0 {
		return
	}
	slog.Debug("Deadlines due", "component", "Scheduler", "count", len(due))
	s.fire(ctx, due)
}
