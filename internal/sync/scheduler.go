// Package sync delivers local entitlement changes to the remote usage ledger.
// Delivery is fire and forget from the caller's perspective: tasks are
// enqueued without waiting, the newest task supersedes any undelivered
// predecessor, and a task that keeps failing is eventually dropped with a
// diagnostic rather than retried forever.
package sync

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"storygate/internal/metrics"
	"storygate/internal/types"

	"github.com/google/uuid"
)

// Dispatcher is the slice of the ledger client the scheduler needs.
type Dispatcher interface {
	SyncStatus(ctx context.Context, req types.SyncStatusRequest) error
}

// Options tunes retry and collapse behavior.
type Options struct {
	// MaxAttempts bounds delivery tries per task before it is dropped.
	MaxAttempts int
	// MinBackoff and MaxBackoff bound the wait between attempts.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	// SettleDelay is how long a freshly signaled task waits before dispatch,
	// giving a rapid burst of changes the chance to collapse into one send.
	SettleDelay time.Duration
}

// DefaultOptions mirrors the production configuration defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 5,
		MinBackoff:  time.Second,
		MaxBackoff:  2 * time.Minute,
		SettleDelay: 3 * time.Second,
	}
}

// Scheduler owns a single pending-task slot. Enqueue replaces whatever is in
// the slot; Run drains it. Because the slot holds at most one task, the
// superseded-task invariant is structural: an undelivered older task simply
// no longer exists once a newer one arrives.
type Scheduler struct {
	dispatcher Dispatcher
	opts       Options
	logger     *slog.Logger

	mu      sync.Mutex
	pending *types.SyncTask

	// signal wakes Run; capacity 1 so a burst of Enqueues coalesces.
	signal chan struct{}

	sleepCtx func(ctx context.Context, d time.Duration) bool
}

// NewScheduler creates a stopped scheduler; call Run on a goroutine to start
// draining.
func NewScheduler(dispatcher Dispatcher, opts Options, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions().MaxAttempts
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = DefaultOptions().MinBackoff
	}
	if opts.MaxBackoff < opts.MinBackoff {
		opts.MaxBackoff = opts.MinBackoff
	}
	return &Scheduler{
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
		signal:     make(chan struct{}, 1),
		sleepCtx:   sleepContext,
	}
}

// Enqueue schedules a task for delivery and returns immediately. A task
// already waiting in the slot is replaced; only the latest state is worth
// sending, since each task carries the full effective entitlement.
func (s *Scheduler) Enqueue(task types.SyncTask) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}

	s.mu.Lock()
	if s.pending != nil {
		metrics.SyncQueueCollapsed.Inc()
		metrics.SyncOutcomes.WithLabelValues(string(types.SyncOutcomeSuperseded)).Inc()
		s.logger.Info("pending sync task superseded",
			"superseded_id", s.pending.ID,
			"superseded_revision", s.pending.Revision,
			"new_id", task.ID,
			"new_revision", task.Revision,
		)
	}
	s.pending = &task
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Pending returns a copy of the task currently waiting in the slot, if any.
func (s *Scheduler) Pending() (types.SyncTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return types.SyncTask{}, false
	}
	return *s.pending, true
}

// Run drains the pending slot until ctx is canceled. It is the only consumer;
// run it on exactly one goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.InfoContext(ctx, "sync scheduler started",
		"max_attempts", s.opts.MaxAttempts,
		"settle_delay", s.opts.SettleDelay,
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync scheduler stopped")
			return
		case <-s.signal:
		}

		// Let rapid-fire changes settle into a single task before taking it.
		if s.opts.SettleDelay > 0 {
			if !s.sleepCtx(ctx, s.opts.SettleDelay) {
				return
			}
		}

		s.mu.Lock()
		task := s.pending
		s.pending = nil
		s.mu.Unlock()
		if task == nil {
			continue
		}

		s.deliver(ctx, *task)
	}
}

// deliver attempts the task with backoff until success, supersession, context
// cancellation, or attempt exhaustion.
func (s *Scheduler) deliver(ctx context.Context, task types.SyncTask) {
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		// A newer task in the slot makes this one stale mid-retry.
		if s.supersededBy(task.Revision) {
			metrics.SyncOutcomes.WithLabelValues(string(types.SyncOutcomeSuperseded)).Inc()
			s.logger.Info("abandoning stale sync task mid-retry",
				"task_id", task.ID,
				"revision", task.Revision,
			)
			return
		}

		err := s.dispatcher.SyncStatus(ctx, types.SyncStatusRequest{
			Status:   task.Status,
			Purchase: task.Purchase,
			EventAt:  task.EnqueuedAt,
		})
		if err == nil {
			metrics.SyncAttempts.WithLabelValues("ok").Inc()
			metrics.SyncOutcomes.WithLabelValues(string(types.SyncOutcomeDelivered)).Inc()
			s.logger.InfoContext(ctx, "sync task delivered",
				"task_id", task.ID,
				"status", string(task.Status),
				"attempt", attempt,
			)
			return
		}

		metrics.SyncAttempts.WithLabelValues("error").Inc()
		s.logger.WarnContext(ctx, "sync attempt failed",
			"task_id", task.ID,
			"attempt", attempt,
			"max_attempts", s.opts.MaxAttempts,
			"error", err,
		)

		if attempt == s.opts.MaxAttempts {
			break
		}
		if !s.sleepCtx(ctx, s.backoff(attempt)) {
			return
		}
	}

	// Dropping is safe: the local state already won locally, and the next
	// entitlement change enqueues a fresh task carrying the full state.
	metrics.SyncOutcomes.WithLabelValues(string(types.SyncOutcomeDropped)).Inc()
	s.logger.Error("sync task dropped after exhausting attempts",
		"task_id", task.ID,
		"status", string(task.Status),
		"revision", task.Revision,
		"attempts", s.opts.MaxAttempts,
	)
}

func (s *Scheduler) supersededBy(revision uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil && s.pending.Revision > revision
}

// backoff grows exponentially with full jitter, clamped to MaxBackoff.
func (s *Scheduler) backoff(attempt int) time.Duration {
	wait := s.opts.MinBackoff << (attempt - 1)
	if wait > s.opts.MaxBackoff || wait <= 0 {
		wait = s.opts.MaxBackoff
	}
	if wait <= s.opts.MinBackoff {
		return s.opts.MinBackoff
	}
	span := wait - s.opts.MinBackoff
	return s.opts.MinBackoff + time.Duration(rand.Int63n(int64(span)))
}

// sleepContext sleeps for d or until ctx is canceled; it reports whether the
// full duration elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
