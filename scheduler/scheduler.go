package scheduler

import (
	"context"
	"time"

	"github.com/lakesignal/corepipe/internal/errs"
	"github.com/lakesignal/corepipe/internal/obslog"
)

// Handler runs one due trigger. It returns the trigger's next
// next_run_at (microseconds); a nil nextRunAt means "one-shot, delete on
// success".
type Handler func(ctx context.Context, t Trigger) (nextRunAt *int64, err error)

// Unlocker is the subset of cluster.Lock's surface the scheduler needs.
type Unlocker interface {
	Unlock(ctx context.Context) error
}

// Locker is the subset of cluster.Coordinator's surface the scheduler
// needs for an extra belt-and-suspenders exclusivity check beyond the
// catalog CAS, in case the meta-store itself isn't strongly consistent
// across nodes (e.g. a future mysql/postgres backend behind a read
// replica). A nil Locker is valid for single-node operation, where the
// sqlite CAS in Store.ClaimReady is already the sole serialization point.
type Locker interface {
	Lock(ctx context.Context, key string, waitTTL time.Duration) (Unlocker, error)
}

// Config bounds the scheduler's run loop.
type Config struct {
	Tick              time.Duration
	BatchSize         int
	MaxQueued         int
	ProcessingTimeout time.Duration
	MaxRetries        int
	BackoffBase       time.Duration
}

// Scheduler runs the tick loop: claim due/stale triggers, dispatch each
// to its module's handler, reschedule or fail.
//
// Grounded on the teacher's scm.Scheduler single-dispatch-goroutine loop
// (scm/scheduler.go): that scheduler's min-heap of in-process closures
// becomes here a poll of the durable Store, since triggers must survive
// a restart and be visible to every node racing to claim them.
type Scheduler struct {
	store    *Store
	handlers map[Module]Handler
	locker   Locker
	cfg      Config
}

// New builds a Scheduler. handlers must cover every Module this process
// dispatches; an unhandled module on a claimed row is treated as a
// permanent failure for that row.
func New(store *Store, handlers map[Module]Handler, locker Locker, cfg Config) *Scheduler {
	return &Scheduler{store: store, handlers: handlers, locker: locker, cfg: cfg}
}

// Schedule enqueues (or updates) a trigger, applying admission control:
// when the scheduler queue is at or over max_queued, new triggers are
// rejected.
func (s *Scheduler) Schedule(t Trigger) error {
	n, err := s.store.Count()
	if err != nil {
		return err
	}
	if n >= s.cfg.MaxQueued {
		return errs.New(errs.Resource, "scheduler.Schedule", t.ModuleKey, errs.ErrQueueFull)
	}
	return s.store.Schedule(t)
}

// Run ticks until ctx is cancelled, claiming and dispatching due
// triggers each tick. Each claimed trigger is handled in its own
// goroutine so one slow handler doesn't delay the rest of the batch.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UnixMicro()
	claimed, err := s.store.ClaimReady(now, s.cfg.ProcessingTimeout.Microseconds(), s.cfg.BatchSize)
	if err != nil {
		obslog.L().WithError(err).Warn("scheduler: claim failed")
		return
	}
	for _, t := range claimed {
		go s.dispatch(ctx, t)
	}
}

func (s *Scheduler) dispatch(ctx context.Context, t Trigger) {
	log := obslog.L().WithFields(map[string]interface{}{"org": t.Org, "module": string(t.Module), "module_key": t.ModuleKey})

	if s.locker != nil {
		lockKey := "/scheduler/" + t.Org + "/" + string(t.Module) + "/" + t.ModuleKey
		lock, err := s.locker.Lock(ctx, lockKey, time.Millisecond)
		if err != nil {
			log.Debug("scheduler: lock contended, leaving trigger for the holder")
			return
		}
		defer lock.Unlock(ctx)
	}

	handler, ok := s.handlers[t.Module]
	if !ok {
		_ = s.store.Fail(t.ID, 0, 0, "no handler registered for module "+string(t.Module))
		return
	}

	nextRunAt, err := handler(ctx, t)
	if err != nil {
		backoff := s.cfg.BackoffBase * time.Duration(1<<uint(minInt(t.Retries, 6)))
		if ferr := s.store.Fail(t.ID, s.cfg.MaxRetries, time.Now().Add(backoff).UnixMicro(), err.Error()); ferr != nil {
			log.WithError(ferr).Warn("scheduler: failed to record handler error")
		}
		return
	}

	if nextRunAt == nil {
		if err := s.store.Delete(t.ID); err != nil {
			log.WithError(err).Warn("scheduler: failed to delete completed one-shot trigger")
		}
		return
	}
	if err := s.store.Reschedule(t.ID, *nextRunAt); err != nil {
		log.WithError(err).Warn("scheduler: failed to reschedule trigger")
	}
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
