// Package scheduler drives two distinct clocks: a gocron-based hourly tick
// that kicks off the retention sweep, and a durable poller over the
// ScheduledTask table that advances every other delayed continuation
// (project-erasure steps, retention-sweep continuations) at least once,
// surviving a server restart between ticks.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fleetcore/control-plane/internal/db"
	"github.com/fleetcore/control-plane/internal/repository"
)

const (
	pollInterval   = 250 * time.Millisecond
	claimTTL       = 30 * time.Second
	claimBatchSize = 20
	wakeupChannel  = "fleetcore:scheduler:wake"
)

// HandlerFunc advances one scheduled task, given its JSON args.
type HandlerFunc func(ctx context.Context, args map[string]any) error

// Scheduler owns the gocron hourly tick and the durable ScheduledTask
// poller, and exposes ScheduleAfter so domain services (internal/erasure,
// internal/retention) can self-schedule a continuation without depending
// on this package's concrete type.
type Scheduler struct {
	cron     gocron.Scheduler
	tasks    repository.ScheduledTaskRepository
	redis    *redis.Client
	logger   *zap.Logger
	handlers map[string]HandlerFunc

	mu       sync.Mutex
	stopPoll chan struct{}
	stopped  bool
}

// New creates a Scheduler. Call RegisterHandler for every fn name a
// ScheduledTask row may carry before calling Start.
func New(tasks repository.ScheduledTaskRepository, redisClient *redis.Client, logger *zap.Logger) (*Scheduler, error) {
	cs, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}
	return &Scheduler{
		cron:     cs,
		tasks:    tasks,
		redis:    redisClient,
		logger:   logger.Named("scheduler"),
		handlers: make(map[string]HandlerFunc),
	}, nil
}

// RegisterHandler binds a ScheduledTask.Fn name to the function that
// advances it. Must be called before Start.
func (s *Scheduler) RegisterHandler(fn string, handler HandlerFunc) {
	s.handlers[fn] = handler
}

// RegisterRetentionSweep wires the single hourly cron entry that invokes
// the retention sweeper directly (not via the ScheduledTask table — this
// is the one recurring tick, everything else is a one-shot continuation
// chained through ScheduleAfter).
func (s *Scheduler) RegisterRetentionSweep(handler HandlerFunc) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(1*time.Hour),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 55*time.Minute)
			defer cancel()
			if err := handler(ctx, map[string]any{"reason": "cron.hourly"}); err != nil {
				s.logger.Error("retention sweep tick failed", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	return err
}

// Start begins both clocks: the gocron scheduler and the durable poller.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	s.stopPoll = make(chan struct{})
	go s.pollLoop(ctx)
	s.logger.Info("scheduler started", zap.Duration("poll_interval", pollInterval))
}

// Stop gracefully shuts down both clocks.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.stopped {
		close(s.stopPoll)
		s.stopped = true
	}
	s.mu.Unlock()
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// ScheduleAfter persists a durable one-shot continuation, satisfying both
// internal/erasure.Scheduler and internal/retention.Scheduler. A best-effort
// Redis publish lets an idle poller wake up early; a missed publish just
// means the task fires on the next regular tick instead.
func (s *Scheduler) ScheduleAfter(ctx context.Context, delay time.Duration, fn string, args map[string]any) error {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("marshal scheduled task args: %w", err)
	}
	task := &db.ScheduledTask{
		RunAt:    time.Now().Add(delay),
		Fn:       fn,
		ArgsJSON: string(argsJSON),
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return fmt.Errorf("create scheduled task: %w", err)
	}
	if s.redis != nil {
		if err := s.redis.Publish(ctx, wakeupChannel, task.ID.String()).Err(); err != nil {
			s.logger.Debug("scheduler wakeup publish failed, falling back to poll interval", zap.Error(err))
		}
	}
	return nil
}

func (s *Scheduler) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	// Subscribing to wakeupChannel lets a ScheduleAfter publish trigger a
	// poll before the next tick; without Redis only the ticker drives polls.
	var wake <-chan *redis.Message
	if s.redis != nil {
		sub := s.redis.Subscribe(ctx, wakeupChannel)
		defer sub.Close()
		wake = sub.Channel()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopPoll:
			return
		case <-ticker.C:
			s.pollOnce(ctx)
		case <-wake:
			s.pollOnce(ctx)
		}
	}
}

func (s *Scheduler) pollOnce(ctx context.Context) {
	due, err := s.tasks.ClaimDue(ctx, time.Now(), claimTTL, claimBatchSize)
	if err != nil {
		s.logger.Error("claim due scheduled tasks failed", zap.Error(err))
		return
	}
	for _, task := range due {
		s.runTask(ctx, task)
	}
}

func (s *Scheduler) runTask(ctx context.Context, task db.ScheduledTask) {
	handler, ok := s.handlers[task.Fn]
	if !ok {
		s.logger.Error("no handler registered for scheduled task", zap.String("fn", task.Fn), zap.String("task_id", task.ID.String()))
		_ = s.tasks.MarkFailed(ctx, task.ID, "no handler registered for fn "+task.Fn, time.Now().Add(time.Minute))
		return
	}

	var args map[string]any
	if err := json.Unmarshal([]byte(task.ArgsJSON), &args); err != nil {
		args = map[string]any{}
	}

	if err := handler(ctx, args); err != nil {
		s.logger.Warn("scheduled task handler failed, rescheduling", zap.String("fn", task.Fn), zap.String("task_id", task.ID.String()), zap.Error(err))
		backoff := time.Duration(task.Attempts+1) * 5 * time.Second
		if backoff > 5*time.Minute {
			backoff = 5 * time.Minute
		}
		_ = s.tasks.MarkFailed(ctx, task.ID, err.Error(), time.Now().Add(backoff))
		return
	}

	if err := s.tasks.Delete(ctx, task.ID); err != nil {
		s.logger.Error("failed to delete completed scheduled task", zap.String("task_id", task.ID.String()), zap.Error(err))
	}
}

// HandlerForUUIDArg pulls a uuid.UUID out of a scheduled task's generic args
// map under the given key — most handlers are keyed on a single jobId.
func HandlerForUUIDArg(args map[string]any, key string) (uuid.UUID, error) {
	raw, ok := args[key]
	if !ok {
		return uuid.Nil, fmt.Errorf("missing %q argument", key)
	}
	str, ok := raw.(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("%q argument is not a string", key)
	}
	return uuid.Parse(str)
}
