// Package scheduler runs audits off the request path. Resume requests
// are pushed onto a Redis list and drained by a worker pool; a worker
// failure marks the audit failed and never takes the process down.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"compliance-auditor/internal/model"
	"compliance-auditor/internal/runner"
	"compliance-auditor/internal/store"
)

// queueKey is the Redis list audits wait on.
const queueKey = "audit:resume"

// Job is one audit execution request.
type Job struct {
	AuditRef        string `json:"audit_ref"`
	MaxChunks       *int   `json:"max_chunks,omitempty"`
	IncludeEvidence *bool  `json:"include_evidence,omitempty"`
	EnqueuedAt      int64  `json:"enqueued_at"`
}

// RunnerFactory builds a fresh runner per job so no state crosses task
// boundaries.
type RunnerFactory func() *runner.Runner

// Scheduler accepts jobs and executes them on background workers.
type Scheduler struct {
	rdb        *redis.Client
	store      store.Store
	newRunner  RunnerFactory
	workers    int
	logger     *zap.Logger
	wg         sync.WaitGroup
	cancelOnce sync.Once
	cancel     context.CancelFunc
}

// New builds a Scheduler with the given worker count.
func New(rdb *redis.Client, st store.Store, newRunner RunnerFactory, workers int, logger *zap.Logger) *Scheduler {
	if workers <= 0 {
		workers = 2
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		rdb:       rdb,
		store:     st,
		newRunner: newRunner,
		workers:   workers,
		logger:    logger,
	}
}

// Enqueue pushes a job onto the queue.
func (s *Scheduler) Enqueue(ctx context.Context, job Job) error {
	job.EnqueuedAt = time.Now().Unix()
	payload, err := sonic.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if err := s.rdb.RPush(ctx, queueKey, payload).Err(); err != nil {
		return fmt.Errorf("failed to enqueue audit job: %w", err)
	}
	s.logger.Info("enqueued audit job", zap.String("audit_ref", job.AuditRef))
	return nil
}

// Start launches the worker pool. Workers run until ctx is cancelled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	s.logger.Info("scheduler started", zap.Int("workers", s.workers))
}

// Stop cancels the workers and waits for in-flight jobs to wind down.
func (s *Scheduler) Stop() {
	s.cancelOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
	s.wg.Wait()
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	log := s.logger.With(zap.Int("worker", id))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		result, err := s.rdb.BLPop(ctx, 5*time.Second, queueKey).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err != redis.Nil {
				log.Warn("queue pop failed", zap.Error(err))
				if sleepErr := sleepCtx(ctx, time.Second); sleepErr != nil {
					return
				}
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		var job Job
		if err := sonic.Unmarshal([]byte(result[1]), &job); err != nil {
			log.Warn("failed to decode job payload", zap.Error(err))
			continue
		}
		s.runJob(ctx, log, job)
	}
}

// runJob executes one audit with panic isolation: a crashing job marks
// the audit failed and the worker keeps serving.
func (s *Scheduler) runJob(ctx context.Context, log *zap.Logger, job Job) {
	defer func() {
		if recovered := recover(); recovered != nil {
			log.Error("audit job panicked",
				zap.String("audit_ref", job.AuditRef),
				zap.Any("panic", recovered))
			s.markFailed(job.AuditRef, fmt.Sprintf("internal error: %v", recovered))
		}
	}()

	log.Info("running audit job", zap.String("audit_ref", job.AuditRef))
	result, err := s.newRunner().Run(ctx, job.AuditRef, runner.Options{
		MaxChunks:       job.MaxChunks,
		IncludeEvidence: job.IncludeEvidence,
	})
	if err != nil {
		log.Error("audit job failed", zap.String("audit_ref", job.AuditRef), zap.Error(err))
		return
	}
	log.Info("audit job finished",
		zap.String("audit_ref", job.AuditRef),
		zap.Int("processed", result.Processed),
		zap.Int("remaining", result.Remaining),
		zap.String("status", result.Status))
}

// markFailed records a failure reason on the audit row, best effort and
// detached from the worker's (possibly cancelled) context.
func (s *Scheduler) markFailed(auditRef, reason string) {
	ctx, cancelTimeout := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelTimeout()

	audit, err := s.store.AuditByRef(ctx, auditRef)
	if err != nil {
		return
	}
	if audit.Status == model.AuditCompleted {
		return
	}
	audit.Status = model.AuditFailed
	now := time.Now().UTC()
	audit.FailedAt = &now
	if len(reason) > 500 {
		reason = reason[:497] + "..."
	}
	audit.FailureReason = reason
	if err := s.store.UpdateAudit(ctx, audit); err != nil {
		s.logger.Warn("failed to mark audit failed", zap.String("audit_ref", auditRef), zap.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
