package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
)

// BalancePruner removes stale zero-quantity balance rows.
type BalancePruner interface {
	PruneZeroBalances(ctx context.Context, olderThan time.Duration) (int64, error)
}

// IdempotencyCleaner removes expired idempotency keys.
type IdempotencyCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Duration) error
}

// BalancePruneJob deletes zero-quantity balances untouched for the
// retention window. Event history is never touched; a pruned key is
// re-created by its next stock event.
type BalancePruneJob struct {
	pruner  BalancePruner
	metrics CheckerMetrics
	logger  *slog.Logger
}

// NewBalancePruneJob initialises the handler.
func NewBalancePruneJob(pruner BalancePruner, metrics CheckerMetrics, logger *slog.Logger) *BalancePruneJob {
	return &BalancePruneJob{pruner: pruner, metrics: metrics, logger: logger}
}

// Handle executes one prune pass.
func (j *BalancePruneJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.pruner == nil {
		return errors.New("balance prune: handler not configured")
	}
	var payload BalancePrunePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Retention <= 0 {
		payload.Retention = 7 * 24 * time.Hour
	}
	pruned, err := j.pruner.PruneZeroBalances(ctx, payload.Retention)
	if err != nil {
		if j.metrics != nil {
			j.metrics.JobRun(TaskLedgerBalancePrune, "error")
		}
		return err
	}
	if j.metrics != nil {
		j.metrics.JobRun(TaskLedgerBalancePrune, "ok")
	}
	if j.logger != nil {
		j.logger.Info("zero balances pruned", slog.Int64("rows", pruned))
	}
	return nil
}

// IdempotencyCleanupJob expires processed request keys.
type IdempotencyCleanupJob struct {
	cleaner IdempotencyCleaner
	logger  *slog.Logger
}

// NewIdempotencyCleanupJob initialises the handler.
func NewIdempotencyCleanupJob(cleaner IdempotencyCleaner, logger *slog.Logger) *IdempotencyCleanupJob {
	return &IdempotencyCleanupJob{cleaner: cleaner, logger: logger}
}

// Handle executes one cleanup pass.
func (j *IdempotencyCleanupJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.cleaner == nil {
		return errors.New("idempotency cleanup: handler not configured")
	}
	var payload IdempotencyCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.MaxAge <= 0 {
		payload.MaxAge = 72 * time.Hour
	}
	if err := j.cleaner.Cleanup(ctx, payload.MaxAge); err != nil {
		return err
	}
	if j.logger != nil {
		j.logger.Info("idempotency keys cleaned", slog.Duration("max_age", payload.MaxAge))
	}
	return nil
}
