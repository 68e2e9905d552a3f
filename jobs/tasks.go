package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerConsistencyCheck replays the event log and compares it
	// against stored balances.
	TaskLedgerConsistencyCheck = "ledger:consistency_check"
	// TaskLedgerBalancePrune removes stale zero-quantity balance rows.
	TaskLedgerBalancePrune = "ledger:balance_prune"
	// TaskIdempotencyCleanup removes expired idempotency keys.
	TaskIdempotencyCleanup = "ledger:idempotency_cleanup"
)

// ConsistencyCheckPayload carries scan parameters.
type ConsistencyCheckPayload struct {
	Parallelism int `json:"parallelism"`
}

// NewConsistencyCheckTask constructs the consistency-check task.
func NewConsistencyCheckTask(parallelism int) (*asynq.Task, error) {
	body, err := json.Marshal(ConsistencyCheckPayload{Parallelism: parallelism})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerConsistencyCheck, body, asynq.Queue(QueueDefault)), nil
}

// BalancePrunePayload carries the retention window.
type BalancePrunePayload struct {
	Retention time.Duration `json:"retention"`
}

// NewBalancePruneTask constructs the balance-prune task.
func NewBalancePruneTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(BalancePrunePayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerBalancePrune, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload carries the maximum key age.
type IdempotencyCleanupPayload struct {
	MaxAge time.Duration `json:"max_age"`
}

// NewIdempotencyCleanupTask constructs the idempotency-cleanup task.
func NewIdempotencyCleanupTask(maxAge time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{MaxAge: maxAge})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
