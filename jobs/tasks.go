package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskExpiryScan scans every stocked location for expiring batches.
	TaskExpiryScan = "inventory:expiry_scan"
	// TaskIdempotencyCleanup purges idempotency keys past their retention.
	TaskIdempotencyCleanup = "maintenance:idempotency_cleanup"
)

// ExpiryScanPayload narrows a scan. Zero values scan every location with the
// configured warning window.
type ExpiryScanPayload struct {
	LocationID  int64 `json:"location_id,omitempty"`
	WarningDays int   `json:"warning_days,omitempty"`
}

// IdempotencyCleanupPayload overrides the retention window.
type IdempotencyCleanupPayload struct {
	Retention time.Duration `json:"retention,omitempty"`
}

// NewExpiryScanTask constructs an Asynq task for the expiry scan.
func NewExpiryScanTask(payload ExpiryScanPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExpiryScan, body, asynq.Queue(QueueDefault)), nil
}

// NewIdempotencyCleanupTask constructs an Asynq task for key cleanup.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{Retention: retention})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
