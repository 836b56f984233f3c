package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBillingRun is the task type for one invoice consolidation pass.
	TaskBillingRun = "billing:run"
)

// BillingRunPayload describes a queued billing run.
type BillingRunPayload struct {
	DryRun  bool   `json:"dry_run"`
	Trigger string `json:"trigger" validate:"omitempty,oneof=cron cli http"`
}

// NewBillingRunTask constructs an Asynq task.
func NewBillingRunTask(payload BillingRunPayload) (*asynq.Task, error) {
	if payload.Trigger == "" {
		payload.Trigger = "cron"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingRun, data, asynq.Queue(QueueDefault)), nil
}
