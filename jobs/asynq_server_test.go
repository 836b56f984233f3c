package jobs

import (
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

func TestRetryDelayIsCapped(t *testing.T) {
	require.Equal(t, time.Minute, retryDelay(0, nil, nil))
	require.Equal(t, 3*time.Minute, retryDelay(2, nil, nil))
	require.Equal(t, 15*time.Minute, retryDelay(40, nil, nil))
}

func TestNewWorkerRejectsBadCron(t *testing.T) {
	mr := miniredis.RunT(t)
	task, err := NewBillingRunTask(BillingRunPayload{})
	require.NoError(t, err)

	_, err = NewWorker(WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: mr.Addr()},
		Cron:      []CronRegistration{{Spec: "every night", Task: task}},
	})
	require.Error(t, err)
}

func TestNewBillingRunTaskDefaultsTrigger(t *testing.T) {
	task, err := NewBillingRunTask(BillingRunPayload{DryRun: true})
	require.NoError(t, err)
	require.Equal(t, TaskBillingRun, task.Type())
	require.JSONEq(t, `{"dry_run":true,"trigger":"cron"}`, string(task.Payload()))
}
