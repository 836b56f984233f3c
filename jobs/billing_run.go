package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/lms-iptv/tvbilling/internal/billing"
	jobmetrics "github.com/lms-iptv/tvbilling/internal/jobs"
	"github.com/lms-iptv/tvbilling/internal/settings"
	"github.com/lms-iptv/tvbilling/internal/shared"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// SchemeSettings resolves runtime overrides of the billing configuration.
type SchemeSettings interface {
	Int64(ctx context.Context, key string, def int64) (int64, error)
}

// BillingRunJob runs the consolidation engine under the run lock.
type BillingRunJob struct {
	Repo     billing.RepositoryPort
	Config   billing.Config
	Settings SchemeSettings
	Lock     *shared.RunLock
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
	clock    func() time.Time
}

// NewBillingRunJob constructs the job handler.
func NewBillingRunJob(repo billing.RepositoryPort, cfg billing.Config, settings SchemeSettings, lock *shared.RunLock, logger *slog.Logger, metrics *jobmetrics.Metrics) *BillingRunJob {
	return &BillingRunJob{
		Repo:     repo,
		Config:   cfg,
		Settings: settings,
		Lock:     lock,
		Logger:   logger,
		Metrics:  metrics,
		clock: func() time.Time {
			return time.Now()
		},
	}
}

// Handle executes a queued billing run. A run that finds the lock taken is
// dropped rather than retried.
func (j *BillingRunJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Repo == nil {
		return errors.New("billing run: dependencies not configured")
	}
	var payload BillingRunPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	_, err := j.Run(ctx, payload.DryRun)
	if errors.Is(err, billing.ErrRunInProgress) {
		return nil
	}
	return err
}

// Run executes one pass and returns its report.
func (j *BillingRunJob) Run(ctx context.Context, dryRun bool) (report billing.RunReport, resultErr error) {
	lease, err := j.acquire(ctx)
	if errors.Is(err, billing.ErrRunInProgress) {
		j.log().Info("billing run skipped, another run holds the lock")
		return report, err
	}

	tracker := j.metrics().Track(TaskBillingRun)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()
	if err != nil {
		return report, err
	}
	defer func() {
		// release must outlive a cancelled run context
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lease.Release(releaseCtx); err != nil {
			j.log().Warn("release billing run lock", slog.Any("error", err))
		}
	}()
	stopKeepAlive := lease.KeepAlive(ctx, func(err error) {
		j.log().Warn("extend billing run lock", slog.Any("error", err))
	})
	defer stopKeepAlive()

	cfg := j.Config
	cfg.DryRun = cfg.DryRun || dryRun
	if cfg.Now == nil {
		cfg.Now = j.now
	}
	cfg.SchemeID = j.resolveScheme(ctx, cfg.SchemeID)

	engine := billing.NewEngine(j.Repo, cfg, j.log(), j.metrics())
	report, err = engine.Run(ctx)
	if err != nil {
		j.log().Error("billing run failed", slog.String("run_id", report.RunID.String()), slog.Any("error", err))
		return report, err
	}
	return report, nil
}

func (j *BillingRunJob) acquire(ctx context.Context) (*shared.Lease, error) {
	if j.Lock == nil {
		return nil, nil
	}
	lease, err := j.Lock.Acquire(ctx)
	if errors.Is(err, shared.ErrLockHeld) {
		return nil, billing.ErrRunInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("billing run lock: %w", err)
	}
	return lease, nil
}

func (j *BillingRunJob) resolveScheme(ctx context.Context, def int64) int64 {
	if j.Settings == nil {
		return def
	}
	id, err := j.Settings.Int64(ctx, settings.NumberPlanKey, def)
	if err != nil {
		j.log().Warn("resolve numbering scheme, using default", slog.Int64("scheme_id", def), slog.Any("error", err))
		return def
	}
	return id
}

func (j *BillingRunJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *BillingRunJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskBillingRun))
	}
	return slog.Default().With(slog.String("job", TaskBillingRun))
}

func (j *BillingRunJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *BillingRunJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
