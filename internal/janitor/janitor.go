package janitor

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"shopperspoint/internal/observability"
	"shopperspoint/internal/sidetoken"
)

const defaultSweepTimeout = 2 * time.Minute

// dailySchedule fires once per day at midnight, matching the fixed cadence
// of the token cleanup jobs.
const dailySchedule = "0 0 * * *"

type SideTokenSweeper interface {
	DeleteExpired(ctx context.Context, purpose sidetoken.Purpose, now time.Time) (int64, error)
}

type RevocationSweeper interface {
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Result reports what a full firing removed.
type Result struct {
	ExpiredActivationTokens int64 `json:"expired_activation_tokens"`
	ExpiredResetTokens      int64 `json:"expired_reset_tokens"`
	PurgedRevocationEntries int64 `json:"purged_revocation_entries"`
}

// Janitor runs the daily sweeps. The three sweeps are independent: each
// has its own timeout and a failure in one never aborts the others.
type Janitor struct {
	sideTokens SideTokenSweeper
	registry   RevocationSweeper
	logger     *observability.Logger
	retention  time.Duration
	timeout    time.Duration
	cron       *cron.Cron
}

func New(sideTokens SideTokenSweeper, registry RevocationSweeper, logger *observability.Logger, retention time.Duration) *Janitor {
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}

	return &Janitor{
		sideTokens: sideTokens,
		registry:   registry,
		logger:     logger,
		retention:  retention,
		timeout:    defaultSweepTimeout,
		cron:       cron.New(),
	}
}

func (j *Janitor) Start() error {
	_, err := j.cron.AddFunc(dailySchedule, func() {
		j.RunSweeps(context.Background())
	})
	if err != nil {
		return err
	}

	j.cron.Start()
	j.logger.Info("janitor_started", map[string]any{"schedule": dailySchedule})
	return nil
}

func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

// RunSweeps performs the three sweeps and reports what was removed.
// Sweep failures are logged, counted as zero, and never propagated.
func (j *Janitor) RunSweeps(ctx context.Context) Result {
	now := time.Now().UTC()
	var result Result

	result.ExpiredActivationTokens = j.sweep(ctx, "activation_tokens", func(ctx context.Context) (int64, error) {
		return j.sideTokens.DeleteExpired(ctx, sidetoken.PurposeActivation, now)
	})
	result.ExpiredResetTokens = j.sweep(ctx, "password_reset_tokens", func(ctx context.Context) (int64, error) {
		return j.sideTokens.DeleteExpired(ctx, sidetoken.PurposePasswordReset, now)
	})
	result.PurgedRevocationEntries = j.sweep(ctx, "revocation_entries", func(ctx context.Context) (int64, error) {
		return j.registry.PurgeOlderThan(ctx, now.Add(-j.retention))
	})

	j.logger.Info("janitor_sweep_completed", map[string]any{
		"expired_activation_tokens": result.ExpiredActivationTokens,
		"expired_reset_tokens":      result.ExpiredResetTokens,
		"purged_revocation_entries": result.PurgedRevocationEntries,
	})

	return result
}

func (j *Janitor) sweep(ctx context.Context, name string, run func(ctx context.Context) (int64, error)) int64 {
	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	deleted, err := run(ctx)
	if err != nil {
		j.logger.Error("janitor_sweep_failed", map[string]any{"sweep": name, "error": err.Error()})
		return 0
	}

	return deleted
}
