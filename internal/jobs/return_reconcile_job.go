// Package jobs runs scheduled background work with github.com/robfig/cron/v3.
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"retailops/backend/internal/domain"
)

const DefaultReconcileSchedule = "0 */5 * * * *"

// Reconciler finishes sales whose returns were approved but whose status
// transition did not land.
type Reconciler interface {
	ReconcileReturnedSales(ctx context.Context, limit int) (domain.ReconcileResult, error)
}

// ReturnReconcileJob periodically moves fully approved sales to returned.
type ReturnReconcileJob struct {
	reconciler Reconciler
	cron       *cron.Cron
	schedule   string
	batch      int
	timeout    time.Duration
	logger     zerolog.Logger
}

func NewReturnReconcileJob(reconciler Reconciler, schedule string, logger zerolog.Logger) *ReturnReconcileJob {
	if schedule == "" {
		schedule = DefaultReconcileSchedule
	}
	return &ReturnReconcileJob{
		reconciler: reconciler,
		cron:       cron.New(cron.WithSeconds()),
		schedule:   schedule,
		batch:      100,
		timeout:    time.Minute,
		logger:     logger.With().Str("component", "return_reconcile_job").Logger(),
	}
}

func (j *ReturnReconcileJob) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, j.RunOnce); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info().Str("schedule", j.schedule).Msg("return reconcile job started")
	return nil
}

// RunOnce performs a single reconcile pass.
func (j *ReturnReconcileJob) RunOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	result, err := j.reconciler.ReconcileReturnedSales(ctx, j.batch)
	if err != nil {
		j.logger.Error().Err(err).Msg("return reconcile failed")
		return
	}
	for _, warning := range result.Warnings {
		j.logger.Warn().Msg(warning)
	}
	if len(result.Reconciled) > 0 {
		j.logger.Info().Int("checked", result.Checked).Strs("sales", result.Reconciled).Msg("sales marked returned")
	}
}

// Stop waits for a running pass to finish.
func (j *ReturnReconcileJob) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info().Msg("return reconcile job stopped")
}
