package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/listing-pipeline/internal/apperr"
	"github.com/sells-group/listing-pipeline/internal/model"
)

const (
	recoverBatch            = 500
	defaultRecoverInterval  = time.Minute
	defaultLogRetentionDays = 30
)

// Recover schedules every stage that is eligible to run but was never
// picked up, for example after a restart or a full queue. It returns how
// many stages were handed to the scheduler.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	refs, err := o.store.ListSchedulable(ctx, recoverBatch)
	if err != nil {
		return 0, apperr.Store(err, "list schedulable stages")
	}
	for _, ref := range refs {
		o.machine.Schedule(ctx, ref)
	}
	if len(refs) > 0 {
		zap.L().Info("pipeline: recovered pending stages", zap.Int("count", len(refs)))
	}
	return len(refs), nil
}

// PruneLogs deletes pipeline logs older than the retention period.
func (o *Orchestrator) PruneLogs(ctx context.Context) (int64, error) {
	days := o.cfg.LogRetentionDays
	if days <= 0 {
		days = defaultLogRetentionDays
	}
	cutoff := o.clock().AddDate(0, 0, -days)
	n, err := o.store.DeleteLogsBefore(ctx, cutoff)
	if err != nil {
		return 0, apperr.Store(err, "prune logs before %s", cutoff.Format(time.RFC3339))
	}
	if n > 0 {
		zap.L().Info("pipeline: pruned logs", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	}
	return n, nil
}

// RunSweeps runs Recover immediately and then on every tick of the recover
// interval, pruning logs once a day. It blocks until ctx is done.
func (o *Orchestrator) RunSweeps(ctx context.Context) {
	interval := defaultRecoverInterval
	if o.cfg.RecoverIntervalSecs > 0 {
		interval = time.Duration(o.cfg.RecoverIntervalSecs) * time.Second
	}

	sweep := func() {
		if _, err := o.Recover(ctx); err != nil {
			zap.L().Error("pipeline: recover sweep failed", zap.Error(err))
		}
	}
	prune := func() {
		if _, err := o.PruneLogs(ctx); err != nil {
			zap.L().Error("pipeline: log prune failed", zap.Error(err))
		}
	}

	sweep()
	prune()
	lastPrune := time.Now()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweep()
			if time.Since(lastPrune) >= 24*time.Hour {
				prune()
				lastPrune = time.Now()
			}
		}
	}
}

// Run executes the stage named by ref. It matches the signature the
// durable scheduler's activity expects.
func (o *Orchestrator) Run(ctx context.Context, ref model.PhaseRef) error {
	return o.RunStage(ctx, ref.ProductID, ref.Stage)
}
