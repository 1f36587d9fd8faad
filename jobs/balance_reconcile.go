package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-clinic/internal/billing"
	jobmetrics "github.com/odyssey-erp/odyssey-clinic/internal/jobs"
)

// Reconciler re-derives cached patient balances.
type Reconciler interface {
	ReconcileAll(ctx context.Context, batchSize int) (billing.ReconcileReport, error)
}

// BalanceReconcileJob heals balance drift nightly.
type BalanceReconcileJob struct {
	Reconciler Reconciler
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewBalanceReconcileJob wires dependencies for the reconcile handler.
func NewBalanceReconcileJob(reconciler Reconciler, logger *slog.Logger, metrics *jobmetrics.Metrics) *BalanceReconcileJob {
	return &BalanceReconcileJob{Reconciler: reconciler, Logger: logger, Metrics: metrics}
}

// Handle processes reconcile tasks.
func (j *BalanceReconcileJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Reconciler == nil {
		return errors.New("balance reconcile: handler not configured")
	}
	var payload BalanceReconcilePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskBalanceReconcile)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	start := time.Now()
	report, err := j.Reconciler.ReconcileAll(ctx, payload.BatchSize)
	logger := j.logger().With(
		slog.Int("checked", report.Checked),
		slog.Int("corrected", report.Corrected),
		slog.Int("failed", report.Failed))
	if err != nil {
		resultErr = err
		logger.Error("balance reconcile", slog.Any("error", err))
		return resultErr
	}
	if report.Corrected > 0 || report.Failed > 0 {
		logger.Warn("balance reconcile found drift", slog.Duration("duration", time.Since(start)))
		return resultErr
	}
	logger.Info("balance reconcile completed", slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *BalanceReconcileJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskBalanceReconcile))
	}
	return slog.Default().With(slog.String("job", TaskBalanceReconcile))
}

func (j *BalanceReconcileJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
