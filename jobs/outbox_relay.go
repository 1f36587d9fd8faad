package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-clinic/internal/jobs"
)

// PendingDispatcher republishes outbox rows left behind after commit.
type PendingDispatcher interface {
	DispatchPending(ctx context.Context, grace time.Duration, limit int) (int, error)
}

// OutboxRelayJob is the safety net for post-commit dispatch.
type OutboxRelayJob struct {
	Dispatcher PendingDispatcher
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewOutboxRelayJob wires dependencies for the relay handler.
func NewOutboxRelayJob(dispatcher PendingDispatcher, logger *slog.Logger, metrics *jobmetrics.Metrics) *OutboxRelayJob {
	return &OutboxRelayJob{Dispatcher: dispatcher, Logger: logger, Metrics: metrics}
}

// Handle processes relay tasks.
func (j *OutboxRelayJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Dispatcher == nil {
		return errors.New("outbox relay: handler not configured")
	}
	var payload OutboxRelayPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Limit <= 0 {
		payload.Limit = 100
	}
	grace := time.Duration(payload.GraceSeconds) * time.Second
	if grace <= 0 {
		grace = time.Minute
	}

	tracker := j.metrics().Track(TaskOutboxRelay)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	delivered, err := j.Dispatcher.DispatchPending(ctx, grace, payload.Limit)
	if err != nil {
		resultErr = err
		j.logger().Error("outbox relay", slog.Any("error", err))
		return resultErr
	}
	if delivered > 0 {
		j.logger().Info("outbox relay delivered events", slog.Int("delivered", delivered))
	}
	return resultErr
}

func (j *OutboxRelayJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskOutboxRelay))
	}
	return slog.Default().With(slog.String("job", TaskOutboxRelay))
}

func (j *OutboxRelayJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
