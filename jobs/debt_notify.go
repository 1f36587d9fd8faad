package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-clinic/internal/jobs"
	"github.com/odyssey-erp/odyssey-clinic/internal/notify"
	"github.com/odyssey-erp/odyssey-clinic/internal/patients"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// PatientReader loads the current patient record.
type PatientReader interface {
	Get(ctx context.Context, id int64) (patients.Patient, error)
}

// DebtNotifyJob turns queued debt notices into patient reminders.
type DebtNotifyJob struct {
	Patients PatientReader
	Notifier notify.Notifier
	Logger   *slog.Logger
	Metrics  *jobmetrics.Metrics
}

// NewDebtNotifyJob wires dependencies for the reminder handler.
func NewDebtNotifyJob(reader PatientReader, notifier notify.Notifier, logger *slog.Logger, metrics *jobmetrics.Metrics) *DebtNotifyJob {
	return &DebtNotifyJob{Patients: reader, Notifier: notifier, Logger: logger, Metrics: metrics}
}

// Handle processes debt reminder tasks. Errors from the chat API are returned
// so asynq retries them; anything that cannot succeed on retry is skipped.
func (j *DebtNotifyJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Notifier == nil || j.Patients == nil {
		return errors.New("debt notify: handler not configured")
	}
	var payload DebtNotifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskDebtNotify)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int64("invoice_id", payload.InvoiceID), slog.Int64("patient_id", payload.PatientID))
	patient, err := j.Patients.Get(ctx, payload.PatientID)
	if errors.Is(err, patients.ErrNotFound) {
		logger.Warn("debt notice for unknown patient")
		j.metrics().AddNotice("skipped")
		resultErr = fmt.Errorf("debt notify: patient %d: %w", payload.PatientID, asynq.SkipRetry)
		return resultErr
	}
	if err != nil {
		resultErr = err
		return resultErr
	}
	if patient.Debt() == 0 {
		logger.Info("patient settled before reminder, skipping")
		j.metrics().AddNotice("skipped")
		return nil
	}

	msg := notify.DebtMessage{
		PatientName:   patient.FullName,
		InvoiceNumber: payload.InvoiceNumber,
		Outstanding:   payload.Outstanding,
		TotalDebt:     patient.Debt(),
	}
	if patient.TelegramChatID != nil {
		msg.ChatID = *patient.TelegramChatID
	}
	err = j.Notifier.NotifyDebt(ctx, msg)
	switch {
	case err == nil:
		j.metrics().AddNotice("sent")
		logger.Info("debt reminder sent", slog.Int64("outstanding", payload.Outstanding))
		return nil
	case errors.Is(err, notify.ErrNoChannel):
		j.metrics().AddNotice("skipped")
		logger.Info("patient has no chat, reminder skipped")
		return nil
	default:
		j.metrics().AddNotice("failed")
		logger.Warn("debt reminder failed", slog.Any("error", err))
		resultErr = err
		return resultErr
	}
}

func (j *DebtNotifyJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskDebtNotify))
	}
	return slog.Default().With(slog.String("job", TaskDebtNotify))
}

func (j *DebtNotifyJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
