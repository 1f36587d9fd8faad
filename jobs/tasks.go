package jobs

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-clinic/internal/billing"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueNotifications carries patient reminders so a slow chat API never
	// delays ledger maintenance.
	QueueNotifications = "notifications"

	// TaskDebtNotify delivers one debt reminder.
	TaskDebtNotify = "billing:debt_notify"
	// TaskOutboxRelay publishes outbox rows missed after commit.
	TaskOutboxRelay = "billing:outbox_relay"
	// TaskBalanceReconcile re-derives every patient balance.
	TaskBalanceReconcile = "billing:balance_reconcile"
)

// DebtNotifyPayload is the queued form of a billing debt notice.
type DebtNotifyPayload struct {
	OutboxID      int64  `json:"outbox_id"`
	PatientID     int64  `json:"patient_id"`
	InvoiceID     int64  `json:"invoice_id"`
	InvoiceNumber string `json:"invoice_number"`
	Outstanding   int64  `json:"outstanding"`
	Balance       int64  `json:"balance"`
}

// OutboxRelayPayload bounds one relay run.
type OutboxRelayPayload struct {
	Limit        int `json:"limit"`
	GraceSeconds int `json:"grace_seconds"`
}

// BalanceReconcilePayload sets the patient batch size.
type BalanceReconcilePayload struct {
	BatchSize int `json:"batch_size"`
}

// DebtNotifyTaskID dedupes reminders for the same outbox row.
func DebtNotifyTaskID(outboxID int64) string {
	return fmt.Sprintf("debt-notify-%d", outboxID)
}

// NewDebtNotifyTask builds the reminder task for a notice.
func NewDebtNotifyTask(notice billing.DebtNotice) (*asynq.Task, error) {
	data, err := json.Marshal(DebtNotifyPayload{
		OutboxID:      notice.OutboxID,
		PatientID:     notice.PatientID,
		InvoiceID:     notice.InvoiceID,
		InvoiceNumber: notice.InvoiceNumber,
		Outstanding:   notice.Outstanding,
		Balance:       notice.Balance,
	})
	if err != nil {
		return nil, err
	}
	opts := []asynq.Option{
		asynq.Queue(QueueNotifications),
		asynq.MaxRetry(5),
		asynq.Timeout(30 * time.Second),
		asynq.Retention(24 * time.Hour),
	}
	if notice.OutboxID > 0 {
		opts = append(opts, asynq.TaskID(DebtNotifyTaskID(notice.OutboxID)))
	}
	return asynq.NewTask(TaskDebtNotify, data, opts...), nil
}

// NewOutboxRelayTask builds the relay task.
func NewOutboxRelayTask(limit int, grace time.Duration) (*asynq.Task, error) {
	data, err := json.Marshal(OutboxRelayPayload{Limit: limit, GraceSeconds: int(grace.Seconds())})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskOutboxRelay, data, asynq.Queue(QueueDefault)), nil
}

// NewBalanceReconcileTask builds the reconciliation task.
func NewBalanceReconcileTask(batchSize int) (*asynq.Task, error) {
	data, err := json.Marshal(BalanceReconcilePayload{BatchSize: batchSize})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBalanceReconcile, data, asynq.Queue(QueueDefault)), nil
}

// TaskForType builds a task with default options for manual triggers.
func TaskForType(taskType string) (*asynq.Task, error) {
	switch taskType {
	case TaskOutboxRelay:
		return NewOutboxRelayTask(100, time.Minute)
	case TaskBalanceReconcile:
		return NewBalanceReconcileTask(500)
	default:
		return nil, fmt.Errorf("jobs: task %q cannot be triggered manually", taskType)
	}
}
