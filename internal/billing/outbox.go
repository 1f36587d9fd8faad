package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// EventDebtNotify is the outbox kind for unpaid-invoice notifications.
const EventDebtNotify = "debt.notify"

// OutboxEvent is a side effect recorded in the ledger transaction and
// delivered after commit.
type OutboxEvent struct {
	ID           int64
	Kind         string
	AggregateID  int64
	Payload      json.RawMessage
	CreatedAt    time.Time
	DispatchedAt *time.Time
}

// NewDebtNoticeEvent encodes a debt notice for the outbox.
func NewDebtNoticeEvent(notice DebtNotice, at time.Time) (OutboxEvent, error) {
	payload, err := json.Marshal(notice)
	if err != nil {
		return OutboxEvent{}, err
	}
	return OutboxEvent{Kind: EventDebtNotify, AggregateID: notice.InvoiceID, Payload: payload, CreatedAt: at}, nil
}

// Publisher hands debt notices to the notification channel.
type Publisher interface {
	PublishDebtNotice(ctx context.Context, notice DebtNotice) error
}

// OutboxStore reads and acknowledges outbox rows outside ledger transactions.
type OutboxStore interface {
	ListPendingOutbox(ctx context.Context, olderThan time.Time, limit int) ([]OutboxEvent, error)
	MarkOutboxDispatched(ctx context.Context, id int64, at time.Time) error
}

// Dispatcher publishes outbox events. Failures are logged and left pending
// for the relay job; they never reach the caller of a ledger operation.
type Dispatcher struct {
	store     OutboxStore
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(store OutboxStore, publisher Publisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: store, publisher: publisher, logger: logger, now: time.Now}
}

// Dispatch publishes the given events and marks the delivered ones.
func (d *Dispatcher) Dispatch(ctx context.Context, events []OutboxEvent) {
	for _, evt := range events {
		if err := d.publish(ctx, evt); err != nil {
			d.logger.Warn("outbox dispatch failed",
				slog.Int64("outbox_id", evt.ID),
				slog.String("kind", evt.Kind),
				slog.Any("error", err))
		}
	}
}

// DispatchPending delivers events that were not dispatched right after commit,
// e.g. because the process stopped. grace skips rows the post-commit path may
// still be handling.
func (d *Dispatcher) DispatchPending(ctx context.Context, grace time.Duration, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	events, err := d.store.ListPendingOutbox(ctx, d.now().Add(-grace), limit)
	if err != nil {
		return 0, fmt.Errorf("billing: list pending outbox: %w", err)
	}
	delivered := 0
	for _, evt := range events {
		if err := d.publish(ctx, evt); err != nil {
			d.logger.Warn("outbox relay failed", slog.Int64("outbox_id", evt.ID), slog.Any("error", err))
			continue
		}
		delivered++
	}
	return delivered, nil
}

func (d *Dispatcher) publish(ctx context.Context, evt OutboxEvent) error {
	switch evt.Kind {
	case EventDebtNotify:
		var notice DebtNotice
		if err := json.Unmarshal(evt.Payload, &notice); err != nil {
			return fmt.Errorf("decode debt notice: %w", err)
		}
		notice.OutboxID = evt.ID
		if err := d.publisher.PublishDebtNotice(ctx, notice); err != nil {
			return err
		}
	default:
		d.logger.Warn("outbox event kind unknown, acknowledging", slog.String("kind", evt.Kind), slog.Int64("outbox_id", evt.ID))
	}
	return d.store.MarkOutboxDispatched(ctx, evt.ID, d.now())
}
