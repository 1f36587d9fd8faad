// Package notify delivers patient debt reminders.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// ErrNoChannel indicates the patient has no reachable chat.
var ErrNoChannel = errors.New("notify: patient has no notification channel")

// DebtMessage is a reminder for one unpaid invoice.
type DebtMessage struct {
	ChatID        int64
	PatientName   string
	InvoiceNumber string
	Outstanding   int64
	TotalDebt     int64
}

// Notifier sends debt reminders.
type Notifier interface {
	NotifyDebt(ctx context.Context, msg DebtMessage) error
}

// Formatter renders reminders in the clinic's locale.
type Formatter struct {
	printer *message.Printer
}

// NewFormatter returns a formatter for the BCP 47 tag, falling back to
// Indonesian for unknown tags.
func NewFormatter(locale string) Formatter {
	tag, err := language.Parse(locale)
	if err != nil {
		tag = language.Indonesian
	}
	return Formatter{printer: message.NewPrinter(tag)}
}

// Amount groups digits the way the locale does.
func (f Formatter) Amount(v int64) string {
	return f.printer.Sprintf("%d", v)
}

// Text renders the reminder body.
func (f Formatter) Text(msg DebtMessage) string {
	text := fmt.Sprintf("Hello %s,\ninvoice %s has an outstanding amount of Rp %s.",
		msg.PatientName, msg.InvoiceNumber, f.Amount(msg.Outstanding))
	if msg.TotalDebt > msg.Outstanding {
		text += fmt.Sprintf("\nTotal unpaid across your visits: Rp %s.", f.Amount(msg.TotalDebt))
	}
	return text + "\nPlease settle it at the cashier on your next visit."
}

// LogNotifier writes reminders to the log. It is used when no Telegram bot is
// configured.
type LogNotifier struct {
	logger    *slog.Logger
	formatter Formatter
}

// NewLogNotifier constructs a LogNotifier.
func NewLogNotifier(logger *slog.Logger, formatter Formatter) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger, formatter: formatter}
}

// NotifyDebt logs the rendered reminder.
func (n *LogNotifier) NotifyDebt(ctx context.Context, msg DebtMessage) error {
	n.logger.InfoContext(ctx, "debt reminder",
		slog.Int64("chat_id", msg.ChatID),
		slog.String("invoice", msg.InvoiceNumber),
		slog.String("text", n.formatter.Text(msg)))
	return nil
}
