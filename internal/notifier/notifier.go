// Package notifier delivers plain-text messages to people.
package notifier

import (
	"context"
	"errors"
	"log/slog"
)

// ErrPermanent marks a send failure that will fail the same way on retry,
// such as a rejected recipient or a malformed address.
var ErrPermanent = errors.New("permanent notification failure")

type Message struct {
	To      string
	Subject string
	Body    string
}

// Notifier sends one message. Implementations are safe for concurrent use.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// LogNotifier writes messages to the log instead of sending them.
type LogNotifier struct {
	Logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{Logger: logger}
}

func (n *LogNotifier) Send(ctx context.Context, msg Message) error {
	n.Logger.InfoContext(ctx, "notification",
		"to", msg.To,
		"subject", msg.Subject,
		"body", msg.Body)
	return nil
}
