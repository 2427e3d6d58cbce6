package notify

import (
	"context"
)

// Notifier delivers operator-facing notifications, e.g. when an automation
// job exhausts its attempts. Implementations must not block job processing
// for long; callers invoke Send with a bounded context.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// NoOpNotifier drops all notifications. Used when no channel is configured.
type NoOpNotifier struct{}

func (NoOpNotifier) Send(ctx context.Context, title, body string) error {
	return nil
}
