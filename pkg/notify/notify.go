// Package notify delivers alert text to external channels. Dispatch
// is best effort: a failed send is logged and retried naturally on
// the next alert evaluation that clears the throttle.
package notify

import (
	"context"
	"log"
)

// Notifier sends a short text message to one recipient.
type Notifier interface {
	SendText(ctx context.Context, recipient, text string) error
}

// LogNotifier writes notifications to the process log. It is the
// default channel until a real transport is configured, and the one
// tests use.
type LogNotifier struct{}

func (LogNotifier) SendText(ctx context.Context, recipient, text string) error {
	log.Printf("notify [%s]: %s", recipient, text)
	return nil
}
