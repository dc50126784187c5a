package client

import (
	"context"
	"errors"
	"log/slog"

	"nostr-incidents/internal/cache"
	"nostr-incidents/internal/config"
	"nostr-incidents/internal/identity"
	"nostr-incidents/internal/publish"
	"nostr-incidents/internal/report"
	"nostr-incidents/internal/subscription"
)

// Notifier receives one message per failed user-triggered operation.
type Notifier interface {
	Notify(op string, err error)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(op string, err error)

func (f NotifierFunc) Notify(op string, err error) { f(op, err) }

// LogNotifier writes failures to the default logger.
type LogNotifier struct{}

func (LogNotifier) Notify(op string, err error) {
	slog.Error("operation failed", "component", "client", "op", op, "error", err, "reason", Describe(err))
}

// Run executes fn as a user-triggered operation. The store's Loading flag is
// set while any such operation is in flight and a failure is reported to the
// notifier exactly once. The error is returned unchanged.
func (c *Client) Run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if c.loading.Add(1) == 1 {
		c.Store.SetLoading(true)
	}
	defer func() {
		if c.loading.Add(-1) == 0 {
			c.Store.SetLoading(false)
		}
	}()

	err := fn(ctx)
	if err != nil {
		c.notifier.Notify(op, err)
	}
	return err
}

// Describe turns a core error into a short user-facing reason.
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, identity.ErrNoIdentity):
		return "sign in to publish"
	case errors.Is(err, identity.ErrBadPassphrase):
		return "wrong passphrase"
	case errors.Is(err, report.ErrValidation):
		return "report is incomplete"
	case errors.Is(err, publish.ErrPublishRejected):
		return "the relay refused the event"
	case errors.Is(err, publish.ErrUnknownReport):
		return "report not found"
	case errors.Is(err, subscription.ErrNoRelays):
		return "no relay reachable"
	case errors.Is(err, subscription.ErrProfileNotFound):
		return "profile not found"
	case errors.Is(err, config.ErrInvalidImport), errors.Is(err, config.ErrInvalidSettings):
		return "invalid settings"
	case errors.Is(err, cache.ErrStorageUnavailable):
		return "local storage unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	default:
		return "unexpected error"
	}
}
