package internal

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
)

// SentryFlushTimeout bounds how long we wait for sentry to drain its queue
// when a goroutine is about to die.
const SentryFlushTimeout = 2 * time.Second

// GetSentryHubFromContextOrDefault is a version of sentry.GetHubFromContext which
// automatically falls back to sentry.CurrentHub if the given context has not been
// attached a hub.
//
// The sentry HTTP integration attaches a hub to request contexts, but work
// queued onto the resolver worker runs off plain contexts with no hub. Using
// this function means errors from both paths get captured.
//
// The returned pointer is always nonnil.
func GetSentryHubFromContextOrDefault(ctx context.Context) *sentry.Hub {
	hub := sentry.GetHubFromContext(ctx)
	if hub == nil {
		hub = sentry.CurrentHub()
	}
	return hub
}

// ReportPanicsToSentry checks for panics and reports them before re-panicking.
// Use in a defer at the top of long-lived goroutines.
func ReportPanicsToSentry() {
	if err := recover(); err != nil {
		sentry.CurrentHub().Recover(err)
		sentry.Flush(SentryFlushTimeout)
		panic(err)
	}
}
