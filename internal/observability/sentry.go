package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// InitSentry wires error reporting when a DSN is configured. Without one
// every capture call is a no-op, which is what local development wants.
func InitSentry(dsn, environment, release string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
	})
}

// FlushSentry drains pending events; call it on shutdown and at the end of
// a serverless invocation.
func FlushSentry() {
	sentry.Flush(2 * time.Second)
}
