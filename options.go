package xframe

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultRequestTimeout applies when a request is made without a timeout.
const DefaultRequestTimeout = 5 * time.Second

type Option func(*Messenger)

// UnhandledFunc observes inbound typed messages nobody handles.
type UnhandledFunc func(ev MessageEvent)

func defaultIDGenerator() string {
	return uuid.NewString()
}

// WithExpectedOrigin sets the only origin inbound messages are accepted
// from. AnyOrigin disables the check.
func WithExpectedOrigin(origin string) Option {
	return func(m *Messenger) {
		if origin != "" {
			m.expectedOrigin = origin
		}
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(m *Messenger) {
		if d > 0 {
			m.requestTimeout = d
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Messenger) {
		m.logger = l
	}
}

func WithMetrics(metrics Metrics) Option {
	return func(m *Messenger) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// WithUnhandledHook replaces the default diagnostic for unhandled message
// types, which is a warn line on the messenger's logger.
func WithUnhandledHook(fn UnhandledFunc) Option {
	return func(m *Messenger) {
		if fn != nil {
			m.unhandled = fn
		}
	}
}

// WithIDGenerator overrides the correlation id source. Ids colliding with
// an in-flight request are replaced with a random UUID.
func WithIDGenerator(fn func() string) Option {
	return func(m *Messenger) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// WithAutoReplyErrors makes a failing handler answer the request it was
// given with the error text, unless it already replied.
func WithAutoReplyErrors(enabled bool) Option {
	return func(m *Messenger) {
		m.autoReplyErrors = enabled
	}
}

func WithMiddleware(mw ...Middleware) Option {
	return func(m *Messenger) {
		m.Use(mw...)
	}
}

// WithContext sets the parent of the context handlers receive. Destroy
// cancels the derived context.
func WithContext(ctx context.Context) Option {
	return func(m *Messenger) {
		if ctx != nil {
			m.parent = ctx
		}
	}
}
