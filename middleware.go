package xframe

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Middleware func(next HandlerFunc) HandlerFunc

func Chain(m ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(m) - 1; i >= 0; i-- {
			next = m[i](next)
		}
		return next
	}
}

// RecoverMiddleware turns a handler panic into an error so later handlers
// for the same type still run.
func RecoverMiddleware(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx *Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error().
						Str("type", ctx.Type()).
						Str("origin", ctx.Origin).
						Str("panic", fmt.Sprint(r)).
						Msg("handler panic recovered")
					err = fmt.Errorf("handler panic: %v", r)
				}
			}()
			return next(ctx)
		}
	}
}

func LoggingMiddleware(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx *Context) error {
			start := time.Now()
			err := next(ctx)
			event := logger.Debug()
			if err != nil {
				event = logger.Error().Err(err)
			}
			event.
				Str("type", ctx.Type()).
				Str("origin", ctx.Origin).
				Str("request_id", ctx.RequestID()).
				Dur("latency", time.Since(start)).
				Msg("handler done")
			return err
		}
	}
}

// Validator checks a payload before the handler sees it.
type Validator interface {
	Validate(msgType string, env Envelope) error
}

type ValidatorFunc func(msgType string, env Envelope) error

func (f ValidatorFunc) Validate(msgType string, env Envelope) error { return f(msgType, env) }

func ValidationMiddleware(v Validator) Middleware {
	if v == nil {
		return func(next HandlerFunc) HandlerFunc { return next }
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx *Context) error {
			if err := v.Validate(ctx.Type(), ctx.Envelope); err != nil {
				return err
			}
			return next(ctx)
		}
	}
}

// Limiter decides whether the sender identified by key may run a handler now.
type Limiter interface {
	Allow(key string) bool
}

type bucket struct {
	level  float64
	filled time.Time
}

// take refills b for the time elapsed since its last use and spends one
// token when available.
func (b *bucket) take(now time.Time, rate, capacity float64) bool {
	b.level = min(capacity, b.level+now.Sub(b.filled).Seconds()*rate)
	b.filled = now
	if b.level < 1 {
		return false
	}
	b.level--
	return true
}

// InMemoryTokenBucketLimiter keeps one bucket per sender key. A new key
// starts with a full bucket.
type InMemoryTokenBucketLimiter struct {
	mu       sync.Mutex
	senders  map[string]*bucket
	capacity float64
	rate     float64
}

func NewInMemoryTokenBucketLimiter(ratePerSec float64, burst int) *InMemoryTokenBucketLimiter {
	l := &InMemoryTokenBucketLimiter{
		senders:  make(map[string]*bucket),
		capacity: 20,
		rate:     10,
	}
	if ratePerSec > 0 {
		l.rate = ratePerSec
	}
	if burst > 0 {
		l.capacity = float64(burst)
	}
	return l
}

func (l *InMemoryTokenBucketLimiter) Allow(key string) bool {
	if key == "" {
		key = "anonymous"
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.senders[key]
	if !ok {
		b = &bucket{level: l.capacity, filled: now}
		l.senders[key] = b
	}
	return b.take(now, l.rate, l.capacity)
}

// RateLimitMiddleware limits handler invocations per key. The default key
// is the sender origin.
func RateLimitMiddleware(limiter Limiter, keyFn func(ctx *Context) string) Middleware {
	if limiter == nil {
		return func(next HandlerFunc) HandlerFunc { return next }
	}
	if keyFn == nil {
		keyFn = func(ctx *Context) string {
			if ctx.Source != "" {
				return "dest:" + ctx.Source
			}
			return "origin:" + ctx.Origin
		}
	}

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx *Context) error {
			if !limiter.Allow(keyFn(ctx)) {
				return ErrRateLimited
			}
			return next(ctx)
		}
	}
}
