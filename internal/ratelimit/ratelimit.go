// Package ratelimit gates requests per key with a fixed time window.
package ratelimit

import (
	"context"
	"math"
	"time"
)

const (
	DefaultWindow = 60 * time.Second
	DefaultMax    = 12
)

type Result struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RetryAfterSeconds is the Retry-After header value: whole seconds, rounded up, at least 1.
func (r Result) RetryAfterSeconds() int {
	secs := int(math.Ceil(r.RetryAfter.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Limiter is implemented by the in-memory and Redis backends.
type Limiter interface {
	Check(ctx context.Context, key string) (Result, error)
}

type Options struct {
	Window time.Duration
	Max    int
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.Max <= 0 {
		o.Max = DefaultMax
	}
	return o
}
