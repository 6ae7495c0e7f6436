package ratelimit

import (
	"context"
	"sync"
	"time"
)

type bucket struct {
	windowStart time.Time
	count       int
}

// Memory is a process-local limiter. State is lost on restart and not shared across instances.
type Memory struct {
	opts Options
	now  func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

func NewMemory(opts Options) *Memory {
	return &Memory{
		opts:    opts.withDefaults(),
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// WithClock replaces the wall clock. Used by tests.
func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Check(_ context.Context, key string) (Result, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweep(now)

	b, ok := m.buckets[key]
	if !ok || now.Sub(b.windowStart) >= m.opts.Window {
		m.buckets[key] = &bucket{windowStart: now, count: 1}
		return Result{Allowed: true}, nil
	}

	if b.count < m.opts.Max {
		b.count++
		return Result{Allowed: true}, nil
	}

	return Result{Allowed: false, RetryAfter: b.windowStart.Add(m.opts.Window).Sub(now)}, nil
}

// sweep drops expired buckets at most once per window. Caller holds mu.
func (m *Memory) sweep(now time.Time) {
	if now.Sub(m.lastSweep) < m.opts.Window {
		return
	}
	m.lastSweep = now
	for k, b := range m.buckets {
		if now.Sub(b.windowStart) >= m.opts.Window {
			delete(m.buckets, k)
		}
	}
}

// Len reports the number of live buckets.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}
