package testutil

import (
	"context"
	"errors"
	"sync"
	"time"
)

// FixedClock implements ports.Clock with a settable time.
type FixedClock struct {
	mu sync.Mutex
	T  time.Time
}

func NewFixedClock(t time.Time) *FixedClock { return &FixedClock{T: t} }

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.T
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.T = c.T.Add(d)
}

// MockRateLimiter implements ports.RateLimiter for testing.
type MockRateLimiter struct {
	mu    sync.Mutex
	Deny  bool
	Fail  bool
	Calls []string
}

func (m *MockRateLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, key)
	if m.Fail {
		return false, errors.New("limiter unavailable")
	}
	return !m.Deny, nil
}
