// Package internal provides time sources shared by the remb packages.
package internal

import (
	"sync"
	"time"
)

// Clock returns the time used to gate estimator ticks, measure throughput
// intervals and expire local rate-limit hints.
type Clock interface {
	// Now must never go backwards.
	Now() time.Time
}

// MonotonicClock reads time.Now, whose monotonic reading makes elapsed
// time immune to wall-clock steps.
type MonotonicClock struct{}

// Now returns the current system time.
func (MonotonicClock) Now() time.Time {
	return time.Now()
}

// MockClock is a manually driven Clock. It is safe for concurrent use so
// that interceptor goroutines and tests can share one instance.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
}

// NewMockClock creates a MockClock starting at t, or at a fixed epoch when
// t is zero so that "last tick" timestamps are never the zero time.
func NewMockClock(t time.Time) *MockClock {
	if t.IsZero() {
		t = time.Unix(1000000000, 0)
	}
	return &MockClock{current: t}
}

// Now returns the mock clock's current time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Advance moves the clock forward by d. Panics if d is negative.
func (m *MockClock) Advance(d time.Duration) {
	if d < 0 {
		panic("MockClock.Advance: duration must be non-negative")
	}
	m.mu.Lock()
	m.current = m.current.Add(d)
	m.mu.Unlock()
}

// Set jumps the clock to t.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	m.current = t
	m.mu.Unlock()
}
