package remb

import (
	"sync"
	"time"

	"github.com/thesyncim/remb/pkg/remb/internal"
)

// EventManager coordinates local bandwidth between sessions: it collects
// the rate limits announced for each downstream SSRC and exposes their
// minimum, which a LocalEstimator applies as a cap on what it sends
// upstream. It implements RateLimitSink so a RemoteRelay can feed it
// directly. Safe for concurrent use.
type EventManager struct {
	clock         internal.Clock
	clearInterval time.Duration

	mu      sync.Mutex
	entries map[uint32]limitEntry
}

type limitEntry struct {
	bitrate uint64
	at      time.Time
}

// NewEventManager creates an EventManager. Entries not refreshed within
// clearInterval are ignored; zero keeps them forever. A nil clock uses
// the monotonic clock.
func NewEventManager(clearInterval time.Duration, clock internal.Clock) *EventManager {
	if clock == nil {
		clock = internal.MonotonicClock{}
	}
	return &EventManager{
		clock:         clock,
		clearInterval: clearInterval,
		entries:       make(map[uint32]limitEntry),
	}
}

// SetRateLimit records bitrateBps as the current limit for ssrc.
func (m *EventManager) SetRateLimit(bitrateBps uint64, ssrc uint32) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[ssrc] = limitEntry{bitrate: bitrateBps, at: now}
}

// Remove forgets the limit of ssrc.
func (m *EventManager) Remove(ssrc uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, ssrc)
}

// Min returns the lowest live, non-zero limit, or 0 when there is none.
// Expired entries are pruned.
func (m *EventManager) Min() uint64 {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var lowest uint64
	for ssrc, e := range m.entries {
		if m.clearInterval > 0 && now.Sub(e.at) > m.clearInterval {
			delete(m.entries, ssrc)
			continue
		}
		if e.bitrate == 0 {
			continue
		}
		if lowest == 0 || e.bitrate < lowest {
			lowest = e.bitrate
		}
	}
	return lowest
}

// Len returns the number of tracked SSRCs, expired or not.
func (m *EventManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
