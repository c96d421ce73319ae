// Package testutil provides testing utilities for the remb packages: a
// deterministic bottleneck link implementing remb.StatsSource, recorded
// simulation traces and a go-rod browser client for end-to-end tests.
package testutil

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/thesyncim/remb/pkg/remb"
	"github.com/thesyncim/remb/pkg/remb/internal"
)

// LinkConfig configures a simulated bottleneck.
type LinkConfig struct {
	// SSRC identifies the simulated media stream.
	SSRC uint32

	// Capacity is the bottleneck rate in bps. Anything sent above it is lost.
	Capacity uint64

	// RandomLoss is an additional independent loss probability in [0, 1].
	RandomLoss float64

	// PacketSize is the payload size of every simulated packet. Default: 1200.
	PacketSize int

	// Seed makes random loss reproducible.
	Seed uint64

	// Start is the initial virtual time. Zero uses a fixed epoch.
	Start time.Time
}

// DefaultLinkConfig returns a 1 Mbps lossless link.
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		SSRC:       0x12345678,
		Capacity:   1_000_000,
		PacketSize: 1200,
		Seed:       1,
	}
}

// Link is a deterministic bottleneck between a simulated encoder and the
// receiver's transport. The encoder side sets the send rate (Link
// implements remb.RateLimitSink); Step moves virtual time forward and
// accounts delivered and lost packets; the receiver side reads cumulative
// counters through Sources, like an RTCP receiver report. Safe for
// concurrent use.
type Link struct {
	clock *internal.MockClock

	mu         sync.Mutex
	ssrc       uint32
	capacity   uint64
	randomLoss float64
	packetSize int
	rng        *rand.Rand

	sendRate    uint64
	residual    float64 // fractional packets carried to the next step
	capResidual float64 // unused capacity carried to the next step, at most one packet

	received uint64
	lost     uint64
	octets   uint64
	bitrate  uint64

	intervalExpected uint64
	intervalLost     uint64
}

// NewLink creates a Link driven by its own virtual clock.
func NewLink(cfg LinkConfig) *Link {
	if cfg.PacketSize <= 0 {
		cfg.PacketSize = 1200
	}
	cfg.RandomLoss = min(max(cfg.RandomLoss, 0), 1)
	return &Link{
		clock:      internal.NewMockClock(cfg.Start),
		ssrc:       cfg.SSRC,
		capacity:   cfg.Capacity,
		randomLoss: cfg.RandomLoss,
		packetSize: cfg.PacketSize,
		rng:        rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
}

// Now returns the link's virtual time.
func (l *Link) Now() time.Time {
	return l.clock.Now()
}

// SSRC returns the simulated stream identifier.
func (l *Link) SSRC() uint32 {
	return l.ssrc
}

// SetCapacity changes the bottleneck rate.
func (l *Link) SetCapacity(bps uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.capacity = bps
}

// Capacity returns the bottleneck rate.
func (l *Link) Capacity() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capacity
}

// SetRateLimit sets the encoder send rate. It implements
// remb.RateLimitSink, so a RemoteRelay can drive the simulated encoder
// directly; the SSRC is ignored.
func (l *Link) SetRateLimit(bitrateBps uint64, _ uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sendRate = bitrateBps
}

// SendRate returns the encoder send rate.
func (l *Link) SendRate() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sendRate
}

// Step sends at the current rate for d and advances the virtual clock.
// Capacity works as a token bucket one packet deep, so over any window the
// link delivers min(send rate, capacity) to within a packet, even when a
// single step fits less than one packet.
func (l *Link) Step(d time.Duration) {
	if d <= 0 {
		return
	}

	l.mu.Lock()
	bitsPerPacket := float64(l.packetSize * 8)
	sent := float64(l.sendRate)*d.Seconds()/bitsPerPacket + l.residual
	packets := uint64(sent)
	l.residual = sent - float64(packets)

	budget := float64(l.capacity)*d.Seconds()/bitsPerPacket + l.capResidual
	delivered := min(packets, uint64(budget))
	l.capResidual = min(budget-float64(delivered), 1)
	var randomLost uint64
	for j := uint64(0); j < delivered && l.randomLoss > 0; j++ {
		if l.rng.Float64() < l.randomLoss {
			randomLost++
		}
	}
	delivered -= randomLost
	lost := packets - delivered

	l.received += delivered
	l.lost += lost
	l.octets += delivered * uint64(l.packetSize)
	l.intervalExpected += packets
	l.intervalLost += lost
	l.bitrate = uint64(float64(delivered) * bitsPerPacket / d.Seconds())
	l.mu.Unlock()

	l.clock.Advance(d)
}

// Sources implements remb.StatsSource. Every call closes a loss
// reporting interval.
func (l *Link) Sources() []remb.SourceStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	fraction := remb.LossFraction(l.intervalLost, l.intervalExpected)
	l.intervalExpected = 0
	l.intervalLost = 0

	return []remb.SourceStats{{
		SSRC:            l.ssrc,
		Bitrate:         l.bitrate,
		OctetsReceived:  l.octets,
		PacketsReceived: l.received,
		PacketsLost:     int64(l.lost),
		FractionLost:    fraction,
		Present:         remb.AllStatFields,
	}}
}
