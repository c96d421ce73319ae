// Package remb implements REMB-style receiver-driven congestion control.
//
// A LocalEstimator runs on the receiving side: it turns per-source
// reception statistics into a bandwidth estimate and produces a
// ControlPacket each time the transport is about to send RTCP. A
// RemoteRelay runs on the sending side: it consumes received control
// packets, shapes the first values while the encoder ramps up, clamps
// them to the configured bounds and hands the result to a RateLimitSink.
//
// Neither side schedules work or performs I/O. The transport calls
// LocalEstimator.OnAboutToSend and RemoteRelay.OnReceived synchronously;
// see the interceptor package for a pion-based transport.
package remb

import "time"

const (
	// MinBitrate is the absolute floor of any value sent in a control packet.
	MinBitrate = 30_000 // bps

	// MaxBitrate is the initial estimate before any measurement.
	MaxBitrate = 2_000_000 // bps

	// MaxInputFactor bounds growth to this multiple of the highest observed
	// incoming bitrate.
	MaxInputFactor = 2

	// DefaultOnConnectBitrate is the bootstrap ceiling used by the relay.
	DefaultOnConnectBitrate = 300_000 // bps

	// DefaultSendInterval is the minimum time between two estimator ticks.
	DefaultSendInterval = time.Second

	// MaxTargets is the largest number of SSRCs a REMB packet can carry
	// (8-bit "Num SSRC" field).
	MaxTargets = 255

	// fractionLostScale is the denominator of RTCP fixed point loss.
	fractionLostScale = 256
)

// ProbeState tracks whether real measurements have replaced the initial
// guess.
type ProbeState int

const (
	// Unprobed is the initial state of both estimator and relay.
	Unprobed ProbeState = iota
	// Probed means measurements (or received estimates) are trusted as-is.
	Probed
)

// String returns a string representation of the ProbeState.
func (s ProbeState) String() string {
	switch s {
	case Unprobed:
		return "Unprobed"
	case Probed:
		return "Probed"
	default:
		return "Unknown"
	}
}

// Side distinguishes the two halves of the feedback loop in logs and
// metrics.
type Side string

const (
	SideLocal  Side = "local"
	SideRemote Side = "remote"
)

// RateLimitSink receives the bitrate the encoder for ssrc should not
// exceed. Implementations must not block.
type RateLimitSink interface {
	SetRateLimit(bitrateBps uint64, ssrc uint32)
}

// RateLimitSinkFunc adapts a function to RateLimitSink.
type RateLimitSinkFunc func(bitrateBps uint64, ssrc uint32)

// SetRateLimit calls f(bitrateBps, ssrc).
func (f RateLimitSinkFunc) SetRateLimit(bitrateBps uint64, ssrc uint32) {
	f(bitrateBps, ssrc)
}

func kbpsToBps(kbps uint32) uint64 {
	return uint64(kbps) * 1000
}
