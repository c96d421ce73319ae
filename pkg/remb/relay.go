package remb

import (
	"sync"

	"go.uber.org/zap"
)

// RelayState is a snapshot of the relay internals.
type RelayState struct {
	Probe    ProbeState
	Estimate uint64
	// Bootstrapped reports whether the one-shot ceiling was emitted.
	Bootstrapped bool
}

// RemoteRelay is the sender side of the loop. It forwards each received
// estimate to a RateLimitSink, substituting a bootstrap ceiling while the
// receiver's estimates are still ramping up.
type RemoteRelay struct {
	session *Session
	logger  *zap.Logger
	metrics *Metrics

	mu           sync.Mutex
	config       RelayConfig
	localSSRC    uint32
	sink         RateLimitSink
	probed       bool
	remb         uint64
	bootstrapped bool
}

// NewRemoteRelay creates an unprobed relay for session. localSSRC is the
// SSRC the bootstrap signal is addressed to; sink may be nil until the
// output path is ready.
func NewRemoteRelay(session *Session, localSSRC uint32, sink RateLimitSink, config RelayConfig) *RemoteRelay {
	r := &RemoteRelay{
		session:   session,
		logger:    session.Logger().With(zap.String("side", string(SideRemote))),
		metrics:   session.metrics,
		localSSRC: localSSRC,
		sink:      sink,
	}
	r.applyConfig(config)
	return r
}

// SetSink replaces the output path; nil drops every signal.
func (r *RemoteRelay) SetSink(sink RateLimitSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sink = sink
}

// SetLocalSSRC changes the SSRC the bootstrap signal is addressed to.
func (r *RemoteRelay) SetLocalSSRC(ssrc uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.localSSRC = ssrc
}

// LocalSSRC returns the SSRC the bootstrap signal is addressed to.
func (r *RemoteRelay) LocalSSRC() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.localSSRC
}

// ApplyConfig replaces the tuning of a live relay.
func (r *RemoteRelay) ApplyConfig(config RelayConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyConfig(config)
}

func (r *RemoteRelay) applyConfig(config RelayConfig) {
	normalized, adjustments := config.Normalize()
	for _, a := range adjustments {
		r.logger.Warn("invalid relay option, clamped",
			zap.String("option", a.Field),
			zap.String("from", a.From),
			zap.String("to", a.To),
		)
	}
	r.config = normalized
}

// Config returns the live tuning.
func (r *RemoteRelay) Config() RelayConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config
}

// State returns a snapshot of the relay internals.
func (r *RemoteRelay) State() RelayState {
	r.mu.Lock()
	defer r.mu.Unlock()

	probe := Unprobed
	if r.probed {
		probe = Probed
	}
	return RelayState{
		Probe:        probe,
		Estimate:     r.remb,
		Bootstrapped: r.bootstrapped,
	}
}

// Bootstrap emits the configured ceiling once for the local SSRC, so the
// encoder starts at a sane rate before any estimate arrives. It returns
// the emitted value. Calls made while no sink is set do not consume the
// one-shot.
func (r *RemoteRelay) Bootstrap() (uint64, bool) {
	r.mu.Lock()
	if r.bootstrapped || r.sink == nil {
		r.mu.Unlock()
		return 0, false
	}
	r.bootstrapped = true
	sink := r.sink
	ssrc := r.localSSRC
	bitrate := r.clamp(uint64(r.config.OnConnect))
	r.mu.Unlock()

	r.logger.Info("bootstrap rate limit", zap.Uint64("bitrate", bitrate), zap.Uint32("ssrc", ssrc))
	r.metrics.setEstimate(r.session.id, SideRemote, "forwarded", bitrate)
	sink.SetRateLimit(bitrate, ssrc)
	return bitrate, true
}

// OnReceived consumes an estimate received from the peer and forwards it,
// shaped and clamped, to the sink for the packet's first SSRC. It returns
// the forwarded value and false when the packet was dropped.
func (r *RemoteRelay) OnReceived(pkt *ControlPacket) (uint64, bool) {
	if pkt == nil || len(pkt.SSRCs) == 0 {
		r.logger.Warn("dropping control packet", zap.Error(ErrNoTargets))
		r.metrics.incDropped(SideRemote, DropNoTargets)
		return 0, false
	}
	if len(pkt.SSRCs) > 1 {
		r.logger.Debug("control packet has several SSRCs, forwarding to the first only",
			zap.Uint32s("ssrcs", pkt.SSRCs))
	}
	target := pkt.SSRCs[0]

	r.mu.Lock()
	forward := pkt.Bitrate
	if !r.probed {
		ceiling := uint64(r.config.OnConnect)
		if pkt.Bitrate < ceiling && pkt.Bitrate >= r.remb {
			forward = ceiling
		} else {
			r.probed = true
		}
	}
	r.remb = pkt.Bitrate
	forward = r.clamp(forward)
	sink := r.sink
	r.mu.Unlock()

	r.logger.Debug("received control packet",
		zap.Uint32("sender", pkt.SenderSSRC),
		zap.Uint64("bitrate", pkt.Bitrate),
		zap.Uint64("forward", forward),
		zap.Uint32("ssrc", target),
	)
	for _, ssrc := range pkt.SSRCs {
		r.session.UpdateStat(ssrc, pkt.Bitrate)
	}
	r.metrics.incPackets(SideRemote)
	r.metrics.setEstimate(r.session.id, SideRemote, "forwarded", forward)

	if sink == nil {
		r.logger.Debug("no rate limit sink, dropping signal", zap.Uint64("bitrate", forward))
		r.metrics.incDropped(SideRemote, DropNoSink)
		return forward, false
	}
	sink.SetRateLimit(forward, target)
	return forward, true
}

func (r *RemoteRelay) clamp(bitrate uint64) uint64 {
	if r.config.MinBandwidth > 0 {
		bitrate = max(bitrate, kbpsToBps(r.config.MinBandwidth))
	}
	if r.config.MaxBandwidth > 0 {
		bitrate = min(bitrate, kbpsToBps(r.config.MaxBandwidth))
	}
	return bitrate
}
