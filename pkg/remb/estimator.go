package remb

import (
	"math"
	"math/bits"
	"sync"
	"time"

	"go.uber.org/zap"
)

// LocalLimiter supplies an external cap coming from a coordinating
// local-bandwidth manager. Zero means no cap. EventManager implements it.
type LocalLimiter interface {
	Min() uint64
}

// EstimatorState is a snapshot of the estimator internals.
type EstimatorState struct {
	Probe        ProbeState
	Estimate     uint64
	LastSent     uint64
	Threshold    uint64
	LossRecord   uint64
	LinealFactor uint64
	MaxBitrate   uint64
	AvgBitrate   uint64

	// Backoffs counts the multiplicative decreases taken so far.
	Backoffs uint64
}

// LocalEstimator is the receiver side of the loop. It grows its estimate
// exponentially up to an adaptive threshold and linearly beyond it while
// no losses are seen, holds it at the observed maximum on minor losses,
// and backs off multiplicatively on severe losses.
//
// Every method is safe for concurrent use; the transport is still
// expected to call OnAboutToSend from a single callback.
type LocalEstimator struct {
	session *Session
	logger  *zap.Logger
	metrics *Metrics

	mu         sync.Mutex
	config     EstimatorConfig
	sources    []*RemoteSource
	senderSSRC uint32
	limiter    LocalLimiter

	probed       bool
	remb         uint64
	rembSent     uint64
	threshold    uint64
	lossRecord   uint64
	linealFactor uint64
	maxBr        uint64
	avgBr        uint64
	backoffs     uint64

	lastTime     time.Time
	lastOctets   uint64
	lastPackets  uint64
	lastSentTime time.Time
}

// EstimatorOption configures a LocalEstimator.
type EstimatorOption func(*LocalEstimator)

// WithSenderSSRC sets the SSRC written as sender of every ControlPacket.
func WithSenderSSRC(ssrc uint32) EstimatorOption {
	return func(e *LocalEstimator) {
		e.senderSSRC = ssrc
	}
}

// WithLocalLimiter caps the sent value with limiter.Min().
func WithLocalLimiter(limiter LocalLimiter) EstimatorOption {
	return func(e *LocalEstimator) {
		e.limiter = limiter
	}
}

// NewLocalEstimator creates an unprobed estimator for session.
func NewLocalEstimator(session *Session, config EstimatorConfig, opts ...EstimatorOption) *LocalEstimator {
	e := &LocalEstimator{
		session:   session,
		logger:    session.Logger().With(zap.String("side", string(SideLocal))),
		metrics:   session.metrics,
		remb:      MaxBitrate,
		rembSent:  MaxBitrate,
		threshold: MaxBitrate,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.applyConfig(config)
	e.linealFactor = uint64(e.config.LinealFactorMin)
	return e
}

// AddRemoteSource tracks ssrc as reported by source.
func (e *LocalEstimator) AddRemoteSource(source StatsSource, ssrc uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sources = append(e.sources, NewRemoteSource(source, ssrc))
	e.logger.Debug("remote source added", zap.Uint32("ssrc", ssrc), zap.Int("sources", len(e.sources)))
}

// RemoveRemoteSource stops tracking every entry for ssrc. It reports
// whether anything was removed.
func (e *LocalEstimator) RemoveRemoteSource(ssrc uint32) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := e.sources[:0]
	for _, rs := range e.sources {
		if rs.ssrc != ssrc {
			kept = append(kept, rs)
		}
	}
	removed := len(kept) != len(e.sources)
	for i := len(kept); i < len(e.sources); i++ {
		e.sources[i] = nil
	}
	e.sources = kept
	return removed
}

// SSRCs returns the tracked source identifiers in registration order.
func (e *LocalEstimator) SSRCs() []uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ssrcsLocked()
}

func (e *LocalEstimator) ssrcsLocked() []uint32 {
	out := make([]uint32, 0, len(e.sources))
	for _, rs := range e.sources {
		out = append(out, rs.ssrc)
	}
	return out
}

// SetSenderSSRC changes the sender SSRC of subsequent packets.
func (e *LocalEstimator) SetSenderSSRC(ssrc uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.senderSSRC = ssrc
}

// SetLocalLimiter replaces the external cap; nil removes it.
func (e *LocalEstimator) SetLocalLimiter(limiter LocalLimiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.limiter = limiter
}

// ApplyConfig replaces the tuning of a live estimator. Invalid values are
// clamped and logged, never rejected.
func (e *LocalEstimator) ApplyConfig(config EstimatorConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applyConfig(config)
}

func (e *LocalEstimator) applyConfig(config EstimatorConfig) {
	normalized, adjustments := config.Normalize()
	for _, a := range adjustments {
		e.logger.Warn("invalid estimator option, clamped",
			zap.String("option", a.Field),
			zap.String("from", a.From),
			zap.String("to", a.To),
		)
	}
	e.config = normalized
}

// Config returns the live tuning.
func (e *LocalEstimator) Config() EstimatorConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// State returns a snapshot of the estimator internals.
func (e *LocalEstimator) State() EstimatorState {
	e.mu.Lock()
	defer e.mu.Unlock()

	probe := Unprobed
	if e.probed {
		probe = Probed
	}
	return EstimatorState{
		Probe:        probe,
		Estimate:     e.remb,
		LastSent:     e.rembSent,
		Threshold:    e.threshold,
		LossRecord:   e.lossRecord,
		LinealFactor: e.linealFactor,
		MaxBitrate:   e.maxBr,
		AvgBitrate:   e.avgBr,
		Backoffs:     e.backoffs,
	}
}

// OnAboutToSend is called by the transport right before it emits RTCP for
// the session. It runs one estimation tick, at most once per SendInterval,
// and returns the packet to send. It returns false when the tick was
// skipped: too soon, no matching source, no new packets, or nothing to
// bootstrap from.
func (e *LocalEstimator) OnAboutToSend(now time.Time) (*ControlPacket, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.lastSentTime.IsZero() && now.Sub(e.lastSentTime) < e.config.SendInterval {
		e.logger.Debug("not sending, interval not elapsed", zap.Duration("interval", e.config.SendInterval))
		e.metrics.incDropped(SideLocal, DropTooSoon)
		return nil, false
	}

	ssrcs := e.ssrcsLocked()
	if len(ssrcs) > MaxTargets {
		e.logger.Warn("cannot build control packet", zap.Error(ErrTooManyTargets), zap.Int("ssrcs", len(ssrcs)))
		e.metrics.incDropped(SideLocal, DropBuildFailure)
		return nil, false
	}

	if !e.update(now) {
		return nil, false
	}

	bitrate := e.remb
	if e.limiter != nil {
		if localMax := e.limiter.Min(); localMax > 0 {
			e.logger.Debug("local max", zap.Uint64("bitrate", localMax))
			bitrate = min(bitrate, localMax)
		}
	}
	if e.config.MinBandwidth > 0 {
		bitrate = max(bitrate, kbpsToBps(e.config.MinBandwidth))
	}
	if e.config.MaxBandwidth > 0 {
		bitrate = min(bitrate, kbpsToBps(e.config.MaxBandwidth))
	}
	bitrate = max(bitrate, MinBitrate)

	pkt, err := NewControlPacket(e.senderSSRC, bitrate, ssrcs)
	if err != nil {
		e.logger.Warn("cannot build control packet", zap.Error(err), zap.Int("ssrcs", len(ssrcs)))
		e.metrics.incDropped(SideLocal, DropBuildFailure)
		return nil, false
	}

	if bitrate != e.rembSent {
		e.logger.Info("sending local bitrate estimation", zap.Uint64("bitrate", bitrate), zap.Uint64("previous", e.rembSent))
		e.rembSent = bitrate
	}
	for _, ssrc := range ssrcs {
		e.logger.Debug("sending", zap.Uint64("bitrate", bitrate), zap.Uint32("ssrc", ssrc))
		e.session.UpdateStat(ssrc, bitrate)
	}

	e.lastSentTime = now
	e.metrics.incPackets(SideLocal)
	e.metrics.setEstimate(e.session.id, SideLocal, "current", e.remb)
	e.metrics.setEstimate(e.session.id, SideLocal, "sent", bitrate)
	return pkt, true
}

// update runs one estimation step and reports whether the estimate was
// refreshed.
func (e *LocalEstimator) update(now time.Time) bool {
	bitrate, fractionLost, packets, ok := e.receiveInfo(now)
	if !ok {
		return false
	}

	if !e.probed {
		if bitrate == 0 {
			e.logger.Warn("no probe, and bitrate == 0")
			e.metrics.incDropped(SideLocal, DropZeroProbe)
			return false
		}
		e.remb = bitrate
		e.probed = true
	}

	top := max(uint64(e.config.PacketsRecvIntervalTop), packets)
	e.lossRecord = (e.lossRecord*(top-packets) + fractionLost*packets) / top
	e.maxBr = max(e.maxBr, bitrate)
	if e.avgBr == 0 {
		e.avgBr = bitrate
	} else {
		e.avgBr = (e.avgBr*7 + bitrate) / 8
	}

	e.logger.Debug("loss record",
		zap.Uint64("packets", packets),
		zap.Uint64("fractionLost", fractionLost),
		zap.Uint64("lossRecord", e.lossRecord),
	)

	if e.lossRecord == 0 {
		base := max(e.remb, e.maxBr)

		var next uint64
		if base < e.threshold {
			e.logger.Debug("exponential growth", zap.Float64("factor", e.config.ExponentialFactor))
			next = scale(base, 1+e.config.ExponentialFactor)
		} else {
			e.logger.Debug("linear growth", zap.Uint64("step", e.linealFactor))
			next = base + e.linealFactor
		}

		next = min(next, e.maxBr*MaxInputFactor)
		e.remb = max(e.remb, next)
	} else {
		base := max(e.remb, e.avgBr)
		e.threshold = scale(base, e.config.ThresholdFactor)
		var step uint64
		if base > e.threshold {
			step = (base - e.threshold) / uint64(e.config.LinealFactorGrade)
		}
		e.linealFactor = max(uint64(e.config.LinealFactorMin), step)

		if e.lossRecord < uint64(e.config.UpLosses) {
			e.logger.Debug("assumable losses")
			e.remb = min(e.remb, e.maxBr)
		} else {
			e.logger.Debug("too many losses, backing off", zap.Float64("factor", e.config.DecrementFactor))
			e.remb = scale(base, e.config.DecrementFactor)
			e.lossRecord = 0
			e.maxBr = 0
			e.avgBr = 0
			e.backoffs++
			e.metrics.incBackoff(e.session.id)
		}
	}

	if e.config.MaxBandwidth > 0 {
		e.remb = min(e.remb, kbpsToBps(e.config.MaxBandwidth))
	}

	e.logger.Debug("estimate updated",
		zap.Uint64("remb", e.remb),
		zap.Uint64("threshold", e.threshold),
		zap.Uint64("fractionLost", fractionLost),
		zap.Uint64("lossRecord", e.lossRecord),
		zap.Uint64("bitrate", bitrate),
		zap.Uint64("maxBr", e.maxBr),
		zap.Uint64("avgBr", e.avgBr),
	)
	return true
}

// receiveInfo aggregates one interval and returns the measured bitrate,
// the normalized fraction lost and the packets received since the
// previous interval.
func (e *LocalEstimator) receiveInfo(now time.Time) (bitrate, fractionLost, packets uint64, ok bool) {
	sample := Aggregate(e.sources, e.logger)
	if sample.Count == 0 {
		e.logger.Debug("no stats: no SSRC match")
		e.metrics.incDropped(SideLocal, DropNoSource)
		return 0, 0, 0, false
	}
	if sample.ExpectedInterval == 0 {
		e.logger.Debug("no stats: no packets received yet")
		e.metrics.incDropped(SideLocal, DropNoPackets)
		return 0, 0, 0, false
	}

	fractionLost = sample.FractionLost()

	bitrate = sample.Bitrate
	if !e.lastTime.IsZero() {
		elapsed := now.Sub(e.lastTime)
		var octets uint64
		if sample.OctetsReceived > e.lastOctets {
			octets = sample.OctetsReceived - e.lastOctets
		}
		if elapsed > 0 {
			bitrate = Throughput(octets, elapsed)
		}
		e.logger.Debug("throughput",
			zap.Duration("elapsed", elapsed),
			zap.Uint64("octets", octets),
			zap.Uint64("rate", bitrate),
		)
	}

	e.lastTime = now
	e.lastOctets = sample.OctetsReceived

	if sample.PacketsReceived > e.lastPackets {
		packets = sample.PacketsReceived - e.lastPackets
	}
	e.lastPackets = sample.PacketsReceived

	return bitrate, fractionLost, packets, true
}

// Throughput converts octets received over elapsed into bits per second
// without overflowing intermediate products. It saturates at MaxUint64 and
// returns 0 for a non-positive elapsed time.
func Throughput(octets uint64, elapsed time.Duration) uint64 {
	if elapsed <= 0 {
		return 0
	}
	hi, lo := bits.Mul64(octets, 8*uint64(time.Second))
	d := uint64(elapsed)
	if hi >= d {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, d)
	return q
}

func scale(v uint64, f float64) uint64 {
	r := float64(v) * f
	if r >= math.MaxUint64 {
		return math.MaxUint64
	}
	if r <= 0 {
		return 0
	}
	return uint64(r)
}
