package remb

import (
	"go.uber.org/zap"
)

// StatField flags which fields of a SourceStats the transport filled in.
type StatField uint8

const (
	FieldBitrate StatField = 1 << iota
	FieldOctetsReceived
	FieldPacketsReceived
	FieldPacketsLost
	FieldFractionLost

	AllStatFields = FieldBitrate | FieldOctetsReceived | FieldPacketsReceived |
		FieldPacketsLost | FieldFractionLost
)

var statFieldNames = []struct {
	field StatField
	name  string
}{
	{FieldBitrate, "bitrate"},
	{FieldOctetsReceived, "octets-received"},
	{FieldPacketsReceived, "packets-received"},
	{FieldPacketsLost, "packets-lost"},
	{FieldFractionLost, "fraction-lost"},
}

// SourceStats are the cumulative reception counters of one remote media
// source as reported by the transport.
type SourceStats struct {
	SSRC uint32

	// Bitrate is the transport's instantaneous receive bitrate in bps.
	Bitrate uint64

	OctetsReceived  uint64
	PacketsReceived uint64

	// PacketsLost is cumulative and may be negative when duplicates arrive.
	PacketsLost int64

	// FractionLost is the last reported RTCP fraction lost, in 1/256 units.
	FractionLost uint8

	// Present marks the fields above that carry data. Missing fields read
	// as zero.
	Present StatField
}

// Missing returns the names of the fields the transport did not provide.
func (s SourceStats) Missing() []string {
	var missing []string
	for _, f := range statFieldNames {
		if s.Present&f.field == 0 {
			missing = append(missing, f.name)
		}
	}
	return missing
}

// StatsSource is the transport-side view of a session's remote sources.
// Sources must not block.
type StatsSource interface {
	Sources() []SourceStats
}

// StatsSourceFunc adapts a function to StatsSource.
type StatsSourceFunc func() []SourceStats

// Sources calls f.
func (f StatsSourceFunc) Sources() []SourceStats {
	return f()
}

// RemoteSource is one tracked peer contribution: the transport session
// reporting it, the SSRC announced for congestion control, and the
// expected-packets counter seen on the previous tick.
type RemoteSource struct {
	source StatsSource
	ssrc   uint32

	lastExpected uint64
}

// NewRemoteSource tracks ssrc within the sources reported by source.
func NewRemoteSource(source StatsSource, ssrc uint32) *RemoteSource {
	return &RemoteSource{
		source: source,
		ssrc:   ssrc,
	}
}

// SSRC returns the tracked source identifier.
func (r *RemoteSource) SSRC() uint32 {
	return r.ssrc
}

// IntervalSample accumulates one tick worth of statistics across every
// matching RemoteSource.
type IntervalSample struct {
	Count            int
	Bitrate          uint64
	LossWeighted     uint64 // sum of FractionLost * ExpectedInterval
	ExpectedInterval uint64
	OctetsReceived   uint64
	PacketsReceived  uint64
}

// Empty reports whether the sample carries no usable data.
func (s IntervalSample) Empty() bool {
	return s.Count == 0 || s.ExpectedInterval == 0
}

// FractionLost normalizes the loss accumulator to 1/256 units.
func (s IntervalSample) FractionLost() uint64 {
	if s.ExpectedInterval == 0 {
		return 0
	}
	return s.LossWeighted / s.ExpectedInterval
}

// LossFraction expresses lost out of expected packets in RTCP fixed point,
// saturating at 255.
func LossFraction(lost, expected uint64) uint8 {
	if expected == 0 {
		return 0
	}
	return uint8(min(lost*fractionLostScale/expected, fractionLostScale-1))
}

// Aggregate queries every RemoteSource and accumulates the ones whose SSRC
// is currently reported by their transport session. Each matched source's
// expected-packets counter is advanced. A result with Count == 0 means no
// data this tick.
func Aggregate(sources []*RemoteSource, logger *zap.Logger) IntervalSample {
	if logger == nil {
		logger = zap.NewNop()
	}

	var sample IntervalSample
	for _, rs := range sources {
		stats, ok := rs.lookup()
		if !ok {
			logger.Debug("no reported source matches tracked SSRC", zap.Uint32("ssrc", rs.ssrc))
			continue
		}
		if missing := stats.Missing(); len(missing) > 0 {
			logger.Warn("source stats lack fields, using zero",
				zap.Uint32("ssrc", rs.ssrc),
				zap.Strings("missing", missing),
			)
		}

		interval := rs.advance(stats)

		sample.Bitrate += stats.Bitrate
		sample.LossWeighted += uint64(stats.FractionLost) * interval
		sample.ExpectedInterval += interval
		sample.OctetsReceived += stats.OctetsReceived
		sample.PacketsReceived += stats.PacketsReceived
		sample.Count++

		logger.Debug("source stats",
			zap.Uint32("ssrc", rs.ssrc),
			zap.Uint64("packetsReceived", stats.PacketsReceived),
			zap.Int64("packetsLost", stats.PacketsLost),
			zap.Uint64("expectedInterval", interval),
			zap.Uint64("expectedIntervalSum", sample.ExpectedInterval),
		)
	}
	return sample
}

// lookup returns the reported stats for this source's SSRC. Only the first
// match counts.
func (r *RemoteSource) lookup() (SourceStats, bool) {
	if r.source == nil {
		return SourceStats{}, false
	}
	for _, s := range r.source.Sources() {
		if s.SSRC == r.ssrc {
			return s, true
		}
	}
	return SourceStats{}, false
}

// advance returns the packets expected since the previous call and stores
// the new cumulative value. A counter that went backwards (transport reset)
// resynchronizes and yields zero.
func (r *RemoteSource) advance(s SourceStats) uint64 {
	expected := int64(s.PacketsReceived) + s.PacketsLost
	if expected < 0 {
		expected = 0
	}

	var interval uint64
	if uint64(expected) >= r.lastExpected {
		interval = uint64(expected) - r.lastExpected
	}
	r.lastExpected = uint64(expected)
	return interval
}
