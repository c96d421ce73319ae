package remb

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// fakeSource is a StatsSource whose counters are driven by the test.
type fakeSource struct {
	mu    sync.Mutex
	stats []SourceStats
}

func newFakeSource(ssrcs ...uint32) *fakeSource {
	f := &fakeSource{}
	for _, ssrc := range ssrcs {
		f.stats = append(f.stats, SourceStats{SSRC: ssrc, Present: AllStatFields})
	}
	return f
}

func (f *fakeSource) Sources() []SourceStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]SourceStats, len(f.stats))
	copy(out, f.stats)
	return out
}

// receive adds packets/octets/lost to ssrc's cumulative counters.
func (f *fakeSource) receive(ssrc uint32, packets, octets uint64, lost int64, fraction uint8, bitrate uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.stats {
		if f.stats[i].SSRC != ssrc {
			continue
		}
		f.stats[i].PacketsReceived += packets
		f.stats[i].OctetsReceived += octets
		f.stats[i].PacketsLost += lost
		f.stats[i].FractionLost = fraction
		f.stats[i].Bitrate = bitrate
	}
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestEstimator(t *testing.T, cfg EstimatorConfig, opts ...EstimatorOption) (*LocalEstimator, *fakeSource, *Session) {
	t.Helper()
	sess := NewSession("test")
	src := newFakeSource(111)
	e := NewLocalEstimator(sess, cfg, opts...)
	e.AddRemoteSource(src, 111)
	return e, src, sess
}

func TestLocalEstimator_InitialState(t *testing.T) {
	e := NewLocalEstimator(NewSession("s"), DefaultEstimatorConfig())
	st := e.State()

	assert.Equal(t, Unprobed, st.Probe)
	assert.Equal(t, uint64(MaxBitrate), st.Estimate)
	assert.Equal(t, uint64(MaxBitrate), st.LastSent)
	assert.Equal(t, uint64(MaxBitrate), st.Threshold)
	assert.Equal(t, uint64(50), st.LinealFactor)
}

func TestLocalEstimator_FirstTickUsesRawBitrate(t *testing.T) {
	e, src, sess := newTestEstimator(t, DefaultEstimatorConfig(), WithSenderSSRC(0xCAFE))
	src.receive(111, 100, 62500, 0, 0, 500_000)

	pkt, ok := e.OnAboutToSend(t0)
	require.True(t, ok)

	st := e.State()
	assert.Equal(t, Probed, st.Probe)
	assert.Equal(t, uint64(500_000), st.MaxBitrate)
	assert.Equal(t, uint64(500_000), st.AvgBitrate)
	// 500k below the 2M threshold: exponential growth of 4%.
	assert.InDelta(t, 520_000, float64(st.Estimate), 1)

	assert.Equal(t, uint32(0xCAFE), pkt.SenderSSRC)
	assert.Equal(t, []uint32{111}, pkt.SSRCs)
	assert.Equal(t, st.Estimate, pkt.Bitrate)
	assert.Equal(t, pkt.Bitrate, st.LastSent)

	cached, ok := sess.ReadStat(111)
	require.True(t, ok)
	assert.Equal(t, pkt.Bitrate, cached)
}

func TestLocalEstimator_ThroughputFromOctets(t *testing.T) {
	e, src, _ := newTestEstimator(t, DefaultEstimatorConfig())
	src.receive(111, 100, 62500, 0, 0, 500_000)
	_, ok := e.OnAboutToSend(t0)
	require.True(t, ok)

	// 125000 bytes over 1s = 1 Mbps, regardless of the reported bitrate.
	src.receive(111, 100, 125_000, 0, 0, 42)
	_, ok = e.OnAboutToSend(t0.Add(time.Second))
	require.True(t, ok)

	assert.Equal(t, uint64(1_000_000), e.State().MaxBitrate)
}

func TestThroughput(t *testing.T) {
	tests := []struct {
		name    string
		octets  uint64
		elapsed time.Duration
		want    uint64
	}{
		{"1Mbps", 125_000, time.Second, 1_000_000},
		{"half second", 62_500, 500 * time.Millisecond, 1_000_000},
		{"zero octets", 0, time.Second, 0},
		{"zero elapsed", 1000, 0, 0},
		{"negative elapsed", 1000, -time.Second, 0},
		{"large values do not overflow", 1 << 40, time.Hour, (1 << 40) * 8 / 3600},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Throughput(tt.octets, tt.elapsed))
		})
	}
}

func TestLocalEstimator_IntervalGate(t *testing.T) {
	e, src, _ := newTestEstimator(t, DefaultEstimatorConfig())
	src.receive(111, 100, 62500, 0, 0, 500_000)

	_, ok := e.OnAboutToSend(t0)
	require.True(t, ok, "first tick should send")

	src.receive(111, 100, 62500, 0, 0, 500_000)
	before := e.State()
	_, ok = e.OnAboutToSend(t0.Add(500 * time.Millisecond))
	assert.False(t, ok, "t=500ms: too soon")
	assert.Equal(t, before, e.State(), "a skipped tick must not change state")

	_, ok = e.OnAboutToSend(t0.Add(time.Second))
	assert.True(t, ok, "t=1s: interval elapsed")
}

func TestLocalEstimator_NoData(t *testing.T) {
	t.Run("no matching source", func(t *testing.T) {
		sess := NewSession("s")
		e := NewLocalEstimator(sess, DefaultEstimatorConfig())
		e.AddRemoteSource(newFakeSource(999), 111)

		_, ok := e.OnAboutToSend(t0)
		assert.False(t, ok)
		assert.Equal(t, Unprobed, e.State().Probe)
		assert.Empty(t, sess.Stats())
	})

	t.Run("no packets this interval", func(t *testing.T) {
		e, src, _ := newTestEstimator(t, DefaultEstimatorConfig())
		src.receive(111, 100, 62500, 0, 0, 500_000)
		_, ok := e.OnAboutToSend(t0)
		require.True(t, ok)

		before := e.State()
		_, ok = e.OnAboutToSend(t0.Add(time.Second))
		assert.False(t, ok)
		assert.Equal(t, before, e.State())
	})

	t.Run("zero bitrate cannot bootstrap", func(t *testing.T) {
		e, src, _ := newTestEstimator(t, DefaultEstimatorConfig())
		src.receive(111, 10, 0, 0, 0, 0)

		_, ok := e.OnAboutToSend(t0)
		assert.False(t, ok)
		assert.Equal(t, Unprobed, e.State().Probe)

		// Bookkeeping advanced, so the next tick measures throughput.
		src.receive(111, 10, 12_500, 0, 0, 0)
		_, ok = e.OnAboutToSend(t0.Add(time.Second))
		require.True(t, ok)
		assert.Equal(t, Probed, e.State().Probe)
		assert.Equal(t, uint64(100_000), e.State().MaxBitrate)
	})
}

func TestLocalEstimator_GrowthIsMonotonicWithoutLoss(t *testing.T) {
	e, src, _ := newTestEstimator(t, DefaultEstimatorConfig())
	src.receive(111, 100, 62_500, 0, 0, 500_000)
	_, ok := e.OnAboutToSend(t0)
	require.True(t, ok)

	prev := e.State().Estimate
	now := t0
	for i := 0; i < 200; i++ {
		now = now.Add(time.Second)
		src.receive(111, 100, 125_000, 0, 0, 1_000_000)
		_, ok := e.OnAboutToSend(now)
		require.True(t, ok)

		st := e.State()
		if st.Estimate < prev {
			t.Fatalf("tick %d: estimate decreased %d -> %d", i, prev, st.Estimate)
		}
		assert.LessOrEqual(t, st.Estimate, st.MaxBitrate*MaxInputFactor, "tick %d: growth clamp", i)
		prev = st.Estimate
	}
	assert.Equal(t, uint64(2_000_000), prev, "estimate should settle at 2x the incoming bitrate")
}

func TestLocalEstimator_LinearGrowthAboveThreshold(t *testing.T) {
	cfg := DefaultEstimatorConfig()
	e, src, _ := newTestEstimator(t, cfg)

	// Probe at 1.95 Mbps, then keep 1.95 Mbps flowing. The threshold is still
	// MaxBitrate so the first step is exponential and crosses it.
	src.receive(111, 100, 243_750, 0, 0, 1_950_000)
	_, ok := e.OnAboutToSend(t0)
	require.True(t, ok)
	require.Greater(t, e.State().Estimate, uint64(MaxBitrate))

	before := e.State().Estimate
	src.receive(111, 100, 243_750, 0, 0, 0)
	_, ok = e.OnAboutToSend(t0.Add(time.Second))
	require.True(t, ok)
	assert.Equal(t, before+uint64(cfg.LinealFactorMin), e.State().Estimate)
}

func TestLocalEstimator_BackoffOnSevereLoss(t *testing.T) {
	e, src, _ := newTestEstimator(t, DefaultEstimatorConfig())
	src.receive(111, 100, 62_500, 0, 0, 500_000)
	_, ok := e.OnAboutToSend(t0)
	require.True(t, ok)
	before := e.State()

	// 100 received, 100 lost: half of the expected packets lost.
	src.receive(111, 100, 62_500, 100, 128, 500_000)
	pkt, ok := e.OnAboutToSend(t0.Add(time.Second))
	require.True(t, ok)

	st := e.State()
	base := max(before.Estimate, uint64(500_000))
	assert.InDelta(t, float64(base)*0.5, float64(st.Estimate), 1, "estimate should be halved")
	assert.InDelta(t, float64(base)*0.8, float64(st.Threshold), 1)
	assert.Equal(t, uint64(0), st.LossRecord)
	assert.Equal(t, uint64(0), st.MaxBitrate)
	assert.Equal(t, uint64(0), st.AvgBitrate)
	assert.Equal(t, st.Estimate, pkt.Bitrate)
	assert.Greater(t, st.LinealFactor, uint64(50))
	assert.Equal(t, uint64(1), st.Backoffs)
	assert.Zero(t, before.Backoffs)
}

func TestLocalEstimator_MinorLossHoldsAtMax(t *testing.T) {
	e, src, _ := newTestEstimator(t, DefaultEstimatorConfig())
	src.receive(111, 100, 62_500, 0, 0, 500_000)
	_, ok := e.OnAboutToSend(t0)
	require.True(t, ok)
	require.Greater(t, e.State().Estimate, uint64(500_000))

	// fraction 5/256 over 100 of 101 expected packets stays below up-losses.
	src.receive(111, 100, 62_500, 1, 5, 500_000)
	_, ok = e.OnAboutToSend(t0.Add(time.Second))
	require.True(t, ok)

	st := e.State()
	require.NotZero(t, st.LossRecord)
	require.Less(t, st.LossRecord, uint64(12))
	assert.Equal(t, uint64(500_000), st.Estimate, "estimate held at the observed maximum")
}

func TestLocalEstimator_Bounds(t *testing.T) {
	t.Run("absolute floor", func(t *testing.T) {
		e, src, _ := newTestEstimator(t, DefaultEstimatorConfig())
		src.receive(111, 10, 100, 0, 0, 1000)

		pkt, ok := e.OnAboutToSend(t0)
		require.True(t, ok)
		assert.Equal(t, uint64(MinBitrate), pkt.Bitrate)
	})

	t.Run("configured minimum", func(t *testing.T) {
		cfg := DefaultEstimatorConfig()
		cfg.MinBandwidth = 1000
		e, src, _ := newTestEstimator(t, cfg)
		src.receive(111, 100, 62_500, 0, 0, 500_000)

		pkt, ok := e.OnAboutToSend(t0)
		require.True(t, ok)
		assert.Equal(t, uint64(1_000_000), pkt.Bitrate)
		assert.Less(t, e.State().Estimate, pkt.Bitrate, "the floor applies to the sent value only")
	})

	t.Run("configured maximum", func(t *testing.T) {
		cfg := DefaultEstimatorConfig()
		cfg.MaxBandwidth = 300
		e, src, _ := newTestEstimator(t, cfg)
		src.receive(111, 100, 62_500, 0, 0, 500_000)

		pkt, ok := e.OnAboutToSend(t0)
		require.True(t, ok)
		assert.Equal(t, uint64(300_000), pkt.Bitrate)
		assert.Equal(t, uint64(300_000), e.State().Estimate)
	})

	t.Run("local limiter", func(t *testing.T) {
		em := NewEventManager(0, nil)
		em.SetRateLimit(200_000, 5)
		e, src, _ := newTestEstimator(t, DefaultEstimatorConfig(), WithLocalLimiter(em))
		src.receive(111, 100, 62_500, 0, 0, 500_000)

		pkt, ok := e.OnAboutToSend(t0)
		require.True(t, ok)
		assert.Equal(t, uint64(200_000), pkt.Bitrate)
	})
}

func TestLocalEstimator_MultipleSources(t *testing.T) {
	sess := NewSession("s")
	src := newFakeSource(111, 222)
	e := NewLocalEstimator(sess, DefaultEstimatorConfig())
	e.AddRemoteSource(src, 111)
	e.AddRemoteSource(src, 222)
	src.receive(111, 50, 31_250, 0, 0, 250_000)
	src.receive(222, 50, 31_250, 0, 0, 250_000)

	pkt, ok := e.OnAboutToSend(t0)
	require.True(t, ok)
	assert.Equal(t, []uint32{111, 222}, pkt.SSRCs)
	assert.Equal(t, uint64(500_000), e.State().MaxBitrate)
	assert.Len(t, sess.Stats(), 2)

	assert.True(t, e.RemoveRemoteSource(222))
	assert.False(t, e.RemoveRemoteSource(222))
	assert.Equal(t, []uint32{111}, e.SSRCs())
}

func TestLocalEstimator_TooManyTargets(t *testing.T) {
	sess := NewSession("s")
	e := NewLocalEstimator(sess, DefaultEstimatorConfig())
	src := newFakeSource(1)
	src.receive(1, 10, 1250, 0, 0, 100_000)
	for i := 0; i <= MaxTargets; i++ {
		e.AddRemoteSource(src, 1)
	}

	before := e.State()
	_, ok := e.OnAboutToSend(t0)
	assert.False(t, ok)
	assert.Empty(t, sess.Stats())
	assert.Equal(t, before, e.State(), "a packet that cannot be built leaves the estimator untouched")
	assert.Equal(t, uint64(MaxBitrate), e.State().LastSent)

	require.True(t, e.RemoveRemoteSource(1))
	e.AddRemoteSource(src, 1)
	pkt, ok := e.OnAboutToSend(t0)
	require.True(t, ok)
	assert.Equal(t, pkt.Bitrate, e.State().LastSent)
}

func TestLocalEstimator_ApplyConfigClamps(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	sess := NewSession("s", WithLogger(zap.New(core)))
	e := NewLocalEstimator(sess, DefaultEstimatorConfig())

	cfg := DefaultEstimatorConfig()
	cfg.SendInterval = -time.Second
	cfg.ExponentialFactor = 3
	cfg.LinealFactorGrade = 0
	e.ApplyConfig(cfg)

	got := e.Config()
	assert.Equal(t, DefaultSendInterval, got.SendInterval)
	assert.Equal(t, 1.0, got.ExponentialFactor)
	assert.Equal(t, 1, got.LinealFactorGrade)
	assert.Equal(t, 3, logs.FilterMessage("invalid estimator option, clamped").Len())
}
