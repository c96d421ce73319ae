package interceptor

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/remb/pkg/remb"
	"github.com/thesyncim/remb/pkg/remb/internal"
)

// makeRTP creates an RTP packet with the given sequence number and payload size.
func makeRTP(ssrc uint32, seq uint16, payloadSize int) []byte {
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    96,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 3000,
			SSRC:           ssrc,
		},
		Payload: make([]byte, payloadSize),
	}
	data, _ := pkt.Marshal()
	return data
}

// mockRTPReader is a test reader that returns pre-defined packets.
type mockRTPReader struct {
	mu      sync.Mutex
	packets [][]byte
	index   int
}

func (m *mockRTPReader) Read(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.index >= len(m.packets) {
		return 0, nil, nil
	}
	pkt := m.packets[m.index]
	m.index++
	n := copy(b, pkt)
	return n, a, nil
}

func (m *mockRTPReader) add(pkts ...[]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets = append(m.packets, pkts...)
}

// mockRTCPReader returns one pre-defined buffer per Read.
type mockRTCPReader struct {
	buffers [][]byte
	index   int
}

func (m *mockRTCPReader) Read(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
	if m.index >= len(m.buffers) {
		return 0, a, nil
	}
	n := copy(b, m.buffers[m.index])
	m.index++
	return n, a, nil
}

// mockRTCPWriter captures RTCP packets written to it.
type mockRTCPWriter struct {
	mu      sync.Mutex
	packets []rtcp.Packet
}

func (m *mockRTCPWriter) Write(pkts []rtcp.Packet, _ interceptor.Attributes) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.packets = append(m.packets, pkts...)
	return len(pkts), nil
}

func (m *mockRTCPWriter) getREMBs() []*rtcp.ReceiverEstimatedMaximumBitrate {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*rtcp.ReceiverEstimatedMaximumBitrate
	for _, pkt := range m.packets {
		if r, ok := pkt.(*rtcp.ReceiverEstimatedMaximumBitrate); ok {
			out = append(out, r)
		}
	}
	return out
}

type sinkCall struct {
	bitrate uint64
	ssrc    uint32
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (s *recordingSink) SetRateLimit(bitrate uint64, ssrc uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{bitrate, ssrc})
}

func (s *recordingSink) getCalls() []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkCall(nil), s.calls...)
}

func newTestInterceptor(t *testing.T, config Config) (*REMBInterceptor, *internal.MockClock) {
	t.Helper()
	i := NewREMBInterceptor(remb.NewSession(t.Name()), config)
	clock := internal.NewMockClock(time.Time{})
	i.clock = clock
	t.Cleanup(func() { _ = i.Close() })
	return i, clock
}

// feed reads count packets of size bytes through reader, advancing clock
// by gap between packets.
func feed(t *testing.T, reader interceptor.RTPReader, src *mockRTPReader, clock *internal.MockClock,
	ssrc uint32, firstSeq uint16, count, size int, gap time.Duration) {
	t.Helper()
	buf := make([]byte, 1500)
	for j := 0; j < count; j++ {
		src.add(makeRTP(ssrc, firstSeq+uint16(j), size))
		n, _, err := reader.Read(buf, nil)
		require.NoError(t, err)
		require.Greater(t, n, 0)
		clock.Advance(gap)
	}
}

func TestNewREMBInterceptor(t *testing.T) {
	t.Run("default config", func(t *testing.T) {
		i := NewREMBInterceptor(remb.NewSession("a"), DefaultConfig())
		require.NotNil(t, i)
		assert.Equal(t, DefaultRTCPInterval, i.rtcpInterval)
		assert.NotNil(t, i.Estimator())
		assert.NotNil(t, i.Relay())
		assert.Equal(t, "a", i.Session().ID())
	})

	t.Run("zero interval uses default", func(t *testing.T) {
		i := NewREMBInterceptor(remb.NewSession("b"), Config{})
		assert.Equal(t, DefaultRTCPInterval, i.rtcpInterval)
		assert.Equal(t, remb.DefaultSendInterval, i.Estimator().Config().SendInterval)
	})
}

func TestReceiveStream_Stats(t *testing.T) {
	clock := internal.NewMockClock(time.Time{})
	s := newReceiveStream(1, clock)

	for seq := uint16(1); seq <= 10; seq++ {
		if seq == 5 {
			continue
		}
		s.update(seq, 100, clock.Now())
		clock.Advance(10 * time.Millisecond)
	}

	stats := s.Sources()
	require.Len(t, stats, 1)
	assert.Equal(t, uint32(1), stats[0].SSRC)
	assert.Equal(t, uint64(9), stats[0].PacketsReceived)
	assert.Equal(t, int64(1), stats[0].PacketsLost)
	assert.Equal(t, uint64(900), stats[0].OctetsReceived)
	assert.Equal(t, uint8(25), stats[0].FractionLost, "1 of 10 expected, in 1/256")
	assert.Greater(t, stats[0].Bitrate, uint64(0))
	assert.Equal(t, remb.AllStatFields, stats[0].Present)

	stats = s.Sources()
	assert.Equal(t, uint8(0), stats[0].FractionLost, "no packets expected in the new interval")
	assert.Equal(t, int64(1), stats[0].PacketsLost, "cumulative counters are kept")
}

func TestReceiveStream_SequenceWrap(t *testing.T) {
	clock := internal.NewMockClock(time.Time{})
	s := newReceiveStream(1, clock)

	for _, seq := range []uint16{65534, 65535, 0, 1} {
		s.update(seq, 10, clock.Now())
	}

	stats := s.Sources()[0]
	assert.Equal(t, uint64(4), stats.PacketsReceived)
	assert.Equal(t, int64(0), stats.PacketsLost)
}

func TestReceiveStream_Reordered(t *testing.T) {
	clock := internal.NewMockClock(time.Time{})
	s := newReceiveStream(1, clock)

	for _, seq := range []uint16{1, 3, 2, 4} {
		s.update(seq, 10, clock.Now())
	}

	stats := s.Sources()[0]
	assert.Equal(t, uint64(4), stats.PacketsReceived)
	assert.Equal(t, int64(0), stats.PacketsLost)
	assert.Equal(t, uint8(0), stats.FractionLost)
}

func TestReceiveStream_NoPacketsYet(t *testing.T) {
	s := newReceiveStream(7, internal.NewMockClock(time.Time{}))
	stats := s.Sources()
	require.Len(t, stats, 1)
	assert.Equal(t, uint64(0), stats[0].PacketsReceived)
}

func TestProcessRTP_FeedsEstimator(t *testing.T) {
	i, clock := newTestInterceptor(t, DefaultConfig())
	writer := &mockRTCPWriter{}
	i.mu.Lock()
	i.rtcpWriter = writer
	i.mu.Unlock()

	const ssrc = uint32(0xABCDEF12)
	src := &mockRTPReader{}
	reader := i.BindRemoteStream(&interceptor.StreamInfo{SSRC: ssrc}, src)
	assert.Equal(t, []uint32{ssrc}, i.Estimator().SSRCs())

	feed(t, reader, src, clock, ssrc, 100, 10, 1000, 10*time.Millisecond)
	i.maybeSendREMB(clock.Now())

	rembs := writer.getREMBs()
	require.Len(t, rembs, 1)
	assert.Equal(t, []uint32{ssrc}, rembs[0].SSRCs)
	assert.Greater(t, rembs[0].Bitrate, float32(remb.MinBitrate))

	cached, ok := i.Session().ReadStat(ssrc)
	require.True(t, ok)
	assert.InEpsilon(t, float64(cached), float64(rembs[0].Bitrate), 1.0/(1<<17))
}

func TestProcessRTP_InvalidPacketIgnored(t *testing.T) {
	i, _ := newTestInterceptor(t, DefaultConfig())
	src := &mockRTPReader{packets: [][]byte{{0x80, 0x60}}}
	reader := i.BindRemoteStream(&interceptor.StreamInfo{SSRC: 1}, src)

	buf := make([]byte, 1500)
	_, _, err := reader.Read(buf, nil)
	require.NoError(t, err)

	stream, ok := i.streams.Load(uint32(1))
	require.True(t, ok)
	assert.Equal(t, uint64(0), stream.(*receiveStream).Sources()[0].PacketsReceived)
}

func TestMaybeSendREMB_WriterNotBound(t *testing.T) {
	i, clock := newTestInterceptor(t, DefaultConfig())
	src := &mockRTPReader{}
	reader := i.BindRemoteStream(&interceptor.StreamInfo{SSRC: 1}, src)
	feed(t, reader, src, clock, 1, 0, 5, 500, 10*time.Millisecond)

	assert.NotPanics(t, func() { i.maybeSendREMB(clock.Now()) })
	assert.Equal(t, remb.Unprobed, i.Estimator().State().Probe, "no tick without a writer")
}

func TestREMB_IncludesAllSSRCs(t *testing.T) {
	i, clock := newTestInterceptor(t, DefaultConfig())
	writer := &mockRTCPWriter{}
	i.mu.Lock()
	i.rtcpWriter = writer
	i.mu.Unlock()

	src1, src2 := &mockRTPReader{}, &mockRTPReader{}
	r1 := i.BindRemoteStream(&interceptor.StreamInfo{SSRC: 0x1111}, src1)
	r2 := i.BindRemoteStream(&interceptor.StreamInfo{SSRC: 0x2222}, src2)
	feed(t, r1, src1, clock, 0x1111, 0, 5, 800, 5*time.Millisecond)
	feed(t, r2, src2, clock, 0x2222, 0, 5, 800, 5*time.Millisecond)

	i.maybeSendREMB(clock.Now())

	rembs := writer.getREMBs()
	require.Len(t, rembs, 1)
	assert.ElementsMatch(t, []uint32{0x1111, 0x2222}, rembs[0].SSRCs)
}

func TestUnbindRemoteStream(t *testing.T) {
	i, _ := newTestInterceptor(t, DefaultConfig())
	info := &interceptor.StreamInfo{SSRC: 5}
	_ = i.BindRemoteStream(info, &mockRTPReader{})
	require.Equal(t, []uint32{5}, i.Estimator().SSRCs())

	i.UnbindRemoteStream(info)
	_, exists := i.streams.Load(uint32(5))
	assert.False(t, exists)
	assert.Empty(t, i.Estimator().SSRCs())

	assert.NotPanics(t, func() { i.UnbindRemoteStream(info) })
}

func TestBindRemoteStream_TwiceTracksOnce(t *testing.T) {
	i, _ := newTestInterceptor(t, DefaultConfig())
	info := &interceptor.StreamInfo{SSRC: 5}
	_ = i.BindRemoteStream(info, &mockRTPReader{})
	_ = i.BindRemoteStream(info, &mockRTPReader{})
	assert.Equal(t, []uint32{5}, i.Estimator().SSRCs())
}

func TestStreamTimeout_RemovesInactiveStreams(t *testing.T) {
	i, clock := newTestInterceptor(t, DefaultConfig())
	const ssrc = uint32(9)
	src := &mockRTPReader{}
	reader := i.BindRemoteStream(&interceptor.StreamInfo{SSRC: ssrc}, src)
	feed(t, reader, src, clock, ssrc, 0, 1, 100, 0)

	clock.Advance(streamTimeout / 2)
	i.cleanupInactiveStreams(clock.Now())
	_, exists := i.streams.Load(ssrc)
	assert.True(t, exists, "active stream kept")

	clock.Advance(streamTimeout)
	i.cleanupInactiveStreams(clock.Now())
	_, exists = i.streams.Load(ssrc)
	assert.False(t, exists, "inactive stream removed")
	assert.Empty(t, i.Estimator().SSRCs())

	// Resumed traffic registers the stream again.
	feed(t, reader, src, clock, ssrc, 1, 1, 100, 0)
	_, exists = i.streams.Load(ssrc)
	assert.True(t, exists)
	assert.Equal(t, []uint32{ssrc}, i.Estimator().SSRCs())
}

func TestBindRTCPReader_FeedsRelay(t *testing.T) {
	sink := &recordingSink{}
	cfg := DefaultConfig()
	cfg.Sink = sink
	i, _ := newTestInterceptor(t, cfg)

	compound, err := rtcp.Marshal([]rtcp.Packet{
		&rtcp.ReceiverReport{SSRC: 1},
		&rtcp.ReceiverEstimatedMaximumBitrate{SenderSSRC: 1, Bitrate: 500_000, SSRCs: []uint32{42}},
	})
	require.NoError(t, err)

	reader := i.BindRTCPReader(&mockRTCPReader{buffers: [][]byte{compound, {0xde, 0xad}}})
	buf := make([]byte, 1500)

	n, _, err := reader.Read(buf, nil)
	require.NoError(t, err)
	assert.Equal(t, len(compound), n)
	assert.Equal(t, []sinkCall{{500_000, 42}}, sink.getCalls())
	assert.Equal(t, remb.Probed, i.Relay().State().Probe)

	// Undecodable RTCP is dropped, the read itself succeeds.
	n, _, err = reader.Read(buf, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, sink.getCalls(), 1)
}

func TestBindLocalStream_Bootstrap(t *testing.T) {
	sink := &recordingSink{}
	cfg := DefaultConfig()
	cfg.Sink = sink
	i, _ := newTestInterceptor(t, cfg)

	_ = i.BindLocalStream(&interceptor.StreamInfo{SSRC: 77}, nil)
	_ = i.BindLocalStream(&interceptor.StreamInfo{SSRC: 88}, nil)

	assert.Equal(t, []sinkCall{{remb.DefaultOnConnectBitrate, 77}}, sink.getCalls())
	assert.Equal(t, uint32(77), i.Relay().LocalSSRC(), "first local stream wins")
}

func TestRTCPLoop_WritesREMB(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RTCPInterval = 20 * time.Millisecond
	cfg.Estimator.SendInterval = 10 * time.Millisecond

	var mu sync.Mutex
	var seen []*remb.ControlPacket
	cfg.OnREMB = func(pkt *remb.ControlPacket) {
		mu.Lock()
		seen = append(seen, pkt)
		mu.Unlock()
	}

	i := NewREMBInterceptor(remb.NewSession("loop"), cfg)
	defer i.Close()

	src := &mockRTPReader{}
	reader := i.BindRemoteStream(&interceptor.StreamInfo{SSRC: 3}, src)
	writer := &mockRTCPWriter{}
	assert.Equal(t, writer, i.BindRTCPWriter(writer), "BindRTCPWriter should return the same writer")

	buf := make([]byte, 1500)
	seq := uint16(0)
	require.Eventually(t, func() bool {
		for j := 0; j < 5; j++ {
			src.add(makeRTP(3, seq, 1000))
			seq++
			_, _, _ = reader.Read(buf, nil)
			time.Sleep(time.Millisecond)
		}
		return len(writer.getREMBs()) >= 2
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, seen, "OnREMB should be invoked")
}

func TestClose_StopsGoroutines(t *testing.T) {
	i := NewREMBInterceptor(remb.NewSession("close"), DefaultConfig())
	_ = i.BindRemoteStream(&interceptor.StreamInfo{SSRC: 1}, &mockRTPReader{})
	i.BindRTCPWriter(&mockRTCPWriter{})

	done := make(chan struct{})
	go func() {
		assert.NoError(t, i.Close())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close() timed out - goroutines may not have stopped")
	}

	assert.True(t, i.Session().Closed())
	assert.NoError(t, i.Close(), "Close is idempotent")
}

func TestClose_BeforeGoroutinesStarted(t *testing.T) {
	i := NewREMBInterceptor(remb.NewSession("early"), DefaultConfig())
	assert.NoError(t, i.Close())
}
