package interceptor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"go.uber.org/zap"

	"github.com/thesyncim/remb/pkg/remb"
	"github.com/thesyncim/remb/pkg/remb/internal"
)

const (
	// DefaultRTCPInterval is how often the RTCP loop offers the estimator a
	// chance to send. The estimator's own send interval gates the result.
	DefaultRTCPInterval = 500 * time.Millisecond

	// streamTimeout is how long an inactive remote stream keeps
	// contributing to the estimate.
	streamTimeout = 5 * time.Second
)

// Config is the per-connection configuration of a REMBInterceptor.
type Config struct {
	Estimator    remb.EstimatorConfig
	Relay        remb.RelayConfig
	RTCPInterval time.Duration

	// SenderSSRC is written as sender of every outgoing REMB.
	SenderSSRC uint32

	// Sink receives the rate limits derived from incoming REMB. Nil drops
	// them.
	Sink remb.RateLimitSink

	// Limiter caps the outgoing estimate. Nil means no cap.
	Limiter remb.LocalLimiter

	// OnREMB is invoked after each REMB is written.
	OnREMB func(pkt *remb.ControlPacket)
}

// DefaultConfig returns the defaults used by the factory.
func DefaultConfig() Config {
	return Config{
		Estimator:    remb.DefaultEstimatorConfig(),
		Relay:        remb.DefaultRelayConfig(),
		RTCPInterval: DefaultRTCPInterval,
	}
}

// REMBInterceptor is a Pion interceptor running both halves of the REMB
// loop for one PeerConnection. On the receive side it keeps per-SSRC
// reception statistics and periodically writes the LocalEstimator's REMB.
// On the send side it feeds received REMB to the RemoteRelay and fires
// the relay bootstrap when the first local stream is bound.
type REMBInterceptor struct {
	interceptor.NoOp

	session   *remb.Session
	estimator *remb.LocalEstimator
	relay     *remb.RemoteRelay
	logger    *zap.Logger
	metrics   *remb.Metrics
	clock     internal.Clock

	rtcpInterval time.Duration
	onREMB       func(pkt *remb.ControlPacket)

	streams       sync.Map // SSRC (uint32) -> *receiveStream
	localSSRCSet  atomic.Bool
	mu            sync.Mutex
	rtcpWriter    interceptor.RTCPWriter
	closed        chan struct{}
	wg            sync.WaitGroup
	rtcpOnce      sync.Once
	cleanupOnce   sync.Once
	closeOnce     sync.Once
	streamTimeout time.Duration
}

// NewREMBInterceptor creates an interceptor whose estimator and relay
// share session. The interceptor owns the session and closes it on Close.
func NewREMBInterceptor(session *remb.Session, config Config) *REMBInterceptor {
	if config.RTCPInterval <= 0 {
		config.RTCPInterval = DefaultRTCPInterval
	}

	opts := []remb.EstimatorOption{remb.WithSenderSSRC(config.SenderSSRC)}
	if config.Limiter != nil {
		opts = append(opts, remb.WithLocalLimiter(config.Limiter))
	}

	return &REMBInterceptor{
		session:       session,
		estimator:     remb.NewLocalEstimator(session, config.Estimator, opts...),
		relay:         remb.NewRemoteRelay(session, 0, config.Sink, config.Relay),
		logger:        session.Logger(),
		metrics:       session.Metrics(),
		clock:         internal.MonotonicClock{},
		rtcpInterval:  config.RTCPInterval,
		onREMB:        config.OnREMB,
		closed:        make(chan struct{}),
		streamTimeout: streamTimeout,
	}
}

// Session returns the shared per-connection state.
func (i *REMBInterceptor) Session() *remb.Session {
	return i.session
}

// Estimator returns the receive-side estimator.
func (i *REMBInterceptor) Estimator() *remb.LocalEstimator {
	return i.estimator
}

// Relay returns the send-side relay.
func (i *REMBInterceptor) Relay() *remb.RemoteRelay {
	return i.relay
}

// Close stops the background loops and closes the session.
func (i *REMBInterceptor) Close() error {
	var err error
	i.closeOnce.Do(func() {
		close(i.closed)
		i.wg.Wait()
		err = i.session.Close()
	})
	return err
}

// BindRTCPWriter captures the writer and starts the RTCP loop.
func (i *REMBInterceptor) BindRTCPWriter(writer interceptor.RTCPWriter) interceptor.RTCPWriter {
	i.mu.Lock()
	i.rtcpWriter = writer
	i.mu.Unlock()

	i.rtcpOnce.Do(func() {
		i.wg.Add(1)
		go i.rtcpLoop()
	})

	return writer
}

// BindRTCPReader wraps reader so that every REMB received from the peer
// goes through the relay.
func (i *REMBInterceptor) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	return interceptor.RTCPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, a, err := reader.Read(b, a)
		if err != nil {
			return n, a, err
		}
		if a == nil {
			a = make(interceptor.Attributes)
		}

		pkts, perr := a.GetRTCPPackets(b[:n])
		if perr != nil {
			i.logger.Warn("dropping undecodable RTCP", zap.Error(perr), zap.Int("size", n))
			i.metrics.ObserveDrop(remb.SideRemote, remb.DropDecode)
			return n, a, err
		}
		i.processRTCP(pkts)
		return n, a, err
	})
}

func (i *REMBInterceptor) processRTCP(pkts []rtcp.Packet) {
	for _, pkt := range remb.FilterREMB(pkts) {
		i.relay.OnReceived(pkt)
	}
}

// BindLocalStream addresses the relay bootstrap to the first local stream
// and fires it.
func (i *REMBInterceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	if i.localSSRCSet.CompareAndSwap(false, true) {
		i.relay.SetLocalSSRC(info.SSRC)
	}
	i.relay.Bootstrap()
	return writer
}

// BindRemoteStream starts the receive statistics of info.SSRC and wraps
// the reader to observe packets.
func (i *REMBInterceptor) BindRemoteStream(info *interceptor.StreamInfo, reader interceptor.RTPReader) interceptor.RTPReader {
	i.cleanupOnce.Do(func() {
		i.wg.Add(1)
		go i.cleanupLoop()
	})

	i.trackStream(info.SSRC)

	return interceptor.RTPReaderFunc(func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
		n, a, err := reader.Read(b, a)
		if err == nil && n > 0 {
			i.processRTP(b[:n], info.SSRC)
		}
		return n, a, err
	})
}

// UnbindRemoteStream stops tracking info.SSRC.
func (i *REMBInterceptor) UnbindRemoteStream(info *interceptor.StreamInfo) {
	i.untrackStream(info.SSRC)
}

func (i *REMBInterceptor) trackStream(ssrc uint32) *receiveStream {
	stream := newReceiveStream(ssrc, i.clock)
	if existing, loaded := i.streams.LoadOrStore(ssrc, stream); loaded {
		return existing.(*receiveStream)
	}
	i.estimator.AddRemoteSource(stream, ssrc)
	return stream
}

func (i *REMBInterceptor) untrackStream(ssrc uint32) {
	if _, loaded := i.streams.LoadAndDelete(ssrc); loaded {
		i.estimator.RemoveRemoteSource(ssrc)
	}
}

// processRTP accounts one received RTP packet.
func (i *REMBInterceptor) processRTP(raw []byte, ssrc uint32) {
	var header rtp.Header
	headerLen, err := header.Unmarshal(raw)
	if err != nil {
		return
	}

	var stream *receiveStream
	if s, ok := i.streams.Load(ssrc); ok {
		stream = s.(*receiveStream)
	} else {
		// Timed out earlier and resumed.
		stream = i.trackStream(ssrc)
	}

	payload := len(raw) - headerLen
	if header.Padding && payload > 0 {
		payload -= int(raw[len(raw)-1])
	}
	stream.update(header.SequenceNumber, payload, i.clock.Now())
}

// rtcpLoop periodically offers the estimator a chance to send.
func (i *REMBInterceptor) rtcpLoop() {
	defer i.wg.Done()

	ticker := time.NewTicker(i.rtcpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.closed:
			return
		case <-ticker.C:
			i.maybeSendREMB(i.clock.Now())
		}
	}
}

// maybeSendREMB runs an estimator tick and writes the resulting REMB.
func (i *REMBInterceptor) maybeSendREMB(now time.Time) {
	i.mu.Lock()
	writer := i.rtcpWriter
	i.mu.Unlock()

	if writer == nil {
		return
	}

	pkt, ok := i.estimator.OnAboutToSend(now)
	if !ok {
		return
	}

	if _, err := writer.Write([]rtcp.Packet{pkt.RTCP()}, nil); err != nil {
		i.logger.Warn("failed to write REMB", zap.Error(err))
		return
	}

	if i.onREMB != nil {
		i.onREMB(pkt)
	}
}

// cleanupLoop removes inactive streams every second.
func (i *REMBInterceptor) cleanupLoop() {
	defer i.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-i.closed:
			return
		case <-ticker.C:
			i.cleanupInactiveStreams(i.clock.Now())
		}
	}
}

// cleanupInactiveStreams stops tracking streams that have not received a
// packet for longer than streamTimeout.
func (i *REMBInterceptor) cleanupInactiveStreams(now time.Time) {
	i.streams.Range(func(key, value any) bool {
		stream := value.(*receiveStream)
		if now.Sub(stream.LastPacket()) > i.streamTimeout {
			i.logger.Debug("remote stream inactive, removing", zap.Uint32("ssrc", key.(uint32)))
			i.untrackStream(key.(uint32))
		}
		return true
	})
}
