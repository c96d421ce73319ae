package interceptor

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pion/interceptor"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/thesyncim/remb/pkg/remb"
)

// FactoryOption configures the REMBInterceptorFactory.
type FactoryOption func(*REMBInterceptorFactory) error

// REMBInterceptorFactory creates a REMBInterceptor, with its own Session,
// for each PeerConnection.
type REMBInterceptorFactory struct {
	config  Config
	logger  *zap.Logger
	metrics *remb.Metrics
	em      *remb.EventManager

	count atomic.Uint64
}

// WithEstimatorConfig sets the receive-side estimator tuning.
func WithEstimatorConfig(cfg remb.EstimatorConfig) FactoryOption {
	return func(f *REMBInterceptorFactory) error {
		f.config.Estimator = cfg
		return nil
	}
}

// WithRelayConfig sets the send-side relay tuning.
func WithRelayConfig(cfg remb.RelayConfig) FactoryOption {
	return func(f *REMBInterceptorFactory) error {
		f.config.Relay = cfg
		return nil
	}
}

// WithRTCPInterval sets how often the estimator is offered to send.
// Default: 500ms.
func WithRTCPInterval(interval time.Duration) FactoryOption {
	return func(f *REMBInterceptorFactory) error {
		if interval <= 0 {
			return errors.New("RTCP interval must be positive")
		}
		f.config.RTCPInterval = interval
		return nil
	}
}

// WithSenderSSRC sets the sender SSRC of outgoing REMB packets.
// Default: 0.
func WithSenderSSRC(ssrc uint32) FactoryOption {
	return func(f *REMBInterceptorFactory) error {
		f.config.SenderSSRC = ssrc
		return nil
	}
}

// WithLogger sets the parent logger of every session.
func WithLogger(logger *zap.Logger) FactoryOption {
	return func(f *REMBInterceptorFactory) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		f.logger = logger
		return nil
	}
}

// WithMetrics records every session into m.
func WithMetrics(m *remb.Metrics) FactoryOption {
	return func(f *REMBInterceptorFactory) error {
		f.metrics = m
		return nil
	}
}

// WithRateLimitSink sets where rate limits derived from incoming REMB go.
func WithRateLimitSink(sink remb.RateLimitSink) FactoryOption {
	return func(f *REMBInterceptorFactory) error {
		f.config.Sink = sink
		return nil
	}
}

// WithEventManager shares em between every connection of the factory:
// rate limits received on any connection cap the estimates sent on all of
// them.
func WithEventManager(em *remb.EventManager) FactoryOption {
	return func(f *REMBInterceptorFactory) error {
		f.em = em
		return nil
	}
}

// WithOnREMB sets a callback invoked each time a REMB packet is written.
func WithOnREMB(fn func(pkt *remb.ControlPacket)) FactoryOption {
	return func(f *REMBInterceptorFactory) error {
		f.config.OnREMB = fn
		return nil
	}
}

// NewREMBInterceptorFactory creates a factory configured by opts.
//
// Example:
//
//	factory, err := NewREMBInterceptorFactory(
//	    WithRelayConfig(remb.RelayConfig{OnConnect: 500000}),
//	    WithRTCPInterval(250*time.Millisecond),
//	)
//	if err != nil {
//	    return err
//	}
//	registry.Add(factory)
func NewREMBInterceptorFactory(opts ...FactoryOption) (*REMBInterceptorFactory, error) {
	f := &REMBInterceptorFactory{
		config: DefaultConfig(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// NewInterceptor creates a REMBInterceptor for a PeerConnection. An empty
// id is replaced by a per-factory sequence number.
func (f *REMBInterceptorFactory) NewInterceptor(id string) (interceptor.Interceptor, error) {
	n := f.count.Add(1)
	if id == "" {
		id = fmt.Sprintf("pc-%d", n)
	}

	session := remb.NewSession(id,
		remb.WithLogger(f.logger),
		remb.WithMetrics(f.metrics),
	)

	config := f.config
	if f.em != nil {
		config.Limiter = f.em
		config.Sink = fanOut(f.em, config.Sink)
	}

	return NewREMBInterceptor(session, config), nil
}

// fanOut forwards rate limits to every non-nil sink.
func fanOut(sinks ...remb.RateLimitSink) remb.RateLimitSink {
	var live []remb.RateLimitSink
	for _, s := range sinks {
		if s != nil {
			live = append(live, s)
		}
	}
	if len(live) == 1 {
		return live[0]
	}
	return remb.RateLimitSinkFunc(func(bitrate uint64, ssrc uint32) {
		for _, s := range live {
			s.SetRateLimit(bitrate, ssrc)
		}
	})
}
