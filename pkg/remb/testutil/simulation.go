package testutil

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/thesyncim/remb/pkg/remb"
)

// CapacityStep changes the link capacity At a point of the run.
type CapacityStep struct {
	At       time.Duration `yaml:"at"`
	Capacity uint64        `yaml:"capacity"`
}

// SimulationConfig configures a closed-loop run.
type SimulationConfig struct {
	Link      LinkConfig
	Estimator remb.EstimatorConfig
	Relay     remb.RelayConfig

	// Duration is the virtual length of the run.
	Duration time.Duration

	// TickInterval is how often the receiver's transport offers the
	// estimator a chance to send. Default: 500ms.
	TickInterval time.Duration

	// Resolution is the link step. Default: 20ms.
	Resolution time.Duration

	CapacitySteps []CapacityStep

	// Realtime paces virtual time against the wall clock.
	Realtime bool
}

// DefaultSimulationConfig returns a 60s run over a 1 Mbps link.
func DefaultSimulationConfig() SimulationConfig {
	return SimulationConfig{
		Link:         DefaultLinkConfig(),
		Estimator:    remb.DefaultEstimatorConfig(),
		Relay:        remb.DefaultRelayConfig(),
		Duration:     time.Minute,
		TickInterval: 500 * time.Millisecond,
		Resolution:   20 * time.Millisecond,
	}
}

// Simulation closes the loop: the receiver's LocalEstimator reads a Link,
// its packets go through the wire codec into the sender's RemoteRelay,
// and the relay drives the Link's send rate.
type Simulation struct {
	cfg SimulationConfig

	link      *Link
	receiver  *remb.Session
	sender    *remb.Session
	estimator *remb.LocalEstimator
	relay     *remb.RemoteRelay

	// OnSample, when set, is called after every recorded sample.
	OnSample func(TraceSample)
}

// NewSimulation wires the loop. metrics may be nil.
func NewSimulation(cfg SimulationConfig, logger *zap.Logger, metrics *remb.Metrics) *Simulation {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 500 * time.Millisecond
	}
	if cfg.Resolution <= 0 {
		cfg.Resolution = 20 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	steps := append([]CapacityStep(nil), cfg.CapacitySteps...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].At < steps[j].At })
	cfg.CapacitySteps = steps

	link := NewLink(cfg.Link)
	receiver := remb.NewSession("receiver", remb.WithLogger(logger), remb.WithMetrics(metrics))
	sender := remb.NewSession("sender", remb.WithLogger(logger), remb.WithMetrics(metrics))

	estimator := remb.NewLocalEstimator(receiver, cfg.Estimator, remb.WithSenderSSRC(1))
	estimator.AddRemoteSource(link, link.SSRC())

	return &Simulation{
		cfg:       cfg,
		link:      link,
		receiver:  receiver,
		sender:    sender,
		estimator: estimator,
		relay:     remb.NewRemoteRelay(sender, link.SSRC(), link, cfg.Relay),
	}
}

// Link returns the simulated bottleneck.
func (s *Simulation) Link() *Link {
	return s.link
}

// Estimator returns the receiver side.
func (s *Simulation) Estimator() *remb.LocalEstimator {
	return s.estimator
}

// Relay returns the sender side.
func (s *Simulation) Relay() *remb.RemoteRelay {
	return s.relay
}

// Backoffs returns the number of hard backoffs the estimator took so far.
func (s *Simulation) Backoffs() int {
	return int(s.estimator.State().Backoffs)
}

// Run executes the loop until Duration or ctx is done and returns the
// recorded trace.
func (s *Simulation) Run(ctx context.Context) (*Trace, error) {
	trace := &Trace{Name: "remb-sim"}
	start := s.link.Now()

	s.relay.Bootstrap()

	var lastTick time.Duration
	nextStep := 0
	for elapsed := time.Duration(0); elapsed < s.cfg.Duration; elapsed += s.cfg.Resolution {
		if err := ctx.Err(); err != nil {
			return trace, err
		}

		for nextStep < len(s.cfg.CapacitySteps) && s.cfg.CapacitySteps[nextStep].At <= elapsed {
			s.link.SetCapacity(s.cfg.CapacitySteps[nextStep].Capacity)
			nextStep++
		}

		s.link.Step(s.cfg.Resolution)
		if s.cfg.Realtime {
			time.Sleep(s.cfg.Resolution)
		}

		now := s.link.Now()
		if now.Sub(start)-lastTick < s.cfg.TickInterval {
			continue
		}
		lastTick = now.Sub(start)

		sample := s.tick(now)
		trace.Record(lastTick, sample)
		if s.OnSample != nil {
			s.OnSample(sample)
		}
	}

	if err := s.receiver.Close(); err != nil {
		return trace, err
	}
	return trace, s.sender.Close()
}

func (s *Simulation) tick(now time.Time) TraceSample {
	sample := TraceSample{Capacity: s.link.Capacity()}

	pkt, ok := s.estimator.OnAboutToSend(now)
	if ok {
		sample.Estimate = pkt.Bitrate
		if fwd, sent := s.deliver(pkt); sent {
			sample.Forwarded = fwd
		}
	}

	sample.SendRate = s.link.SendRate()
	sample.LossRecord = s.estimator.State().LossRecord
	return sample
}

// deliver sends pkt through the wire codec to the relay.
func (s *Simulation) deliver(pkt *remb.ControlPacket) (uint64, bool) {
	data, err := pkt.Marshal()
	if err != nil {
		return 0, false
	}
	decoded, err := remb.ParseCompound(data)
	if err != nil {
		return 0, false
	}

	var forwarded uint64
	var sent bool
	for _, p := range decoded {
		if fwd, ok := s.relay.OnReceived(p); ok {
			forwarded, sent = fwd, true
		}
	}
	return forwarded, sent
}
