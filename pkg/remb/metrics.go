package remb

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Reasons a tick or a received unit was dropped.
const (
	DropTooSoon      = "too_soon"
	DropNoSource     = "no_source"
	DropNoPackets    = "no_packets"
	DropZeroProbe    = "zero_probe"
	DropNoTargets    = "no_targets"
	DropDecode       = "decode"
	DropNoSink       = "no_sink"
	DropBuildFailure = "build"
)

// Metrics holds the prometheus collectors for every session of a process.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	estimate *prometheus.GaugeVec
	packets  *prometheus.CounterVec
	dropped  *prometheus.CounterVec
	backoffs *prometheus.CounterVec
}

// NewMetrics creates unregistered collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		estimate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "remb",
			Name:      "estimate_bps",
			Help:      "Bitrate estimate per session, side and kind (current, sent, forwarded).",
		}, []string{"session", "side", "kind"}),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remb",
			Name:      "packets_total",
			Help:      "Control packets built by the local side or consumed by the remote side.",
		}, []string{"side"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remb",
			Name:      "dropped_total",
			Help:      "Skipped estimator ticks and dropped control packets by reason.",
		}, []string{"side", "reason"}),
		backoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remb",
			Name:      "backoffs_total",
			Help:      "Hard backoffs taken by the local estimator after severe losses.",
		}, []string{"session"}),
	}
}

// Collectors returns every collector, for custom registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.estimate, m.packets, m.dropped, m.backoffs}
}

// Register registers all collectors with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveDrop counts a unit dropped outside the core, e.g. an RTCP buffer
// the transport failed to decode.
func (m *Metrics) ObserveDrop(side Side, reason string) {
	m.incDropped(side, reason)
}

func (m *Metrics) setEstimate(session string, side Side, kind string, bps uint64) {
	if m == nil {
		return
	}
	m.estimate.WithLabelValues(session, string(side), kind).Set(float64(bps))
}

func (m *Metrics) incPackets(side Side) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues(string(side)).Inc()
}

func (m *Metrics) incDropped(side Side, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(string(side), reason).Inc()
}

func (m *Metrics) incBackoff(session string) {
	if m == nil {
		return
	}
	m.backoffs.WithLabelValues(session).Inc()
}

func (m *Metrics) forget(session string) {
	if m == nil {
		return
	}
	m.estimate.DeletePartialMatch(prometheus.Labels{"session": session})
	m.backoffs.DeleteLabelValues(session)
}
