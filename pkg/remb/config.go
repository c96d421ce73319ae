package remb

import (
	"fmt"
	"time"
)

// EstimatorConfig tunes the LocalEstimator. The yaml names are the option
// names used in configuration files.
type EstimatorConfig struct {
	// PacketsRecvIntervalTop is the minimum window, in packets, of the
	// smoothed loss record.
	PacketsRecvIntervalTop int `yaml:"packets-recv-interval-top,omitempty"`

	// ExponentialFactor is the relative growth per tick below the threshold.
	ExponentialFactor float64 `yaml:"exponential-factor,omitempty"`

	// LinealFactorMin is the floor, in bps, of the linear growth step.
	LinealFactorMin int `yaml:"lineal-factor-min,omitempty"`

	// LinealFactorGrade is the number of ticks the linear regime takes to
	// climb from the threshold back to the last top bitrate.
	LinealFactorGrade int `yaml:"lineal-factor-grade,omitempty"`

	// DecrementFactor multiplies the estimate on severe losses.
	DecrementFactor float64 `yaml:"decrement-factor,omitempty"`

	// ThresholdFactor places the exponential/linear threshold below the
	// estimate observed when losses start.
	ThresholdFactor float64 `yaml:"threshold-factor,omitempty"`

	// UpLosses is the smoothed fraction lost (1/256 units) from which
	// losses are considered severe.
	UpLosses int `yaml:"up-losses,omitempty"`

	// MinBandwidth and MaxBandwidth bound the sent value, in kbps. Zero
	// disables the bound.
	MinBandwidth uint32 `yaml:"min-bandwidth,omitempty"`
	MaxBandwidth uint32 `yaml:"max-bandwidth,omitempty"`

	// SendInterval is the minimum time between two estimator ticks.
	SendInterval time.Duration `yaml:"send-interval,omitempty"`
}

// DefaultEstimatorConfig returns the estimator defaults.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		PacketsRecvIntervalTop: 100,
		ExponentialFactor:      0.04,
		LinealFactorMin:        50,
		LinealFactorGrade:      30, // reach the last top bitrate in about 60s at 500ms RTCP
		DecrementFactor:        0.5,
		ThresholdFactor:        0.8,
		UpLosses:               12, // ~4.7% losses
		SendInterval:           DefaultSendInterval,
	}
}

// Adjustment records one value changed by Normalize.
type Adjustment struct {
	Field string
	From  string
	To    string
}

// String implements fmt.Stringer.
func (a Adjustment) String() string {
	return fmt.Sprintf("%s: %s -> %s", a.Field, a.From, a.To)
}

// Normalize clamps out-of-range values to a safe minimum instead of
// rejecting them, and lists what it changed.
func (c EstimatorConfig) Normalize() (EstimatorConfig, []Adjustment) {
	var adj []Adjustment
	clampInt := func(name string, v *int, lo int) {
		if *v < lo {
			adj = append(adj, Adjustment{name, fmt.Sprint(*v), fmt.Sprint(lo)})
			*v = lo
		}
	}
	clampFloat := func(name string, v *float64, lo, hi float64) {
		switch {
		case *v < lo:
			adj = append(adj, Adjustment{name, fmt.Sprint(*v), fmt.Sprint(lo)})
			*v = lo
		case *v > hi:
			adj = append(adj, Adjustment{name, fmt.Sprint(*v), fmt.Sprint(hi)})
			*v = hi
		}
	}

	clampInt("packets-recv-interval-top", &c.PacketsRecvIntervalTop, 1)
	clampInt("lineal-factor-min", &c.LinealFactorMin, 0)
	clampInt("lineal-factor-grade", &c.LinealFactorGrade, 1)
	clampInt("up-losses", &c.UpLosses, 0)
	clampFloat("exponential-factor", &c.ExponentialFactor, 0, 1)
	clampFloat("decrement-factor", &c.DecrementFactor, 0, 1)
	clampFloat("threshold-factor", &c.ThresholdFactor, 0, 1)

	if c.MaxBandwidth > 0 && c.MinBandwidth > c.MaxBandwidth {
		adj = append(adj, Adjustment{"min-bandwidth", fmt.Sprint(c.MinBandwidth), fmt.Sprint(c.MaxBandwidth)})
		c.MinBandwidth = c.MaxBandwidth
	}
	if c.SendInterval <= 0 {
		adj = append(adj, Adjustment{"send-interval", c.SendInterval.String(), DefaultSendInterval.String()})
		c.SendInterval = DefaultSendInterval
	}
	return c, adj
}

// RelayConfig tunes the RemoteRelay.
type RelayConfig struct {
	// OnConnect is the bootstrap ceiling in bps.
	OnConnect int `yaml:"remb-on-connect,omitempty"`

	// MinBandwidth and MaxBandwidth bound the forwarded value, in kbps.
	// Zero disables the bound.
	MinBandwidth uint32 `yaml:"min-bandwidth,omitempty"`
	MaxBandwidth uint32 `yaml:"max-bandwidth,omitempty"`
}

// DefaultRelayConfig returns the relay defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		OnConnect: DefaultOnConnectBitrate,
	}
}

// Normalize clamps out-of-range values and lists what it changed.
func (c RelayConfig) Normalize() (RelayConfig, []Adjustment) {
	var adj []Adjustment
	if c.OnConnect < 0 {
		adj = append(adj, Adjustment{"remb-on-connect", fmt.Sprint(c.OnConnect), "0"})
		c.OnConnect = 0
	}
	if c.MaxBandwidth > 0 && c.MinBandwidth > c.MaxBandwidth {
		adj = append(adj, Adjustment{"min-bandwidth", fmt.Sprint(c.MinBandwidth), fmt.Sprint(c.MaxBandwidth)})
		c.MinBandwidth = c.MaxBandwidth
	}
	return c, adj
}
