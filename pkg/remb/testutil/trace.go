package testutil

import (
	"encoding/json"
	"math"
	"os"
	"time"

	"github.com/pkg/errors"
)

// TraceSample is the state of a closed-loop simulation at one estimator
// tick.
type TraceSample struct {
	// TimeMs is the virtual time since the start of the run.
	TimeMs int64 `json:"time_ms"`

	Capacity uint64 `json:"capacity_bps"`
	SendRate uint64 `json:"send_rate_bps"`

	// Estimate is the value carried by the control packet sent at this
	// tick, 0 when the tick produced none.
	Estimate uint64 `json:"estimate_bps"`

	// Forwarded is the value the relay handed to the encoder, 0 when none.
	Forwarded uint64 `json:"forwarded_bps"`

	// LossRecord is the estimator's smoothed loss, in 1/256 units.
	LossRecord uint64 `json:"loss_record"`
}

// Trace is a recorded simulation run.
type Trace struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Samples     []TraceSample `json:"samples"`
}

// Record appends a sample taken at elapsed.
func (t *Trace) Record(elapsed time.Duration, s TraceSample) {
	s.TimeMs = elapsed.Milliseconds()
	t.Samples = append(t.Samples, s)
}

// LoadTrace reads a trace from a JSON file.
func LoadTrace(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read trace file %s", path)
	}

	var trace Trace
	if err := json.Unmarshal(data, &trace); err != nil {
		return nil, errors.Wrapf(err, "failed to parse trace file %s", path)
	}
	return &trace, nil
}

// Save writes the trace as indented JSON.
func (t *Trace) Save(path string) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode trace")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write trace file %s", path)
	}
	return nil
}

// ConvergenceTime returns the time of the first sample whose send rate
// reached fraction of the capacity, and false if none did.
func (t *Trace) ConvergenceTime(fraction float64) (time.Duration, bool) {
	for _, s := range t.Samples {
		if s.Capacity > 0 && float64(s.SendRate) >= fraction*float64(s.Capacity) {
			return time.Duration(s.TimeMs) * time.Millisecond, true
		}
	}
	return 0, false
}

// Utilization summarizes how well the send rate tracked the capacity.
type Utilization struct {
	// Samples is the number of samples after warmup.
	Samples int

	// MeanRatio is the mean of SendRate/Capacity.
	MeanRatio float64

	// MeanAbsError is the mean |SendRate-Capacity| in bps.
	MeanAbsError float64

	// Overshoots counts samples sending above capacity.
	Overshoots int
}

// Utilization computes the tracking summary, skipping the first warmup
// samples.
func (t *Trace) Utilization(warmup int) Utilization {
	var u Utilization
	var ratioSum, errSum float64
	for i, s := range t.Samples {
		if i < warmup || s.Capacity == 0 {
			continue
		}
		u.Samples++
		ratioSum += float64(s.SendRate) / float64(s.Capacity)
		errSum += math.Abs(float64(s.SendRate) - float64(s.Capacity))
		if s.SendRate > s.Capacity {
			u.Overshoots++
		}
	}
	if u.Samples > 0 {
		u.MeanRatio = ratioSum / float64(u.Samples)
		u.MeanAbsError = errSum / float64(u.Samples)
	}
	return u
}
