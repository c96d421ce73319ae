package interceptor

import "time"

// rateSample represents a single byte count measurement at a point in time.
type rateSample struct {
	timestamp time.Time
	bytes     uint64
}

// rateStats tracks incoming bitrate over a sliding time window. It is the
// transport's instantaneous bitrate, reported to the estimator as
// SourceStats.Bitrate and used on its first tick only.
type rateStats struct {
	windowSize time.Duration
	samples    []rateSample
	totalBytes uint64
}

func newRateStats(windowSize time.Duration) *rateStats {
	if windowSize <= 0 {
		windowSize = time.Second
	}
	return &rateStats{
		windowSize: windowSize,
		samples:    make([]rateSample, 0, 64),
	}
}

// update adds a byte count sample at now.
func (r *rateStats) update(bytes uint64, now time.Time) {
	r.removeExpired(now)
	r.samples = append(r.samples, rateSample{timestamp: now, bytes: bytes})
	r.totalBytes += bytes
}

// rate returns the bitrate in bits per second over the window. It needs
// at least two samples spanning 1ms or more.
func (r *rateStats) rate(now time.Time) (uint64, bool) {
	r.removeExpired(now)

	if len(r.samples) < 2 {
		return 0, false
	}

	elapsed := r.samples[len(r.samples)-1].timestamp.Sub(r.samples[0].timestamp)
	if elapsed < time.Millisecond {
		return 0, false
	}

	return uint64(float64(r.totalBytes*8) / elapsed.Seconds()), true
}

// removeExpired drops the samples older than windowSize from now.
func (r *rateStats) removeExpired(now time.Time) {
	cutoff := now.Add(-r.windowSize)

	expired := 0
	for i, s := range r.samples {
		if !s.timestamp.Before(cutoff) {
			break
		}
		r.totalBytes -= s.bytes
		expired = i + 1
	}
	if expired > 0 {
		r.samples = r.samples[expired:]
	}
}
