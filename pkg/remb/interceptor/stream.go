package interceptor

import (
	"sync"
	"time"

	"github.com/thesyncim/remb/pkg/remb"
	"github.com/thesyncim/remb/pkg/remb/internal"
)

// receiveStream keeps the RFC 3550 receive statistics of one remote SSRC.
// It is the StatsSource of exactly one estimator RemoteSource, so every
// Sources call closes a reporting interval.
//
// Read goroutines call update on every packet while the RTCP loop calls
// Sources; both go through mu.
type receiveStream struct {
	ssrc  uint32
	clock internal.Clock

	mu         sync.Mutex
	started    bool
	baseSeq    uint16
	maxSeq     uint16
	cycles     uint64
	received   uint64
	octets     uint64
	lastPacket time.Time
	rate       *rateStats

	expectedPrior uint64
	receivedPrior uint64
}

func newReceiveStream(ssrc uint32, clock internal.Clock) *receiveStream {
	return &receiveStream{
		ssrc:       ssrc,
		clock:      clock,
		lastPacket: clock.Now(),
		rate:       newRateStats(time.Second),
	}
}

// update accounts one received packet.
func (s *receiveStream) update(seq uint16, payloadBytes int, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case !s.started:
		s.started = true
		s.baseSeq = seq
		s.maxSeq = seq
	case seq-s.maxSeq < 1<<15:
		// In order, possibly with a gap. A lower value means wrap.
		if seq < s.maxSeq {
			s.cycles += 1 << 16
		}
		s.maxSeq = seq
	}

	s.received++
	if payloadBytes > 0 {
		s.octets += uint64(payloadBytes)
		s.rate.update(uint64(payloadBytes), now)
	}
	s.lastPacket = now
}

// LastPacket returns the arrival time of the most recent packet.
func (s *receiveStream) LastPacket() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPacket
}

// Sources implements remb.StatsSource.
func (s *receiveStream) Sources() []remb.SourceStats {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return []remb.SourceStats{{SSRC: s.ssrc, Present: remb.AllStatFields}}
	}

	expected := s.cycles + uint64(s.maxSeq) - uint64(s.baseSeq) + 1
	lost := int64(expected) - int64(s.received)

	expectedInterval := expected - s.expectedPrior
	receivedInterval := s.received - s.receivedPrior
	s.expectedPrior = expected
	s.receivedPrior = s.received

	var fraction uint8
	if lostInterval := int64(expectedInterval) - int64(receivedInterval); lostInterval > 0 {
		fraction = remb.LossFraction(uint64(lostInterval), expectedInterval)
	}

	bitrate, _ := s.rate.rate(now)
	return []remb.SourceStats{{
		SSRC:            s.ssrc,
		Bitrate:         bitrate,
		OctetsReceived:  s.octets,
		PacketsReceived: s.received,
		PacketsLost:     lost,
		FractionLost:    fraction,
		Present:         remb.AllStatFields,
	}}
}
