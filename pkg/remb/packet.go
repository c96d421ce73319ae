package remb

import (
	"fmt"
	"math"

	"github.com/pion/rtcp"
	"github.com/pkg/errors"
)

// ControlPacket is the estimate exchanged between the two sides: a bitrate
// and the media SSRCs it applies to. Treat it as immutable once built.
type ControlPacket struct {
	// SenderSSRC identifies the endpoint that produced the estimate (the
	// media receiver). It is set by the transport.
	SenderSSRC uint32

	// Bitrate is the estimated maximum bitrate in bits per second.
	Bitrate uint64

	// SSRCs are the media sources the estimate applies to, in order.
	SSRCs []uint32
}

// NewControlPacket builds a packet, copying ssrcs.
func NewControlPacket(senderSSRC uint32, bitrate uint64, ssrcs []uint32) (*ControlPacket, error) {
	if len(ssrcs) > MaxTargets {
		return nil, ErrTooManyTargets
	}
	targets := make([]uint32, len(ssrcs))
	copy(targets, ssrcs)
	return &ControlPacket{
		SenderSSRC: senderSSRC,
		Bitrate:    bitrate,
		SSRCs:      targets,
	}, nil
}

// RTCP converts the packet to its pion representation. The bitrate is
// carried as a float and encoded by pion as an 18-bit mantissa with a
// 6-bit exponent, so values above 2^18 may lose low-order bits.
func (p *ControlPacket) RTCP() *rtcp.ReceiverEstimatedMaximumBitrate {
	return &rtcp.ReceiverEstimatedMaximumBitrate{
		SenderSSRC: p.SenderSSRC,
		Bitrate:    float32(p.Bitrate),
		SSRCs:      p.SSRCs,
	}
}

// FromRTCP converts a decoded pion REMB into a ControlPacket. Bitrates
// beyond the uint64 range, which the 6-bit exponent allows, saturate at
// math.MaxUint64.
func FromRTCP(pkt *rtcp.ReceiverEstimatedMaximumBitrate) *ControlPacket {
	targets := make([]uint32, len(pkt.SSRCs))
	copy(targets, pkt.SSRCs)
	return &ControlPacket{
		SenderSSRC: pkt.SenderSSRC,
		Bitrate:    bitrateFromFloat(pkt.Bitrate),
		SSRCs:      targets,
	}
}

func bitrateFromFloat(f float32) uint64 {
	switch {
	case math.IsNaN(float64(f)) || f <= 0:
		return 0
	case float64(f) >= math.MaxUint64:
		return math.MaxUint64
	}
	return uint64(f)
}

// Marshal encodes the packet as a single RTCP PSFB/AFB REMB packet.
func (p *ControlPacket) Marshal() ([]byte, error) {
	if len(p.SSRCs) > MaxTargets {
		return nil, ErrTooManyTargets
	}
	data, err := p.RTCP().Marshal()
	if err != nil {
		return nil, errors.Wrap(err, "remb: marshal")
	}
	return data, nil
}

// String implements fmt.Stringer.
func (p *ControlPacket) String() string {
	return fmt.Sprintf("REMB{sender: %d, bitrate: %d, ssrcs: %v}", p.SenderSSRC, p.Bitrate, p.SSRCs)
}

// Unmarshal decodes a single REMB packet.
func Unmarshal(data []byte) (*ControlPacket, error) {
	pkt := &rtcp.ReceiverEstimatedMaximumBitrate{}
	if err := pkt.Unmarshal(data); err != nil {
		return nil, errors.Wrap(err, "remb: unmarshal")
	}
	return FromRTCP(pkt), nil
}

// ParseCompound decodes a compound RTCP buffer and returns every REMB in
// it, in order. It returns ErrNotREMB when the buffer is valid RTCP but
// carries no REMB.
func ParseCompound(data []byte) ([]*ControlPacket, error) {
	pkts, err := rtcp.Unmarshal(data)
	if err != nil {
		return nil, errors.Wrap(err, "remb: unmarshal compound")
	}
	out := FilterREMB(pkts)
	if len(out) == 0 {
		return nil, ErrNotREMB
	}
	return out, nil
}

// FilterREMB picks the REMB packets out of already decoded RTCP.
func FilterREMB(pkts []rtcp.Packet) []*ControlPacket {
	var out []*ControlPacket
	for _, p := range pkts {
		if remb, ok := p.(*rtcp.ReceiverEstimatedMaximumBitrate); ok {
			out = append(out, FromRTCP(remb))
		}
	}
	return out
}
