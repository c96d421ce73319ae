package remb

import "github.com/pkg/errors"

var (
	ErrNoTargets      = errors.New("remb: control packet has no target SSRCs")
	ErrTooManyTargets = errors.Errorf("remb: control packet has more than %d target SSRCs", MaxTargets)
	ErrNotREMB        = errors.New("remb: RTCP packet is not a REMB")
	ErrSessionClosed  = errors.New("remb: session closed")
)
