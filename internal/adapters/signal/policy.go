package signal

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a client whose send buffer is full. dropped counts
// consecutive frames lost so far, including the current one.
type Policy interface {
	OnBackpressure(dropped int) BackpressureAction
}

// ThresholdPolicy drops frames until MaxDropped are lost in a row, then kicks.
type ThresholdPolicy struct {
	MaxDropped int
}

func (p ThresholdPolicy) OnBackpressure(dropped int) BackpressureAction {
	if p.MaxDropped > 0 && dropped >= p.MaxDropped {
		return KickMember
	}
	return DropFrame
}
