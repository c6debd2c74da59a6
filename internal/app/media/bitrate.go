package media

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Hearth/internal/config"
	"github.com/dkeye/Hearth/internal/metrics"
	"github.com/looplab/fsm"
	"github.com/rs/zerolog/log"
)

// Adaptation states of a transport's bitrate.
const (
	StateRamping    = "ramping"
	StateStable     = "stable"
	StateCongested  = "congested"
	StateRecovering = "recovering"
)

const (
	eventSettle  = "settle"
	eventCongest = "congest"
	eventProbe   = "probe"
)

// Bitrate is a snapshot of a transport's adaptation, rates in bits per second.
type Bitrate struct {
	State    string `json:"state"`
	Outgoing int    `json:"outgoing"`
	Incoming int    `json:"incoming"`
}

// adaptation is owned by a transport and only touched under its router lock.
//
// ramping -> stable on the first healthy estimate; any state but congested ->
// congested when the estimate falls below the floor or drops by more than the scale
// factor; congested -> recovering when the re-probe timer fires; recovering -> stable
// on the next healthy estimate.
type adaptation struct {
	policy   config.BitrateConfig
	machine  *fsm.FSM
	outgoing int
	incoming int
	reprobe  *time.Timer
}

func newAdaptation(policy config.BitrateConfig) *adaptation {
	a := &adaptation{
		policy:   policy,
		outgoing: policy.InitialOutgoing,
		incoming: policy.MaxIncoming,
	}
	a.machine = fsm.NewFSM(
		StateRamping,
		fsm.Events{
			{Name: eventSettle, Src: []string{StateRamping, StateRecovering}, Dst: StateStable},
			{Name: eventCongest, Src: []string{StateRamping, StateStable, StateRecovering}, Dst: StateCongested},
			{Name: eventProbe, Src: []string{StateCongested}, Dst: StateRecovering},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				metrics.BitrateTransitions.WithLabelValues(e.Dst).Inc()
			},
		},
	)
	return a
}

func (a *adaptation) fire(event string) {
	err := a.machine.Event(context.Background(), event)
	var noTransition fsm.NoTransitionError
	if err != nil && !errors.As(err, &noTransition) {
		log.Warn().Str("module", "media.bitrate").Err(err).Str("event", event).Msg("bitrate transition rejected")
	}
}

func (a *adaptation) clamp(bps int) int {
	return min(max(bps, a.policy.MinOutgoing), a.policy.MaxOutgoing)
}

func (a *adaptation) healthy(bps int) bool {
	return bps >= a.policy.MinOutgoing && float64(bps) >= float64(a.outgoing)*a.policy.ScaleFactor
}

// observe feeds one bandwidth estimate. It reports true when the transport just
// became congested and a re-probe must be scheduled.
func (a *adaptation) observe(bps int) bool {
	switch a.machine.Current() {
	case StateCongested:
		return false
	case StateStable:
		if !a.healthy(bps) {
			a.congest()
			return true
		}
		a.outgoing = a.clamp(bps)
	case StateRamping, StateRecovering:
		if !a.healthy(bps) {
			a.congest()
			return true
		}
		a.outgoing = a.clamp(bps)
		a.incoming = a.policy.MaxIncoming
		a.fire(eventSettle)
	}
	return false
}

func (a *adaptation) congest() {
	a.fire(eventCongest)
	a.outgoing = a.policy.MinOutgoing
	a.incoming = max(int(float64(a.incoming)*a.policy.ScaleFactor), a.policy.MinOutgoing)
}

// probe moves a congested transport to recovering and lifts outgoing back to the
// initial rate so the next estimate can confirm it.
func (a *adaptation) probe() {
	if a.machine.Current() != StateCongested {
		return
	}
	a.fire(eventProbe)
	a.outgoing = a.policy.InitialOutgoing
}

func (a *adaptation) stop() {
	if a.reprobe != nil {
		a.reprobe.Stop()
		a.reprobe = nil
	}
}

func (a *adaptation) snapshot() Bitrate {
	return Bitrate{State: a.machine.Current(), Outgoing: a.outgoing, Incoming: a.incoming}
}
