// Package arena runs the field: the global arena state machine, the six alliance
// stations, and the match-play timer.
//
// State changes are decided by Transition, a pure function, and applied by Service,
// which serialises every operation through a FIFO mailbox.
package arena

import (
	"github.com/trentd187/jms/internal/jmserr"
	"github.com/trentd187/jms/internal/models"
)

// signalMatchEnd is raised by the match timer, never by operators.
const signalMatchEnd models.SignalKind = "matchEnd"

// Conditions are the facts a transition may depend on.
type Conditions struct {
	MatchLoaded bool
	NetReady    bool
}

// Transition returns the state that follows s on sig, or an error when the pair is not
// allowed. Estop wins from any state.
func Transition(s models.ArenaState, sig models.ArenaSignal, c Conditions) (models.ArenaState, error) {
	if sig.Kind == models.SignalEstop {
		return models.ArenaState{Kind: models.StateEstop}, nil
	}

	switch s.Kind {
	case models.StateEstop:
		if sig.Kind == models.SignalEstopReset {
			return models.ArenaState{Kind: models.StateReset}, nil
		}
	case models.StateIdle:
		if sig.Kind == models.SignalPrestart {
			if !c.MatchLoaded {
				return s, jmserr.New(jmserr.MatchNotLoaded, "load a match before prestart")
			}
			return models.ArenaState{Kind: models.StatePrestart, NetReady: false}, nil
		}
	case models.StatePrestart:
		switch sig.Kind {
		case models.SignalPrestartUndo:
			return models.ArenaState{Kind: models.StateIdle, NetReady: c.NetReady}, nil
		case models.SignalMatchArm:
			if !c.NetReady && !sig.Force {
				return s, jmserr.New(jmserr.IllegalStateChange, "Prestart -> MatchArmed: network not ready (arm with force to override)")
			}
			return models.ArenaState{Kind: models.StateMatchArmed}, nil
		}
	case models.StateMatchArmed:
		if sig.Kind == models.SignalMatchPlay {
			return models.ArenaState{Kind: models.StateMatchPlay}, nil
		}
	case models.StateMatchPlay:
		if sig.Kind == signalMatchEnd {
			return models.ArenaState{Kind: models.StateMatchComplete, NetReady: false}, nil
		}
	case models.StateMatchComplete:
		if sig.Kind == models.SignalMatchCommit {
			return models.ArenaState{Kind: models.StateIdle, NetReady: c.NetReady}, nil
		}
	}
	return s, jmserr.Newf(jmserr.IllegalStateChange, "%s does not accept %s", s, sig)
}

// Boot is the startup seed: Init -> Reset. Settle finishes any automatic step, which
// is Reset -> Idle.
func Boot() models.ArenaState { return models.ArenaState{Kind: models.StateReset} }

// Settle returns the state s moves to without a signal, if any.
func Settle(s models.ArenaState) (models.ArenaState, bool) {
	if s.Kind == models.StateReset {
		return models.ArenaState{Kind: models.StateIdle, NetReady: false}, true
	}
	return s, false
}

// CarriesNetReady reports whether the state kind has a net_ready field.
func CarriesNetReady(k models.StateKind) bool {
	switch k {
	case models.StateIdle, models.StatePrestart, models.StateMatchComplete:
		return true
	}
	return false
}
