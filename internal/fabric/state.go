package fabric

import (
	"errors"
	"fmt"
)

var (
	ErrLifecycleOrder         = errors.New("fabric: invalid state transition")
	ErrReconfigurationTimeout = errors.New("fabric: reconfiguration timed out")
	ErrReconfigurationFailed  = errors.New("fabric: reconfiguration failed")
	ErrGroupWaitTimeout       = errors.New("fabric: group wait timed out")
	ErrDeparted               = errors.New("fabric: participant departed the run")
	ErrInstanceClosed         = errors.New("fabric: instance closed")
)

// State is the reconfiguration coordinator's phase. Between safepoints
// an instance is stable, detected, or failed; the transition phases
// only exist while a Checkpoint call is running them.
type State string

const (
	StateStable      State = "stable"
	StateDetected    State = "detected"
	StateBarrierWait State = "barrier_wait"
	StateTeardown    State = "teardown"
	StateRebuild     State = "rebuild"
	StateFailed      State = "failed"
)

var validNext = map[State][]State{
	StateStable:      {StateDetected},
	StateDetected:    {StateBarrierWait, StateStable},
	StateBarrierWait: {StateTeardown, StateDetected},
	StateTeardown:    {StateRebuild},
	StateRebuild:     {StateStable, StateFailed},
	StateFailed:      {},
}

func transitionAllowed(from, to State) bool {
	for _, next := range validNext[from] {
		if next == to {
			return true
		}
	}
	return false
}

func transitionError(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrLifecycleOrder, from, to)
}
