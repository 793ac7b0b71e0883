package projection

import "fmt"

// LifecycleState is one of the ten disjoint projection lifecycle states,
// represented as a bit flag so ensureState is a single bitwise AND against an
// allowed-states mask.
type LifecycleState uint16

const (
	Initial LifecycleState = 1 << iota
	LoadStateRequested
	StateLoadedSubscribed
	Running
	Paused
	Resumed
	Stopping
	Stopped
	FaultedStopping
	Faulted
)

// lifecycleStateNames is used only for String's exhaustiveness, never for
// membership tests.
var lifecycleStateNames = map[LifecycleState]string{
	Initial:               "Initial",
	LoadStateRequested:    "LoadStateRequested",
	StateLoadedSubscribed: "StateLoadedSubscribed",
	Running:               "Running",
	Paused:                "Paused",
	Resumed:               "Resumed",
	Stopping:              "Stopping",
	Stopped:               "Stopped",
	FaultedStopping:       "FaultedStopping",
	Faulted:               "Faulted",
}

func (s LifecycleState) String() string {
	if name, ok := lifecycleStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("LifecycleState(%d)", uint16(s))
}

// Is reports whether s is a member of the given allowed-states mask, e.g.
// state.Is(Running | Paused | Resumed).
func (s LifecycleState) Is(allowed LifecycleState) bool {
	return s&allowed != 0
}

// lifecycle tracks the current state and the reason a fault entered, if any.
// It performs no side effects of its own: entry actions (resetting the
// cache/queue, publishing bus messages, asking the checkpoint manager to act)
// live on Runtime, which is the only thing with the collaborators to perform
// them. lifecycle never holds a pointer back to Runtime.
type lifecycle struct {
	state        LifecycleState
	faultReason  string
}

func newLifecycle() *lifecycle {
	return &lifecycle{state: Initial}
}

// ensureState returns a *ProjectionError of kind ErrInvalidState if the
// current state is not a member of allowed; callers fault the projection on
// this error.
func (l *lifecycle) ensureState(allowed LifecycleState) error {
	if !l.state.Is(allowed) {
		return newProjectionError(ErrInvalidState, fmt.Sprintf("message not valid in state %s", l.state), nil)
	}
	return nil
}

// transition unconditionally moves to the given state. Callers are
// responsible for having validated the edge is a legal one before calling
// this.
func (l *lifecycle) transition(to LifecycleState) {
	l.state = to
	if to != Faulted && to != FaultedStopping {
		l.faultReason = ""
	}
}

func (l *lifecycle) enterFaulted(stopping bool, reason string) {
	l.faultReason = reason
	if stopping {
		l.state = FaultedStopping
	} else {
		l.state = Faulted
	}
}
