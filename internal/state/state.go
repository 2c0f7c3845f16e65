// Package state derives the display state of an artifact from its version-control facts.
package state

import (
	"fmt"
)

type State int

const (
	Production State = iota
	CheckedOutMe
	CheckedOutOther
	InitiativeChanges
	Conflicted
	PendingNew
	PendingDecommission
)

var names = [...]string{
	Production:          "production",
	CheckedOutMe:        "checked_out_me",
	CheckedOutOther:     "checked_out_other",
	InitiativeChanges:   "initiative_changes",
	Conflicted:          "conflicted",
	PendingNew:          "pending_new",
	PendingDecommission: "pending_decommission",
}

// All lists every state in declaration order.
func All() []State {
	return []State{Production, CheckedOutMe, CheckedOutOther, InitiativeChanges, Conflicted, PendingNew, PendingDecommission}
}

func (s State) String() string {
	if s < 0 || int(s) >= len(names) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return names[s]
}

func (s State) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(names) {
		return nil, fmt.Errorf("invalid state %d", int(s))
	}
	return []byte(names[s]), nil
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := Parse(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func Parse(s string) (State, error) {
	for i, n := range names {
		if n == s {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", s)
}

// Input carries the facts gathered for one artifact as seen by one viewer.
// LockHolder is empty when no unexpired lock exists.
type Input struct {
	Viewer          string
	LockHolder      string
	HasDraft        bool
	Conflicted      bool
	Pending         bool
	Decommissioning bool
}

// Resolve applies the fixed priority order; the first matching rule wins.
func Resolve(in Input) State {
	switch {
	case in.Pending:
		return PendingNew
	case in.Decommissioning:
		return PendingDecommission
	case in.Conflicted:
		return Conflicted
	case in.LockHolder != "" && in.LockHolder == in.Viewer:
		return CheckedOutMe
	case in.LockHolder != "":
		return CheckedOutOther
	case in.HasDraft:
		return InitiativeChanges
	default:
		return Production
	}
}
