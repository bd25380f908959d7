package sched

import (
	"errors"
	"fmt"
)

// State is a work unit's position in its lifecycle. Units only move
// forward: Pending, Ready, Running, then Done or Failed. Blocked and
// Canceled units are never run.
type State int

const (
	Pending State = iota
	Ready
	Running
	Done
	Failed
	// Blocked units depend, directly or transitively, on a failed unit.
	Blocked
	// Canceled units were not run, or were interrupted, because the run
	// was canceled.
	Canceled
)

var stateNames = [...]string{"pending", "ready", "running", "done", "failed", "blocked", "canceled"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool { return s >= Done }

// allowed lists the legal transitions.
var allowed = map[State][]State{
	Pending: {Ready, Blocked, Canceled},
	Ready:   {Running, Canceled},
	Running: {Done, Failed, Canceled},
}

func canTransition(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrorKind classifies a unit failure.
type ErrorKind string

const (
	KindRead      ErrorKind = "read"
	KindSummarize ErrorKind = "summarize"
	KindStore     ErrorKind = "store"
	KindExecute   ErrorKind = "execute"
)

// UnitError is the failure of one work unit.
type UnitError struct {
	Unit int
	// Module is the member that failed; empty when the failure is not tied
	// to one member.
	Module string
	Kind   ErrorKind
	Err    error
}

func (e *UnitError) Error() string {
	if e.Module == "" {
		return fmt.Sprintf("unit %d: %s: %v", e.Unit, e.Kind, e.Err)
	}
	return fmt.Sprintf("unit %d: %s %s: %v", e.Unit, e.Kind, e.Module, e.Err)
}

func (e *UnitError) Unwrap() error { return e.Err }

// asUnitError wraps err in a UnitError for unit id unless it already is one.
func asUnitError(id int, err error) *UnitError {
	var ue *UnitError
	if errors.As(err, &ue) {
		if ue.Unit != id {
			cp := *ue
			cp.Unit = id
			return &cp
		}
		return ue
	}
	return &UnitError{Unit: id, Kind: KindExecute, Err: err}
}
