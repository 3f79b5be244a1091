package core

import (
	"fmt"
	"slices"
)

type State string

const (
	StateNotStarted         State = "not_started"
	StateLocked             State = "locked"
	StateSchemaCreated      State = "schema_created"
	StateDataMigrated       State = "data_migrated"
	StateMidValidated       State = "mid_validated"
	StateFKsDropped         State = "fks_dropped"
	StateSwapped            State = "swapped"
	StateFKsRecreated       State = "fks_recreated"
	StatePreCommitValidated State = "pre_commit_validated"
	StateCommitted          State = "committed"
	StateAborted            State = "aborted"
	StateRolledBack         State = "rolled_back"
)

var forwardPath = []State{
	StateNotStarted,
	StateLocked,
	StateSchemaCreated,
	StateDataMigrated,
	StateMidValidated,
	StateFKsDropped,
	StateSwapped,
	StateFKsRecreated,
	StatePreCommitValidated,
	StateCommitted,
}

// ForwardPath returns the ordered forward states from NotStarted to Committed.
func ForwardPath() []State {
	return slices.Clone(forwardPath)
}

func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateAborted, StateRolledBack:
		return true
	default:
		return false
	}
}

// Next reports the only forward successor of s.
func (s State) Next() (State, bool) {
	idx := slices.Index(forwardPath, s)
	if idx < 0 || idx == len(forwardPath)-1 {
		return "", false
	}
	return forwardPath[idx+1], true
}

// CanTransition encodes the guarded transitions: one step forward on the
// happy path, Aborted from any non-terminal state, and RolledBack only from
// Committed (post-commit reversal).
func (s State) CanTransition(to State) bool {
	if s.Terminal() {
		return s == StateCommitted && to == StateRolledBack
	}
	if to == StateAborted {
		return true
	}
	next, ok := s.Next()
	return ok && next == to
}

// StateMachine tracks one run. It is not safe for concurrent use; the
// orchestrator is strictly serial.
type StateMachine struct {
	current State
	history []State
}

func NewStateMachine() *StateMachine {
	return &StateMachine{current: StateNotStarted, history: []State{StateNotStarted}}
}

func (m *StateMachine) Current() State {
	if m == nil {
		return StateNotStarted
	}
	return m.current
}

func (m *StateMachine) History() []State {
	if m == nil {
		return nil
	}
	return slices.Clone(m.history)
}

func (m *StateMachine) Transition(to State) error {
	if m == nil {
		return fmt.Errorf("%w: state machine is nil", ErrInvalidTransition)
	}
	if !m.current.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.current, to)
	}
	m.current = to
	m.history = append(m.history, to)
	return nil
}

// Reached reports whether s was visited during this run.
func (m *StateMachine) Reached(s State) bool {
	if m == nil {
		return false
	}
	return slices.Contains(m.history, s)
}

// NewStateMachineAt resumes tracking from a persisted state, used by the
// rollback engine which starts from a committed run.
func NewStateMachineAt(state State) *StateMachine {
	return &StateMachine{current: state, history: []State{state}}
}
