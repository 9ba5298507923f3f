// Package model defines the domain types shared by the fscall client,
// exchange and daemon: request states, request metadata and the validated
// configuration.
package model

import (
	"fmt"
	"time"
)

// State is the lifecycle state of a request as recorded in its state marker.
type State string

const (
	StateNew     State = "NEW"
	StateClaimed State = "CLAIMED"
	StateRunning State = "RUNNING"
	StateDone    State = "DONE"
	StateFailed  State = "FAILED"
	StateAborted State = "ABORTED"
)

// transitions is the only legal set of state edges. States never move
// backward and terminal states have no successors.
var transitions = map[State][]State{
	StateNew:     {StateClaimed},
	StateClaimed: {StateRunning, StateFailed, StateAborted},
	StateRunning: {StateDone, StateFailed, StateAborted},
}

// ParseState validates a state word read from disk.
func ParseState(s string) (State, error) {
	switch st := State(s); st {
	case StateNew, StateClaimed, StateRunning, StateDone, StateFailed, StateAborted:
		return st, nil
	default:
		return "", fmt.Errorf("unknown state %q", s)
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateAborted:
		return true
	}
	return false
}

// CanTransition reports whether the edge from s to to is part of the
// protocol.
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// FailureInvalidParameters prefixes the failure detail when the job failed
// on parameter validation rather than during the computation itself.
const FailureInvalidParameters = "invalid parameters"

// Request is the immutable metadata written at publish time into
// request.json. Everything mutable about a request (state, heartbeat, log,
// outputs) lives in its own file.
type Request struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Submitter string    `json:"submitter,omitempty"`
	Inputs    []string  `json:"inputs"`
}

// Claim records who won the exclusive claim of a request. It is the content
// of the claim marker, created exactly once with O_EXCL.
type Claim struct {
	Owner     string    `json:"owner"`
	PID       int       `json:"pid"`
	ClaimedAt time.Time `json:"claimed_at"`
}
