package model

import "errors"

var (
	// ErrNotFound - no request directory with that id in the exchange.
	ErrNotFound = errors.New("request not found")
	// ErrClaimConflict - another daemon created the claim marker first.
	ErrClaimConflict = errors.New("request already claimed")
	// ErrInvalidTransition - on-disk state does not match the expected
	// transition source. Only the owning daemon writes state, so this is a
	// protocol violation, not a benign race.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrHeartbeatStale - the owning daemon stopped advancing the heartbeat
	// while the request was claimed or running.
	ErrHeartbeatStale = errors.New("heartbeat stale")
	// ErrNotTerminal - results requested before the request finished.
	ErrNotTerminal = errors.New("request not in a terminal state")
	// ErrJobFailed - the external executable exited nonzero.
	ErrJobFailed = errors.New("job failed")
	// ErrJobAborted - the daemon was told to abort while the job ran.
	ErrJobAborted = errors.New("job aborted")
	// ErrInvalidParameters - the job reported a parameter validation failure.
	ErrInvalidParameters = errors.New("invalid parameters")
)
