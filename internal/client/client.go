// Package client is the caller side of the protocol: publish a request into
// the exchange, poll it to a terminal state and retrieve the results.
//
// Polling is deliberate. The kinds of shares the exchange lives on (NFS,
// SMB, synced folders) have no change notification that can be relied on,
// so the client trades latency for robustness. Wait never mutates anything
// on disk; a timeout or staleness error only ends the local wait and the
// request stays retrievable by id afterwards.
package client

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mqrun/fscall/internal/exchange"
	"github.com/mqrun/fscall/internal/model"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultStaleAfter   = 30 * time.Second
)

// Options tune the polling loop.
type Options struct {
	// PollInterval between state checks.
	PollInterval time.Duration
	// StaleAfter is how old the heartbeat may get while the request is
	// claimed or running before Wait gives up with ErrHeartbeatStale.
	StaleAfter time.Duration
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	return o
}

// Handle refers to one published request.
type Handle struct {
	ex   *exchange.Exchange
	id   string
	opts Options
}

// Submit publishes the files under payloadDir as a new request and returns
// a handle on it. The request is visible to daemons atomically and starts
// in NEW.
func Submit(ex *exchange.Exchange, payloadDir string, opts Options) (*Handle, error) {
	id, err := ex.Publish(payloadDir)
	if err != nil {
		return nil, fmt.Errorf("submitting request: %w", err)
	}
	return &Handle{ex: ex, id: id, opts: opts.withDefaults()}, nil
}

// Open reattaches to an existing request, e.g. after a previous wait timed
// out and the handle was discarded.
func Open(ex *exchange.Exchange, id string, opts Options) (*Handle, error) {
	if _, err := ex.ReadMeta(id); err != nil {
		return nil, err
	}
	return &Handle{ex: ex, id: id, opts: opts.withDefaults()}, nil
}

// ID returns the request id.
func (h *Handle) ID() string { return h.id }

// State reads the current request state.
func (h *Handle) State() (model.State, error) {
	return h.ex.ReadState(h.id)
}

// Heartbeat reads the last daemon heartbeat, zero when none exists yet.
func (h *Handle) Heartbeat() (time.Time, error) {
	return h.ex.ReadHeartbeat(h.id)
}

// Log reads the request log. Available at any time, finalized once the
// request is terminal.
func (h *Handle) Log() ([]byte, error) {
	return h.ex.ReadLog(h.id)
}

// Done reports whether the request reached a terminal state. Non-blocking
// and idempotent: it never mutates anything, so calling it after completion
// keeps returning true.
func (h *Handle) Done() (bool, error) {
	state, err := h.ex.ReadState(h.id)
	if err != nil {
		return false, err
	}
	return state.Terminal(), nil
}

// Wait polls until the request is terminal, the context is cancelled, or
// the daemon heartbeat goes stale. Cancellation and staleness end only this
// wait; server-side execution is unaffected and may still finish later.
func (h *Handle) Wait(ctx context.Context) (model.State, error) {
	ticker := time.NewTicker(h.opts.PollInterval)
	defer ticker.Stop()

	for {
		state, err := h.ex.ReadState(h.id)
		if err != nil {
			return "", err
		}
		if state.Terminal() {
			return state, nil
		}

		if state == model.StateClaimed || state == model.StateRunning {
			stale, err := h.heartbeatStale(state)
			if err != nil {
				return "", err
			}
			if stale {
				return state, fmt.Errorf("request %s: %w", h.id, model.ErrHeartbeatStale)
			}
		}

		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-ticker.C:
		}
	}
}

// heartbeatStale compares the heartbeat age against StaleAfter. Before the
// first heartbeat the claim timestamp serves as the baseline, so a daemon
// that died right after claiming is detected too.
func (h *Handle) heartbeatStale(state model.State) (bool, error) {
	beat, err := h.ex.ReadHeartbeat(h.id)
	if err != nil {
		return false, err
	}
	if beat.IsZero() {
		claim, err := h.ex.ReadClaim(h.id)
		if err != nil {
			return false, err
		}
		if claim.ClaimedAt.IsZero() {
			// claimed marker not readable yet; not our call to make
			return false, nil
		}
		beat = claim.ClaimedAt
	}
	return time.Since(beat) > h.opts.StaleAfter, nil
}

// Result is what a finished request produced.
type Result struct {
	State   model.State
	Outputs []string // paths relative to the output subtree
	Log     []byte
}

// Result collects the outcome of a terminal request. On DONE it returns the
// output file list and the log. On FAILED and ABORTED it returns the log
// alongside ErrJobFailed / ErrJobAborted (or ErrInvalidParameters when the
// failure detail records one), so callers always have the diagnostics.
func (h *Handle) Result() (*Result, error) {
	state, err := h.ex.ReadState(h.id)
	if err != nil {
		return nil, err
	}
	if !state.Terminal() {
		return nil, fmt.Errorf("request %s is %s: %w", h.id, state, model.ErrNotTerminal)
	}

	logData, err := h.ex.ReadLog(h.id)
	if err != nil {
		return nil, err
	}
	res := &Result{State: state, Log: logData}

	switch state {
	case model.StateDone:
		outputs, err := h.ex.Outputs(h.id)
		if err != nil {
			return nil, err
		}
		res.Outputs = outputs
		return res, nil
	case model.StateAborted:
		detail, _ := h.ex.ReadFailure(h.id)
		return res, failure(h.id, detail, model.ErrJobAborted)
	default: // FAILED
		detail, _ := h.ex.ReadFailure(h.id)
		if strings.HasPrefix(detail, model.FailureInvalidParameters) {
			return res, failure(h.id, detail, model.ErrInvalidParameters)
		}
		return res, failure(h.id, detail, model.ErrJobFailed)
	}
}

// ReadOutput returns one output file of a DONE request.
func (h *Handle) ReadOutput(rel string) ([]byte, error) {
	return h.ex.ReadOutput(h.id, rel)
}

// Remove deletes the request from the exchange after results were read.
func (h *Handle) Remove() error {
	return h.ex.Remove(h.id)
}

func failure(id, detail string, sentinel error) error {
	if detail == "" {
		return fmt.Errorf("request %s: %w", id, sentinel)
	}
	return fmt.Errorf("request %s: %w: %s", id, sentinel, detail)
}
