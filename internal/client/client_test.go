package client_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mqrun/fscall/internal/client"
	"github.com/mqrun/fscall/internal/exchange"
	"github.com/mqrun/fscall/internal/model"
)

func newExchange(t *testing.T) *exchange.Exchange {
	t.Helper()
	ex, err := exchange.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, ex.Close())
	})
	return ex
}

func payloadDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.txt"), []byte("x"), 0o644))
	return dir
}

// fastOpts keeps the polling loops tight enough for tests.
var fastOpts = client.Options{
	PollInterval: 10 * time.Millisecond,
	StaleAfter:   time.Minute,
}

func TestSubmitAndOpen(t *testing.T) {
	t.Parallel()
	ex := newExchange(t)

	handle, err := client.Submit(ex, payloadDir(t), fastOpts)
	require.NoError(t, err)
	require.NotEmpty(t, handle.ID())

	state, err := handle.State()
	require.NoError(t, err)
	require.Equal(t, model.StateNew, state)

	done, err := handle.Done()
	require.NoError(t, err)
	require.False(t, done)

	t.Run("reattach by id", func(t *testing.T) {
		again, err := client.Open(ex, handle.ID(), fastOpts)
		require.NoError(t, err)
		require.Equal(t, handle.ID(), again.ID())
	})

	t.Run("open unknown id", func(t *testing.T) {
		_, err := client.Open(ex, "no-such-request", fastOpts)
		require.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestWaitUntilDone(t *testing.T) {
	t.Parallel()
	ex := newExchange(t)
	handle, err := client.Submit(ex, payloadDir(t), fastOpts)
	require.NoError(t, err)
	id := handle.ID()

	// the daemon side, compressed
	go func() {
		time.Sleep(30 * time.Millisecond)
		if err := ex.Claim(id, "test-daemon"); err != nil {
			return
		}
		_ = ex.WriteHeartbeat(id, time.Now())
		_ = ex.Transition(id, model.StateClaimed, model.StateRunning)
		_ = ex.EnsureOutputDir(id)
		_ = os.WriteFile(filepath.Join(ex.OutputDir(id), "answer.txt"), []byte("42"), 0o644)
		_ = ex.AppendLog(id, "computed the answer")
		_ = ex.Transition(id, model.StateRunning, model.StateDone)
	}()

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	state, err := handle.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, model.StateDone, state)

	t.Run("done is idempotent", func(t *testing.T) {
		for range 3 {
			done, err := handle.Done()
			require.NoError(t, err)
			require.True(t, done)
		}
	})

	res, err := handle.Result()
	require.NoError(t, err)
	require.Equal(t, model.StateDone, res.State)
	require.Equal(t, []string{"answer.txt"}, res.Outputs)
	require.Contains(t, string(res.Log), "computed the answer")

	raw, err := handle.ReadOutput("answer.txt")
	require.NoError(t, err)
	require.Equal(t, "42", string(raw))

	t.Run("remove after reading", func(t *testing.T) {
		require.NoError(t, handle.Remove())
		_, err := handle.State()
		require.ErrorIs(t, err, model.ErrNotFound)
	})
}

func TestWaitTimeout(t *testing.T) {
	t.Parallel()
	ex := newExchange(t)
	handle, err := client.Submit(ex, payloadDir(t), fastOpts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	state, err := handle.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, model.StateNew, state)

	t.Run("request survives the timeout", func(t *testing.T) {
		again, err := client.Open(ex, handle.ID(), fastOpts)
		require.NoError(t, err)
		state, err := again.State()
		require.NoError(t, err)
		require.Equal(t, model.StateNew, state)
	})
}

func TestWaitStaleHeartbeat(t *testing.T) {
	t.Parallel()
	ex := newExchange(t)
	opts := client.Options{
		PollInterval: 10 * time.Millisecond,
		StaleAfter:   50 * time.Millisecond,
	}
	handle, err := client.Submit(ex, payloadDir(t), opts)
	require.NoError(t, err)
	id := handle.ID()

	// a daemon claims, beats once and dies
	require.NoError(t, ex.Claim(id, "dying-daemon"))
	require.NoError(t, ex.WriteHeartbeat(id, time.Now()))

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	state, err := handle.Wait(ctx)
	require.ErrorIs(t, err, model.ErrHeartbeatStale)
	require.Equal(t, model.StateClaimed, state)
}

func TestWaitStaleWithoutAnyHeartbeat(t *testing.T) {
	t.Parallel()
	ex := newExchange(t)
	opts := client.Options{
		PollInterval: 10 * time.Millisecond,
		StaleAfter:   50 * time.Millisecond,
	}
	handle, err := client.Submit(ex, payloadDir(t), opts)
	require.NoError(t, err)

	// claimed but the daemon died before the first heartbeat: the claim
	// timestamp is the staleness baseline
	require.NoError(t, ex.Claim(handle.ID(), "dead-on-arrival"))

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Second)
	defer cancel()
	_, err = handle.Wait(ctx)
	require.ErrorIs(t, err, model.ErrHeartbeatStale)
}

func TestResultFailed(t *testing.T) {
	t.Parallel()
	ex := newExchange(t)
	handle, err := client.Submit(ex, payloadDir(t), fastOpts)
	require.NoError(t, err)
	id := handle.ID()

	require.NoError(t, ex.Claim(id, "test-daemon"))
	require.NoError(t, ex.Transition(id, model.StateClaimed, model.StateRunning))
	require.NoError(t, ex.AppendLog(id, "exploded"))
	require.NoError(t, ex.WriteFailure(id, "exit code 1"))
	require.NoError(t, ex.Transition(id, model.StateRunning, model.StateFailed))

	res, err := handle.Result()
	require.ErrorIs(t, err, model.ErrJobFailed)
	require.NotNil(t, res)
	require.Equal(t, model.StateFailed, res.State)
	require.Contains(t, string(res.Log), "exploded")
}

func TestResultInvalidParameters(t *testing.T) {
	t.Parallel()
	ex := newExchange(t)
	handle, err := client.Submit(ex, payloadDir(t), fastOpts)
	require.NoError(t, err)
	id := handle.ID()

	require.NoError(t, ex.Claim(id, "test-daemon"))
	require.NoError(t, ex.Transition(id, model.StateClaimed, model.StateRunning))
	require.NoError(t, ex.WriteFailure(id, model.FailureInvalidParameters+": exit code 2"))
	require.NoError(t, ex.Transition(id, model.StateRunning, model.StateFailed))

	res, err := handle.Result()
	require.ErrorIs(t, err, model.ErrInvalidParameters)
	require.NotNil(t, res)
}

func TestResultAborted(t *testing.T) {
	t.Parallel()
	ex := newExchange(t)
	handle, err := client.Submit(ex, payloadDir(t), fastOpts)
	require.NoError(t, err)
	id := handle.ID()

	require.NoError(t, ex.Claim(id, "test-daemon"))
	require.NoError(t, ex.Transition(id, model.StateClaimed, model.StateRunning))
	require.NoError(t, ex.WriteFailure(id, "daemon shutdown"))
	require.NoError(t, ex.Transition(id, model.StateRunning, model.StateAborted))

	res, err := handle.Result()
	require.ErrorIs(t, err, model.ErrJobAborted)
	require.NotNil(t, res)
	require.Equal(t, model.StateAborted, res.State)
}

func TestResultNotTerminal(t *testing.T) {
	t.Parallel()
	ex := newExchange(t)
	handle, err := client.Submit(ex, payloadDir(t), fastOpts)
	require.NoError(t, err)

	_, err = handle.Result()
	require.ErrorIs(t, err, model.ErrNotTerminal)
}
