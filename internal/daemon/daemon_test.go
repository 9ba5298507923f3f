package daemon_test

import (
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mqrun/fscall/internal/client"
	"github.com/mqrun/fscall/internal/daemon"
	"github.com/mqrun/fscall/internal/exchange"
	"github.com/mqrun/fscall/internal/model"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
}

func newExchange(t *testing.T) *exchange.Exchange {
	t.Helper()
	ex, err := exchange.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, ex.Close())
	})
	return ex
}

// writeScript writes an executable shell script receiving the input
// directory as $1 and the output directory as $2.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batch.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func submit(t *testing.T, ex *exchange.Exchange) *client.Handle {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.txt"), []byte("payload"), 0o644))
	handle, err := client.Submit(ex, dir, client.Options{
		PollInterval: 10 * time.Millisecond,
		StaleAfter:   time.Minute,
	})
	require.NoError(t, err)
	return handle
}

func testConfig(executable string) daemon.Config {
	return daemon.Config{
		Executable:        executable,
		Limit:             2,
		Interval:          20 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		Owner:             "test-daemon",
	}
}

// startDaemon runs the daemon in the background and returns its exit error
// channel. The test must stop the daemon (drain, abort or ctx) before it
// ends.
func startDaemon(t *testing.T, ex *exchange.Exchange, cfg daemon.Config) (*daemon.Daemon, chan error) {
	t.Helper()
	d, err := daemon.New(ex, cfg, nil)
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Run(t.Context())
	}()
	return d, errCh
}

func waitStopped(t *testing.T, errCh chan error) {
	t.Helper()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop in time")
	}
}

func waitState(t *testing.T, ex *exchange.Exchange, id string, want model.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, err := ex.ReadState(id)
		require.NoError(t, err)
		if state == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	state, _ := ex.ReadState(id)
	t.Fatalf("request %s is %s, expected %s", id, state, want)
}

func TestDaemonServesRequests(t *testing.T) {
	requireSh(t)
	ex := newExchange(t)
	script := writeScript(t, `cp "$1"/* "$2"/ && echo copied`)

	first := submit(t, ex)
	second := submit(t, ex)

	cfg := testConfig(script)
	cfg.Limit = 1 // serialize, the second waits for the first
	d, errCh := startDaemon(t, ex, cfg)

	for _, handle := range []*client.Handle{first, second} {
		state, err := handle.Wait(t.Context())
		require.NoError(t, err)
		require.Equal(t, model.StateDone, state)

		res, err := handle.Result()
		require.NoError(t, err)
		require.Equal(t, []string{"in.txt"}, res.Outputs)
		require.Contains(t, string(res.Log), "stdout: copied")
		require.Contains(t, string(res.Log), "claimed by test-daemon")

		raw, err := handle.ReadOutput("in.txt")
		require.NoError(t, err)
		require.Equal(t, "payload", string(raw))

		claim, err := ex.ReadClaim(handle.ID())
		require.NoError(t, err)
		require.Equal(t, "test-daemon", claim.Owner)

		beat, err := handle.Heartbeat()
		require.NoError(t, err)
		require.False(t, beat.IsZero())
	}

	d.Drain()
	waitStopped(t, errCh)
	require.Equal(t, daemon.PhaseStopped, d.Phase())
}

func TestDaemonFailingExecutable(t *testing.T) {
	requireSh(t)
	ex := newExchange(t)
	script := writeScript(t, `echo boom 1>&2; exit 1`)

	handle := submit(t, ex)
	d, errCh := startDaemon(t, ex, testConfig(script))

	state, err := handle.Wait(t.Context())
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, state)

	res, err := handle.Result()
	require.ErrorIs(t, err, model.ErrJobFailed)
	require.Contains(t, err.Error(), "exit code 1")
	require.Contains(t, string(res.Log), "stderr: boom")

	d.Drain()
	waitStopped(t, errCh)
}

func TestDaemonInvalidParameters(t *testing.T) {
	requireSh(t)
	ex := newExchange(t)
	script := writeScript(t, `exit 2`)

	handle := submit(t, ex)
	d, errCh := startDaemon(t, ex, testConfig(script))

	state, err := handle.Wait(t.Context())
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, state)

	_, err = handle.Result()
	require.ErrorIs(t, err, model.ErrInvalidParameters)

	d.Drain()
	waitStopped(t, errCh)
}

func TestDaemonRunTimeout(t *testing.T) {
	requireSh(t)
	ex := newExchange(t)
	script := writeScript(t, `sleep 30`)

	handle := submit(t, ex)
	cfg := testConfig(script)
	cfg.RunTimeout = 100 * time.Millisecond
	d, errCh := startDaemon(t, ex, cfg)

	state, err := handle.Wait(t.Context())
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, state)

	_, err = handle.Result()
	require.ErrorIs(t, err, model.ErrJobFailed)

	d.Drain()
	waitStopped(t, errCh)
}

func TestDaemonDrainLeavesQueuedRequests(t *testing.T) {
	requireSh(t)
	ex := newExchange(t)
	script := writeScript(t, `sleep 1`)

	first := submit(t, ex)
	second := submit(t, ex)

	cfg := testConfig(script)
	cfg.Limit = 1
	d, errCh := startDaemon(t, ex, cfg)

	waitState(t, ex, first.ID(), model.StateRunning)
	d.Drain()
	waitStopped(t, errCh)

	// in-flight finished, queued untouched
	waitState(t, ex, first.ID(), model.StateDone)
	state, err := second.State()
	require.NoError(t, err)
	require.Equal(t, model.StateNew, state)
	claim, err := ex.ReadClaim(second.ID())
	require.NoError(t, err)
	require.Empty(t, claim.Owner)
}

func TestDaemonAbortKillsRunningRequests(t *testing.T) {
	requireSh(t)
	ex := newExchange(t)
	script := writeScript(t, `sleep 30`)

	handle := submit(t, ex)
	d, errCh := startDaemon(t, ex, testConfig(script))

	waitState(t, ex, handle.ID(), model.StateRunning)
	started := time.Now()
	d.Abort()
	waitStopped(t, errCh)
	require.Less(t, time.Since(started), 10*time.Second)

	state, err := handle.State()
	require.NoError(t, err)
	require.Equal(t, model.StateAborted, state)

	res, err := handle.Result()
	require.ErrorIs(t, err, model.ErrJobAborted)
	require.NotNil(t, res)
}

func TestDaemonHeartbeatNotAfterTerminal(t *testing.T) {
	requireSh(t)
	ex := newExchange(t)
	script := writeScript(t, `exit 0`)

	const jobs = 50
	handles := make([]*client.Handle, jobs)
	for i := range handles {
		handles[i] = submit(t, ex)
	}

	cfg := testConfig(script)
	cfg.Limit = 4
	cfg.HeartbeatInterval = time.Millisecond // tighten the race window
	d, errCh := startDaemon(t, ex, cfg)

	for _, handle := range handles {
		state, err := handle.Wait(t.Context())
		require.NoError(t, err)
		require.Equal(t, model.StateDone, state)
	}
	d.Drain()
	waitStopped(t, errCh)

	// the heartbeat must never postdate the terminal state word
	for _, handle := range handles {
		id := handle.ID()
		beat, err := os.Stat(filepath.Join(ex.RequestDir(id), "heartbeat"))
		require.NoError(t, err)
		state, err := os.Stat(filepath.Join(ex.RequestDir(id), "state"))
		require.NoError(t, err)
		require.False(t, beat.ModTime().After(state.ModTime()),
			"request %s: heartbeat written %s after the terminal state",
			id, beat.ModTime().Sub(state.ModTime()))
	}
}

func TestDaemonAbortKeepsCompletedDone(t *testing.T) {
	requireSh(t)
	ex := newExchange(t)
	script := writeScript(t, `exit 0`)

	const jobs = 40
	handles := make([]*client.Handle, jobs)
	for i := range handles {
		handles[i] = submit(t, ex)
	}

	cfg := testConfig(script)
	cfg.Limit = 8
	d, errCh := startDaemon(t, ex, cfg)

	// abort mid-stream, with results of finished children still in flight
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		finished := 0
		for _, handle := range handles {
			if done, err := handle.Done(); err == nil && done {
				finished++
			}
		}
		if finished >= jobs/4 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	d.Abort()
	waitStopped(t, errCh)

	// a child that exited 0 completed its work, an abort racing the exit
	// must not demote it to ABORTED
	for _, handle := range handles {
		id := handle.ID()
		state, err := ex.ReadState(id)
		require.NoError(t, err)
		logData, err := ex.ReadLog(id)
		require.NoError(t, err)

		if strings.Contains(string(logData), "exited with code 0") {
			require.Equal(t, model.StateDone, state, "request %s completed but was not DONE", id)
		}
		if state == model.StateAborted {
			require.NotContains(t, string(logData), "exited with code 0", "request %s", id)
		}
	}
}

func TestDaemonMaxRequests(t *testing.T) {
	requireSh(t)
	ex := newExchange(t)
	script := writeScript(t, `cp "$1"/* "$2"/`)

	first := submit(t, ex)
	second := submit(t, ex)

	cfg := testConfig(script)
	cfg.MaxRequests = 1
	_, errCh := startDaemon(t, ex, cfg)

	// drains on its own once the budget is spent
	waitStopped(t, errCh)

	waitState(t, ex, first.ID(), model.StateDone)
	state, err := second.State()
	require.NoError(t, err)
	require.Equal(t, model.StateNew, state)
}

func TestDaemonNameFilter(t *testing.T) {
	requireSh(t)
	ex := newExchange(t)
	script := writeScript(t, `cp "$1"/* "$2"/`)

	handle := submit(t, ex)

	cfg := testConfig(script)
	cfg.NameRe = regexp.MustCompile(`^never-matches-`)
	d, errCh := startDaemon(t, ex, cfg)

	time.Sleep(100 * time.Millisecond) // a few sweeps
	d.Drain()
	waitStopped(t, errCh)

	state, err := handle.State()
	require.NoError(t, err)
	require.Equal(t, model.StateNew, state)
}

func TestDaemonConfigValidation(t *testing.T) {
	t.Parallel()
	ex := newExchange(t)

	_, err := daemon.New(ex, daemon.Config{}, nil)
	require.Error(t, err)
}

func TestPhaseString(t *testing.T) {
	t.Parallel()
	require.Equal(t, "LISTENING", daemon.PhaseListening.String())
	require.Equal(t, "DRAINING", daemon.PhaseDraining.String())
	require.Equal(t, "ABORTING", daemon.PhaseAborting.String())
	require.Equal(t, "STOPPED", daemon.PhaseStopped.String())
}
