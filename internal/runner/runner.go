// Package runner is a thin wrapper around os/exec for the batch executable:
// it starts the child, streams both output pipes line by line into a
// callback and publishes exactly one Result when the process exits.
package runner

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

var (
	ErrNotStarted = errors.New("job not started")
	ErrInProgress = errors.New("job in progress")
)

// LineFunc receives one line of child output. stream is "stdout" or
// "stderr".
type LineFunc func(ctx context.Context, stream, line string)

// Command describes one child process invocation.
type Command struct {
	Path    string
	Args    []string
	Env     []string
	Dir     string
	Timeout time.Duration
}

// Result is the terminal outcome of one invocation.
type Result struct {
	Path    string
	Args    []string
	Started time.Time
	Stopped time.Time
	State   *os.ProcessState
	Err     error
}

// ExitCode returns the child exit code, -1 when it never ran or was killed.
func (r Result) ExitCode() int {
	if r.State == nil {
		return -1
	}
	return r.State.ExitCode()
}

// Runner supervises at most one child process at a time.
type Runner struct {
	mx         sync.RWMutex
	cmd        *exec.Cmd
	cancelFunc context.CancelFunc
	result     Result
	waits      []chan Result
	lineWG     sync.WaitGroup
}

func New() *Runner {
	return &Runner{
		result: Result{Err: ErrNotStarted},
	}
}

// Start launches the child process. It does not wait for completion; use
// ResultsChan. An internal goroutine monitors the command, two more stream
// the output pipes when lineFunc is set.
func (r *Runner) Start(ctx context.Context, proto Command, lineFunc LineFunc) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd != nil {
		return ErrInProgress
	}

	r.result = Result{
		Path: proto.Path,
		Args: append([]string(nil), proto.Args...),
	}

	if proto.Timeout == 0 {
		slog.WarnContext(ctx, "command has no timeout", "path", proto.Path)
	} else {
		ctx, r.cancelFunc = context.WithTimeout(ctx, proto.Timeout)
	}

	cmd := exec.CommandContext(ctx, proto.Path, proto.Args...)
	cmd.Env = proto.Env
	cmd.Dir = proto.Dir
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr io.ReadCloser
	if lineFunc != nil {
		var err error
		stdout, err = cmd.StdoutPipe()
		if err != nil {
			return err
		}
		stderr, err = cmd.StderrPipe()
		if err != nil {
			return err
		}
	}

	r.result.Started = time.Now().UTC()
	if err := cmd.Start(); err != nil {
		r.result.Stopped = time.Now().UTC()
		r.result.Err = err
		return err
	}
	r.cmd = cmd

	if lineFunc != nil {
		r.lineWG.Add(2)
		go r.processLines(ctx, "stdout", stdout, lineFunc)
		go r.processLines(ctx, "stderr", stderr, lineFunc)
	}
	go r.wait(cmd)
	return nil
}

func (r *Runner) processLines(ctx context.Context, stream string, pipe io.Reader, lineFunc LineFunc) {
	defer r.lineWG.Done()
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineFunc(ctx, stream, scanner.Text())
	}
	err := scanner.Err()
	if err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "processing child output", "stream", stream, "error", err)
	}
}

func (r *Runner) wait(cmd *exec.Cmd) {
	// output pipes must be drained before Wait closes them
	r.lineWG.Wait()
	err := cmd.Wait()
	if r.cancelFunc != nil {
		r.cancelFunc()
	}
	stopped := time.Now().UTC()

	r.mx.Lock()
	defer r.mx.Unlock()
	r.result.Stopped = stopped
	r.result.State = cmd.ProcessState
	r.result.Err = err
	r.cmd = nil
	for _, ch := range r.waits {
		ch <- r.result
		close(ch)
	}
	r.waits = nil
}

// Kill terminates the running child immediately. The pending Result will
// carry the kill error.
func (r *Runner) Kill() error {
	r.mx.RLock()
	cmd := r.cmd
	r.mx.RUnlock()
	if cmd == nil || cmd.Process == nil {
		return ErrNotStarted
	}
	return cmd.Process.Kill()
}

// ResultsChan returns a channel delivering the Result of the running
// command. The channel is closed after the value is sent.
func (r *Runner) ResultsChan() <-chan Result {
	ch := make(chan Result, 1)
	r.mx.Lock()
	defer r.mx.Unlock()
	if r.cmd == nil {
		// already finished (or never started): deliver the last result
		ch <- r.result
		close(ch)
		return ch
	}
	r.waits = append(r.waits, ch)
	return ch
}

// LastResult returns the most recent result, or one wrapping ErrNotStarted.
func (r *Runner) LastResult() Result {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.result
}
