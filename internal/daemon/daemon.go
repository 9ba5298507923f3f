// Package daemon implements the server side of the protocol: a single
// long-running process that discovers unclaimed requests in the exchange,
// claims them atomically, runs the batch executable once per request and
// finalizes their state.
//
// Discovery is cooperative polling. Each sweep lists NEW requests and
// claims as many as the admission limit allows; everything beyond the limit
// stays NEW and is reconsidered on the next sweep. Sweeps are triggered by
// a plain ticker, or by gocron when a cron/duration schedule is configured.
//
// The daemon itself moves LISTENING -> DRAINING -> STOPPED on a graceful
// stop (finish in-flight jobs, claim nothing new) and LISTENING -> ABORTING
// -> STOPPED on an abort (kill children, mark their requests ABORTED).
// Orphaned requests of a dead daemon are never reclaimed: double-running a
// non-idempotent batch job is worse than requiring operator intervention.
//
// Exit status convention for the executable: 0 means success, 2 means the
// parameter artifact failed validation, anything else is a plain failure.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mqrun/fscall/internal/exchange"
	"github.com/mqrun/fscall/internal/journal"
	"github.com/mqrun/fscall/internal/log"
	"github.com/mqrun/fscall/internal/model"
	"github.com/mqrun/fscall/internal/runner"
)

// Phase is the daemon's own lifecycle.
type Phase int

const (
	PhaseListening Phase = iota
	PhaseDraining
	PhaseAborting
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseListening:
		return "LISTENING"
	case PhaseDraining:
		return "DRAINING"
	case PhaseAborting:
		return "ABORTING"
	case PhaseStopped:
		return "STOPPED"
	}
	return "UNKNOWN"
}

// exit code the executable uses to report a parameter validation failure
const exitInvalidParameters = 2

// Config tunes one daemon instance.
type Config struct {
	// Executable is invoked once per claimed request with the input and
	// output directory appended to Args, cwd set to the request directory.
	Executable string
	Args       []string

	// Limit bounds concurrently running requests.
	Limit int
	// Interval between discovery sweeps (ticker mode).
	Interval time.Duration
	// HeartbeatInterval between liveness writes while a request runs.
	HeartbeatInterval time.Duration
	// RunTimeout kills a child that runs longer; 0 disables it.
	RunTimeout time.Duration

	// NameRe restricts which request directory names are claimed.
	NameRe *regexp.Regexp
	// MaxRequests stops claiming after that many requests; 0 is unlimited.
	MaxRequests int

	// Schedule switches discovery from the ticker to gocron.
	Schedule *model.Schedule

	// Owner identifies this daemon in claim markers. Defaulted when empty.
	Owner string
}

func (c Config) withDefaults() (Config, error) {
	if c.Executable == "" {
		return c, errors.New("daemon: executable not configured")
	}
	if c.Limit <= 0 {
		c.Limit = 2
	}
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.Owner == "" {
		hostname, _ := os.Hostname()
		c.Owner = fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])
	}
	return c, nil
}

type jobDone struct {
	id string
}

// Daemon serves one exchange directory.
type Daemon struct {
	ex   *exchange.Exchange
	cfg  Config
	jrnl *journal.Journal

	mu      sync.Mutex
	phase   Phase
	running int
	claimed int
	runners map[string]*runner.Runner

	results chan jobDone
	sweepCh chan struct{}
	drainCh chan struct{}
	abortCh chan struct{}

	group errgroup.Group
}

// New creates a daemon. jrnl may be nil to disable the run journal.
func New(ex *exchange.Exchange, cfg Config, jrnl *journal.Journal) (*Daemon, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	return &Daemon{
		ex:      ex,
		cfg:     cfg,
		jrnl:    jrnl,
		phase:   PhaseListening,
		runners: make(map[string]*runner.Runner),
		results: make(chan jobDone),
		sweepCh: make(chan struct{}, 1),
		drainCh: make(chan struct{}, 1),
		abortCh: make(chan struct{}, 1),
	}, nil
}

// Drain asks the daemon to stop claiming and exit once in-flight jobs
// finished. Idempotent.
func (d *Daemon) Drain() {
	select {
	case d.drainCh <- struct{}{}:
	default:
	}
}

// Abort asks the daemon to kill in-flight jobs, mark them ABORTED and exit.
// Idempotent.
func (d *Daemon) Abort() {
	select {
	case d.abortCh <- struct{}{}:
	default:
	}
}

// Phase returns the current daemon phase.
func (d *Daemon) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// Run executes the daemon until drained, aborted or ctx is cancelled
// (treated as abort). It first probes the exchange for the filesystem
// guarantees the protocol depends on and refuses to serve without them.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.ex.SelfTest(); err != nil {
		return fmt.Errorf("exchange self-test failed: %w", err)
	}
	slog.InfoContext(ctx, "daemon listening",
		"exchange", d.ex.Dir(),
		"owner", d.cfg.Owner,
		"limit", d.cfg.Limit,
	)

	stopSweeps, err := d.startSweepSource(ctx)
	if err != nil {
		return err
	}
	defer stopSweeps()

	d.kick() // do not wait a full interval for the first sweep

	ctxDone := ctx.Done()
	for {
		select {
		case <-ctxDone:
			ctxDone = nil // fire once
			d.beginAbort(ctx)
		case <-d.drainCh:
			d.beginDrain(ctx)
		case <-d.abortCh:
			d.beginAbort(ctx)
		case <-d.sweepCh:
			d.sweep(ctx)
		case done := <-d.results:
			d.finishJob(ctx, done)
		}

		d.mu.Lock()
		stopped := d.phase != PhaseListening && d.running == 0
		if stopped {
			d.phase = PhaseStopped
		}
		d.mu.Unlock()
		if stopped {
			_ = d.group.Wait()
			slog.InfoContext(ctx, "daemon stopped")
			return nil
		}
	}
}

// startSweepSource wires either gocron or a plain ticker to the sweep
// channel.
func (d *Daemon) startSweepSource(ctx context.Context) (func(), error) {
	if d.cfg.Schedule == nil {
		ticker := time.NewTicker(d.cfg.Interval)
		done := make(chan struct{})
		go func() {
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					d.kick()
				}
			}
		}()
		return func() {
			ticker.Stop()
			close(done)
		}, nil
	}

	var def gocron.JobDefinition
	switch {
	case d.cfg.Schedule.Cron != "":
		if err := ParseCron(d.cfg.Schedule.Cron); err != nil {
			return nil, fmt.Errorf("parsing daemon.schedule.cron: %w", err)
		}
		def = gocron.CronJob(d.cfg.Schedule.Cron, false)
	case d.cfg.Schedule.Duration != "":
		dur, err := ParseDuration(d.cfg.Schedule.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing daemon.schedule.duration: %w", err)
		}
		def = gocron.DurationJob(dur)
	default:
		return nil, errors.New("daemon.schedule: both cron and duration are empty")
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	if _, err := scheduler.NewJob(def, gocron.NewTask(d.kick)); err != nil {
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	scheduler.Start()
	return func() {
		if err := scheduler.Shutdown(); err != nil {
			slog.ErrorContext(ctx, "shutting down gocron failed", "error", err)
		}
	}, nil
}

func (d *Daemon) kick() {
	select {
	case d.sweepCh <- struct{}{}:
	default:
	}
}

func (d *Daemon) beginDrain(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.phase != PhaseListening {
		return
	}
	d.phase = PhaseDraining
	slog.InfoContext(ctx, "daemon draining", "in_flight", d.running)
}

func (d *Daemon) beginAbort(ctx context.Context) {
	d.mu.Lock()
	if d.phase == PhaseAborting || d.phase == PhaseStopped {
		d.mu.Unlock()
		return
	}
	d.phase = PhaseAborting
	runners := make([]*runner.Runner, 0, len(d.runners))
	for _, r := range d.runners {
		runners = append(runners, r)
	}
	d.mu.Unlock()

	slog.WarnContext(ctx, "daemon aborting", "in_flight", len(runners))
	for _, r := range runners {
		if err := r.Kill(); err != nil && !errors.Is(err, runner.ErrNotStarted) {
			slog.ErrorContext(ctx, "killing child failed", "error", err)
		}
	}
}

// sweep is one discovery pass: list NEW requests and claim while the
// admission limit allows. Claim conflicts are benign, another daemon was
// faster. Storage errors abort only this pass.
func (d *Daemon) sweep(ctx context.Context) {
	d.mu.Lock()
	listening := d.phase == PhaseListening
	d.mu.Unlock()
	if !listening {
		return
	}

	d.mu.Lock()
	exhausted := d.cfg.MaxRequests > 0 && d.claimed >= d.cfg.MaxRequests
	d.mu.Unlock()
	if exhausted {
		slog.InfoContext(ctx, "max requests reached, draining")
		d.Drain()
		return
	}

	ids, err := d.ex.ListUnclaimed()
	if err != nil {
		slog.ErrorContext(ctx, "discovery pass failed, will retry", "error", err)
		return
	}

	for _, id := range ids {
		if d.cfg.NameRe != nil && !d.cfg.NameRe.MatchString(id) {
			continue
		}

		d.mu.Lock()
		atLimit := d.running >= d.cfg.Limit
		exhausted := d.cfg.MaxRequests > 0 && d.claimed >= d.cfg.MaxRequests
		d.mu.Unlock()
		if atLimit {
			break
		}
		if exhausted {
			slog.InfoContext(ctx, "max requests reached, draining")
			d.Drain()
			return
		}

		if err := d.ex.Claim(id, d.cfg.Owner); err != nil {
			if errors.Is(err, model.ErrClaimConflict) {
				slog.DebugContext(ctx, "lost claim race", "request_id", id)
				continue
			}
			slog.ErrorContext(ctx, "claiming request failed", "request_id", id, "error", err)
			continue
		}
		d.recordTransition(ctx, id, model.StateNew, model.StateClaimed)

		r := runner.New()
		d.mu.Lock()
		d.running++
		d.claimed++
		d.runners[id] = r
		d.mu.Unlock()

		d.group.Go(func() error {
			d.runJob(ctx, id, r)
			return nil
		})
	}
}

func (d *Daemon) finishJob(ctx context.Context, done jobDone) {
	d.mu.Lock()
	d.running--
	delete(d.runners, done.id)
	running := d.running
	d.mu.Unlock()
	slog.DebugContext(ctx, "job finished", "request_id", done.id, "in_flight", running)
}

// runJob owns one claimed request from RUNNING to its terminal state.
func (d *Daemon) runJob(ctx context.Context, id string, r *runner.Runner) {
	defer func() {
		d.results <- jobDone{id: id}
	}()
	ctx = log.ContextAttrs(ctx, slog.String("request_id", id))

	d.appendLog(ctx, id, "claimed by "+d.cfg.Owner)

	if err := d.ex.Transition(id, model.StateClaimed, model.StateRunning); err != nil {
		d.violation(ctx, id, model.StateClaimed, err)
		return
	}
	d.recordTransition(ctx, id, model.StateClaimed, model.StateRunning)
	if err := d.ex.EnsureOutputDir(id); err != nil {
		d.fail(ctx, id, "preparing output directory: "+err.Error())
		return
	}

	stopBeat := d.startHeartbeat(ctx, id)
	defer stopBeat()

	cmd := runner.Command{
		Path:    d.cfg.Executable,
		Args:    append(append([]string(nil), d.cfg.Args...), d.ex.InputDir(id), d.ex.OutputDir(id)),
		Env:     os.Environ(),
		Dir:     d.ex.RequestDir(id),
		Timeout: d.cfg.RunTimeout,
	}
	lineFunc := func(ctx context.Context, stream, line string) {
		d.appendLog(ctx, id, stream+": "+line)
	}

	d.appendLog(ctx, id, fmt.Sprintf("starting %s", d.cfg.Executable))
	if err := r.Start(ctx, cmd, lineFunc); err != nil {
		stopBeat()
		d.appendLog(ctx, id, "starting executable failed: "+err.Error())
		d.fail(ctx, id, "starting executable: "+err.Error())
		return
	}

	res := <-r.ResultsChan()
	stopBeat()

	took := res.Stopped.Sub(res.Started)
	code := res.ExitCode()
	d.appendLog(ctx, id, fmt.Sprintf("executable exited with code %d after %s", code, took.Round(time.Millisecond)))
	if d.jrnl != nil {
		if err := d.jrnl.RecordExit(ctx, id, code, took); err != nil {
			slog.WarnContext(ctx, "journal write failed", "error", err)
		}
	}

	// a child that completed successfully stays DONE even when an abort
	// raced its exit; only interrupted runs are marked ABORTED
	if d.Phase() == PhaseAborting && code != 0 {
		d.abortRequest(ctx, id)
		return
	}

	switch {
	case code == 0:
		if err := d.ex.Transition(id, model.StateRunning, model.StateDone); err != nil {
			d.violation(ctx, id, model.StateRunning, err)
			return
		}
		d.recordTransition(ctx, id, model.StateRunning, model.StateDone)
		d.appendLog(ctx, id, "request done")
		slog.InfoContext(ctx, "request done", "took", took)
	case code == exitInvalidParameters:
		d.fail(ctx, id, fmt.Sprintf("%s: executable rejected the parameter artifact (exit code %d)",
			model.FailureInvalidParameters, code))
	default:
		detail := fmt.Sprintf("exit code %d", code)
		if res.Err != nil {
			detail += ": " + res.Err.Error()
		}
		d.fail(ctx, id, detail)
	}
}

// startHeartbeat writes liveness timestamps until the returned stop func is
// called. stop joins the writer goroutine, so after it returns no heartbeat
// write can postdate a terminal transition. Safe to call more than once.
func (d *Daemon) startHeartbeat(ctx context.Context, id string) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	var once sync.Once

	if err := d.ex.WriteHeartbeat(id, time.Now()); err != nil {
		slog.WarnContext(ctx, "heartbeat write failed", "error", err)
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(d.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			select {
			case <-stop:
				// a pending tick raced the stop
				return
			default:
			}
			if err := d.ex.WriteHeartbeat(id, time.Now()); err != nil {
				slog.WarnContext(ctx, "heartbeat write failed", "error", err)
			}
		}
	}()
	return func() {
		once.Do(func() { close(stop) })
		<-done
	}
}

// fail finalizes a request as FAILED with the given detail.
func (d *Daemon) fail(ctx context.Context, id, detail string) {
	if err := d.ex.WriteFailure(id, detail); err != nil {
		slog.ErrorContext(ctx, "writing failure detail failed", "error", err)
	}
	d.appendLog(ctx, id, "request failed: "+detail)

	state, err := d.ex.ReadState(id)
	if err != nil {
		slog.ErrorContext(ctx, "reading state for failure transition", "error", err)
		return
	}
	if state.Terminal() {
		return
	}
	if err := d.ex.Transition(id, state, model.StateFailed); err != nil {
		slog.ErrorContext(ctx, "failure transition rejected", "error", err)
		return
	}
	d.recordTransition(ctx, id, state, model.StateFailed)
	slog.WarnContext(ctx, "request failed", "detail", detail)
}

// abortRequest finalizes a request as ABORTED, keeping whatever log was
// captured so far.
func (d *Daemon) abortRequest(ctx context.Context, id string) {
	if err := d.ex.WriteFailure(id, "aborted by operator"); err != nil {
		slog.ErrorContext(ctx, "writing abort detail failed", "error", err)
	}
	d.appendLog(ctx, id, "request aborted")

	state, err := d.ex.ReadState(id)
	if err != nil || state.Terminal() {
		return
	}
	if err := d.ex.Transition(id, state, model.StateAborted); err != nil {
		slog.ErrorContext(ctx, "abort transition rejected", "error", err)
		return
	}
	d.recordTransition(ctx, id, state, model.StateAborted)
	slog.WarnContext(ctx, "request aborted")
}

// violation handles an on-disk state that contradicts what this daemon
// expected. Somebody else wrote state we own - a local bug or operator
// interference. The request is failed with diagnostics, the daemon keeps
// serving others.
func (d *Daemon) violation(ctx context.Context, id string, expected model.State, err error) {
	detail := fmt.Sprintf("protocol violation: expected %s: %v", expected, err)
	slog.ErrorContext(ctx, "protocol violation", "expected", expected, "error", err)
	d.fail(ctx, id, detail)
}

func (d *Daemon) appendLog(ctx context.Context, id, line string) {
	if err := d.ex.AppendLog(id, line); err != nil {
		slog.WarnContext(ctx, "request log write failed", "error", err)
	}
}

func (d *Daemon) recordTransition(ctx context.Context, id string, from, to model.State) {
	if d.jrnl == nil {
		return
	}
	if err := d.jrnl.RecordTransition(ctx, id, from, to); err != nil {
		slog.WarnContext(ctx, "journal write failed", "error", err)
	}
}
