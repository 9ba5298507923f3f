package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mqrun/fscall/internal/client"
	"github.com/mqrun/fscall/internal/daemon"
	"github.com/mqrun/fscall/internal/exchange"
	"github.com/mqrun/fscall/internal/model"
)

var (
	flagWait    bool
	flagTimeout string
)

func init() {
	submitCmd.Flags().BoolVar(&flagWait, "wait", false, "poll until the request finishes")
	submitCmd.Flags().StringVar(&flagTimeout, "timeout", "", "give up waiting after this long, e.g. 2h30m")
	waitCmd.Flags().StringVar(&flagTimeout, "timeout", "", "give up waiting after this long, e.g. 2h30m")
}

var submitCmd = &cobra.Command{
	Use:   "submit <payload-dir>",
	Short: "submit publishes the files of a directory as a new request",
	Args:  cobra.ExactArgs(1),
	RunE:  doSubmit,
}

var waitCmd = &cobra.Command{
	Use:   "wait <id>",
	Short: "wait polls an existing request until it reaches a terminal state",
	Args:  cobra.ExactArgs(1),
	RunE:  doWait,
}

var statusCmd = &cobra.Command{
	Use:   "status [<id>]",
	Short: "status reports request states and heartbeat ages",
	Args:  cobra.MaximumNArgs(1),
	RunE:  doStatus,
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <id> <dest-dir>",
	Short: "fetch copies the outputs and log of a finished request",
	Args:  cobra.ExactArgs(2),
	RunE:  doFetch,
}

func openExchange() (*exchange.Exchange, error) {
	dir, err := exchangeDir()
	if err != nil {
		return nil, err
	}
	return exchange.Open(dir)
}

func clientOptions() (client.Options, error) {
	var opts client.Options
	if config.Client == nil {
		return opts, nil
	}
	if p := deref(config.Client.Poll); p != "" {
		d, err := daemon.ParseDuration(p)
		if err != nil {
			return opts, fmt.Errorf("parsing client.poll: %w", err)
		}
		opts.PollInterval = d
	}
	if s := deref(config.Client.StaleAfter); s != "" {
		d, err := daemon.ParseDuration(s)
		if err != nil {
			return opts, fmt.Errorf("parsing client.stale_after: %w", err)
		}
		opts.StaleAfter = d
	}
	return opts, nil
}

func waitCtx(parent context.Context) (context.Context, context.CancelFunc, error) {
	if flagTimeout == "" {
		ctx, cancel := context.WithCancel(parent)
		return ctx, cancel, nil
	}
	d, err := time.ParseDuration(flagTimeout)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing --timeout: %w", err)
	}
	ctx, cancel := context.WithTimeout(parent, d)
	return ctx, cancel, nil
}

func doSubmit(cmd *cobra.Command, args []string) error {
	ex, err := openExchange()
	if err != nil {
		return err
	}
	defer func() {
		_ = ex.Close()
	}()

	opts, err := clientOptions()
	if err != nil {
		return err
	}
	handle, err := client.Submit(ex, args[0], opts)
	if err != nil {
		return err
	}
	fmt.Println(handle.ID())

	if !flagWait {
		return nil
	}
	ctx, cancel, err := waitCtx(cmd.Context())
	if err != nil {
		return err
	}
	defer cancel()
	return reportOutcome(ctx, handle)
}

func doWait(cmd *cobra.Command, args []string) error {
	ex, err := openExchange()
	if err != nil {
		return err
	}
	defer func() {
		_ = ex.Close()
	}()

	opts, err := clientOptions()
	if err != nil {
		return err
	}
	handle, err := client.Open(ex, args[0], opts)
	if err != nil {
		return err
	}
	ctx, cancel, err := waitCtx(cmd.Context())
	if err != nil {
		return err
	}
	defer cancel()
	return reportOutcome(ctx, handle)
}

func reportOutcome(ctx context.Context, handle *client.Handle) error {
	state, err := handle.Wait(ctx)
	if err != nil {
		return fmt.Errorf("request is %s: %w", state, err)
	}
	res, err := handle.Result()
	if err != nil {
		// terminal failure: the log is the diagnosis
		if res != nil && len(res.Log) > 0 {
			fmt.Fprint(os.Stderr, string(res.Log))
		}
		return err
	}
	fmt.Printf("state: %s\n", res.State)
	for _, out := range res.Outputs {
		fmt.Printf("output: %s\n", out)
	}
	return nil
}

func doStatus(cmd *cobra.Command, args []string) error {
	ex, err := openExchange()
	if err != nil {
		return err
	}
	defer func() {
		_ = ex.Close()
	}()

	ids := args
	if len(ids) == 0 {
		ids, err = ex.List()
		if err != nil {
			return err
		}
	}

	for _, id := range ids {
		state, err := ex.ReadState(id)
		if err != nil {
			return err
		}
		line := fmt.Sprintf("%s %s", id, state)
		if state == model.StateClaimed || state == model.StateRunning {
			claim, err := ex.ReadClaim(id)
			if err == nil && claim.Owner != "" {
				line += " owner=" + claim.Owner
			}
			beat, err := ex.ReadHeartbeat(id)
			if err == nil && !beat.IsZero() {
				line += fmt.Sprintf(" heartbeat=%s ago", time.Since(beat).Round(time.Second))
			}
		}
		fmt.Println(line)
	}
	return nil
}

func doFetch(cmd *cobra.Command, args []string) error {
	id, dest := args[0], args[1]

	ex, err := openExchange()
	if err != nil {
		return err
	}
	defer func() {
		_ = ex.Close()
	}()

	handle, err := client.Open(ex, id, client.Options{})
	if err != nil {
		return err
	}
	done, err := handle.Done()
	if err != nil {
		return err
	}
	if !done {
		return fmt.Errorf("request %s: %w", id, model.ErrNotTerminal)
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	outputs, err := ex.Outputs(id)
	if err != nil {
		return err
	}
	for _, rel := range outputs {
		raw, err := ex.ReadOutput(id, rel)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(target, raw, 0o644); err != nil {
			return err
		}
	}
	logData, err := handle.Log()
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dest, "log.txt"), logData, 0o644); err != nil {
		return err
	}
	fmt.Printf("fetched %d output files and the log into %s\n", len(outputs), dest)
	return nil
}
