package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"regexp"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mqrun/fscall/internal/daemon"
	"github.com/mqrun/fscall/internal/exchange"
	"github.com/mqrun/fscall/internal/journal"
	"github.com/mqrun/fscall/internal/model"
)

var (
	flagExecutable  string
	flagLimit       int
	flagInterval    string
	flagNameRe      string
	flagMaxRequests int
	flagJournal     string
)

func init() {
	daemonCmd.Flags().StringVar(&flagExecutable, "executable", "", "batch executable run once per request")
	daemonCmd.Flags().IntVarP(&flagLimit, "limit", "n", 0, "concurrently running requests")
	daemonCmd.Flags().StringVar(&flagInterval, "interval", "", "seconds between discovery sweeps, e.g. 10s")
	daemonCmd.Flags().StringVar(&flagNameRe, "name-re", "", "only claim requests whose directory name matches")
	daemonCmd.Flags().IntVar(&flagMaxRequests, "max-requests", 0, "stop claiming after this many requests, 0 is unlimited")
	daemonCmd.Flags().StringVar(&flagJournal, "journal", "", "sqlite run history database, empty disables it")
}

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "daemon serves the exchange: claims requests and runs the batch executable",
	RunE:  doDaemon,
}

func doDaemon(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	dir, err := exchangeDir()
	if err != nil {
		return err
	}
	cfg, journalPath, err := daemonConfig()
	if err != nil {
		return err
	}

	ex, err := exchange.Open(dir)
	if err != nil {
		return err
	}
	defer func() {
		_ = ex.Close()
	}()

	var jrnl *journal.Journal
	if journalPath != "" {
		jrnl, err = journal.Open(journalPath)
		if err != nil {
			return err
		}
		defer func() {
			_ = jrnl.Close()
		}()
	}

	d, err := daemon.New(ex, cfg, jrnl)
	if err != nil {
		return err
	}

	// first SIGINT/SIGTERM drains, a second one (or SIGQUIT) aborts
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(signals)
	go func() {
		drained := false
		for sig := range signals {
			if sig == syscall.SIGQUIT || drained {
				slog.Info("abort signal received", "signal", sig.String())
				d.Abort()
				continue
			}
			slog.Info("graceful stop signal received", "signal", sig.String())
			d.Drain()
			drained = true
		}
	}()

	return d.Run(ctx)
}

// daemonConfig merges the config file section and the daemon flags, flags
// winning.
func daemonConfig() (daemon.Config, string, error) {
	var cfg daemon.Config
	var journalPath string

	fileCfg := config.Daemon
	if fileCfg == nil {
		fileCfg = &model.Daemon{}
	}

	cfg.Executable = fileCfg.Executable
	if flagExecutable != "" {
		cfg.Executable = flagExecutable
	}
	cfg.Args = fileCfg.Args

	cfg.Limit = deref(fileCfg.Limit)
	if flagLimit > 0 {
		cfg.Limit = flagLimit
	}

	cfg.MaxRequests = deref(fileCfg.MaxRequests)
	if flagMaxRequests > 0 {
		cfg.MaxRequests = flagMaxRequests
	}

	interval := deref(fileCfg.Interval)
	if flagInterval != "" {
		interval = flagInterval
	}
	if interval != "" {
		d, err := daemon.ParseDuration(interval)
		if err != nil {
			return cfg, "", fmt.Errorf("parsing daemon.interval: %w", err)
		}
		cfg.Interval = d
	}

	if hb := deref(fileCfg.Heartbeat); hb != "" {
		d, err := daemon.ParseDuration(hb)
		if err != nil {
			return cfg, "", fmt.Errorf("parsing daemon.heartbeat: %w", err)
		}
		cfg.HeartbeatInterval = d
	}

	if rt := deref(fileCfg.RunTimeout); rt != "" {
		d, err := daemon.ParseDuration(rt)
		if err != nil {
			return cfg, "", fmt.Errorf("parsing daemon.run_timeout: %w", err)
		}
		cfg.RunTimeout = d
	}

	nameRe := deref(fileCfg.NameRe)
	if flagNameRe != "" {
		nameRe = flagNameRe
	}
	if nameRe != "" {
		re, err := regexp.Compile(nameRe)
		if err != nil {
			return cfg, "", fmt.Errorf("parsing daemon.name_re: %w", err)
		}
		cfg.NameRe = re
	}

	cfg.Schedule = fileCfg.Schedule

	journalPath = deref(fileCfg.Journal)
	if flagJournal != "" {
		journalPath = flagJournal
	}

	return cfg, journalPath, nil
}
