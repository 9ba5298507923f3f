package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mqrun/fscall/internal/log"
	"github.com/mqrun/fscall/internal/model"
)

var (
	userConfigPath string // default config dir for fscall on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
	flagExchange       string // value of --exchange flag, overrides config
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "fscall")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is fscall.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")
	rootCmd.PersistentFlags().StringVar(&flagExchange, "exchange", "", "shared exchange directory, overrides the config file")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse the config, setup logging
	rootCmd.PersistentPreRunE = initFscall

	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(waitCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("fscall failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "fscall",
	Short:        "Filesystem-mediated batch call client and scheduler daemon",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provides the version of fscall",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("fscall: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("fscall: %s\n", info.Main.Version)
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
	},
}

func initFscall(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("FSCALLCONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{userConfigPath, "."} {
			path := filepath.Join(d, "fscall.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	if configPath == "" {
		// no config anywhere: the exchange must come from the flag
		if flagExchange == "" {
			config = model.DefaultConfig("")
		} else {
			config = model.DefaultConfig(flagExchange)
			configPath = filepath.Join(userConfigPath, "fscall.yaml")
			if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
				return fmt.Errorf("creating directory %s: %w", filepath.Dir(configPath), err)
			}
			f, err := os.Create(configPath)
			if err != nil {
				return fmt.Errorf("creating file %s: %w", configPath, err)
			}
			defer func() {
				_ = f.Close()
			}()
			enc := yaml.NewEncoder(f)
			if err := enc.Encode(config); err != nil {
				return fmt.Errorf("storing configuration: %w", err)
			}
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// flags take precedence over the config file
	if flagExchange != "" {
		config.Exchange = flagExchange
	}
	if flagVerbose {
		verbose := true
		config.Service.Verbose = &verbose
	}

	slog.SetDefault(log.New(logWriter(config.Service.Log), deref(config.Service.Verbose)))

	slog.Debug("fscall run", "configPath", configPath)
	return nil
}

func logWriter(dst *string) io.Writer {
	if dst == nil {
		return os.Stderr
	}
	switch *dst {
	case model.LogStderr:
		return os.Stderr
	case model.LogStdout:
		return os.Stdout
	case model.LogDiscard:
		return io.Discard
	default:
		f, err := os.OpenFile(*dst, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "cannot open log file %s: %v, using stderr\n", *dst, err)
			return os.Stderr
		}
		return f
	}
}

func exchangeDir() (string, error) {
	if config.Exchange == "" {
		return "", fmt.Errorf("no exchange directory configured, use --exchange or a config file")
	}
	return config.Exchange, nil
}

func deref[T any](pt *T) T {
	var zero T
	if pt == nil {
		return zero
	}
	return *pt
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info != nil && info.Mode().IsRegular()
}
