package model

import (
	"io"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

// Config is the top level fscall configuration, shared by the daemon and the
// client commands. Durations are strings in the (\d+d)?(\d+h)?(\d+m)?(\d+s)?
// form and are parsed where they are consumed.
type Config struct {
	Version  int     `json:"version" yaml:"version"` // fixed 0 for now
	Exchange string  `json:"exchange" yaml:"exchange"`
	Daemon   *Daemon `json:"daemon,omitempty" yaml:"daemon,omitempty"`
	Client   *Client `json:"client,omitempty" yaml:"client,omitempty"`
	Service  Service `json:"service,omitempty" yaml:"service,omitempty"`
}

// Daemon configures the scheduler daemon.
type Daemon struct {
	Executable  string    `json:"executable" yaml:"executable"`
	Args        []string  `json:"args,omitempty" yaml:"args,omitempty"`
	Limit       *int      `json:"limit,omitempty" yaml:"limit,omitempty"`
	Interval    *string   `json:"interval,omitempty" yaml:"interval,omitempty"`
	Heartbeat   *string   `json:"heartbeat,omitempty" yaml:"heartbeat,omitempty"`
	RunTimeout  *string   `json:"run_timeout,omitempty" yaml:"run_timeout,omitempty"`
	NameRe      *string   `json:"name_re,omitempty" yaml:"name_re,omitempty"`
	MaxRequests *int      `json:"max_requests,omitempty" yaml:"max_requests,omitempty"`
	Journal     *string   `json:"journal,omitempty" yaml:"journal,omitempty"`
	Schedule    *Schedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
}

// Schedule switches discovery sweeps from a plain ticker to gocron.
// Exactly one of Cron or Duration should be set.
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
}

// Client configures the polling side.
type Client struct {
	Poll       *string `json:"poll,omitempty" yaml:"poll,omitempty"`
	StaleAfter *string `json:"stale_after,omitempty" yaml:"stale_after,omitempty"`
}

// Service holds logging settings shared by every subcommand.
type Service struct {
	Verbose *bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log     *string `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
}

// LoadConfig validates YAML from r against the CUE schema and decodes it.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("fscall.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}

// DefaultConfig is what gets written on a first run when no config exists.
func DefaultConfig(exchange string) Config {
	return Config{
		Version:  0,
		Exchange: exchange,
	}
}
