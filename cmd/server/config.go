//go:build linux || darwin

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"

	"github.com/matst80/procwrap/internal/events"
	"github.com/matst80/procwrap/internal/procgroup"
	"github.com/matst80/procwrap/internal/session"
)

const envPrefix = "WRAPPER_"

// Config holds all runtime configuration. Values come from flags, then
// WRAPPER_* environment variables, then the optional TOML file.
type Config struct {
	Listen        string
	Timeout       uint // seconds
	MOTD          string
	Pow           uint32
	PowBackdoor   string
	PowTimeout    uint // seconds
	User          string
	Workdir       string
	CgroupRoot    string
	MemoryHigh    int64
	SpawnRate     float64
	SpawnBurst    int
	MetricsAddr   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	ShutdownGrace time.Duration
	LogFormat     string
	Verbose       int
	Quiet         int
	ConfigFile    string
	Command       []string
}

// flags that only make sense on the command line
var cliOnly = map[string]bool{"verbose": true, "quiet": true, "config": true, "help": true}

func (c *Config) bindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.Listen, "listen", "l", "", "address to listen on, e.g. 0.0.0.0:4000")
	fs.UintVarP(&c.Timeout, "timeout", "t", 0, "kill COMMAND after this many seconds (0 = never)")
	fs.StringVarP(&c.MOTD, "motd", "m", "", "message sent to every client before anything else")
	fs.Uint32Var(&c.Pow, "pow", 0, "proof-of-work difficulty in bits (0 = disabled)")
	fs.StringVar(&c.PowBackdoor, "pow-backdoor", "", "answer that bypasses the proof-of-work")
	fs.UintVar(&c.PowTimeout, "pow-timeout", 0, "seconds a client has to answer the proof-of-work (0 = unlimited)")
	fs.StringVar(&c.User, "user", "", "run COMMAND as this user (requires root)")
	fs.StringVar(&c.Workdir, "workdir", "", "working directory of COMMAND")
	fs.StringVar(&c.CgroupRoot, "cgroup-root", "", "cgroup v2 directory holding one cgroup per session (Linux, root only)")
	fs.Int64Var(&c.MemoryHigh, "memory-high", 0, "memory.high of each session cgroup in bytes (0 = unset)")
	fs.Float64Var(&c.SpawnRate, "spawn-rate", 0, "server-wide COMMAND spawns per second (0 = unlimited)")
	fs.IntVar(&c.SpawnBurst, "spawn-burst", 10, "spawns allowed in a burst when --spawn-rate is set")
	fs.StringVar(&c.MetricsAddr, "metrics", "", "metrics, health and dashboard listen address (empty = disabled)")
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "redis address for session audit events (empty = log only)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis database number")
	fs.StringVar(&c.RedisStream, "redis-stream", "procwrap:events", "redis stream receiving audit events")
	fs.DurationVar(&c.ShutdownGrace, "shutdown-grace", 5*time.Second, "time to wait for sessions to end after SIGINT/SIGTERM")
	fs.StringVar(&c.LogFormat, "log-format", "auto", "log format: text, json or auto")
	fs.CountVarP(&c.Verbose, "verbose", "v", "more logs (repeatable)")
	fs.CountVarP(&c.Quiet, "quiet", "q", "fewer logs (repeatable)")
	fs.StringVar(&c.ConfigFile, "config", "", "TOML configuration file (also "+envPrefix+"CONFIG)")
}

// resolve fills everything the user did not pass on the command line from
// the environment and the config file, then validates the result.
func (c *Config) resolve(fs *pflag.FlagSet, args []string, getenv func(string) string) error {
	explicit := map[string]bool{}
	fs.Visit(func(f *pflag.Flag) { explicit[f.Name] = true })

	if c.ConfigFile == "" {
		c.ConfigFile = getenv(envPrefix + "CONFIG")
	}
	var fileCommand []string
	if c.ConfigFile != "" {
		var err error
		if fileCommand, err = loadFile(fs, c.ConfigFile, explicit); err != nil {
			return err
		}
	}

	var envErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if envErr != nil || explicit[f.Name] || cliOnly[f.Name] {
			return
		}
		name := envName(f.Name)
		if v := getenv(name); v != "" {
			if err := fs.Set(f.Name, v); err != nil {
				envErr = errors.Wrapf(err, "invalid %s", name)
			}
		}
	})
	if envErr != nil {
		return envErr
	}

	c.Command = args
	if len(c.Command) == 0 {
		c.Command = fileCommand
	}
	return c.validate()
}

func envName(flag string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// loadFile applies the TOML file onto flags not set on the command line and
// returns its command line, if any. Keys are flag names with '_' for '-'.
func loadFile(fs *pflag.FlagSet, path string, explicit map[string]bool) ([]string, error) {
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, errors.Wrapf(err, "failed to read config %s", path)
	}
	var command []string
	for key, val := range raw {
		switch key {
		case "command":
			s, ok := val.(string)
			if !ok {
				return nil, errors.Errorf("%s: command must be a string", path)
			}
			command = append([]string{s}, command...)
			continue
		case "args":
			list, ok := val.([]any)
			if !ok {
				return nil, errors.Errorf("%s: args must be a list of strings", path)
			}
			for _, a := range list {
				s, ok := a.(string)
				if !ok {
					return nil, errors.Errorf("%s: args must be a list of strings", path)
				}
				command = append(command, s)
			}
			continue
		}
		name := strings.ReplaceAll(key, "_", "-")
		f := fs.Lookup(name)
		if f == nil || cliOnly[name] {
			return nil, errors.Errorf("%s: unknown key %q", path, key)
		}
		if explicit[name] {
			continue
		}
		if err := fs.Set(name, fmt.Sprint(val)); err != nil {
			return nil, errors.Wrapf(err, "%s: invalid %s", path, key)
		}
	}
	if _, hasArgs := raw["args"]; hasArgs {
		if _, hasCmd := raw["command"]; !hasCmd {
			return nil, errors.Errorf("%s: args given without command", path)
		}
	}
	return command, nil
}

func (c *Config) validate() error {
	if c.Listen == "" {
		return errors.New("listen address is required (--listen or " + envPrefix + "LISTEN)")
	}
	if len(c.Command) == 0 || c.Command[0] == "" {
		return errors.New("COMMAND is required")
	}
	switch strings.ToLower(c.LogFormat) {
	case "auto", "text", "json":
	default:
		return errors.Errorf("unknown log format %q", c.LogFormat)
	}
	if c.SpawnRate < 0 {
		return errors.New("spawn rate must not be negative")
	}
	if c.MemoryHigh < 0 {
		return errors.New("memory-high must not be negative")
	}
	if c.MemoryHigh > 0 && c.CgroupRoot == "" {
		return errors.New("memory-high needs --cgroup-root")
	}
	return nil
}

func (c *Config) sessionConfig() session.Config {
	spec := procgroup.Spec{
		Path: c.Command[0],
		Args: c.Command[1:],
		Dir:  c.Workdir,
		User: c.User,
	}
	if c.CgroupRoot != "" {
		spec.Cgroup = &procgroup.CgroupConfig{Root: c.CgroupRoot, MemoryHigh: c.MemoryHigh}
	}
	return session.Config{
		MOTD:       c.MOTD,
		Difficulty: c.Pow,
		Backdoor:   c.PowBackdoor,
		PowTimeout: time.Duration(c.PowTimeout) * time.Second,
		Timeout:    time.Duration(c.Timeout) * time.Second,
		Command:    spec,
	}
}

func (c *Config) eventOptions() events.Options {
	return events.Options{
		RedisAddr:     c.RedisAddr,
		RedisPassword: c.RedisPassword,
		RedisDB:       c.RedisDB,
		Stream:        c.RedisStream,
	}
}
