package main

import (
	"runtime"
	"time"

	"github.com/spf13/pflag"
)

// Config holds client runtime configuration.
type Config struct {
	ServerAddr    string
	Workers       int
	PromptTimeout time.Duration
	DialTimeout   time.Duration
	Verbose       int
	Quiet         int
}

func (c *Config) bindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.ServerAddr, "server", "s", "", "procwrap server address (host:port)")
	fs.IntVarP(&c.Workers, "workers", "w", runtime.NumCPU(), "goroutines used to solve the proof-of-work")
	fs.DurationVar(&c.PromptTimeout, "prompt-timeout", 3*time.Second, "how long to wait for a proof-of-work prompt before assuming there is none")
	fs.DurationVar(&c.DialTimeout, "dial-timeout", 10*time.Second, "connection timeout")
	fs.CountVarP(&c.Verbose, "verbose", "v", "more logs (repeatable)")
	fs.CountVarP(&c.Quiet, "quiet", "q", "fewer logs (repeatable)")
}
