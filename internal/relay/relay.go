//go:build linux || darwin

// Package relay connects one client connection to one freshly spawned
// process group and tears the group down when the first of inbound copy,
// outbound copy, timeout or shutdown finishes.
package relay

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/matst80/procwrap/internal/obs"
	"github.com/matst80/procwrap/internal/procgroup"
)

const (
	chunkSize  = 1024
	cancelByte = 0x03
)

// Outcome names what ended a relay.
type Outcome int

const (
	PeerClosed    Outcome = iota // client closed its write side
	ClientCancel                 // client sent Ctrl-C
	ProcessClosed                // command closed its stdout
	Timeout
	Shutdown // server is stopping
	IOError
	SpawnFailed
)

var outcomeNames = [...]string{
	PeerClosed:    "peer_closed",
	ClientCancel:  "client_cancel",
	ProcessClosed: "process_closed",
	Timeout:       "timeout",
	Shutdown:      "shutdown",
	IOError:       "io_error",
	SpawnFailed:   "spawn_failed",
}

func (o Outcome) String() string {
	if int(o) < len(outcomeNames) {
		return outcomeNames[o]
	}
	return "unknown"
}

// SpawnError wraps failures to start the command. No process exists.
type SpawnError struct{ Err error }

func (e *SpawnError) Error() string { return e.Err.Error() }
func (e *SpawnError) Unwrap() error { return e.Err }

// KillError wraps failures to kill the process group. The group may still be
// running.
type KillError struct{ Err error }

func (e *KillError) Error() string { return e.Err.Error() }
func (e *KillError) Unwrap() error { return e.Err }

// Options tune a single relay.
type Options struct {
	Session string        // identifier used in logs and cgroup names
	Timeout time.Duration // zero means no limit
}

type result struct {
	outcome Outcome
	err     error
}

// Run spawns spec and relays bytes between conn and the command's
// stdin/stdout. Nothing is spawned when ctx is already done. The process
// group is killed before Run returns on every path that got past spawning. The two copy goroutines are not waited for: the
// outbound one ends when the group's pipes are closed, the inbound one when
// the caller closes conn.
func Run(ctx context.Context, conn io.ReadWriter, spec procgroup.Spec, opts Options) (Outcome, error) {
	if ctx.Err() != nil {
		return Shutdown, nil
	}
	group, err := procgroup.Start(opts.Session, spec)
	if err != nil {
		return SpawnFailed, &SpawnError{Err: errors.Wrap(err, "failed to run command")}
	}
	obs.Debug("relay.spawned", obs.Fields{"session": opts.Session, "pid": group.Pid()})

	results := make(chan result, 2)
	go func() { results <- copyInbound(group.Stdin(), conn, opts.Session) }()
	go func() { results <- copyOutbound(conn, group.Stdout()) }()

	var expired <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var first result
	select {
	case first = <-results:
	case <-expired:
		obs.Debug("relay.timeout", obs.Fields{"session": opts.Session, "timeout": opts.Timeout.String()})
		first = result{outcome: Timeout}
	case <-ctx.Done():
		first = result{outcome: Shutdown}
	}

	if err := group.Kill(); err != nil {
		return first.outcome, &KillError{Err: errors.Wrap(err, "failed to kill process group")}
	}
	return first.outcome, first.err
}

// copyInbound forwards client bytes to the command. A chunk starting with
// Ctrl-C ends the relay without forwarding it.
func copyInbound(stdin io.Writer, conn io.Reader, session string) result {
	buf := make([]byte, chunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if buf[0] == cancelByte {
				obs.Debug("relay.client_cancel", obs.Fields{"session": session})
				return result{outcome: ClientCancel}
			}
			obs.Trace("relay.stdin", obs.Fields{"session": session, "bytes": n})
			if _, err := stdin.Write(buf[:n]); err != nil {
				return result{outcome: IOError, err: errors.Wrap(err, "failed to write to stdin")}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return result{outcome: PeerClosed}
			}
			return result{outcome: IOError, err: errors.Wrap(err, "failed to read from socket")}
		}
	}
}

func copyOutbound(conn io.Writer, stdout io.Reader) result {
	buf := make([]byte, chunkSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if _, err := conn.Write(buf[:n]); err != nil {
				return result{outcome: IOError, err: errors.Wrap(err, "failed to write to socket")}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return result{outcome: ProcessClosed}
			}
			return result{outcome: IOError, err: errors.Wrap(err, "failed to read from stdout")}
		}
	}
}
