//go:build linux || darwin

// Package session is the per-connection entry point: greeting, optional
// proof-of-work, spawn throttling and the process relay, in that order.
package session

import (
	"context"
	"io"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/matst80/procwrap/internal/events"
	"github.com/matst80/procwrap/internal/obs"
	"github.com/matst80/procwrap/internal/pow"
	"github.com/matst80/procwrap/internal/procgroup"
	"github.com/matst80/procwrap/internal/proto"
	"github.com/matst80/procwrap/internal/relay"
)

const busyLine = "Server is busy, please try again later.\r\n"

// Config is what every connection of a server shares. It is read only.
type Config struct {
	MOTD       string
	Difficulty uint32 // 0 disables proof-of-work
	Backdoor   string
	PowTimeout time.Duration // 0 waits for the answer forever
	Timeout    time.Duration // relay limit, 0 for none
	Command    procgroup.Spec
}

// Limiter gates spawning. *ratelimit.TokenBucket satisfies it.
type Limiter interface {
	Allow() bool
}

// Stage is how far a session got.
type Stage int

const (
	StageGreeting Stage = iota
	StagePow
	StageThrottled
	StageRelay
)

func (s Stage) String() string {
	switch s {
	case StageGreeting:
		return "greeting"
	case StagePow:
		return "pow"
	case StageThrottled:
		return "throttled"
	case StageRelay:
		return "relay"
	}
	return "unknown"
}

// Summary reports what happened to one connection.
type Summary struct {
	ID       string
	Remote   string
	Stage    Stage
	Pow      pow.Result
	Outcome  relay.Outcome // valid when Stage is StageRelay
	Duration time.Duration
}

// Handler serves connections. Its zero value is not usable; build it with
// NewHandler.
type Handler struct {
	cfg     Config
	events  events.Sink
	limiter Limiter
}

// NewHandler builds a handler. sink and limiter may be nil.
func NewHandler(cfg Config, sink events.Sink, limiter Limiter) *Handler {
	if sink == nil {
		sink = events.LogSink{}
	}
	return &Handler{cfg: cfg, events: sink, limiter: limiter}
}

// Handle owns conn until it returns and always closes it. Cancelling ctx
// ends a running relay and kills its process group.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) (Summary, error) {
	defer conn.Close()
	start := time.Now()
	sum := Summary{ID: uuid.NewString(), Remote: remoteAddr(conn)}

	obs.SessionsTotal.Inc()
	obs.ActiveSessions.Inc()
	defer obs.ActiveSessions.Dec()
	obs.Info("session.connect", obs.Fields{"session": sum.ID, "remote": sum.Remote})
	h.emit(ctx, proto.Event{Type: proto.EventConnect, Session: sum.ID, Remote: sum.Remote})

	err := h.handle(ctx, conn, &sum)

	sum.Duration = time.Since(start)
	obs.SessionDurationSeconds.Observe(sum.Duration.Seconds())
	closeEv := proto.Event{Type: proto.EventClose, Session: sum.ID, Remote: sum.Remote, Duration: sum.Duration.Seconds()}
	if sum.Stage == StageRelay {
		closeEv.Result = sum.Outcome.String()
	}
	if err != nil {
		closeEv.Error = err.Error()
	}
	h.emit(ctx, closeEv)
	return sum, err
}

func (h *Handler) handle(ctx context.Context, conn net.Conn, sum *Summary) error {
	if h.cfg.MOTD != "" {
		if _, err := io.WriteString(conn, h.cfg.MOTD+"\r\n"); err != nil {
			return errors.Wrap(err, "write motd")
		}
	}

	if h.cfg.Difficulty > 0 {
		sum.Stage = StagePow
		res, err := h.proofOfWork(ctx, conn, sum)
		sum.Pow = res
		if err != nil || !res.Passed {
			return err
		}
	}

	if h.limiter != nil && !h.limiter.Allow() {
		sum.Stage = StageThrottled
		obs.SpawnThrottledTotal.Inc()
		obs.Warn("session.throttled", obs.Fields{"session": sum.ID, "remote": sum.Remote})
		h.emit(ctx, proto.Event{Type: proto.EventThrottled, Session: sum.ID, Remote: sum.Remote})
		_, err := io.WriteString(conn, busyLine)
		return errors.Wrap(err, "write busy notice")
	}

	sum.Stage = StageRelay
	outcome, err := relay.Run(ctx, conn, h.cfg.Command, relay.Options{Session: sum.ID, Timeout: h.cfg.Timeout})
	sum.Outcome = outcome
	obs.RelayOutcomesTotal.WithLabelValues(outcome.String()).Inc()

	var spawnErr *relay.SpawnError
	var killErr *relay.KillError
	switch {
	case errors.As(err, &killErr):
		obs.KillFailuresTotal.Inc()
		obs.Error("session.kill_failed", obs.Fields{"session": sum.ID, "err": err.Error()})
	case errors.As(err, &spawnErr):
		obs.SpawnFailuresTotal.Inc()
		obs.ErrorsTotal.WithLabelValues("spawn").Inc()
	case err != nil:
		obs.ErrorsTotal.WithLabelValues("relay_io").Inc()
	case outcome == relay.Timeout:
		obs.Info("session.timeout", obs.Fields{"session": sum.ID, "timeout": h.cfg.Timeout.String()})
	}
	return err
}

func (h *Handler) proofOfWork(ctx context.Context, conn net.Conn, sum *Summary) (pow.Result, error) {
	if h.cfg.PowTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(h.cfg.PowTimeout)); err != nil {
			return pow.Result{}, errors.Wrap(err, "set pow deadline")
		}
		defer conn.SetReadDeadline(time.Time{})
	}

	res, err := pow.NewChallenge(h.cfg.Difficulty).Run(conn, h.cfg.Backdoor)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		obs.Info("session.pow_timeout", obs.Fields{"session": sum.ID, "timeout": h.cfg.PowTimeout.String()})
		res, err = pow.Result{Aborted: true}, nil
	}
	if err != nil {
		obs.PowResultsTotal.WithLabelValues("error").Inc()
		obs.ErrorsTotal.WithLabelValues("pow_io").Inc()
		return res, err
	}

	result := powResultName(res)
	obs.PowResultsTotal.WithLabelValues(result).Inc()
	obs.Info("session.pow", obs.Fields{"session": sum.ID, "result": result, "bits": res.Bits, "difficulty": h.cfg.Difficulty})
	h.emit(ctx, proto.Event{Type: proto.EventPow, Session: sum.ID, Remote: sum.Remote, Result: result, Bits: res.Bits})
	return res, nil
}

func powResultName(res pow.Result) string {
	switch {
	case res.Backdoor:
		return "backdoor"
	case res.Passed:
		return "passed"
	case res.Aborted:
		return "aborted"
	default:
		return "failed"
	}
}

// emit never lets a stopping server cut audit records short.
func (h *Handler) emit(ctx context.Context, ev proto.Event) {
	ev.Time = time.Now().UTC()
	h.events.Emit(context.WithoutCancel(ctx), ev)
}

func remoteAddr(c net.Conn) string {
	if a := c.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
