//go:build linux || darwin

// Command procwrap serves COMMAND over TCP: every connection gets a fresh
// process group wired to the socket, optionally behind a proof-of-work.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/matst80/procwrap/internal/events"
	"github.com/matst80/procwrap/internal/obs"
	"github.com/matst80/procwrap/internal/ratelimit"
	"github.com/matst80/procwrap/internal/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "procwrap:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg Config
	cmd := &cobra.Command{
		Use:           "procwrap [flags] COMMAND [ARGS...]",
		Short:         "Run COMMAND for every TCP connection, wired to the socket",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.resolve(cmd.Flags(), args, os.Getenv); err != nil {
				return err
			}
			return run(cmd.Context(), &cfg)
		},
	}
	cmd.Flags().SetInterspersed(false)
	cfg.bindFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, cfg *Config) error {
	if level, ok := obs.LevelFromVerbosity(cfg.Verbose, cfg.Quiet); ok {
		if err := obs.Setup(os.Stderr, level, cfg.LogFormat); err != nil {
			return err
		}
	} else {
		obs.Silence()
	}

	sink, err := events.New(cfg.eventOptions())
	if err != nil {
		return err
	}
	defer sink.Close()

	var limiter session.Limiter
	if cfg.SpawnRate > 0 {
		limiter = ratelimit.NewTokenBucket(cfg.SpawnRate, cfg.SpawnBurst)
	}
	handler := session.NewHandler(cfg.sessionConfig(), sink, limiter)

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", cfg.Listen)
	}
	defer ln.Close()

	state := newServerState()
	if cfg.MetricsAddr != "" {
		srv, err := startMetricsServer(cfg.MetricsAddr, state)
		if err != nil {
			return errors.Wrap(err, "failed to start metrics server")
		}
		defer func() {
			shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutCtx)
		}()
	}

	obs.Info("server.start", obs.Fields{
		"listen":  ln.Addr().String(),
		"command": cfg.Command,
		"pow":     cfg.Pow,
		"timeout": cfg.Timeout,
		"metrics": cfg.MetricsAddr,
	})

	var sessions sync.WaitGroup
	done := make(chan struct{})
	go func() {
		defer close(done)
		acceptSessions(ctx, ln, handler, state, &sessions)
	}()
	state.setReady(true)
	obs.Info("server.ready", obs.Fields{})

	<-ctx.Done()
	obs.Info("server.shutdown.signal", obs.Fields{"active": state.activeSessions()})
	state.setClosing(true)
	_ = ln.Close()
	<-done
	if !waitTimeout(&sessions, cfg.ShutdownGrace) {
		obs.Warn("server.shutdown.timeout", obs.Fields{"active": state.activeSessions(), "grace": cfg.ShutdownGrace.String()})
	}
	obs.Info("server.shutdown.complete", obs.Fields{})
	return nil
}

// acceptSessions hands every connection to its own goroutine until ln is
// closed. Sessions observe ctx so a shutdown kills their process groups.
func acceptSessions(ctx context.Context, ln net.Listener, h *session.Handler, state *serverState, sessions *sync.WaitGroup) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// EMFILE and friends: back off instead of spinning
			obs.Error("accept.temp", obs.Fields{"err": err.Error()})
			time.Sleep(50 * time.Millisecond)
			continue
		}
		state.sessionStarted()
		sessions.Add(1)
		go func() {
			defer sessions.Done()
			sum, err := h.Handle(ctx, c)
			state.sessionEnded(sum, err)
			logSummary(sum, err)
		}()
	}
}

func logSummary(sum session.Summary, err error) {
	fields := obs.Fields{
		"session":  sum.ID,
		"remote":   sum.Remote,
		"stage":    sum.Stage.String(),
		"duration": sum.Duration.String(),
	}
	if sum.Stage == session.StageRelay {
		fields["outcome"] = sum.Outcome.String()
	}
	if err != nil {
		fields["err"] = err.Error()
		obs.Warn("session.close", fields)
		return
	}
	obs.Info("session.close", fields)
}

// waitTimeout reports whether wg finished within d.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return true
	case <-time.After(d):
		return false
	}
}
