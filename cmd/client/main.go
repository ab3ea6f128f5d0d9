// Command procwrap-client connects to a procwrap server, answers its
// proof-of-work prompt when there is one and then bridges stdin/stdout to
// the remote process.
package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/matst80/procwrap/internal/obs"
	"github.com/matst80/procwrap/internal/pow"
)

// promptWindow bounds the server text kept while looking for a prompt.
const promptWindow = 1024

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "procwrap-client:", err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg Config
	cmd := &cobra.Command{
		Use:           "procwrap-client --server HOST:PORT",
		Short:         "Connect to a procwrap server, solving its proof-of-work",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.ServerAddr == "" {
				return errors.New("--server is required")
			}
			if level, ok := obs.LevelFromVerbosity(cfg.Verbose, cfg.Quiet); ok {
				if err := obs.Setup(os.Stderr, level, "text"); err != nil {
					return err
				}
			} else {
				obs.Silence()
			}
			d := net.Dialer{Timeout: cfg.DialTimeout}
			conn, err := d.DialContext(cmd.Context(), "tcp", cfg.ServerAddr)
			if err != nil {
				return errors.Wrapf(err, "failed to connect to %s", cfg.ServerAddr)
			}
			defer conn.Close()
			go func() {
				<-cmd.Context().Done()
				conn.Close()
			}()
			return runSession(cmd.Context(), conn.(*net.TCPConn), os.Stdin, os.Stdout, &cfg)
		},
	}
	cfg.bindFlags(cmd.Flags())
	return cmd
}

// runSession echoes server output, answers a proof-of-work prompt if one
// shows up within cfg.PromptTimeout, and then bridges in and out until the
// server closes the connection.
func runSession(ctx context.Context, conn *net.TCPConn, in io.Reader, out io.Writer, cfg *Config) error {
	c, err := awaitPrompt(conn, out, cfg.PromptTimeout)
	if err != nil {
		return err
	}
	if c != nil {
		obs.Info("client.pow.solving", obs.Fields{"difficulty": c.Difficulty, "workers": cfg.Workers})
		start := time.Now()
		solution, err := pow.Solve(ctx, c, cfg.Workers)
		if err != nil {
			return errors.Wrap(err, "failed to solve proof-of-work")
		}
		obs.Info("client.pow.solved", obs.Fields{"solution": string(solution), "elapsed": time.Since(start).String()})
		if _, err := conn.Write(append(solution, '\n')); err != nil {
			return errors.Wrap(err, "failed to send proof-of-work")
		}
	}

	go func() {
		if _, err := io.Copy(conn, in); err != nil {
			obs.Debug("client.stdin", obs.Fields{"err": err.Error()})
		}
		_ = conn.CloseWrite()
	}()
	if _, err := io.Copy(out, conn); err != nil && !errors.Is(err, net.ErrClosed) {
		return errors.Wrap(err, "failed to read from server")
	}
	return nil
}

// awaitPrompt copies server text to out until a proof-of-work prompt is
// recognised, timeout elapses, or the connection ends.
// A nil challenge means no prompt was seen.
func awaitPrompt(conn net.Conn, out io.Writer, timeout time.Duration) (*pow.Challenge, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	var window []byte
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return nil, werr
			}
			window = append(window, buf[:n]...)
			if len(window) > promptWindow {
				window = window[len(window)-promptWindow:]
			}
			if c, ok := pow.ParsePrompt(string(window)); ok {
				return c, nil
			}
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, io.EOF) {
				return nil, nil
			}
			return nil, errors.Wrap(err, "failed to read from server")
		}
	}
}
