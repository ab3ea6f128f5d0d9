//go:build linux || darwin

package relay

import (
	"bufio"
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/goleak"
	"gotest.tools/assert"

	"github.com/matst80/procwrap/internal/procgroup"
	"github.com/matst80/procwrap/internal/testutil"
)

type runResult struct {
	outcome Outcome
	err     error
}

// startRelay runs Run against the server end of a loopback pair and closes
// that end once Run returns, as the session handler does.
func startRelay(t *testing.T, ctx context.Context, spec procgroup.Spec, timeout time.Duration) (*net.TCPConn, <-chan runResult) {
	t.Helper()
	server, client := testutil.TCPPair(t)
	done := make(chan runResult, 1)
	go func() {
		outcome, err := Run(ctx, server, spec, Options{Session: t.Name(), Timeout: timeout})
		server.Close()
		done <- runResult{outcome, err}
	}()
	return client, done
}

func wait(t *testing.T, done <-chan runResult) runResult {
	t.Helper()
	select {
	case r := <-done:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not finish")
		return runResult{}
	}
}

func TestEchoRoundTrip(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, done := startRelay(t, context.Background(), procgroup.Spec{Path: "cat"}, 0)
	defer client.Close()

	_, err := client.Write([]byte("hello\n"))
	assert.NilError(t, err)
	line, err := bufio.NewReader(client).ReadString('\n')
	assert.NilError(t, err)
	assert.Equal(t, line, "hello\n")

	assert.NilError(t, client.CloseWrite())
	r := wait(t, done)
	assert.NilError(t, r.err)
	assert.Equal(t, r.outcome, PeerClosed)
}

func TestBytesArriveUnmodifiedAndInOrder(t *testing.T) {
	client, done := startRelay(t, context.Background(), procgroup.Spec{Path: "cat"}, 0)
	defer client.Close()

	payload := make([]byte, 256*1024)
	_, err := rand.Read(payload)
	assert.NilError(t, err)
	// Ctrl-C at the start of a chunk would end the relay.
	for i := range payload {
		if payload[i] == cancelByte {
			payload[i] = 'x'
		}
	}

	go func() {
		for off := 0; off < len(payload); off += 700 {
			end := min(off+700, len(payload))
			if _, err := client.Write(payload[off:end]); err != nil {
				return
			}
		}
	}()
	got := make([]byte, len(payload))
	_, err = io.ReadFull(client, got)
	assert.NilError(t, err)
	assert.Assert(t, bytes.Equal(got, payload))

	assert.NilError(t, client.CloseWrite())
	r := wait(t, done)
	assert.NilError(t, r.err)
	assert.Equal(t, r.outcome, PeerClosed)
}

func TestProcessExitEndsRelay(t *testing.T) {
	defer goleak.VerifyNone(t)

	client, done := startRelay(t, context.Background(), procgroup.Spec{Path: "sh", Args: []string{"-c", "printf done"}}, 0)
	defer client.Close()

	out, err := io.ReadAll(client)
	assert.NilError(t, err)
	assert.Equal(t, string(out), "done")
	r := wait(t, done)
	assert.NilError(t, r.err)
	assert.Equal(t, r.outcome, ProcessClosed)
}

func TestCtrlCEndsRelay(t *testing.T) {
	client, done := startRelay(t, context.Background(), procgroup.Spec{Path: "sh", Args: []string{"-c", "echo $$; exec cat"}}, 0)
	defer client.Close()
	pid := readPid(t, client)

	_, err := client.Write([]byte{cancelByte, 'a', 'b'})
	assert.NilError(t, err)
	r := wait(t, done)
	assert.NilError(t, r.err)
	assert.Equal(t, r.outcome, ClientCancel)
	assert.Assert(t, testutil.WaitGone(pid))
}

func TestCtrlCInsideChunkIsForwarded(t *testing.T) {
	client, done := startRelay(t, context.Background(), procgroup.Spec{Path: "cat"}, 0)
	defer client.Close()

	_, err := client.Write([]byte("a\x03b\n"))
	assert.NilError(t, err)
	line, err := bufio.NewReader(client).ReadString('\n')
	assert.NilError(t, err)
	assert.Equal(t, line, "a\x03b\n")

	assert.NilError(t, client.CloseWrite())
	assert.Equal(t, wait(t, done).outcome, PeerClosed)
}

func TestTimeoutKillsGroup(t *testing.T) {
	spec := procgroup.Spec{Path: "sh", Args: []string{"-c", "sleep 30 & echo $!; wait"}}
	client, done := startRelay(t, context.Background(), spec, 300*time.Millisecond)
	defer client.Close()
	child := readPid(t, client)

	start := time.Now()
	r := wait(t, done)
	assert.NilError(t, r.err)
	assert.Equal(t, r.outcome, Timeout)
	assert.Assert(t, time.Since(start) < 3*time.Second)
	assert.Assert(t, testutil.WaitGone(child), "descendant %d survived timeout", child)

	// The server side is closed once the relay ends.
	_, err := io.ReadAll(client)
	assert.NilError(t, err)
}

func TestShutdownKillsGroup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client, done := startRelay(t, ctx, procgroup.Spec{Path: "sh", Args: []string{"-c", "echo $$; exec sleep 30"}}, 0)
	defer client.Close()
	pid := readPid(t, client)

	cancel()
	r := wait(t, done)
	assert.NilError(t, r.err)
	assert.Equal(t, r.outcome, Shutdown)
	assert.Assert(t, testutil.WaitGone(pid))
}

func TestCancelledContextSpawnsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	marker := filepath.Join(t.TempDir(), "spawned")
	client, done := startRelay(t, ctx, procgroup.Spec{Path: "touch", Args: []string{marker}}, 0)
	defer client.Close()

	r := wait(t, done)
	assert.NilError(t, r.err)
	assert.Equal(t, r.outcome, Shutdown)
	_, err := os.Stat(marker)
	assert.Assert(t, os.IsNotExist(err), "command ran after shutdown")
}

func TestSpawnFailure(t *testing.T) {
	client, done := startRelay(t, context.Background(), procgroup.Spec{Path: "/nonexistent/procwrap-relay-test"}, 0)
	defer client.Close()

	r := wait(t, done)
	assert.Equal(t, r.outcome, SpawnFailed)
	var spawnErr *SpawnError
	assert.Assert(t, errors.As(r.err, &spawnErr))
	assert.ErrorContains(t, r.err, "failed to run command")
}

func TestOutcomeNames(t *testing.T) {
	assert.Equal(t, Timeout.String(), "timeout")
	assert.Equal(t, ClientCancel.String(), "client_cancel")
	assert.Equal(t, Outcome(99).String(), "unknown")
}

func readPid(t *testing.T, c net.Conn) int {
	t.Helper()
	var line []byte
	one := make([]byte, 1)
	for {
		_, err := c.Read(one)
		assert.NilError(t, err)
		if one[0] == '\n' {
			break
		}
		line = append(line, one[0])
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(line)))
	assert.NilError(t, err)
	return pid
}
