//go:build linux || darwin

package procgroup

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"gotest.tools/assert"

	"github.com/matst80/procwrap/internal/testutil"
)

func TestStartRequiresCommand(t *testing.T) {
	_, err := Start("t", Spec{})
	assert.ErrorContains(t, err, "command is required")
}

func TestStartMissingExecutable(t *testing.T) {
	_, err := Start("t", Spec{Path: "/nonexistent/procwrap-test-binary"})
	assert.ErrorContains(t, err, "failed to start")
}

func TestStartUnknownUser(t *testing.T) {
	if _, err := os.Stat("/etc/passwd"); err != nil {
		t.Skip("no /etc/passwd")
	}
	_, err := Start("t", Spec{Path: "true", User: "procwrap-no-such-user"})
	assert.Assert(t, errors.Is(err, ErrUnknownUser))
}

func TestPipesAreWired(t *testing.T) {
	g, err := Start("t", Spec{Path: "cat"})
	assert.NilError(t, err)
	defer g.Kill()

	_, err = io.WriteString(g.Stdin(), "ping\n")
	assert.NilError(t, err)
	line, err := bufio.NewReader(g.Stdout()).ReadString('\n')
	assert.NilError(t, err)
	assert.Equal(t, line, "ping\n")
}

func TestChildLeadsItsOwnGroup(t *testing.T) {
	g, err := Start("t", Spec{Path: "sleep", Args: []string{"30"}})
	assert.NilError(t, err)
	defer g.Kill()

	pgid, err := unix.Getpgid(g.Pid())
	assert.NilError(t, err)
	assert.Equal(t, pgid, g.Pid())
	assert.Assert(t, pgid != os.Getpid())
}

func TestKillAfterExitIsNotAnError(t *testing.T) {
	g, err := Start("t", Spec{Path: "true"})
	assert.NilError(t, err)
	_, err = io.Copy(io.Discard, g.Stdout())
	assert.NilError(t, err)

	assert.NilError(t, g.Kill())
	assert.NilError(t, g.Kill())
}

func TestKillStopsLongRunningCommand(t *testing.T) {
	g, err := Start("t", Spec{Path: "sleep", Args: []string{"30"}})
	assert.NilError(t, err)
	pid := g.Pid()

	assert.NilError(t, g.Kill())
	assert.Assert(t, g.cmd.ProcessState != nil, "leader was not reaped")
	assert.Assert(t, !g.cmd.ProcessState.Success())
	assert.Assert(t, testutil.WaitGone(pid))
}

func TestKillReachesDescendants(t *testing.T) {
	g, err := Start("t", Spec{Path: "sh", Args: []string{"-c", "sleep 30 & echo $!; wait"}})
	assert.NilError(t, err)
	child := readPid(t, g)

	assert.Assert(t, testutil.Alive(child))
	assert.NilError(t, g.Kill())
	assert.Assert(t, testutil.WaitGone(child), "background child %d survived", child)
}

func TestKillReachesEscapedDescendants(t *testing.T) {
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not installed")
	}
	g, err := Start("t", Spec{Path: "sh", Args: []string{"-c", "setsid sleep 30 & echo $!; wait"}})
	assert.NilError(t, err)
	child := readPid(t, g)

	testutil.WaitFor(func() bool {
		pg, err := unix.Getpgid(child)
		return err == nil && pg != g.Pid()
	})
	assert.NilError(t, g.Kill())
	assert.Assert(t, testutil.WaitGone(child), "escaped child %d survived", child)
}

func readPid(t *testing.T, g *Group) int {
	t.Helper()
	line, err := bufio.NewReader(g.Stdout()).ReadString('\n')
	assert.NilError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	assert.NilError(t, err)
	return pid
}
