package procgroup

import (
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
	"gotest.tools/assert"

	"github.com/matst80/procwrap/internal/testutil"
)

// copySleep places a sleep binary under a name that breaks naive parsing of
// /proc/<pid>/stat, where the command name sits between parentheses.
func copySleep(t *testing.T) string {
	t.Helper()
	src, err := exec.LookPath("sleep")
	assert.NilError(t, err)
	in, err := os.Open(src)
	assert.NilError(t, err)
	defer in.Close()

	dst := filepath.Join(t.TempDir(), "x) (y")
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY, 0o755)
	assert.NilError(t, err)
	_, err = io.Copy(out, in)
	assert.NilError(t, err)
	assert.NilError(t, out.Close())
	return dst
}

func TestDescendantsToleratesOddCommandNames(t *testing.T) {
	odd := copySleep(t)
	g, err := Start("t", Spec{Path: "sh", Args: []string{"-c", `"$0" 30 & echo $!; wait`, odd}})
	assert.NilError(t, err)
	defer g.Kill()
	child := readPid(t, g)

	found := testutil.WaitFor(func() bool {
		kids, err := descendants(g.Pid())
		if err != nil {
			return false
		}
		for _, k := range kids {
			if k == child {
				return true
			}
		}
		return false
	})
	assert.Assert(t, found, "child %d with an odd name not listed", child)
}

func TestKillReachesEscapedDescendantsNextToOddNames(t *testing.T) {
	if _, err := exec.LookPath("setsid"); err != nil {
		t.Skip("setsid not installed")
	}
	odd := copySleep(t)
	g, err := Start("t", Spec{Path: "sh", Args: []string{"-c", `"$0" 30 & setsid sleep 30 & echo $!; wait`, odd}})
	assert.NilError(t, err)
	escaped := readPid(t, g)

	testutil.WaitFor(func() bool {
		pg, err := unix.Getpgid(escaped)
		return err == nil && pg != g.Pid()
	})
	assert.NilError(t, g.Kill())
	assert.Assert(t, testutil.WaitGone(escaped), "escaped child %d survived", escaped)
}

func TestWalkTree(t *testing.T) {
	tree := map[int][]int{1: {2, 3}, 2: {4}, 4: {5}, 9: {10}}
	assert.DeepEqual(t, walkTree(tree, 1), []int{2, 4, 5, 3})
	assert.DeepEqual(t, walkTree(tree, 2), []int{4, 5})
	assert.Assert(t, walkTree(tree, 7) == nil)

	// a pid reused as its own ancestor must not loop
	cyclic := map[int][]int{1: {2}, 2: {1}}
	assert.DeepEqual(t, walkTree(cyclic, 1), []int{2})
}

func TestKillFailureClosesPipes(t *testing.T) {
	g, err := Start("t", Spec{Path: "sleep", Args: []string{"30"}})
	assert.NilError(t, err)

	orig := signalKill
	signalKill = func(int) error { return unix.EPERM }
	defer func() { signalKill = orig }()

	err = g.Kill()
	assert.Assert(t, errors.Is(err, unix.EPERM))
	_, err = g.Stdout().Read(make([]byte, 1))
	assert.Assert(t, errors.Is(err, os.ErrClosed), "stdout still open: %v", err)

	assert.NilError(t, g.cmd.Process.Kill())
	_ = g.cmd.Wait()
}
