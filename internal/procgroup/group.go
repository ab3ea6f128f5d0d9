//go:build linux || darwin

// Package procgroup starts a command as the leader of a new process group and
// tears the whole group down, descendants included, exactly once.
package procgroup

import (
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/matst80/procwrap/internal/obs"
)

// Spec describes the command spawned for each session.
type Spec struct {
	Path   string
	Args   []string
	Dir    string
	User   string // run as this /etc/passwd user when set
	Cgroup *CgroupConfig
}

// Group is a running command and everything it forked.
type Group struct {
	id     string
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	cg     *cgroup

	once    sync.Once
	killErr error
}

// Start spawns spec with piped stdin/stdout and inherited stderr. id names
// the session in logs and in the cgroup hierarchy.
func Start(id string, spec Spec) (*Group, error) {
	if spec.Path == "" {
		return nil, errors.New("command is required")
	}
	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Stderr = os.Stderr

	attr := &syscall.SysProcAttr{Setpgid: true}
	if spec.User != "" {
		cred, home, err := lookupCredential(spec.User)
		if err != nil {
			return nil, err
		}
		attr.Credential = cred
		cmd.Env = append(os.Environ(), "HOME="+home, "USER="+spec.User, "LOGNAME="+spec.User)
	}

	cg, err := attachCgroup(id, spec.Cgroup, attr)
	if err != nil {
		return nil, err
	}
	cmd.SysProcAttr = attr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cg.remove()
		return nil, errors.Wrap(err, "failed to open stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cg.remove()
		return nil, errors.Wrap(err, "failed to open stdout")
	}
	if err := cmd.Start(); err != nil {
		cg.remove()
		return nil, errors.Wrapf(err, "failed to start %s", spec.Path)
	}
	cg.started()

	obs.Debug("procgroup.start", obs.Fields{"session": id, "pid": cmd.Process.Pid, "cmd": spec.Path})
	return &Group{id: id, cmd: cmd, stdin: stdin, stdout: stdout, cg: cg}, nil
}

// Pid of the group leader, which is also the process group id.
func (g *Group) Pid() int { return g.cmd.Process.Pid }

// Stdin is the write end of the command's standard input.
func (g *Group) Stdin() io.Writer { return g.stdin }

// Stdout is the read end of the command's standard output.
func (g *Group) Stdout() io.Reader { return g.stdout }

// Kill sends SIGKILL to the whole group and to descendants that moved to
// another group, then reaps the leader. Only the first call does any work;
// later calls return the first result. A group that already exited is not an
// error.
func (g *Group) Kill() error {
	g.once.Do(func() { g.killErr = g.kill() })
	return g.killErr
}

func (g *Group) kill() error {
	pgid := g.Pid()

	// Snapshot before the leader dies: orphans get reparented and drop out
	// of the tree afterwards.
	strays, err := strayDescendants(pgid)
	if err != nil {
		obs.Warn("procgroup.tree", obs.Fields{"session": g.id, "err": err.Error()})
	}

	if err := g.cg.kill(); err != nil {
		obs.Warn("procgroup.cgroup_kill", obs.Fields{"session": g.id, "err": err.Error()})
	}

	var killErr error
	if err := signalKill(-pgid); err != nil && !errors.Is(err, unix.ESRCH) {
		killErr = errors.Wrapf(err, "kill process group %d", pgid)
	}
	for _, pid := range strays {
		if err := signalKill(pid); err != nil && !errors.Is(err, unix.ESRCH) {
			obs.Warn("procgroup.kill_stray", obs.Fields{"session": g.id, "pid": pid, "err": err.Error()})
		}
	}
	if killErr != nil {
		// The leader may still be running, so Wait could block forever.
		// Closing our pipe ends unblocks whoever is copying from them.
		_ = g.stdin.Close()
		_ = g.stdout.Close()
		return killErr
	}

	// Exit status is always "killed" or whatever the command returned on its
	// own; neither is interesting here.
	_ = g.cmd.Wait()
	g.cg.remove()
	obs.Debug("procgroup.killed", obs.Fields{"session": g.id, "pgid": pgid, "strays": len(strays)})
	return nil
}

// signalKill is replaced in tests to simulate a group that cannot be killed.
var signalKill = func(pid int) error { return unix.Kill(pid, unix.SIGKILL) }

// walkTree flattens the subtree below pid out of a parent --> children map.
func walkTree(tree map[int][]int, pid int) []int {
	var out []int
	seen := map[int]bool{pid: true}
	var walk func(p int)
	walk = func(p int) {
		for _, child := range tree[p] {
			if seen[child] {
				continue
			}
			seen[child] = true
			out = append(out, child)
			walk(child)
		}
	}
	walk(pid)
	return out
}

// strayDescendants lists descendants of pid whose process group differs from
// pid, i.e. those a group kill would miss.
func strayDescendants(pid int) ([]int, error) {
	all, err := descendants(pid)
	if err != nil {
		return nil, err
	}
	var strays []int
	for _, p := range all {
		pg, err := unix.Getpgid(p)
		if err != nil || pg == pid {
			continue
		}
		strays = append(strays, p)
	}
	return strays, nil
}
