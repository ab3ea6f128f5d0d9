package procgroup

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"github.com/matst80/procwrap/internal/obs"
)

var (
	cgroupInitOnce sync.Once
	cgroupInitErr  error
	cgroupWarnOnce sync.Once
)

type cgroup struct {
	dir string
	fd  *os.File
}

// attachCgroup creates the session cgroup and arranges for the child to be
// born inside it. It returns nil when confinement is not configured or not
// possible.
func attachCgroup(id string, cfg *CgroupConfig, attr *syscall.SysProcAttr) (*cgroup, error) {
	if cfg == nil || cfg.Root == "" {
		return nil, nil
	}
	if os.Geteuid() != 0 {
		cgroupWarnOnce.Do(func() {
			obs.Warn("procgroup.cgroup_disabled", obs.Fields{"reason": "not running as root", "root": cfg.Root})
		})
		return nil, nil
	}
	cgroupInitOnce.Do(func() { cgroupInitErr = initCgroupRoot(cfg.Root) })
	if cgroupInitErr != nil {
		return nil, errors.Wrap(cgroupInitErr, "init cgroup root")
	}

	dir := filepath.Join(cfg.Root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create session cgroup")
	}
	if cfg.MemoryHigh > 0 && controllerEnabled(cfg.Root, "memory") {
		if err := writeString(filepath.Join(dir, "memory.high"), strconv.FormatInt(cfg.MemoryHigh, 10)); err != nil {
			_ = os.Remove(dir)
			return nil, errors.Wrap(err, "set memory.high")
		}
	}
	f, err := os.Open(dir)
	if err != nil {
		_ = os.Remove(dir)
		return nil, errors.Wrap(err, "open session cgroup")
	}
	attr.UseCgroupFD = true
	attr.CgroupFD = int(f.Fd())
	return &cgroup{dir: dir, fd: f}, nil
}

func initCgroupRoot(root string) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return err
	}
	available, err := readControllerSet(filepath.Join(root, "cgroup.controllers"))
	if err != nil {
		return err
	}
	enabled, err := readControllerSet(filepath.Join(root, "cgroup.subtree_control"))
	if err != nil {
		return err
	}
	var toAdd []string
	for _, ctrl := range []string{"cpu", "io", "memory"} {
		if available[ctrl] && !enabled[ctrl] {
			toAdd = append(toAdd, "+"+ctrl)
		}
	}
	if len(toAdd) == 0 {
		return nil
	}
	return writeString(filepath.Join(root, "cgroup.subtree_control"), strings.Join(toAdd, " "))
}

// started releases the directory handle once the child has been placed.
func (c *cgroup) started() {
	if c == nil || c.fd == nil {
		return
	}
	_ = c.fd.Close()
	c.fd = nil
}

// kill uses cgroup.kill, which also reaches processes that left the process
// group. Kernels without it (before 5.14) are silently skipped.
func (c *cgroup) kill() error {
	if c == nil {
		return nil
	}
	err := writeString(filepath.Join(c.dir, "cgroup.kill"), "1")
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// remove deletes the session cgroup, retrying while the kernel finishes
// tearing down its members.
func (c *cgroup) remove() {
	if c == nil {
		return
	}
	c.started()
	deadline := time.Now().Add(time.Second)
	for {
		err := os.Remove(c.dir)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			return
		}
		if time.Now().After(deadline) {
			obs.Warn("procgroup.cgroup_remove", obs.Fields{"dir": c.dir, "err": err.Error()})
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readControllerSet(path string) (map[string]bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool)
	for _, f := range strings.Fields(string(data)) {
		set[strings.TrimPrefix(f, "+")] = true
	}
	return set, nil
}

func controllerEnabled(root, controller string) bool {
	enabled, err := readControllerSet(filepath.Join(root, "cgroup.subtree_control"))
	if err != nil {
		return false
	}
	return enabled[controller]
}

func writeString(path, val string) error {
	return os.WriteFile(path, []byte(val), 0o644)
}
