package procgroup

import (
	"sync"
	"syscall"

	"github.com/matst80/procwrap/internal/obs"
)

var cgroupWarnOnce sync.Once

type cgroup struct{}

func attachCgroup(id string, cfg *CgroupConfig, attr *syscall.SysProcAttr) (*cgroup, error) {
	if cfg != nil && cfg.Root != "" {
		cgroupWarnOnce.Do(func() {
			obs.Warn("procgroup.cgroup_disabled", obs.Fields{"reason": "cgroups are Linux only"})
		})
	}
	return nil, nil
}

func (c *cgroup) started()    {}
func (c *cgroup) kill() error { return nil }
func (c *cgroup) remove()     {}
