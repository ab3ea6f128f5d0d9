package procgroup

import (
	"github.com/pkg/errors"
	"github.com/prometheus/procfs"
)

// descendants lists every process below pid. Entries that vanish or cannot
// be parsed while /proc is being read are skipped; only an unreadable /proc
// is an error.
func descendants(pid int) ([]int, error) {
	procs, err := procfs.AllProcs()
	if err != nil {
		return nil, errors.Wrap(err, "list /proc")
	}
	tree := make(map[int][]int, len(procs)) // parent --> children
	for _, p := range procs {
		st, err := p.Stat()
		if err != nil {
			continue
		}
		tree[st.PPID] = append(tree[st.PPID], p.PID)
	}
	return walkTree(tree, pid), nil
}
