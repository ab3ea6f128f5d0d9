package procgroup

import (
	"github.com/mitchellh/go-ps"
	"github.com/pkg/errors"
)

// descendants lists every process below pid using the system process table.
func descendants(pid int) ([]int, error) {
	procs, err := ps.Processes()
	if err != nil {
		return nil, errors.Wrap(err, "list processes")
	}
	tree := make(map[int][]int, len(procs)) // parent --> children
	for _, p := range procs {
		tree[p.PPid()] = append(tree[p.PPid()], p.Pid())
	}
	return walkTree(tree, pid), nil
}
