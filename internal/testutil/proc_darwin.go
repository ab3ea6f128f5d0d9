package testutil

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Alive reports whether pid still exists.
func Alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || !errors.Is(err, unix.ESRCH)
}
