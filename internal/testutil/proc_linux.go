package testutil

import (
	"bytes"
	"os"
	"strconv"
)

// Alive reports whether pid exists and is not a zombie. Zombies count as gone
// because containers often run an init that never reaps orphans.
func Alive(pid int) bool {
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return false
	}
	i := bytes.LastIndexByte(stat, ')')
	if i < 0 || i+2 >= len(stat) {
		return false
	}
	return stat[i+2] != 'Z'
}
