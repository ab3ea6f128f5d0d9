package procgroup

// CgroupConfig confines each session in its own cgroup v2 directory below
// Root. Only honoured on Linux when running as root.
type CgroupConfig struct {
	Root       string
	MemoryHigh int64 // bytes, 0 leaves memory.high untouched
}
