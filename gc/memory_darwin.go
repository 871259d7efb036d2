//go:build darwin

package gc

import (
	"golang.org/x/sys/unix"
)

func physicalMemory() uint64 {
	n, err := unix.SysctlUint64("hw.memsize")
	if err != nil {
		return 0
	}
	return n
}
