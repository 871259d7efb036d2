//go:build unix

package gc

import (
	"golang.org/x/sys/unix"
)

func pageSize() uint64 {
	return uint64(unix.Getpagesize())
}

func mapRegion(size uint64) ([]byte, error) {
	return unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
}

func unmapRegion(region []byte) error {
	return unix.Munmap(region)
}
