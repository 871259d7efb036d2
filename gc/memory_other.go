//go:build !linux && !darwin

package gc

func physicalMemory() uint64 {
	return 0
}
