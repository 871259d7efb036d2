//go:build !unix

package gc

func pageSize() uint64 {
	return 4 * KB
}

// Without mmap the region is a pointer-free Go allocation pinned by the
// collector itself.
func mapRegion(size uint64) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapRegion(region []byte) error {
	return nil
}
