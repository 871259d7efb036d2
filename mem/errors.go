package mem

import (
	"errors"
	"fmt"
)

var (
	// ErrAlloc matches every *AllocError.
	ErrAlloc = errors.New("mem: allocation failed")

	ErrLayout = errors.New("mem: invalid layout")

	ErrDefaultInstalled = errors.New("mem: default allocator already installed")
)

// AllocError reports that the collector could not satisfy Layout.
type AllocError struct {
	Layout Layout
}

func (e *AllocError) Error() string {
	return fmt.Sprintf("mem: allocation failed, %v", e.Layout)
}

func (e *AllocError) Is(target error) bool {
	return target == ErrAlloc
}
