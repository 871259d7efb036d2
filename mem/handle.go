package mem

import (
	"unsafe"

	"github.com/flswld/gcalloc/gc"
)

// Allocator is what containers take when they want an allocator value.
type Allocator interface {
	Allocate(l Layout) (unsafe.Pointer, error)
	AllocateZeroed(l Layout) (unsafe.Pointer, error)
	Reallocate(p unsafe.Pointer, old Layout, newSize uintptr) (unsafe.Pointer, error)
	Deallocate(p unsafe.Pointer, l Layout)
}

// Handle is a copyable Allocator over a collector.
type Handle struct {
	bridge Bridge
}

func NewHandle(c gc.Primitives) Handle {
	return Handle{bridge: NewBridge(c)}
}

func (h Handle) Allocate(l Layout) (unsafe.Pointer, error) {
	if l.Size == 0 {
		return l.Dangling(), nil
	}
	p := h.bridge.Alloc(l)
	if p == nil {
		return nil, &AllocError{Layout: l}
	}
	return p, nil
}

func (h Handle) AllocateZeroed(l Layout) (unsafe.Pointer, error) {
	p, err := h.Allocate(l)
	if err != nil {
		return nil, err
	}
	MemZero(p, l.Size)
	return p, nil
}

// Reallocate resizes p. On error p is still valid and unchanged.
func (h Handle) Reallocate(p unsafe.Pointer, old Layout, newSize uintptr) (unsafe.Pointer, error) {
	q := h.bridge.Realloc(p, old, newSize)
	if q == nil {
		return nil, &AllocError{Layout: Layout{Size: newSize, Align: old.Align}}
	}
	return q, nil
}

// Deallocate is a no-op, see GlobalAllocator.Dealloc.
func (h Handle) Deallocate(p unsafe.Pointer, l Layout) {}

func (h Handle) Collector() gc.Primitives {
	return h.bridge.Collector()
}
