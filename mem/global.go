package mem

import (
	"sync"
	"unsafe"

	"github.com/flswld/gcalloc/gc"
)

// GlobalAllocator is the process-wide allocator. Failure is reported as a
// nil pointer and Dealloc never reaches the collector.
type GlobalAllocator struct {
	bridge Bridge
}

var (
	defaultOnce      sync.Once
	defaultAllocator *GlobalAllocator
)

// InstallDefault makes c the collector behind Default. It succeeds only if
// it runs before any other InstallDefault or Default call.
func InstallDefault(c gc.Primitives) error {
	installed := false
	defaultOnce.Do(func() {
		defaultAllocator = &GlobalAllocator{bridge: NewBridge(c)}
		installed = true
	})
	if !installed {
		return ErrDefaultInstalled
	}
	return nil
}

// Default returns the process-wide allocator, installing one over the Go
// runtime heap if nothing was installed yet.
func Default() *GlobalAllocator {
	defaultOnce.Do(func() {
		defaultAllocator = &GlobalAllocator{bridge: NewBridge(gc.NewGoCollector())}
	})
	return defaultAllocator
}

func (g *GlobalAllocator) Alloc(l Layout) unsafe.Pointer {
	return g.bridge.Alloc(l)
}

func (g *GlobalAllocator) Realloc(p unsafe.Pointer, l Layout, newSize uintptr) unsafe.Pointer {
	return g.bridge.Realloc(p, l, newSize)
}

// Dealloc drops the request. The collector reclaims p once it is
// unreachable; freeing it here would be wrong whenever an alias survives.
func (g *GlobalAllocator) Dealloc(p unsafe.Pointer, l Layout) {}

func (g *GlobalAllocator) Collector() gc.Primitives {
	return g.bridge.Collector()
}

// Handle returns an allocator value over the same collector.
func (g *GlobalAllocator) Handle() Handle {
	return Handle{bridge: g.bridge}
}

func Alloc(l Layout) unsafe.Pointer {
	return Default().Alloc(l)
}

func Realloc(p unsafe.Pointer, l Layout, newSize uintptr) unsafe.Pointer {
	return Default().Realloc(p, l, newSize)
}

func Dealloc(p unsafe.Pointer, l Layout) {
	Default().Dealloc(p, l)
}
