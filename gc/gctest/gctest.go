// Package gctest provides collector doubles for tests: a Recorder that counts
// the primitive calls reaching a real collector and can be switched into
// exhaustion, and Exhausted, a collector with no memory at all.
package gctest

import (
	"sync/atomic"
	"unsafe"

	"github.com/flswld/gcalloc/gc"
)

const statusENOMEM = 12

type Counts struct {
	Malloc        uint64
	PosixMemalign uint64
	Realloc       uint64
	Free          uint64
	Base          uint64
}

func (c Counts) Total() uint64 {
	return c.Malloc + c.PosixMemalign + c.Realloc + c.Free + c.Base
}

// Recorder forwards to Inner and records every call.
type Recorder struct {
	Inner gc.Primitives

	failing       atomic.Bool
	malloc        atomic.Uint64
	posixMemalign atomic.Uint64
	realloc       atomic.Uint64
	free          atomic.Uint64
	base          atomic.Uint64
}

func NewRecorder(inner gc.Primitives) *Recorder {
	return &Recorder{Inner: inner}
}

// SetFailing makes every allocating primitive report exhaustion without
// reaching Inner.
func (p *Recorder) SetFailing(failing bool) {
	p.failing.Store(failing)
}

func (p *Recorder) Counts() Counts {
	return Counts{
		Malloc:        p.malloc.Load(),
		PosixMemalign: p.posixMemalign.Load(),
		Realloc:       p.realloc.Load(),
		Free:          p.free.Load(),
		Base:          p.base.Load(),
	}
}

func (p *Recorder) Reset() {
	p.malloc.Store(0)
	p.posixMemalign.Store(0)
	p.realloc.Store(0)
	p.free.Store(0)
	p.base.Store(0)
}

func (p *Recorder) Malloc(size uintptr) unsafe.Pointer {
	p.malloc.Add(1)
	if p.failing.Load() {
		return nil
	}
	return p.Inner.Malloc(size)
}

func (p *Recorder) PosixMemalign(out *unsafe.Pointer, align uintptr, size uintptr) int {
	p.posixMemalign.Add(1)
	if p.failing.Load() {
		return statusENOMEM
	}
	return p.Inner.PosixMemalign(out, align, size)
}

func (p *Recorder) Realloc(ptr unsafe.Pointer, newSize uintptr) unsafe.Pointer {
	p.realloc.Add(1)
	if p.failing.Load() {
		return nil
	}
	return p.Inner.Realloc(ptr, newSize)
}

func (p *Recorder) Free(ptr unsafe.Pointer) {
	p.free.Add(1)
	p.Inner.Free(ptr)
}

func (p *Recorder) Base(ptr unsafe.Pointer) unsafe.Pointer {
	p.base.Add(1)
	return p.Inner.Base(ptr)
}

// Exhausted never has memory to hand out.
type Exhausted struct {
	Frees atomic.Uint64
}

func (e *Exhausted) Malloc(size uintptr) unsafe.Pointer { return nil }

func (e *Exhausted) PosixMemalign(out *unsafe.Pointer, align uintptr, size uintptr) int {
	return statusENOMEM
}

func (e *Exhausted) Realloc(p unsafe.Pointer, newSize uintptr) unsafe.Pointer { return nil }

func (e *Exhausted) Free(p unsafe.Pointer) { e.Frees.Add(1) }

func (e *Exhausted) Base(p unsafe.Pointer) unsafe.Pointer { return nil }
