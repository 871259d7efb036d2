package mem

import (
	"unsafe"

	"github.com/flswld/gcalloc/gc"
)

// Bridge translates layouts into collector primitives. It holds nothing but
// the primitive set and is safe for concurrent use whenever the collector is.
type Bridge struct {
	c gc.Primitives
}

func NewBridge(c gc.Primitives) Bridge {
	return Bridge{c: c}
}

func (b Bridge) Collector() gc.Primitives {
	return b.c
}

// Alloc returns a block for l, or nil when the collector is exhausted.
func (b Bridge) Alloc(l Layout) unsafe.Pointer {
	if l.Size == 0 {
		return l.Dangling()
	}
	// 手工构造的Layout可能绕过NewLayout的检查
	if !l.fits() {
		return nil
	}
	// Malloc对齐至少为MinAlign 且请求不小于对齐时无需更严格的对齐
	if l.Align <= MinAlign && l.Align <= l.Size {
		return b.c.Malloc(l.Size)
	}
	var out unsafe.Pointer
	if b.c.PosixMemalign(&out, max(l.Align, ptrSize), l.Size) != 0 {
		return nil
	}
	return out
}

// Realloc resizes p, allocated with old, to newSize bytes keeping old.Align
// and the leading min(old.Size, newSize) bytes. On nil p is left intact.
func (b Bridge) Realloc(p unsafe.Pointer, old Layout, newSize uintptr) unsafe.Pointer {
	if old.Size == 0 {
		return b.Alloc(Layout{Size: newSize, Align: old.Align})
	}
	if !(Layout{Size: newSize, Align: old.Align}).fits() {
		return nil
	}
	if old.Align <= MinAlign && old.Align <= newSize {
		return b.c.Realloc(p, newSize)
	}
	// 集合器的Realloc只保证默认对齐 更强的对齐只能分配新块后拷贝
	q := b.Alloc(Layout{Size: newSize, Align: old.Align})
	if q == nil {
		return nil
	}
	MemCpy(q, p, min(old.Size, newSize))
	// 旧块在本次请求内已被替换 此处是唯一需要显式释放的地方
	b.c.Free(p)
	return q
}
