// Package mem routes allocation requests through a tracing collector.
//
// Requests are described by a Layout. The Bridge turns each one into the
// cheapest collector primitive that honours its alignment, and two façades
// expose it: the process-wide GlobalAllocator returned by Default, and the
// Handle value that containers receive. Neither façade ever frees memory on
// request; the collector alone decides when a block is dead.
package mem

import (
	"fmt"
	"io"
	"math"
	"math/bits"
	"unsafe"
)

const (
	B  = 1
	KB = 1024 * B
	MB = 1024 * KB
	GB = 1024 * MB
)

const (
	// MinAlign is the alignment every collector's plain Malloc guarantees.
	MinAlign = 8

	CACHE_LINE_SIZE = 64

	ptrSize = unsafe.Sizeof(uintptr(0))

	// 零大小请求返回的占位地址不低于首页 避免与小整数地址混淆
	minDangling = 4096
)

var (
	DefaultLogWriter io.Writer = nil
)

// Layout describes a request for Size bytes aligned to Align.
type Layout struct {
	Size  uintptr
	Align uintptr
}

func NewLayout(size uintptr, align uintptr) (Layout, error) {
	if align == 0 || align&(align-1) != 0 {
		return Layout{}, fmt.Errorf("%w: align %d is not a power of two", ErrLayout, align)
	}
	if size > maxSize(align) {
		return Layout{}, fmt.Errorf("%w: size %d rounded up to align %d overflows", ErrLayout, size, align)
	}
	return Layout{Size: size, Align: align}, nil
}

// maxSize is the largest size that stays within math.MaxInt once rounded up
// to align.
func maxSize(align uintptr) uintptr {
	if align == 0 || align > math.MaxInt {
		return 0
	}
	return math.MaxInt - (align - 1)
}

// fits reports whether l could come out of NewLayout.
func (l Layout) fits() bool {
	return l.Align != 0 && l.Align&(l.Align-1) == 0 && l.Size <= maxSize(l.Align)
}

// LayoutOf is the layout of n consecutive values of T.
func LayoutOf[T any](n uint64) (Layout, error) {
	hi, lo := bits.Mul64(n, SizeOf[T]())
	if hi != 0 || lo > uint64(maxSize(uintptr(AlignOf[T]()))) {
		return Layout{}, fmt.Errorf("%w: %d values of %d bytes overflow", ErrLayout, n, SizeOf[T]())
	}
	return Layout{Size: uintptr(lo), Align: uintptr(AlignOf[T]())}, nil
}

// Dangling is the result of a zero-size request: non-nil, aligned to Align,
// and never to be dereferenced.
func (l Layout) Dangling() unsafe.Pointer {
	return unsafe.Add(nil, max(l.Align, minDangling))
}

func (l Layout) String() string {
	return fmt.Sprintf("size:%d align:%d", l.Size, l.Align)
}

// MallocType allocates n values of T from a.
func MallocType[T any](a Allocator, n uint64) (*T, error) {
	l, err := LayoutOf[T](n)
	if err != nil {
		return nil, err
	}
	p, err := a.Allocate(l)
	if err != nil {
		return nil, err
	}
	if DefaultLogWriter != nil {
		_, _ = DefaultLogWriter.Write([]byte(fmt.Sprintf("[Malloc] allocator:%T size:%d ptr:%p\n", a, l.Size, p)))
	}
	return (*T)(p), nil
}

// ReallocType resizes an array of T from old to n values.
func ReallocType[T any](a Allocator, t *T, old uint64, n uint64) (*T, error) {
	ol, err := LayoutOf[T](old)
	if err != nil {
		return nil, err
	}
	nl, err := LayoutOf[T](n)
	if err != nil {
		return nil, err
	}
	p, err := a.Reallocate(unsafe.Pointer(t), ol, nl.Size)
	if err != nil {
		return nil, err
	}
	if DefaultLogWriter != nil {
		_, _ = DefaultLogWriter.Write([]byte(fmt.Sprintf("[Realloc] allocator:%T old:%p size:%d ptr:%p\n", a, t, nl.Size, p)))
	}
	return (*T)(p), nil
}

// FreeType hands t back to a. With the allocators in this package that is
// a no-op; the call stays so the intent is visible at the call site.
func FreeType[T any](a Allocator, t *T, n uint64) {
	l, _ := LayoutOf[T](n)
	a.Deallocate(unsafe.Pointer(t), l)
	if DefaultLogWriter != nil {
		_, _ = DefaultLogWriter.Write([]byte(fmt.Sprintf("[Free] allocator:%T ptr:%p\n", a, unsafe.Pointer(t))))
	}
}

func SizeOf[T any]() uint64 {
	var t T
	return uint64(unsafe.Sizeof(t))
}

func AlignOf[T any]() uint64 {
	var t T
	return uint64(unsafe.Alignof(t))
}

func Offset(p unsafe.Pointer, offset int64) unsafe.Pointer {
	return unsafe.Add(p, offset)
}

func OffsetType[T any](t *T, offset int64) *T {
	return (*T)(Offset(unsafe.Pointer(t), offset*int64(SizeOf[T]())))
}

//go:linkname memmove runtime.memmove
func memmove(to, from unsafe.Pointer, n uintptr)

func MemCpy(dst unsafe.Pointer, src unsafe.Pointer, size uintptr) {
	if size == 0 {
		return
	}
	memmove(dst, src, size)
}

func MemCpyType[T any](dst *T, src *T, n uint64) {
	MemCpy(unsafe.Pointer(dst), unsafe.Pointer(src), uintptr(n*SizeOf[T]()))
}

// MemZero clears size bytes at p.
func MemZero(p unsafe.Pointer, size uintptr) {
	if size == 0 {
		return
	}
	clear(unsafe.Slice((*byte)(p), size))
}
