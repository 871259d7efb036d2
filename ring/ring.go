// Package ring is a single producer single consumer packet ring whose
// storage is a cache line aligned block from a mem.Allocator.
package ring

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/flswld/gcalloc/mem"
)

var ErrRingSize = errors.New("ring size must be a power of two and at least 8")

type RingBuffer struct {
	head   uint64
	_      [56]byte
	tail   uint64
	size   uint32
	mask   uint32
	buffer unsafe.Pointer
	alloc  mem.Allocator
	_      [24]byte
}

func RingBufferCreate(alloc mem.Allocator, size uint32) (*RingBuffer, error) {
	if size < 8 || (size&(size-1)) != 0 {
		return nil, ErrRingSize
	}
	buffer, err := alloc.AllocateZeroed(mem.Layout{Size: uintptr(size), Align: mem.CACHE_LINE_SIZE})
	if err != nil {
		return nil, err
	}
	rb := new(RingBuffer)

	rb.head = 0
	rb.tail = 0
	rb.size = size
	rb.mask = size - 1
	rb.buffer = buffer
	rb.alloc = alloc

	return rb, nil
}

func RingBufferDestroy(rb *RingBuffer) {
	if rb != nil {
		if rb.buffer != nil {
			rb.alloc.Deallocate(rb.buffer, mem.Layout{Size: uintptr(rb.size), Align: mem.CACHE_LINE_SIZE})
		}
		rb.head = 0
		rb.tail = 0
		rb.size = 0
		rb.mask = 0
		rb.buffer = nil
	}
}

func ringBufferFreeSpace(rb *RingBuffer) uint32 {
	head := atomic.LoadUint64(&rb.head)
	tail := atomic.LoadUint64(&rb.tail)
	return rb.size - uint32(head-tail)
}

func ringBufferUsedSpace(rb *RingBuffer) uint32 {
	head := atomic.LoadUint64(&rb.head)
	tail := atomic.LoadUint64(&rb.tail)
	return uint32(head - tail)
}

// 包头2字节长度 整包按4字节对齐 长度字段永不跨越环尾
func packetSize(len uint16) uint32 {
	return (uint32(len) + 2 + 3) & ^uint32(3)
}

func WritePacket(rb *RingBuffer, data []uint8, len uint16) bool {
	if len == 0 || uint32(len) > rb.size/2 || int(len) > cap(data) {
		return false
	}

	totalSize := packetSize(len)

	if ringBufferFreeSpace(rb) < totalSize {
		return false
	}

	head := atomic.LoadUint64(&rb.head)
	pos := uint32(head & uint64(rb.mask))

	*(*uint16)(mem.Offset(rb.buffer, int64(pos))) = len

	dataPos := (pos + 2) & rb.mask
	spaceAfter := rb.size - dataPos
	src := unsafe.Pointer(unsafe.SliceData(data))

	if spaceAfter >= uint32(len) {
		mem.MemCpy(mem.Offset(rb.buffer, int64(dataPos)), src, uintptr(len))
	} else {
		mem.MemCpy(mem.Offset(rb.buffer, int64(dataPos)), src, uintptr(spaceAfter))
		mem.MemCpy(rb.buffer, mem.Offset(src, int64(spaceAfter)), uintptr(uint32(len)-spaceAfter))
	}

	atomic.StoreUint64(&rb.head, head+uint64(totalSize))

	return true
}

func ReadPacket(rb *RingBuffer, data []uint8, len *uint16) bool {
	*len = 0

	if ringBufferUsedSpace(rb) < 2 {
		return false
	}

	tail := atomic.LoadUint64(&rb.tail)
	pos := uint32(tail & uint64(rb.mask))

	packetLen := *(*uint16)(mem.Offset(rb.buffer, int64(pos)))

	if packetLen == 0 || uint32(packetLen) > rb.size/2 || int(packetLen) > cap(data) {
		return false
	}

	totalSize := packetSize(packetLen)

	if ringBufferUsedSpace(rb) < totalSize {
		return false
	}

	dataPos := (pos + 2) & rb.mask
	spaceAfter := rb.size - dataPos
	dst := unsafe.Pointer(unsafe.SliceData(data))

	if spaceAfter >= uint32(packetLen) {
		mem.MemCpy(dst, mem.Offset(rb.buffer, int64(dataPos)), uintptr(packetLen))
	} else {
		mem.MemCpy(dst, mem.Offset(rb.buffer, int64(dataPos)), uintptr(spaceAfter))
		mem.MemCpy(mem.Offset(dst, int64(spaceAfter)), rb.buffer, uintptr(uint32(packetLen)-spaceAfter))
	}

	*len = packetLen

	atomic.StoreUint64(&rb.tail, tail+uint64(totalSize))

	return true
}
