package gc

import (
	"fmt"
	"unsafe"

	"github.com/flswld/gcalloc/cpu"
	"github.com/flswld/gcalloc/logger"
)

// blockHeader 最高位为空闲标记 其余位为负载大小
type blockHeader uint64

func (h *blockHeader) getFree() bool {
	return (uint64(*h) >> 63) == 1
}

func (h *blockHeader) setFree(free bool) {
	x := uint64(0)
	if free {
		x = 1 << 63
	}
	*h = blockHeader(x | (uint64(*h) & ((1<<64 - 1) >> 1)))
}

func (h *blockHeader) getSize() uint64 {
	return uint64(*h) & ((1<<64 - 1) >> 1)
}

func (h *blockHeader) setSize(size uint64) {
	*h = blockHeader((uint64(*h) & (1 << 63)) | (size & ((1<<64 - 1) >> 1)))
}

const staticMagic = 0x67636131

type block struct {
	header blockHeader
	req    uint32 // 请求大小 仅在大小小于4GB时精确 用于统计
	magic  uint32
}

const (
	blockSize   = uint64(unsafe.Sizeof(block{}))
	staticAlign = 16
)

// StaticCollector is a bounded heap over one mmap'd region. Blocks are laid
// out back to back, each behind a 16 byte header, so every payload is 16
// byte aligned. It does not trace: memory comes back only through Free,
// which makes exhaustion real and deterministic.
type StaticCollector struct {
	lock   cpu.SpinLock
	region []byte
	base   uintptr
	end    uintptr

	finalizers map[uintptr]Finalizer
	onDemand   bool

	cycle          uint64
	allocSize      uint64 // 已分配负载字节数
	allocd         uint64
	allocdBeforeGC uint64
	explFreed      uint64
}

func NewStaticCollector(size uint64) (*StaticCollector, error) {
	if size < 4*blockSize {
		return nil, ErrHeapTooSmall
	}
	page := pageSize()
	size = (size + page - 1) &^ (page - 1)
	region, err := mapRegion(size)
	if err != nil {
		return nil, fmt.Errorf("gc: map static heap: %w", err)
	}
	c := &StaticCollector{
		region:     region,
		base:       uintptr(unsafe.Pointer(unsafe.SliceData(region))),
		finalizers: make(map[uintptr]Finalizer),
	}
	c.end = c.base + uintptr(size)
	b := c.first()
	b.header.setSize(size - blockSize)
	b.header.setFree(true)
	b.magic = staticMagic
	logger.Debug("static heap mapped, addr: 0x%x, size: %d", c.base, size)
	return c, nil
}

func (c *StaticCollector) first() *block {
	return (*block)(unsafe.Pointer(unsafe.SliceData(c.region)))
}

func (c *StaticCollector) next(b *block) *block {
	n := uintptr(unsafe.Pointer(b)) + uintptr(blockSize+b.header.getSize())
	if n >= c.end {
		return nil
	}
	return (*block)(unsafe.Add(unsafe.Pointer(b), blockSize+b.header.getSize()))
}

func payload(b *block) unsafe.Pointer {
	return unsafe.Add(unsafe.Pointer(b), blockSize)
}

// absorb merges the free blocks following b into b until it holds need
// bytes or a used block is reached.
func (c *StaticCollector) absorb(b *block, need uint64) {
	for b.header.getSize() < need {
		nb := c.next(b)
		if nb == nil || !nb.header.getFree() {
			return
		}
		b.header.setSize(b.header.getSize() + blockSize + nb.header.getSize())
	}
}

// split cuts b down to size bytes when the tail is large enough to hold a
// header plus one minimal payload.
func (c *StaticCollector) split(b *block, size uint64) {
	if b.header.getSize() < size+blockSize+staticAlign {
		return
	}
	nb := (*block)(unsafe.Add(unsafe.Pointer(b), blockSize+size))
	nb.header = 0
	nb.header.setSize(b.header.getSize() - size - blockSize)
	nb.header.setFree(true)
	nb.req = 0
	nb.magic = staticMagic
	b.header.setSize(size)
}

func (c *StaticCollector) allocLocked(size uint64, align uintptr) unsafe.Pointer {
	// 超过整个堆的请求必然失败 同时保证下面的取整与填充计算不会溢出
	if c.region == nil || size > c.capacity() || uint64(align) > c.capacity() {
		return nil
	}
	need := (size + staticAlign - 1) &^ (staticAlign - 1)
	if need < staticAlign {
		need = staticAlign
	}
	for b := c.first(); b != nil; b = c.next(b) {
		if !b.header.getFree() {
			continue
		}
		p := uintptr(payload(b))
		pad := uint64(alignUp(p, align) - p)
		c.absorb(b, pad+need)
		if b.header.getSize() < pad+need {
			continue
		}
		if pad != 0 {
			// 前导填充留作一个空闲块 负载从对齐地址开始
			total := b.header.getSize()
			b.header.setSize(pad - blockSize)
			nb := (*block)(unsafe.Add(unsafe.Pointer(b), pad))
			nb.header = 0
			nb.header.setSize(total - pad)
			b = nb
		}
		c.split(b, need)
		b.header.setFree(false)
		b.req = uint32(size)
		b.magic = staticMagic
		c.allocSize += b.header.getSize()
		c.allocd += size
		return payload(b)
	}
	return nil
}

// owned returns the header of the used block whose payload starts at p.
func (c *StaticCollector) owned(p unsafe.Pointer) *block {
	addr := uintptr(p)
	if c.region == nil || addr < c.base+uintptr(blockSize) || addr >= c.end || addr%staticAlign != 0 {
		return nil
	}
	b := (*block)(unsafe.Add(p, -int(blockSize)))
	if b.magic != staticMagic || b.header.getFree() {
		return nil
	}
	return b
}

func (c *StaticCollector) freeLocked(b *block) {
	b.header.setFree(true)
	c.allocSize -= b.header.getSize()
	c.explFreed += uint64(b.req)
	delete(c.finalizers, uintptr(payload(b)))
}

func (c *StaticCollector) Malloc(size uintptr) unsafe.Pointer {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.allocLocked(uint64(size), staticAlign)
}

func (c *StaticCollector) PosixMemalign(out *unsafe.Pointer, align uintptr, size uintptr) int {
	if !isPow2(align) || align%ptrSize != 0 {
		return statusEINVAL
	}
	if align < staticAlign {
		align = staticAlign
	}
	c.lock.Lock()
	p := c.allocLocked(uint64(size), align)
	c.lock.Unlock()
	if p == nil {
		return statusENOMEM
	}
	*out = p
	return statusOK
}

func (c *StaticCollector) Realloc(p unsafe.Pointer, newSize uintptr) unsafe.Pointer {
	if p == nil {
		return c.Malloc(newSize)
	}
	c.lock.Lock()
	b := c.owned(p)
	if b == nil {
		c.lock.Unlock()
		return nil
	}
	if newSize == 0 {
		c.freeLocked(b)
		c.lock.Unlock()
		return nil
	}
	if uint64(newSize) > c.capacity() {
		c.lock.Unlock()
		return nil
	}
	need := (uint64(newSize) + staticAlign - 1) &^ (staticAlign - 1)
	old := b.header.getSize()
	c.absorb(b, need)
	if b.header.getSize() >= need {
		c.split(b, need)
		c.allocSize += b.header.getSize() - old
		if uint64(newSize) > uint64(b.req) {
			c.allocd += uint64(newSize) - uint64(b.req)
		}
		b.req = uint32(newSize)
		c.lock.Unlock()
		return p
	}
	c.allocSize += b.header.getSize() - old
	q := c.allocLocked(uint64(newSize), staticAlign)
	if q == nil {
		c.lock.Unlock()
		return nil
	}
	copy(unsafe.Slice((*byte)(q), old), unsafe.Slice((*byte)(p), old))
	c.freeLocked(b)
	c.lock.Unlock()
	return q
}

func (c *StaticCollector) Free(p unsafe.Pointer) {
	c.lock.Lock()
	defer c.lock.Unlock()
	b := c.owned(p)
	if b == nil {
		return
	}
	c.freeLocked(b)
}

func (c *StaticCollector) Base(p unsafe.Pointer) unsafe.Pointer {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.region == nil {
		return nil
	}
	addr := uintptr(p)
	if addr < c.base || addr >= c.end {
		return nil
	}
	for b := c.first(); b != nil; b = c.next(b) {
		start := uintptr(payload(b))
		if addr < start {
			return nil
		}
		if addr < start+uintptr(b.header.getSize()) {
			if b.header.getFree() {
				return nil
			}
			return unsafe.Add(p, -int(addr-start))
		}
	}
	return nil
}

// Finalizers are kept only so that Free can drop them; nothing unreachable
// is ever discovered, so they never run.
func (c *StaticCollector) RegisterFinalizer(p unsafe.Pointer, fn Finalizer) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.owned(p) == nil {
		return
	}
	if fn == nil {
		delete(c.finalizers, uintptr(p))
		return
	}
	c.finalizers[uintptr(p)] = fn
}

func (c *StaticCollector) RegisterFinalizerNoOrder(p unsafe.Pointer, fn Finalizer) {
	c.RegisterFinalizer(p, fn)
}

func (c *StaticCollector) SetFinalizeOnDemand(onDemand bool) {
	c.lock.Lock()
	c.onDemand = onDemand
	c.lock.Unlock()
}

// SetFinalizerNotifier is accepted for interface parity; with no tracing
// there is nothing to notify about.
func (c *StaticCollector) SetFinalizerNotifier(fn func()) {}

func (c *StaticCollector) ShouldInvokeFinalizers() bool { return false }

func (c *StaticCollector) InvokeFinalizers() uint64 { return 0 }

func (c *StaticCollector) KeepAlive(p unsafe.Pointer) {}

// Collect coalesces neighbouring free blocks and starts a new cycle.
func (c *StaticCollector) Collect() {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.region == nil {
		return
	}
	for b := c.first(); b != nil; b = c.next(b) {
		if b.header.getFree() {
			c.absorb(b, c.capacity())
		}
	}
	c.cycle++
	c.allocdBeforeGC += c.allocd
	c.allocd = 0
	c.explFreed = 0
	logger.Debug("static heap collect, cycle: %d, alloc size: %d", c.cycle, c.allocSize)
}

func (c *StaticCollector) capacity() uint64 {
	return uint64(c.end - c.base)
}

func (c *StaticCollector) CycleNumber() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.cycle
}

func (c *StaticCollector) ProfileStats() ProfileStats {
	c.lock.Lock()
	defer c.lock.Unlock()
	s := ProfileStats{
		HeapSizeFull:          c.capacity(),
		NonGCBytes:            c.allocSize,
		GCNo:                  c.cycle,
		BytesAllocdSinceGC:    c.allocd,
		AllocdBytesBeforeGC:   c.allocdBeforeGC,
		ExplFreedBytesSinceGC: c.explFreed,
	}
	if c.region == nil {
		return s
	}
	for b := c.first(); b != nil; b = c.next(b) {
		if b.header.getFree() {
			s.FreeBytesFull += b.header.getSize()
		}
	}
	return s
}

// GetAllocSize returns the payload bytes currently handed out.
func (c *StaticCollector) GetAllocSize() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.allocSize
}

func (c *StaticCollector) RegisterThread() bool { return true }

func (c *StaticCollector) UnregisterThread() {}

func (c *StaticCollector) ThreadIsRegistered() bool { return true }

func (c *StaticCollector) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.region == nil {
		return nil
	}
	err := unmapRegion(c.region)
	c.region = nil
	logger.Debug("static heap unmapped, addr: 0x%x", c.base)
	return err
}
