package gc

import (
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"unsafe"
	"weak"

	"github.com/puzpuzpuz/xsync/v3"
)

const (
	goMinBlock = 16 // 小于16字节的无指针对象会走tiny分配器 对齐无保证

	// 无法获知物理内存时的单块上限
	goFallbackMaxBlock = 1 * GB
)

// DefaultGoMaxBlock is the largest request a GoCollector accepts by default:
// installed RAM, lowered to the soft memory limit when one is set. The Go
// runtime aborts the process when it cannot map a large object, so bigger
// requests must be refused before they reach make.
func DefaultGoMaxBlock() uint64 {
	limit := physicalMemory()
	if limit == 0 {
		limit = goFallbackMaxBlock
	}
	if soft := debug.SetMemoryLimit(-1); soft > 0 && soft != math.MaxInt64 && uint64(soft) < limit {
		limit = uint64(soft)
	}
	return limit
}

type goBlock struct {
	size    uintptr            // 请求大小
	cap     uintptr            // 从块起始到底层分配末尾的可用字节数
	backing weak.Pointer[byte] // 底层分配的首字节
}

// GoCollector uses the Go runtime heap as the tracing collector. Blocks are
// pointer-free Go allocations, so the tracer keeps a block alive exactly as
// long as some Go-visible unsafe.Pointer points into it. References stored
// inside blocks are not scanned.
//
// The registry only holds weak pointers. It backs Base, Realloc, Free and
// finalizer lookups and forgets a block once the runtime has reclaimed it.
type GoCollector struct {
	maxBlock uintptr
	blocks   *xsync.MapOf[uintptr, *goBlock]
	fin      finalizerQueue

	allocd    atomic.Uint64
	explFreed atomic.Uint64

	statLock  sync.Mutex
	lastCycle uint32
	atCycle   cycleSnapshot
	prevCycle cycleSnapshot
}

type cycleSnapshot struct {
	allocd    uint64
	reclaimed uint64
	explFreed uint64
}

func NewGoCollector() *GoCollector {
	return NewGoCollectorWithLimit(DefaultGoMaxBlock())
}

// NewGoCollectorWithLimit refuses any single request above maxBlock bytes.
func NewGoCollectorWithLimit(maxBlock uint64) *GoCollector {
	// 预留对齐填充的空间 n+align不会溢出int
	if maxBlock > math.MaxInt/2 {
		maxBlock = math.MaxInt / 2
	}
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return &GoCollector{
		maxBlock:  uintptr(maxBlock),
		blocks:    xsync.NewMapOf[uintptr, *goBlock](),
		lastCycle: ms.NumGC,
	}
}

func goBlockSize(size uintptr) uintptr {
	size = alignUp(size, 8)
	if size < goMinBlock {
		size = goMinBlock
	}
	return size
}

func (c *GoCollector) alloc(size uintptr, align uintptr) unsafe.Pointer {
	if size > c.maxBlock || align > c.maxBlock {
		return nil
	}
	n := goBlockSize(size)
	if align > 8 {
		n += align
	}
	buf := make([]byte, n)
	backing := unsafe.SliceData(buf)
	off := alignUp(uintptr(unsafe.Pointer(backing)), align) - uintptr(unsafe.Pointer(backing))
	p := unsafe.Add(unsafe.Pointer(backing), off)
	key := uintptr(p)
	c.blocks.Store(key, &goBlock{size: size, cap: n - off, backing: weak.Make(backing)})
	runtime.AddCleanup(backing, c.forget, key)
	c.allocd.Add(uint64(size))
	return p
}

// forget drops a registry entry once its backing allocation is gone. The
// address may already belong to a newer block, which is left alone.
func (c *GoCollector) forget(key uintptr) {
	c.blocks.Compute(key, func(old *goBlock, loaded bool) (*goBlock, bool) {
		return old, !loaded || old.backing.Value() == nil
	})
}

func (c *GoCollector) MaxBlock() uint64 {
	return uint64(c.maxBlock)
}

func (c *GoCollector) lookup(p unsafe.Pointer) (*goBlock, bool) {
	b, ok := c.blocks.Load(uintptr(p))
	if !ok || b.backing.Value() == nil {
		return nil, false
	}
	return b, true
}

func (c *GoCollector) Malloc(size uintptr) unsafe.Pointer {
	return c.alloc(size, 8)
}

func (c *GoCollector) PosixMemalign(out *unsafe.Pointer, align uintptr, size uintptr) int {
	if !isPow2(align) || align%ptrSize != 0 {
		return statusEINVAL
	}
	p := c.alloc(size, align)
	if p == nil {
		return statusENOMEM
	}
	*out = p
	return statusOK
}

func (c *GoCollector) Realloc(p unsafe.Pointer, newSize uintptr) unsafe.Pointer {
	if p == nil {
		return c.Malloc(newSize)
	}
	if newSize == 0 {
		c.Free(p)
		return nil
	}
	b, ok := c.lookup(p)
	if !ok {
		return nil
	}
	if newSize <= b.cap {
		c.blocks.Store(uintptr(p), &goBlock{size: newSize, cap: b.cap, backing: b.backing})
		if newSize > b.size {
			c.allocd.Add(uint64(newSize - b.size))
		}
		return p
	}
	q := c.Malloc(newSize)
	if q == nil {
		return nil
	}
	copy(unsafe.Slice((*byte)(q), b.size), unsafe.Slice((*byte)(p), b.size))
	c.Free(p)
	return q
}

func (c *GoCollector) Free(p unsafe.Pointer) {
	b, ok := c.blocks.LoadAndDelete(uintptr(p))
	if !ok {
		return
	}
	if backing := b.backing.Value(); backing != nil {
		runtime.SetFinalizer(backing, nil)
	}
	c.explFreed.Add(uint64(b.size))
}

// Base scans the registry, so it costs O(live blocks) for interior pointers.
func (c *GoCollector) Base(p unsafe.Pointer) unsafe.Pointer {
	if _, ok := c.lookup(p); ok {
		return p
	}
	addr := uintptr(p)
	var base uintptr
	c.blocks.Range(func(key uintptr, b *goBlock) bool {
		if addr >= key && addr < key+b.cap && b.backing.Value() != nil {
			base = key
			return false
		}
		return true
	})
	if base == 0 {
		return nil
	}
	return unsafe.Add(p, -int(addr-base))
}

func (c *GoCollector) RegisterFinalizer(p unsafe.Pointer, fn Finalizer) {
	b, ok := c.lookup(p)
	if !ok {
		return
	}
	backing := b.backing.Value()
	if backing == nil {
		return
	}
	runtime.SetFinalizer(backing, nil)
	if fn == nil {
		return
	}
	off := uintptr(p) - uintptr(unsafe.Pointer(backing))
	runtime.SetFinalizer(backing, func(backing *byte) {
		c.fin.run(func() {
			fn(unsafe.Add(unsafe.Pointer(backing), off))
		})
	})
}

// RegisterFinalizerNoOrder is RegisterFinalizer: the Go runtime does not
// order finalizers between distinct blocks.
func (c *GoCollector) RegisterFinalizerNoOrder(p unsafe.Pointer, fn Finalizer) {
	c.RegisterFinalizer(p, fn)
}

func (c *GoCollector) SetFinalizeOnDemand(onDemand bool) {
	c.fin.onDemand.Store(onDemand)
}

func (c *GoCollector) SetFinalizerNotifier(fn func()) {
	c.fin.setNotifier(fn)
}

func (c *GoCollector) ShouldInvokeFinalizers() bool {
	return c.fin.ready()
}

func (c *GoCollector) InvokeFinalizers() uint64 {
	return c.fin.invoke()
}

func (c *GoCollector) KeepAlive(p unsafe.Pointer) {
	runtime.KeepAlive(p)
}

func (c *GoCollector) Collect() {
	runtime.GC()
}

func (c *GoCollector) CycleNumber() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return uint64(ms.NumGC)
}

func (c *GoCollector) ProfileStats() ProfileStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	now := cycleSnapshot{
		allocd:    c.allocd.Load(),
		reclaimed: ms.TotalAlloc - ms.HeapAlloc,
		explFreed: c.explFreed.Load(),
	}
	c.statLock.Lock()
	if ms.NumGC != c.lastCycle {
		c.prevCycle = c.atCycle
		c.atCycle = now
		c.lastCycle = ms.NumGC
	}
	at, prev := c.atCycle, c.prevCycle
	c.statLock.Unlock()

	markers := runtime.GOMAXPROCS(0) / 4
	if markers < 1 {
		markers = 1
	}
	return ProfileStats{
		HeapSizeFull:           ms.HeapSys,
		FreeBytesFull:          ms.HeapIdle,
		UnmappedBytes:          ms.HeapReleased,
		BytesAllocdSinceGC:     now.allocd - at.allocd,
		AllocdBytesBeforeGC:    at.allocd,
		NonGCBytes:             ms.Sys - ms.HeapSys,
		GCNo:                   uint64(ms.NumGC),
		MarkersM1:              uint64(markers - 1),
		BytesReclaimedSinceGC:  at.reclaimed - prev.reclaimed,
		ReclaimedBytesBeforeGC: prev.reclaimed,
		ExplFreedBytesSinceGC:  now.explFreed - at.explFreed,
	}
}

// Goroutines need no registration with the Go runtime.
func (c *GoCollector) RegisterThread() bool { return true }

func (c *GoCollector) UnregisterThread() {}

func (c *GoCollector) ThreadIsRegistered() bool { return true }

func (c *GoCollector) Close() error {
	return nil
}
