// Package gc defines the collector primitive set the allocation bridge is
// built on, together with the collector backends shipped with gcalloc.
package gc

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/flswld/gcalloc/logger"
)

const (
	B  = 1
	KB = 1024 * B
	MB = 1024 * KB
	GB = 1024 * MB
)

const (
	BackendGo     = "go"
	BackendStatic = "static"
	BackendBoehm  = "bdwgc"
)

var (
	ErrUnknownBackend     = errors.New("gc: unknown backend")
	ErrBackendUnavailable = errors.New("gc: backend not compiled in")
	ErrHeapTooSmall       = errors.New("gc: static heap too small")
)

// Primitives is the allocation surface of a collector. Implementations must
// be safe for concurrent use.
type Primitives interface {
	// Malloc returns a block of at least size bytes aligned to at least 8,
	// or nil when the heap is exhausted.
	Malloc(size uintptr) unsafe.Pointer
	// PosixMemalign stores a block of at least size bytes aligned to align in
	// *out and returns 0. align must be a power of two and a multiple of the
	// pointer size. Any other return value means *out is not valid.
	PosixMemalign(out *unsafe.Pointer, align uintptr, size uintptr) int
	// Realloc resizes p keeping its leading bytes and default alignment. The
	// block may move. On nil the old block is still valid.
	Realloc(p unsafe.Pointer, newSize uintptr) unsafe.Pointer
	// Free retires p immediately. The caller guarantees p has no other live
	// reference.
	Free(p unsafe.Pointer)
	// Base maps an interior pointer to the start of its block, nil if p is
	// not inside a live block.
	Base(p unsafe.Pointer) unsafe.Pointer
}

// Finalizer is called with the block base once the block is unreachable.
type Finalizer func(p unsafe.Pointer)

type Collector interface {
	Primitives

	RegisterFinalizer(p unsafe.Pointer, fn Finalizer)
	RegisterFinalizerNoOrder(p unsafe.Pointer, fn Finalizer)
	SetFinalizeOnDemand(onDemand bool)
	// SetFinalizerNotifier installs fn, called whenever finalizers become
	// ready while finalize-on-demand is set. nil removes it. fn runs on a
	// collector-owned goroutine or thread and must not block.
	SetFinalizerNotifier(fn func())
	ShouldInvokeFinalizers() bool
	InvokeFinalizers() uint64

	KeepAlive(p unsafe.Pointer)
	Collect()
	CycleNumber() uint64
	ProfileStats() ProfileStats

	RegisterThread() bool
	UnregisterThread()
	ThreadIsRegistered() bool

	Close() error
}

type ProfileStats struct {
	HeapSizeFull           uint64 // 堆大小 含已归还系统的部分
	FreeBytesFull          uint64 // 空闲及已归还系统的字节数
	UnmappedBytes          uint64 // 已归还系统的字节数
	BytesAllocdSinceGC     uint64 // 最近一次回收后分配的字节数
	AllocdBytesBeforeGC    uint64 // 最近一次回收前累计分配的字节数
	NonGCBytes             uint64 // 不参与回收的字节数
	GCNo                   uint64 // 回收周期编号
	MarkersM1              uint64 // 标记线程数 不含发起线程
	BytesReclaimedSinceGC  uint64 // 最近一次回收释放的字节数
	ReclaimedBytesBeforeGC uint64 // 最近一次回收前累计释放的字节数
	ExplFreedBytesSinceGC  uint64 // 最近一次回收后显式释放的字节数
}

func (s ProfileStats) String() string {
	return fmt.Sprintf("heap:%d free:%d unmapped:%d allocd_since_gc:%d allocd_before_gc:%d non_gc:%d gc_no:%d markers_m1:%d reclaimed_since_gc:%d reclaimed_before_gc:%d expl_freed_since_gc:%d",
		s.HeapSizeFull, s.FreeBytesFull, s.UnmappedBytes, s.BytesAllocdSinceGC, s.AllocdBytesBeforeGC, s.NonGCBytes,
		s.GCNo, s.MarkersM1, s.BytesReclaimedSinceGC, s.ReclaimedBytesBeforeGC, s.ExplFreedBytesSinceGC)
}

type Config struct {
	Backend          string `yaml:"backend"`            // 回收器后端 go static bdwgc
	StaticHeapSize   uint64 `yaml:"static_heap_size"`   // static后端的堆大小
	GoMaxBlock       uint64 `yaml:"go_max_block"`       // go后端单次请求上限 为0时按物理内存
	FinalizeOnDemand bool   `yaml:"finalize_on_demand"` // 终结器按需执行
	DebugLog         bool   `yaml:"debug_log"`          // 调试日志
}

const defaultStaticHeapSize = 64 * MB

// New creates the collector selected by cfg. A nil cfg selects the Go backend.
func New(cfg *Config) (Collector, error) {
	if cfg == nil {
		cfg = &Config{Backend: BackendGo}
	}
	var c Collector
	var err error
	switch cfg.Backend {
	case "", BackendGo:
		limit := cfg.GoMaxBlock
		if limit == 0 {
			limit = DefaultGoMaxBlock()
		}
		c = NewGoCollectorWithLimit(limit)
	case BackendStatic:
		size := cfg.StaticHeapSize
		if size == 0 {
			size = defaultStaticHeapSize
		}
		c, err = NewStaticCollector(size)
	case BackendBoehm:
		c, err = newBoehmCollector()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.FinalizeOnDemand {
		c.SetFinalizeOnDemand(true)
	}
	if cfg.DebugLog {
		logger.Debug("collector init, backend: %v, stats: %v", cfg.Backend, c.ProfileStats())
	}
	return c, nil
}

func alignUp(n uintptr, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

func isPow2(n uintptr) bool {
	return n != 0 && n&(n-1) == 0
}

const ptrSize = unsafe.Sizeof(uintptr(0))

// posixMemalign status codes, matching errno values returned by bdwgc.
const (
	statusOK     = 0
	statusEINVAL = 22
	statusENOMEM = 12
)
