//go:build cgo && bdwgc

package gc

/*
#cgo CFLAGS: -DGC_THREADS
#cgo LDFLAGS: -lgc
#include <stdint.h>
#include <stdlib.h>
#include <gc.h>

extern void gcallocFinalize(void* obj, uintptr_t handle);
extern void gcallocFinalizerNotify(void);

static void gcalloc_finalizer(void* obj, void* cd) {
	gcallocFinalize(obj, (uintptr_t)cd);
}

// 返回被替换的旧句柄 非本库注册的终结器返回0
static uintptr_t gcalloc_register_finalizer(void* obj, uintptr_t handle, int no_order) {
	GC_finalization_proc ofn = 0;
	void* ocd = 0;
	GC_finalization_proc fn = handle ? gcalloc_finalizer : 0;
	if (no_order) {
		GC_register_finalizer_no_order(obj, fn, (void*)handle, &ofn, &ocd);
	} else {
		GC_register_finalizer(obj, fn, (void*)handle, &ofn, &ocd);
	}
	if (ofn != gcalloc_finalizer) {
		return 0;
	}
	return (uintptr_t)ocd;
}

static void gcalloc_finalizer_notifier(void) {
	gcallocFinalizerNotify();
}

static void gcalloc_set_finalizer_notifier(int on) {
	GC_set_finalizer_notifier(on ? gcalloc_finalizer_notifier : 0);
}

static int gcalloc_register_thread(void) {
	struct GC_stack_base sb;
	if (GC_get_stack_base(&sb) != GC_SUCCESS) {
		return -1;
	}
	return GC_register_my_thread(&sb);
}

static void gcalloc_keep_alive(void* p) {
	GC_reachable_here(p);
}

static void gcalloc_init(void) {
	GC_INIT();
	GC_allow_register_threads();
}
*/
import "C"
import (
	"runtime"
	"runtime/cgo"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/flswld/gcalloc/logger"
)

var (
	boehmInit sync.Once
	// libgc只有一个全局通知回调
	boehmNotifier atomic.Pointer[func()]
)

// BoehmCollector binds the Boehm-Demers-Weiser collector. libgc scans its
// own roots (C stacks of registered threads, static data, its own blocks);
// the Go heap and goroutine stacks are not roots, so a block only referenced
// from Go memory may be reclaimed.
type BoehmCollector struct{}

func newBoehmCollector() (Collector, error) {
	return NewBoehmCollector(), nil
}

func NewBoehmCollector() *BoehmCollector {
	boehmInit.Do(func() {
		C.gcalloc_init()
		logger.Info("bdwgc init, version: %v", uint32(C.GC_get_version()))
	})
	return &BoehmCollector{}
}

func (c *BoehmCollector) Malloc(size uintptr) unsafe.Pointer {
	return C.GC_malloc(C.size_t(size))
}

func (c *BoehmCollector) PosixMemalign(out *unsafe.Pointer, align uintptr, size uintptr) int {
	var p unsafe.Pointer
	ret := C.GC_posix_memalign(&p, C.size_t(align), C.size_t(size))
	if ret != 0 {
		return int(ret)
	}
	*out = p
	return statusOK
}

func (c *BoehmCollector) Realloc(p unsafe.Pointer, newSize uintptr) unsafe.Pointer {
	return C.GC_realloc(p, C.size_t(newSize))
}

func (c *BoehmCollector) Free(p unsafe.Pointer) {
	C.GC_free(p)
}

func (c *BoehmCollector) Base(p unsafe.Pointer) unsafe.Pointer {
	return C.GC_base(p)
}

func (c *BoehmCollector) registerFinalizer(p unsafe.Pointer, fn Finalizer, noOrder bool) {
	var h cgo.Handle
	if fn != nil {
		h = cgo.NewHandle(fn)
	}
	order := C.int(0)
	if noOrder {
		order = 1
	}
	old := C.gcalloc_register_finalizer(p, C.uintptr_t(h), order)
	if old != 0 {
		cgo.Handle(old).Delete()
	}
}

func (c *BoehmCollector) RegisterFinalizer(p unsafe.Pointer, fn Finalizer) {
	c.registerFinalizer(p, fn, false)
}

func (c *BoehmCollector) RegisterFinalizerNoOrder(p unsafe.Pointer, fn Finalizer) {
	c.registerFinalizer(p, fn, true)
}

func (c *BoehmCollector) SetFinalizeOnDemand(onDemand bool) {
	state := C.int(0)
	if onDemand {
		state = 1
	}
	C.GC_set_finalize_on_demand(state)
}

// SetFinalizerNotifier maps onto GC_set_finalizer_notifier, which is
// process-wide: the last call wins across all BoehmCollector values.
func (c *BoehmCollector) SetFinalizerNotifier(fn func()) {
	if fn == nil {
		boehmNotifier.Store(nil)
		C.gcalloc_set_finalizer_notifier(0)
		return
	}
	boehmNotifier.Store(&fn)
	C.gcalloc_set_finalizer_notifier(1)
}

func (c *BoehmCollector) ShouldInvokeFinalizers() bool {
	return C.GC_should_invoke_finalizers() != 0
}

func (c *BoehmCollector) InvokeFinalizers() uint64 {
	return uint64(C.GC_invoke_finalizers())
}

func (c *BoehmCollector) KeepAlive(p unsafe.Pointer) {
	C.gcalloc_keep_alive(p)
}

func (c *BoehmCollector) Collect() {
	C.GC_gcollect()
}

func (c *BoehmCollector) CycleNumber() uint64 {
	return uint64(C.GC_get_gc_no())
}

func (c *BoehmCollector) ProfileStats() ProfileStats {
	var s C.struct_GC_prof_stats_s
	C.GC_get_prof_stats(&s, C.size_t(unsafe.Sizeof(s)))
	return ProfileStats{
		HeapSizeFull:           uint64(s.heapsize_full),
		FreeBytesFull:          uint64(s.free_bytes_full),
		UnmappedBytes:          uint64(s.unmapped_bytes),
		BytesAllocdSinceGC:     uint64(s.bytes_allocd_since_gc),
		AllocdBytesBeforeGC:    uint64(s.allocd_bytes_before_gc),
		NonGCBytes:             uint64(s.non_gc_bytes),
		GCNo:                   uint64(s.gc_no),
		MarkersM1:              uint64(s.markers_m1),
		BytesReclaimedSinceGC:  uint64(s.bytes_reclaimed_since_gc),
		ReclaimedBytesBeforeGC: uint64(s.reclaimed_bytes_before_gc),
		ExplFreedBytesSinceGC:  uint64(s.expl_freed_bytes_since_gc),
	}
}

// RegisterThread pins the calling goroutine to its os thread and registers
// that thread with libgc. Pair with UnregisterThread on the same goroutine.
func (c *BoehmCollector) RegisterThread() bool {
	runtime.LockOSThread()
	ret := C.gcalloc_register_thread()
	if ret != C.GC_SUCCESS && ret != C.GC_DUPLICATE {
		runtime.UnlockOSThread()
		return false
	}
	return true
}

func (c *BoehmCollector) UnregisterThread() {
	C.GC_unregister_my_thread()
	runtime.UnlockOSThread()
}

func (c *BoehmCollector) ThreadIsRegistered() bool {
	return C.GC_thread_is_registered() != 0
}

func (c *BoehmCollector) Close() error {
	return nil
}
