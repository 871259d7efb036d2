//go:build cgo && bdwgc

package gc

// #include <stdint.h>
import "C"
import (
	"runtime/cgo"
	"unsafe"
)

//export gcallocFinalize
func gcallocFinalize(obj unsafe.Pointer, handle C.uintptr_t) {
	h := cgo.Handle(handle)
	fn := h.Value().(Finalizer)
	h.Delete()
	fn(obj)
}

//export gcallocFinalizerNotify
func gcallocFinalizerNotify() {
	if notify := boehmNotifier.Load(); notify != nil {
		(*notify)()
	}
}
