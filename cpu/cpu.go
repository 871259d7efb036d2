package cpu

import (
	"runtime"
	"sync/atomic"
	_ "unsafe"
)

const spinBeforeYield = 64

// SpinLock 自旋锁 临界区很短时比sync.Mutex更快
type SpinLock uint32

//go:linkname procyield runtime.procyield
func procyield(cycles uint32)

func (l *SpinLock) Lock() {
	for spin := 0; !l.TryLock(); spin++ {
		for atomic.LoadUint32((*uint32)(l)) != 0 {
			if spin < spinBeforeYield {
				procyield(10)
			} else {
				// 持锁协程可能已被调度走 自旋无意义
				runtime.Gosched()
			}
			spin++
		}
	}
}

func (l *SpinLock) TryLock() bool {
	return atomic.CompareAndSwapUint32((*uint32)(l), 0, 1)
}

func (l *SpinLock) Unlock() {
	atomic.StoreUint32((*uint32)(l), 0)
}
