//go:build linux

package cpu

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// BindCore 将当前goroutine锁定到os线程并绑定到指定核心
func BindCore(core int) bool {
	if core < 0 || core >= runtime.NumCPU() {
		return false
	}
	runtime.LockOSThread()
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	err := unix.SchedSetaffinity(0, &set)
	if err != nil {
		runtime.UnlockOSThread()
		return false
	}
	return true
}

func UnbindCore() bool {
	var set unix.CPUSet
	set.Zero()
	for core := 0; core < runtime.NumCPU(); core++ {
		set.Set(core)
	}
	err := unix.SchedSetaffinity(0, &set)
	if err != nil {
		return false
	}
	runtime.UnlockOSThread()
	return true
}
