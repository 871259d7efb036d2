//go:build !linux

package cpu

func BindCore(core int) bool {
	return false
}

func UnbindCore() bool {
	return false
}
