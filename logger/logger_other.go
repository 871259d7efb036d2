//go:build !linux

package logger

func getThreadId() string {
	return "?"
}
