//go:build !(cgo && bdwgc)

package gc

func newBoehmCollector() (Collector, error) {
	return nil, ErrBackendUnavailable
}
