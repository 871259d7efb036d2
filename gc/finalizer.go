package gc

import (
	"sync"
	"sync/atomic"
)

// finalizerQueue runs finalizers right away, or parks them until
// InvokeFinalizers when finalize-on-demand is set.
type finalizerQueue struct {
	onDemand atomic.Bool
	notifier atomic.Pointer[func()]
	lock     sync.Mutex
	pending  []func()
}

func (q *finalizerQueue) setNotifier(fn func()) {
	if fn == nil {
		q.notifier.Store(nil)
		return
	}
	q.notifier.Store(&fn)
}

func (q *finalizerQueue) run(fn func()) {
	if !q.onDemand.Load() {
		fn()
		return
	}
	q.lock.Lock()
	q.pending = append(q.pending, fn)
	q.lock.Unlock()
	if notify := q.notifier.Load(); notify != nil {
		(*notify)()
	}
}

func (q *finalizerQueue) ready() bool {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.pending) != 0
}

func (q *finalizerQueue) invoke() uint64 {
	q.lock.Lock()
	pending := q.pending
	q.pending = nil
	q.lock.Unlock()
	for _, fn := range pending {
		fn()
	}
	return uint64(len(pending))
}
