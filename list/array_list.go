// Package list provides an array list whose storage comes from a
// mem.Allocator. Element types must not contain Go pointers: the backing
// array lives in collector memory that the Go runtime does not scan.
package list

import (
	"encoding/json"
	"errors"

	"github.com/flswld/gcalloc/mem"
)

const (
	initCap = 8
)

type ArrayList[T any] struct {
	data  *T
	len   int
	cap   int
	alloc mem.Allocator
}

func NewArrayList[T any](alloc mem.Allocator) *ArrayList[T] {
	return NewArrayListWithCap[T](alloc, initCap)
}

func NewArrayListWithCap[T any](alloc mem.Allocator, cap int) *ArrayList[T] {
	if cap < initCap {
		cap = initCap
	}
	data, err := mem.MallocType[T](alloc, uint64(cap))
	if err != nil {
		return nil
	}
	a := new(ArrayList[T])
	a.data = data
	a.len = 0
	a.cap = cap
	a.alloc = alloc
	return a
}

func (a *ArrayList[T]) Len() int {
	return a.len
}

func (a *ArrayList[T]) Cap() int {
	return a.cap
}

// Add appends value, growing the backing array in place when the collector
// allows it. It returns false when growth fails; the list is unchanged.
func (a *ArrayList[T]) Add(value T) bool {
	if a.len >= a.cap {
		// Free之后容量为0 从初始容量重新分配
		newCap := max(a.cap*2, initCap)
		data, err := mem.ReallocType[T](a.alloc, a.data, uint64(a.cap), uint64(newCap))
		if err != nil {
			return false
		}
		a.data = data
		a.cap = newCap
	}
	p := mem.OffsetType[T](a.data, int64(a.len))
	*p = value
	a.len++
	return true
}

func (a *ArrayList[T]) Set(index int, value T) {
	if index < 0 || index >= a.len {
		return
	}
	p := mem.OffsetType[T](a.data, int64(index))
	*p = value
}

func (a *ArrayList[T]) Get(index int) T {
	if index < 0 || index >= a.len {
		var t T
		return t
	}
	p := mem.OffsetType[T](a.data, int64(index))
	return *p
}

func (a *ArrayList[T]) For(fn func(index int, value T) (next bool)) {
	for index := 0; index < a.len; index++ {
		value := a.Get(index)
		next := fn(index, value)
		if !next {
			return
		}
	}
}

func (a *ArrayList[T]) Clear() {
	a.len = 0
}

// Free releases the list. The backing array is left to the collector.
func (a *ArrayList[T]) Free() {
	mem.FreeType[T](a.alloc, a.data, uint64(a.cap))
	a.data = nil
	a.len = 0
	a.cap = 0
}

func (a *ArrayList[T]) MarshalJSON() ([]byte, error) {
	aa := make([]T, a.Len())
	a.For(func(index int, value T) (next bool) {
		aa[index] = value
		return true
	})
	data, err := json.Marshal(aa)
	return data, err
}

func (a *ArrayList[T]) UnmarshalJSON(data []byte) error {
	aa := make([]T, 0, initCap)
	err := json.Unmarshal(data, &aa)
	if err != nil {
		return err
	}
	for _, v := range aa {
		if !a.Add(v) {
			return errors.New("overflow")
		}
	}
	return nil
}
