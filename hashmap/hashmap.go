// Package hashmap provides an open addressing hash map whose buckets come
// from a mem.Allocator. Keys and values are stored inline and must not
// contain Go pointers.
package hashmap

import (
	"encoding/json"
	"errors"
	"unsafe"

	"github.com/flswld/gcalloc/mem"
)

const (
	initBucketSize = 8
	growBucketLoad = 0.75
)

const (
	slotEmpty uint8 = iota
	slotUsed
	slotDeleted
)

type MapKey interface {
	comparable
	GetHashCode() uint64
}

type HashMap[K MapKey, V any] struct {
	bucket *entry[K, V]
	cap    int
	load   int // 已使用及已删除的槽位数
	len    int
	alloc  mem.Allocator
}

type entry[K MapKey, V any] struct {
	state uint8
	key   K
	value V
}

func NewHashMap[K MapKey, V any](alloc mem.Allocator) *HashMap[K, V] {
	return NewHashMapWithCap[K, V](alloc, initBucketSize)
}

func NewHashMapWithCap[K MapKey, V any](alloc mem.Allocator, cap int) *HashMap[K, V] {
	size := initBucketSize
	for size < cap {
		size *= 2
	}
	bucket := newBucket[K, V](alloc, size)
	if bucket == nil {
		return nil
	}
	m := new(HashMap[K, V])
	m.bucket = bucket
	m.cap = size
	m.load = 0
	m.len = 0
	m.alloc = alloc
	return m
}

func newBucket[K MapKey, V any](alloc mem.Allocator, size int) *entry[K, V] {
	l, err := mem.LayoutOf[entry[K, V]](uint64(size))
	if err != nil {
		return nil
	}
	p, err := alloc.AllocateZeroed(l)
	if err != nil {
		return nil
	}
	return (*entry[K, V])(p)
}

func (m *HashMap[K, V]) slot(i int) *entry[K, V] {
	return mem.OffsetType(m.bucket, int64(i))
}

// find returns the slot holding key, or the slot key would be inserted into
// and false. The second slot is nil when the table has no room.
func (m *HashMap[K, V]) find(key K) (*entry[K, V], bool) {
	mask := m.cap - 1
	i := int(key.GetHashCode() & uint64(mask))
	var free *entry[K, V]
	for n := 0; n < m.cap; n++ {
		e := m.slot(i)
		switch e.state {
		case slotEmpty:
			if free == nil {
				free = e
			}
			return free, false
		case slotDeleted:
			if free == nil {
				free = e
			}
		case slotUsed:
			if e.key == key {
				return e, true
			}
		}
		i = (i + 1) & mask
	}
	return free, false
}

func (m *HashMap[K, V]) Get(key K) (V, bool) {
	e, ok := m.find(key)
	if !ok {
		var v V
		return v, false
	}
	return e.value, true
}

// Set stores value under key. It returns false only when the table is full
// and growing it failed.
func (m *HashMap[K, V]) Set(key K, value V) bool {
	e, ok := m.find(key)
	if ok {
		e.value = value
		return true
	}
	if float32(m.load+1)/float32(m.cap) > growBucketLoad {
		size := m.cap
		if float32(m.len+1)/float32(m.cap) > growBucketLoad/2 {
			size *= 2
		}
		if m.rehash(size) {
			e, _ = m.find(key)
		}
	}
	if e == nil {
		return false
	}
	if e.state == slotEmpty {
		m.load++
	}
	e.state = slotUsed
	e.key = key
	e.value = value
	m.len++
	return true
}

// Grow doubles the bucket array. The map is left as it was when the
// allocation fails.
func (m *HashMap[K, V]) Grow() bool {
	return m.rehash(m.cap * 2)
}

// rehash moves every live entry into a fresh bucket array of size slots,
// dropping deleted slots on the way.
func (m *HashMap[K, V]) rehash(size int) bool {
	bucket := newBucket[K, V](m.alloc, size)
	if bucket == nil {
		return false
	}
	old := m.bucket
	oldCap := m.cap
	m.bucket = bucket
	m.cap = size
	m.load = 0
	for i := 0; i < oldCap; i++ {
		e := mem.OffsetType(old, int64(i))
		if e.state != slotUsed {
			continue
		}
		ne, _ := m.find(e.key)
		ne.state = slotUsed
		ne.key = e.key
		ne.value = e.value
		m.load++
	}
	mem.FreeType(m.alloc, old, uint64(oldCap))
	return true
}

func (m *HashMap[K, V]) Del(key K) {
	e, ok := m.find(key)
	if !ok {
		return
	}
	var k K
	var v V
	e.state = slotDeleted
	e.key = k
	e.value = v
	m.len--
}

func (m *HashMap[K, V]) For(fn func(key K, value V) (next bool)) {
	for i := 0; i < m.cap; i++ {
		e := m.slot(i)
		if e.state != slotUsed {
			continue
		}
		if !fn(e.key, e.value) {
			return
		}
	}
}

func (m *HashMap[K, V]) Len() int {
	return m.len
}

func (m *HashMap[K, V]) Clear() {
	l, _ := mem.LayoutOf[entry[K, V]](uint64(m.cap))
	mem.MemZero(unsafe.Pointer(m.bucket), l.Size)
	m.load = 0
	m.len = 0
}

func (m *HashMap[K, V]) Free() {
	mem.FreeType(m.alloc, m.bucket, uint64(m.cap))
	m.bucket = nil
	m.cap = 0
	m.load = 0
	m.len = 0
}

func (m *HashMap[K, V]) MarshalJSON() ([]byte, error) {
	mm := make(map[K]V)
	m.For(func(key K, value V) (next bool) {
		mm[key] = value
		return true
	})
	data, err := json.Marshal(mm)
	return data, err
}

func (m *HashMap[K, V]) UnmarshalJSON(data []byte) error {
	mm := make(map[K]V)
	err := json.Unmarshal(data, &mm)
	if err != nil {
		return err
	}
	// 预先扩容 避免逐个插入时多次重哈希
	for float32(m.load+len(mm)) > growBucketLoad*float32(m.cap) {
		if !m.Grow() {
			break
		}
	}
	for k, v := range mm {
		ok := m.Set(k, v)
		if !ok {
			return errors.New("overflow")
		}
	}
	return nil
}

func GetHashCode(data []byte) uint64 {
	hashCode := uint64(0)
	for _, v := range data {
		hashCode = uint64(v) + 131*hashCode
	}
	return hashCode
}
