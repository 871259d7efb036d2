package hashmap

import (
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flswld/gcalloc/gc"
	"github.com/flswld/gcalloc/gc/gctest"
	"github.com/flswld/gcalloc/mem"
)

type Key uint32

func (k Key) GetHashCode() uint64 {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, uint32(k))
	return GetHashCode(data)
}

func TestHashMap(t *testing.T) {
	static, err := gc.NewStaticCollector(1 * mem.MB)
	require.NoError(t, err)
	defer static.Close()
	for _, c := range []gc.Primitives{gc.NewGoCollector(), static} {
		hashMap := NewHashMap[Key, uint64](mem.NewHandle(c))
		require.NotNil(t, hashMap)
		for i := 0; i < 100; i++ {
			require.True(t, hashMap.Set(Key(i), uint64(i+10000)))
		}
		for i := 90; i < 100; i++ {
			hashMap.Del(Key(i))
		}
		for i := 0; i < 10; i++ {
			require.True(t, hashMap.Set(Key(i), 666))
		}
		assert.Equal(t, 90, hashMap.Len())
		for i := 0; i < 100; i++ {
			v, ok := hashMap.Get(Key(i))
			switch {
			case i < 10:
				assert.True(t, ok)
				assert.Equal(t, uint64(666), v)
			case i < 90:
				assert.True(t, ok)
				assert.Equal(t, uint64(i+10000), v)
			default:
				assert.False(t, ok)
			}
		}
		count := 0
		hashMap.For(func(key Key, value uint64) (next bool) {
			count++
			return true
		})
		assert.Equal(t, 90, count)
		hashMap.Clear()
		assert.Zero(t, hashMap.Len())
		_, ok := hashMap.Get(Key(1))
		assert.False(t, ok)
		hashMap.Free()
	}
}

func TestHashMapTombstoneReuse(t *testing.T) {
	hashMap := NewHashMap[Key, uint64](mem.NewHandle(gc.NewGoCollector()))
	require.NotNil(t, hashMap)
	for round := 0; round < 1000; round++ {
		require.True(t, hashMap.Set(Key(round), uint64(round)))
		hashMap.Del(Key(round))
	}
	assert.Zero(t, hashMap.Len())
	assert.Equal(t, initBucketSize, hashMap.cap)
}

func TestHashMapGrowFail(t *testing.T) {
	rec := gctest.NewRecorder(gc.NewGoCollector())
	hashMap := NewHashMap[Key, uint64](mem.NewHandle(rec))
	require.NotNil(t, hashMap)
	rec.SetFailing(true)
	for i := 0; i < initBucketSize; i++ {
		require.True(t, hashMap.Set(Key(i), uint64(i)))
	}
	assert.False(t, hashMap.Set(Key(initBucketSize), 0))
	assert.Equal(t, initBucketSize, hashMap.Len())
	rec.SetFailing(false)
	require.True(t, hashMap.Set(Key(initBucketSize), 0))
	assert.Equal(t, initBucketSize*2, hashMap.cap)
	for i := 0; i <= initBucketSize; i++ {
		v, ok := hashMap.Get(Key(i))
		assert.True(t, ok)
		assert.Equal(t, uint64(i), v)
	}
}

func TestHashMapNew(t *testing.T) {
	assert.Nil(t, NewHashMap[Key, uint64](mem.NewHandle(new(gctest.Exhausted))))
	hashMap := NewHashMapWithCap[Key, uint64](mem.NewHandle(gc.NewGoCollector()), 100)
	require.NotNil(t, hashMap)
	assert.Equal(t, 128, hashMap.cap)
}

func TestHashMapGrow(t *testing.T) {
	rec := gctest.NewRecorder(gc.NewGoCollector())
	hashMap := NewHashMap[Key, uint64](mem.NewHandle(rec))
	require.NotNil(t, hashMap)
	for i := 0; i < 5; i++ {
		require.True(t, hashMap.Set(Key(i), uint64(i)))
	}
	hashMap.Del(Key(0))
	require.True(t, hashMap.Grow())
	assert.Equal(t, initBucketSize*2, hashMap.cap)
	assert.Equal(t, 4, hashMap.load)
	assert.Equal(t, 4, hashMap.Len())
	for i := 1; i < 5; i++ {
		v, ok := hashMap.Get(Key(i))
		assert.True(t, ok)
		assert.Equal(t, uint64(i), v)
	}
	rec.SetFailing(true)
	assert.False(t, hashMap.Grow())
	assert.Equal(t, initBucketSize*2, hashMap.cap)
	_, ok := hashMap.Get(Key(3))
	assert.True(t, ok)
}

func TestHashMapUnmarshalPresize(t *testing.T) {
	rec := gctest.NewRecorder(gc.NewGoCollector())
	hashMap := NewHashMap[Key, uint64](mem.NewHandle(rec))
	require.NotNil(t, hashMap)
	rec.Reset()
	data, err := json.Marshal(map[Key]uint64{1: 1, 2: 2, 3: 3, 4: 4, 5: 5, 6: 6, 7: 7, 8: 8, 9: 9, 10: 10})
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, hashMap))
	assert.Equal(t, 10, hashMap.Len())
	assert.Equal(t, 16, hashMap.cap)
	assert.Equal(t, uint64(1), rec.Counts().Malloc)
}

func TestHashMapJSON(t *testing.T) {
	hashMap := NewHashMap[Key, uint64](mem.Default().Handle())
	require.NotNil(t, hashMap)
	hashMap.Set(1, 100)
	hashMap.Set(2, 200)
	data, err := json.Marshal(hashMap)
	require.NoError(t, err)
	other := NewHashMap[Key, uint64](mem.Default().Handle())
	require.NotNil(t, other)
	require.NoError(t, json.Unmarshal(data, other))
	v, ok := other.Get(2)
	assert.True(t, ok)
	assert.Equal(t, uint64(200), v)
	assert.Equal(t, 2, other.Len())
}
