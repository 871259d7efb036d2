package list

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flswld/gcalloc/gc"
	"github.com/flswld/gcalloc/gc/gctest"
	"github.com/flswld/gcalloc/mem"
)

func TestArrayList(t *testing.T) {
	static, err := gc.NewStaticCollector(1 * mem.MB)
	require.NoError(t, err)
	defer static.Close()
	for _, c := range []gc.Primitives{gc.NewGoCollector(), static} {
		arrayList := NewArrayList[uint64](mem.NewHandle(c))
		require.NotNil(t, arrayList)
		for i := 0; i < 100; i++ {
			require.True(t, arrayList.Add(uint64(i)))
		}
		arrayList.Set(10, 666)
		assert.Equal(t, 100, arrayList.Len())
		assert.Equal(t, 128, arrayList.Cap())
		sum := uint64(0)
		arrayList.For(func(index int, value uint64) (next bool) {
			sum += value
			return true
		})
		assert.Equal(t, uint64(99*100/2-10+666), sum)
		assert.Equal(t, uint64(666), arrayList.Get(10))
		assert.Zero(t, arrayList.Get(100))
		assert.Zero(t, arrayList.Get(-1))
		arrayList.Free()
		assert.Zero(t, arrayList.Len())
	}
}

func TestArrayListGrowFail(t *testing.T) {
	rec := gctest.NewRecorder(gc.NewGoCollector())
	arrayList := NewArrayList[uint32](mem.NewHandle(rec))
	require.NotNil(t, arrayList)
	for i := 0; i < 8; i++ {
		require.True(t, arrayList.Add(uint32(i)))
	}
	rec.SetFailing(true)
	assert.False(t, arrayList.Add(8))
	assert.Equal(t, 8, arrayList.Len())
	assert.Equal(t, uint32(7), arrayList.Get(7))
	rec.SetFailing(false)
	assert.True(t, arrayList.Add(8))
	assert.Equal(t, uint32(8), arrayList.Get(8))
	assert.Zero(t, rec.Counts().Free)
}

func TestArrayListReuseAfterFree(t *testing.T) {
	static, err := gc.NewStaticCollector(1 * mem.MB)
	require.NoError(t, err)
	defer static.Close()
	for _, c := range []gc.Primitives{gc.NewGoCollector(), static} {
		arrayList := NewArrayList[uint64](mem.NewHandle(c))
		require.NotNil(t, arrayList)
		arrayList.Add(1)
		arrayList.Free()
		assert.Zero(t, arrayList.Cap())
		for i := 0; i < 20; i++ {
			require.True(t, arrayList.Add(uint64(i)))
		}
		assert.Equal(t, 20, arrayList.Len())
		assert.Equal(t, 32, arrayList.Cap())
		assert.Equal(t, uint64(19), arrayList.Get(19))
	}
}

func TestArrayListNew(t *testing.T) {
	assert.Nil(t, NewArrayList[uint64](mem.NewHandle(new(gctest.Exhausted))))
}

type point struct {
	X int32
	Y int32
}

func TestArrayListJSON(t *testing.T) {
	arrayList := NewArrayList[point](mem.Default().Handle())
	require.NotNil(t, arrayList)
	arrayList.Add(point{1, 2})
	arrayList.Add(point{3, 4})
	data, err := json.Marshal(arrayList)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"X":1,"Y":2},{"X":3,"Y":4}]`, string(data))

	other := NewArrayList[point](mem.Default().Handle())
	require.NoError(t, json.Unmarshal(data, other))
	assert.Equal(t, 2, other.Len())
	assert.Equal(t, point{3, 4}, other.Get(1))
}
