package mem

import (
	"math"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flswld/gcalloc/gc"
	"github.com/flswld/gcalloc/gc/gctest"
)

func backends(t *testing.T) map[string]gc.Primitives {
	t.Helper()
	static, err := gc.NewStaticCollector(16 * MB)
	require.NoError(t, err)
	t.Cleanup(func() { _ = static.Close() })
	return map[string]gc.Primitives{
		gc.BackendGo:     gc.NewGoCollector(),
		gc.BackendStatic: static,
	}
}

func fill(p unsafe.Pointer, n uintptr, seed byte) {
	b := unsafe.Slice((*byte)(p), n)
	for i := range b {
		b[i] = seed ^ byte(i)
	}
}

func requirePattern(t *testing.T, p unsafe.Pointer, n uintptr, seed byte) {
	t.Helper()
	b := unsafe.Slice((*byte)(p), n)
	for i := range b {
		if b[i] != seed^byte(i) {
			t.Fatalf("byte %d of %d: got 0x%x want 0x%x", i, n, b[i], seed^byte(i))
		}
	}
}

var (
	testSizes  = []uintptr{1, 2, 3, 7, 8, 9, 16, 24, 100, 4096}
	testAligns = []uintptr{1, 2, 4, 8, 16, 32, 64, 128, 4096}
)

func TestAllocAlignment(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			b := NewBridge(c)
			for _, size := range testSizes {
				for _, align := range testAligns {
					p := b.Alloc(Layout{Size: size, Align: align})
					require.NotNil(t, p, "size %d align %d", size, align)
					assert.Zero(t, uintptr(p)%align, "size %d align %d", size, align)
					fill(p, size, byte(size))
					requirePattern(t, p, size, byte(size))
				}
			}
		})
	}
}

func TestAllocPathSelection(t *testing.T) {
	rec := gctest.NewRecorder(gc.NewGoCollector())
	b := NewBridge(rec)
	for _, size := range testSizes {
		for _, align := range testAligns {
			rec.Reset()
			p := b.Alloc(Layout{Size: size, Align: align})
			require.NotNil(t, p)
			counts := rec.Counts()
			if align <= MinAlign && align <= size {
				assert.Equal(t, gctest.Counts{Malloc: 1}, counts, "size %d align %d", size, align)
			} else {
				assert.Equal(t, gctest.Counts{PosixMemalign: 1}, counts, "size %d align %d", size, align)
			}
		}
	}
}

func TestAllocZeroSize(t *testing.T) {
	rec := gctest.NewRecorder(gc.NewGoCollector())
	b := NewBridge(rec)
	for _, align := range testAligns {
		p := b.Alloc(Layout{Size: 0, Align: align})
		require.NotNil(t, p)
		assert.Zero(t, uintptr(p)%align)
	}
	assert.Zero(t, rec.Counts().Total())

	rec.SetFailing(true)
	assert.NotNil(t, b.Alloc(Layout{Size: 0, Align: 8}))
}

func TestAllocExhausted(t *testing.T) {
	b := NewBridge(new(gctest.Exhausted))
	assert.Nil(t, b.Alloc(Layout{Size: 24, Align: 8}))
	assert.Nil(t, b.Alloc(Layout{Size: 16, Align: 64}))
}

// allocate(24, 8) takes the fast path, then grows to 64 in place or by move.
func TestReallocFastPathScenario(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			rec := gctest.NewRecorder(c)
			b := NewBridge(rec)
			l := Layout{Size: 24, Align: 8}
			p := b.Alloc(l)
			require.NotNil(t, p)
			assert.Equal(t, uint64(1), rec.Counts().Malloc)
			fill(p, 24, 0x5a)

			q := b.Realloc(p, l, 64)
			require.NotNil(t, q)
			requirePattern(t, q, 24, 0x5a)
			assert.Zero(t, uintptr(q)%8)
			fill(q, 64, 0x11)
			counts := rec.Counts()
			assert.Equal(t, uint64(1), counts.Realloc)
			assert.Zero(t, counts.Free)
		})
	}
}

// allocate(16, 64) takes the aligned path.
func TestAllocAlignedScenario(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			rec := gctest.NewRecorder(c)
			p := NewBridge(rec).Alloc(Layout{Size: 16, Align: 64})
			require.NotNil(t, p)
			assert.Zero(t, uintptr(p)%64)
			assert.Equal(t, gctest.Counts{PosixMemalign: 1}, rec.Counts())
		})
	}
}

func TestReallocCopyPath(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			rec := gctest.NewRecorder(c)
			b := NewBridge(rec)
			l := Layout{Size: 100, Align: 256}
			p := b.Alloc(l)
			require.NotNil(t, p)
			fill(p, 100, 0x33)

			q := b.Realloc(p, l, 5000)
			require.NotNil(t, q)
			assert.Zero(t, uintptr(q)%256)
			requirePattern(t, q, 100, 0x33)
			counts := rec.Counts()
			assert.Equal(t, uint64(2), counts.PosixMemalign)
			assert.Zero(t, counts.Realloc)
			assert.Equal(t, uint64(1), counts.Free)

			r := b.Realloc(q, Layout{Size: 5000, Align: 256}, 10)
			require.NotNil(t, r)
			assert.Zero(t, uintptr(r)%256)
			requirePattern(t, r, 10, 0x33)
		})
	}
}

// A block smaller than its alignment has no fast-path guarantee and is
// moved even with a weak alignment.
func TestReallocSizeBelowAlign(t *testing.T) {
	rec := gctest.NewRecorder(gc.NewGoCollector())
	b := NewBridge(rec)
	l := Layout{Size: 8, Align: 8}
	p := b.Alloc(l)
	require.NotNil(t, p)
	fill(p, 8, 1)
	q := b.Realloc(p, l, 4)
	require.NotNil(t, q)
	requirePattern(t, q, 4, 1)
	counts := rec.Counts()
	assert.Zero(t, counts.Realloc)
	assert.Equal(t, uint64(1), counts.PosixMemalign)
	assert.Equal(t, uint64(1), counts.Free)
}

func TestReallocFromZeroSize(t *testing.T) {
	rec := gctest.NewRecorder(gc.NewGoCollector())
	b := NewBridge(rec)
	l := Layout{Size: 0, Align: 16}
	p := b.Alloc(l)
	q := b.Realloc(p, l, 48)
	require.NotNil(t, q)
	assert.Zero(t, uintptr(q)%16)
	assert.Equal(t, gctest.Counts{PosixMemalign: 1}, rec.Counts())
}

func TestReallocToZeroSize(t *testing.T) {
	rec := gctest.NewRecorder(gc.NewGoCollector())
	b := NewBridge(rec)
	l := Layout{Size: 32, Align: 8}
	p := b.Alloc(l)
	require.NotNil(t, p)
	q := b.Realloc(p, l, 0)
	assert.Equal(t, Layout{Align: 8}.Dangling(), q)
	assert.Equal(t, uint64(1), rec.Counts().Free)
}

func TestReallocFailureKeepsBlock(t *testing.T) {
	cases := []struct {
		name string
		l    Layout
	}{
		{"fast", Layout{Size: 24, Align: 8}},
		{"aligned", Layout{Size: 24, Align: 64}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := gctest.NewRecorder(gc.NewGoCollector())
			b := NewBridge(rec)
			p := b.Alloc(tc.l)
			require.NotNil(t, p)
			fill(p, tc.l.Size, 0x77)

			rec.SetFailing(true)
			assert.Nil(t, b.Realloc(p, tc.l, 1*MB))
			requirePattern(t, p, tc.l.Size, 0x77)
			assert.Zero(t, rec.Counts().Free)
			assert.Equal(t, p, rec.Inner.Base(p))
		})
	}
}

func TestOverflowingSizes(t *testing.T) {
	for name, c := range backends(t) {
		t.Run(name, func(t *testing.T) {
			rec := gctest.NewRecorder(c)
			b := NewBridge(rec)
			for _, l := range []Layout{
				{Size: ^uintptr(0) - 3, Align: 8},
				{Size: ^uintptr(0), Align: 1},
				{Size: math.MaxInt, Align: 64},
				{Size: 16, Align: 1 << (8*ptrSize - 1)},
			} {
				assert.Nil(t, b.Alloc(l), "%v", l)
			}
			assert.Zero(t, rec.Counts().Total())

			l := Layout{Size: 24, Align: 8}
			p := b.Alloc(l)
			require.NotNil(t, p)
			fill(p, 24, 0x21)
			assert.Nil(t, b.Realloc(p, l, ^uintptr(0)-3))
			assert.Nil(t, b.Realloc(p, Layout{Size: 24, Align: 64}, ^uintptr(0)-3))
			requirePattern(t, p, 24, 0x21)
			assert.Equal(t, p, rec.Inner.Base(p))

			_, err := NewHandle(c).Allocate(Layout{Size: ^uintptr(0) - 3, Align: 8})
			assert.ErrorIs(t, err, ErrAlloc)
		})
	}
}

// Requests the backend cannot back come back as errors instead of aborting.
func TestAllocBeyondCollectorLimit(t *testing.T) {
	const huge = 1 << (8*ptrSize - 2)
	h := NewHandle(gc.NewGoCollectorWithLimit(1 * MB))
	p, err := h.Allocate(Layout{Size: 1*MB - 8, Align: 8})
	require.NoError(t, err)
	require.NotNil(t, p)
	_, err = h.Allocate(Layout{Size: huge, Align: 8})
	assert.ErrorIs(t, err, ErrAlloc)
	_, err = h.Allocate(Layout{Size: huge, Align: 4096})
	assert.ErrorIs(t, err, ErrAlloc)
	_, err = h.Reallocate(p, Layout{Size: 1*MB - 8, Align: 8}, huge)
	assert.ErrorIs(t, err, ErrAlloc)
}

func TestReallocFailureStaticExhaustion(t *testing.T) {
	c, err := gc.NewStaticCollector(64 * KB)
	require.NoError(t, err)
	defer c.Close()
	b := NewBridge(c)
	l := Layout{Size: 1 * KB, Align: 128}
	p := b.Alloc(l)
	require.NotNil(t, p)
	fill(p, l.Size, 0x42)
	assert.Nil(t, b.Realloc(p, l, 1*MB))
	requirePattern(t, p, l.Size, 0x42)
	assert.Equal(t, p, c.Base(p))
}

func TestLayout(t *testing.T) {
	l, err := NewLayout(10, 16)
	require.NoError(t, err)
	assert.Equal(t, Layout{Size: 10, Align: 16}, l)
	_, err = NewLayout(10, 0)
	require.ErrorIs(t, err, ErrLayout)
	_, err = NewLayout(10, 24)
	require.ErrorIs(t, err, ErrLayout)

	l, err = LayoutOf[uint64](5)
	require.NoError(t, err)
	assert.Equal(t, Layout{Size: 40, Align: 8}, l)
	_, err = LayoutOf[uint64](1 << 62)
	require.ErrorIs(t, err, ErrLayout)

	_, err = NewLayout(^uintptr(0)-3, 8)
	require.ErrorIs(t, err, ErrLayout)
	_, err = NewLayout(math.MaxInt, 1)
	require.NoError(t, err)
	_, err = NewLayout(math.MaxInt-6, 8)
	require.ErrorIs(t, err, ErrLayout)
	_, err = NewLayout(math.MaxInt-7, 8)
	require.NoError(t, err)

	assert.Equal(t, uintptr(minDangling), uintptr(Layout{Align: 8}.Dangling()))
	assert.Equal(t, uintptr(1<<16), uintptr(Layout{Align: 1 << 16}.Dangling()))
}
