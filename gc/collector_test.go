package gc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	c, err := New(nil)
	require.NoError(t, err)
	assert.IsType(t, &GoCollector{}, c)

	c, err = New(&Config{Backend: BackendStatic, StaticHeapSize: 1 * MB, FinalizeOnDemand: true})
	require.NoError(t, err)
	assert.IsType(t, &StaticCollector{}, c)
	assert.Equal(t, uint64(1*MB), c.ProfileStats().HeapSizeFull)
	require.NoError(t, c.Close())

	_, err = New(&Config{Backend: "tcmalloc"})
	require.ErrorIs(t, err, ErrUnknownBackend)
}

func TestProfileStatsString(t *testing.T) {
	s := ProfileStats{HeapSizeFull: 4096, GCNo: 3}
	assert.Contains(t, s.String(), "heap:4096")
	assert.Contains(t, s.String(), "gc_no:3")
}
