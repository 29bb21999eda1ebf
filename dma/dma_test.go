package dma

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocFirstFit(t *testing.T) {
	r := NewRegion(64)

	buf1, off1, ok := r.Alloc(16)
	require.True(t, ok)
	assert.Equal(t, 0, off1)
	assert.Len(t, buf1, 16)

	buf2, off2, ok := r.Alloc(16)
	require.True(t, ok)
	assert.Equal(t, 16, off2)
	assert.Len(t, buf2, 16)
}

func TestAllocExhaustion(t *testing.T) {
	r := NewRegion(16)
	_, _, ok := r.Alloc(16)
	require.True(t, ok)

	_, _, ok = r.Alloc(1)
	assert.False(t, ok, "a fully-allocated arena must refuse any further request")
}

// TestFreeCoalescesAdjacentSpans covers the defragmentation behavior: two
// adjacent freed spans merge back into one, so a subsequent allocation
// spanning both succeeds.
func TestFreeCoalescesAdjacentSpans(t *testing.T) {
	r := NewRegion(32)
	_, off1, ok := r.Alloc(16)
	require.True(t, ok)
	_, off2, ok := r.Alloc(16)
	require.True(t, ok)

	r.Free(off1, 16)
	r.Free(off2, 16)

	buf, off, ok := r.Alloc(32)
	require.True(t, ok, "freeing both adjacent spans must coalesce into one 32-byte span")
	assert.Equal(t, 0, off)
	assert.Len(t, buf, 32)
}

func TestFreeOutOfOrderStillCoalesces(t *testing.T) {
	r := NewRegion(48)
	_, offA, ok := r.Alloc(16)
	require.True(t, ok)
	_, offB, ok := r.Alloc(16)
	require.True(t, ok)
	_, offC, ok := r.Alloc(16)
	require.True(t, ok)

	r.Free(offC, 16)
	r.Free(offA, 16)
	r.Free(offB, 16)

	_, off, ok := r.Alloc(48)
	require.True(t, ok)
	assert.Equal(t, 0, off)
}

func TestAtReturnsArenaSlice(t *testing.T) {
	r := NewRegion(16)
	buf, off, ok := r.Alloc(8)
	require.True(t, ok)
	buf[0] = 0xaa
	assert.Equal(t, byte(0xaa), r.At(off, 8)[0])
}

func TestLenReportsArenaSize(t *testing.T) {
	r := NewRegion(128)
	assert.Equal(t, 128, r.Len())
}
