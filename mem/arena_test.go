package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAllocFreeReturnsAllBytes(t *testing.T) {
	region := make([]byte, 256)
	a := NewArena(region)

	b1, err := a.Alloc(40)
	assert.NoError(t, err)
	b2, err := a.Alloc(60)
	assert.NoError(t, err)
	assert.Equal(t, 256-a.BytesFree(), align(40)+align(60))

	a.Free(b1)
	a.Free(b2)
	assert.Equal(t, 256, a.BytesFree())
}

func TestAllocZeroFillsCalloc(t *testing.T) {
	region := make([]byte, 64)
	for i := range region {
		region[i] = 0xff
	}
	a := NewArena(region)
	b, err := a.Calloc(16)
	assert.NoError(t, err)
	for _, v := range b {
		assert.Equal(t, byte(0), v)
	}
}

func TestOutOfMemory(t *testing.T) {
	a := NewArena(make([]byte, 8))
	_, err := a.Alloc(16)
	assert.ErrorIs(t, err, ErrOutOfMemory)
}

func TestCoalescesAdjacentFreeBlocks(t *testing.T) {
	region := make([]byte, 128)
	a := NewArena(region)
	b1, _ := a.Alloc(32)
	b2, _ := a.Alloc(32)
	b3, _ := a.Alloc(32)
	a.Free(b1)
	a.Free(b3)
	a.Free(b2)
	assert.Equal(t, 128, a.BytesFree())
	// Arena should now be able to serve a single allocation spanning the
	// whole region again.
	big, err := a.Alloc(120)
	assert.NoError(t, err)
	assert.Len(t, big, 120)
}

func TestHeapAllocatorIsNoopFree(t *testing.T) {
	var h Heap
	b, err := h.Alloc(10)
	assert.NoError(t, err)
	assert.Len(t, b, 10)
	h.Free(b) // must not panic
}
