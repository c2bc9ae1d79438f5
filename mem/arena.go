// Package mem provides a fixed-region allocator: a best-fit sub-allocator
// over a small number of caller-supplied byte regions, built on
// sync.Mutex, a free list and unsafe pointer arithmetic (to map a freed
// slice back to its owning region).
package mem

import (
	"errors"
	"sync"
	"unsafe"
)

// ErrOutOfMemory is returned when no region has a free block large enough
// to satisfy an allocation.
var ErrOutOfMemory = errors.New("mem: region exhausted")

const alignment = 4

type block struct {
	offset int
	size   int // usable size
	free   bool
}

// Arena is a best-fit allocator over one or more fixed-size byte regions.
// All operations are guarded by a single mutex.
type Arena struct {
	mu        sync.Mutex
	regions   [][]byte
	perRegion [][]*block // free-list per region, kept in offset order
}

// NewArena creates an allocator over the given regions. A single allocation
// never spans regions.
func NewArena(regions ...[]byte) *Arena {
	a := &Arena{
		regions:   regions,
		perRegion: make([][]*block, len(regions)),
	}
	for i, r := range regions {
		a.perRegion[i] = []*block{{offset: 0, size: len(r), free: true}}
	}
	return a
}

// Alloc returns a byte slice of length n aliasing space inside one of the
// arena's regions, chosen by best fit among all regions' free blocks.
func (a *Arena) Alloc(n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	need := align(n)
	a.mu.Lock()
	defer a.mu.Unlock()

	bestRegion, bestIdx, bestSize := -1, -1, -1
	for ri := range a.regions {
		for idx, b := range a.perRegion[ri] {
			if !b.free || b.size < need {
				continue
			}
			if bestSize == -1 || b.size < bestSize {
				bestRegion, bestIdx, bestSize = ri, idx, b.size
			}
		}
	}
	if bestRegion == -1 {
		return nil, ErrOutOfMemory
	}
	return a.carve(bestRegion, bestIdx, need)[:n:need], nil
}

// Calloc behaves like Alloc but zeroes the returned slice.
func (a *Arena) Calloc(n int) ([]byte, error) {
	b, err := a.Alloc(n)
	if err != nil {
		return nil, err
	}
	for i := range b {
		b[i] = 0
	}
	return b, nil
}

// Free releases a slice previously returned by Alloc/Calloc, coalescing with
// an immediately adjacent free neighbour. Freeing a nil slice, or a slice
// not owned by this arena, is a no-op.
func (a *Arena) Free(data []byte) {
	if len(data) == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	ptr := uintptr(unsafe.Pointer(&data[:1][0]))
	for ri, region := range a.regions {
		if len(region) == 0 {
			continue
		}
		base := uintptr(unsafe.Pointer(&region[:1][0]))
		if ptr < base || ptr >= base+uintptr(len(region)) {
			continue
		}
		a.freeAt(ri, int(ptr-base))
		return
	}
}

// freeAt marks the block starting at offset in region ri as free and merges
// it with neighbouring free blocks.
func (a *Arena) freeAt(ri, offset int) {
	blocks := a.perRegion[ri]
	for i, b := range blocks {
		if b.offset != offset {
			continue
		}
		b.free = true
		if i+1 < len(blocks) && blocks[i+1].free {
			b.size += blocks[i+1].size
			a.removeBlock(ri, i+1)
			blocks = a.perRegion[ri]
		}
		if i > 0 && blocks[i-1].free {
			blocks[i-1].size += b.size
			a.removeBlock(ri, i)
		}
		return
	}
}

func (a *Arena) carve(ri, idx, need int) []byte {
	blocks := a.perRegion[ri]
	b := blocks[idx]
	start := b.offset
	if b.size > need {
		remainder := &block{offset: b.offset + need, size: b.size - need, free: true}
		b.size = need
		a.insertBlockAfter(ri, idx, remainder)
	}
	b.free = false
	return a.regions[ri][start : start+need]
}

func (a *Arena) removeBlock(ri, idx int) {
	a.perRegion[ri] = append(a.perRegion[ri][:idx], a.perRegion[ri][idx+1:]...)
}

func (a *Arena) insertBlockAfter(ri, idx int, b *block) {
	blocks := a.perRegion[ri]
	blocks = append(blocks, nil)
	copy(blocks[idx+2:], blocks[idx+1:])
	blocks[idx+1] = b
	a.perRegion[ri] = blocks
}

// BytesFree sums the free capacity across all regions.
func (a *Arena) BytesFree() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := 0
	for _, blocks := range a.perRegion {
		for _, b := range blocks {
			if b.free {
				total += b.size
			}
		}
	}
	return total
}

// Size returns the total capacity across all regions.
func (a *Arena) Size() int {
	total := 0
	for _, r := range a.regions {
		total += len(r)
	}
	return total
}

func align(n int) int {
	if rem := n % alignment; rem != 0 {
		n += alignment - rem
	}
	return n
}
