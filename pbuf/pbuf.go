// Package pbuf implements a reference-counted packet-buffer chain: a
// singly-linked list of owned byte slices that together form one logical
// byte stream without requiring contiguous storage. It is the receive
// buffer type of each connection's inbound chain.
//
// The index/skip/advance arithmetic tracks a read position by offset
// without linearising the whole buffer, generalized from a single ring to
// a chain of independently-owned nodes.
package pbuf

import "sync"

// NotFound is returned by Strfind when the needle does not occur in the
// chain at or after the given offset.
const NotFound = -1

// Allocator is the allocation dependency pbuf needs: just enough of
// mem.Allocator's contract (structurally, not by import) to source and
// release a node's backing bytes.
type Allocator interface {
	Alloc(n int) ([]byte, error)
	Free(data []byte)
}

// Buf is one node in a pbuf chain.
type Buf struct {
	mu   sync.Mutex
	data []byte
	next *Buf
	ref  int
	free func([]byte)
}

// New allocates a new single-node chain of length n with reference count
// 1, sourcing the backing bytes from alloc instead of the Go heap
// directly, and returning them to alloc once the chain's refcount drops
// to zero.
func New(alloc Allocator, n int) (*Buf, error) {
	data, err := alloc.Alloc(n)
	if err != nil {
		return nil, err
	}
	return &Buf{data: data, ref: 1, free: alloc.Free}, nil
}

// Wrap builds a single-node chain that takes ownership of an existing byte
// slice with no release hook (used for payload backed by the ordinary Go
// heap, which Unref simply lets the garbage collector reclaim).
func Wrap(data []byte) *Buf {
	return &Buf{data: data, ref: 1}
}

// WrapWithFree builds a single-node chain that takes ownership of an
// existing byte slice allocated through some mem.Allocator, calling free
// on it once the chain's refcount drops to zero (used by the parser's
// +IPD payload, which it sources from its own Allocator).
func WrapWithFree(data []byte, free func([]byte)) *Buf {
	return &Buf{data: data, ref: 1, free: free}
}

// Len returns this node's own length.
func (b *Buf) Len() int {
	if b == nil {
		return 0
	}
	return len(b.data)
}

// TotalLen returns the sum of lengths across the whole chain starting at b.
func TotalLen(b *Buf) int {
	total := 0
	for n := b; n != nil; n = n.next {
		total += len(n.data)
	}
	return total
}

// Ref increments the chain head's reference count and returns it, following
// the conventional "ref returns self" idiom so callers can write
// `kept := pbuf.Ref(b)`.
func Ref(b *Buf) *Buf {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	b.ref++
	b.mu.Unlock()
	return b
}

// Unref decrements the chain head's reference count, freeing the head node
// and recursing into next once the count reaches zero. The rest of the
// chain keeps its own reference count, so Unref never double-frees a tail
// that is still referenced elsewhere (e.g. after Concat shared a suffix).
func Unref(b *Buf) {
	if b == nil {
		return
	}
	b.mu.Lock()
	b.ref--
	remaining := b.ref
	next := b.next
	free := b.free
	data := b.data
	b.mu.Unlock()
	if remaining <= 0 {
		if free != nil {
			free(data)
		}
		b.data = nil
		b.next = nil
		Unref(next)
	}
}

// Concat appends chain b to the tail of chain a and returns a. If shared is
// true, b's reference count is incremented (both a and some other owner now
// reference b); if false, ownership of b is considered transferred to a's
// chain and its refcount is left untouched. It walks a's chain node by
// node to find the tail, so it runs in time linear in the length of a's
// chain; no tail pointer is kept.
func Concat(a, b *Buf, shared bool) *Buf {
	if a == nil {
		if shared {
			Ref(b)
		}
		return b
	}
	tail := a
	for tail.next != nil {
		tail = tail.next
	}
	tail.next = b
	if shared {
		Ref(b)
	}
	return a
}

// GetAt returns the byte at logical index i across the whole chain.
func GetAt(b *Buf, i int) (byte, bool) {
	for n := b; n != nil; n = n.next {
		if i < len(n.data) {
			return n.data[i], true
		}
		i -= len(n.data)
	}
	return 0, false
}

// Strfind returns the first index >= from where needle occurs in the
// linearised chain, scanning node boundaries without copying the whole
// chain out, or NotFound. Worst case is O(total length * len(needle)).
func Strfind(b *Buf, needle []byte, from int) int {
	if len(needle) == 0 {
		return from
	}
	total := TotalLen(b)
	for start := from; start+len(needle) <= total; start++ {
		matched := true
		for j := 0; j < len(needle); j++ {
			c, ok := GetAt(b, start+j)
			if !ok || c != needle[j] {
				matched = false
				break
			}
		}
		if matched {
			return start
		}
	}
	return NotFound
}

// Copy linearises up to n bytes starting at logical offset from into dst,
// returning the number of bytes copied.
func Copy(b *Buf, dst []byte, n, from int) int {
	copied := 0
	offset := 0
	for node := b; node != nil && copied < n; node = node.next {
		nodeLen := len(node.data)
		if from >= offset+nodeLen {
			offset += nodeLen
			continue
		}
		start := 0
		if from > offset {
			start = from - offset
		}
		for i := start; i < nodeLen && copied < n && copied < len(dst); i++ {
			dst[copied] = node.data[i]
			copied++
		}
		offset += nodeLen
	}
	return copied
}

// Skip walks the chain to the node containing logical byte n and returns
// that node along with the byte offset within it.
func Skip(b *Buf, n int) (*Buf, int) {
	for node := b; node != nil; node = node.next {
		if n < len(node.data) {
			return node, n
		}
		n -= len(node.data)
	}
	return nil, 0
}

// Advance shifts the head node's data forward by n bytes in place, for a
// partial consume of the first node of a chain (e.g. draining header bytes
// out of it).
func (b *Buf) Advance(n int) {
	if b == nil || n <= 0 {
		return
	}
	if n >= len(b.data) {
		b.data = b.data[:0]
		return
	}
	b.data = b.data[n:]
}

// Next returns the following node in the chain, or nil.
func (b *Buf) Next() *Buf {
	if b == nil {
		return nil
	}
	return b.next
}

// Bytes exposes this node's own bytes (not the whole chain).
func (b *Buf) Bytes() []byte {
	if b == nil {
		return nil
	}
	return b.data
}

// Linearize copies the entire chain into one contiguous slice. Intended for
// tests and small payloads (e.g. HTTP request lines); large transfers
// should use Copy/Skip to avoid the extra allocation.
func Linearize(b *Buf) []byte {
	out := make([]byte, 0, TotalLen(b))
	for n := b; n != nil; n = n.next {
		out = append(out, n.data...)
	}
	return out
}
