package pbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetAtAcrossChain(t *testing.T) {
	a := Wrap([]byte("hel"))
	b := Wrap([]byte("lo"))
	chain := Concat(a, b, false)

	linear := Linearize(chain)
	assert.Equal(t, "hello", string(linear))

	for i := 0; i < len(linear); i++ {
		c, ok := GetAt(chain, i)
		assert.True(t, ok)
		assert.Equal(t, linear[i], c)
	}
	_, ok := GetAt(chain, len(linear))
	assert.False(t, ok)
}

func TestStrfindAcrossNodeBoundary(t *testing.T) {
	a := Wrap([]byte("+IP"))
	b := Wrap([]byte("D,2,5:hello"))
	chain := Concat(a, b, false)

	idx := Strfind(chain, []byte("IPD"), 0)
	assert.Equal(t, 1, idx)

	idx = Strfind(chain, []byte("nope"), 0)
	assert.Equal(t, NotFound, idx)
}

func TestCopySpansNodes(t *testing.T) {
	a := Wrap([]byte("abc"))
	b := Wrap([]byte("def"))
	chain := Concat(a, b, false)

	dst := make([]byte, 4)
	n := Copy(chain, dst, 4, 1)
	assert.Equal(t, 4, n)
	assert.Equal(t, "bcde", string(dst))
}

func TestSkipReturnsNodeAndOffset(t *testing.T) {
	a := Wrap([]byte("abc"))
	b := Wrap([]byte("def"))
	chain := Concat(a, b, false)

	node, offset := Skip(chain, 4)
	assert.Equal(t, b, node)
	assert.Equal(t, 1, offset)
}

func TestConcatRefUnrefNoLeakNoDoubleFree(t *testing.T) {
	a := Wrap([]byte("abc"))
	b := Wrap([]byte("def")) // b's own reference is kept externally
	chain := Concat(a, b, true)

	Unref(chain)
	// b is still externally referenced, so its data must survive.
	assert.Equal(t, "def", string(b.Bytes()))

	Unref(b)
	assert.Nil(t, b.Bytes())
}

func TestAdvanceShiftsHeadWithinNode(t *testing.T) {
	a := Wrap([]byte("abcdef"))
	a.Advance(2)
	assert.Equal(t, "cdef", string(a.Bytes()))
}
