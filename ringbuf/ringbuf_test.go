package ringbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteReadRoundtrip(t *testing.T) {
	r := New(8)
	n := r.Write([]byte("hello"))
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, r.Occupied())

	dst := make([]byte, 5)
	n = r.Read(dst)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(dst))
	assert.Equal(t, 0, r.Occupied())
}

func TestOverflowDropsAndCounts(t *testing.T) {
	r := New(4) // usable capacity 3
	n := r.Write([]byte("abcdef"))
	assert.Equal(t, 3, n)
	assert.Equal(t, uint64(3), r.Dropped())
}

func TestReadByteBlocksUntilWrite(t *testing.T) {
	r := New(4)
	done := make(chan byte)
	go func() {
		b, ok := r.ReadByte()
		assert.True(t, ok)
		done <- b
	}()
	r.Write([]byte("x"))
	assert.Equal(t, byte('x'), <-done)
}

func TestCloseUnblocksReadByte(t *testing.T) {
	r := New(4)
	done := make(chan bool)
	go func() {
		_, ok := r.ReadByte()
		done <- ok
	}()
	r.Close()
	assert.False(t, <-done)
}
