package mem

// Allocator is the allocation contract that lets callers choose the
// fixed-region Arena or plain Go-heap allocation (Heap) behind one
// interface. The atproto parser's +IPD payload buffers and the
// connection table's outbound staging buffers are sourced from an
// injected Allocator (config.Config.MemArenaBytes selects Arena over
// the default Heap); pbuf.New takes one too, and pbuf.WrapWithFree takes
// an Allocator's Free as its release hook.
type Allocator interface {
	Alloc(n int) ([]byte, error)
	Calloc(n int) ([]byte, error)
	Free(data []byte)
}

// Heap allocates directly from the Go runtime and treats Free as a no-op,
// relying on the garbage collector. It is the default allocator: most
// deployments of this driver run on a real OS with pre-emptive threads,
// where a fixed-region allocator mainly adds bookkeeping overhead without
// the embedded-heap fragmentation concerns it was designed for.
type Heap struct{}

func (Heap) Alloc(n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	return make([]byte, n), nil
}

func (Heap) Calloc(n int) ([]byte, error) { return Heap{}.Alloc(n) }

func (Heap) Free([]byte) {}
