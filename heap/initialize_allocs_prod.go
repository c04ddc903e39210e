//go:build !debug_init_allocs

package heap

const (
	// InitializeAllocs causes all new allocations to be filled with deterministic data.
	// It is only enabled by the debug_init_allocs build tag.
	InitializeAllocs bool = false
)

func (h *Heap) fillAllocation(payload []byte) {}
