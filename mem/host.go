package mem

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"k8s.io/klog/v2"
)

// HostAllocator is the general-purpose host allocator used by the runtime for staging buffers.
type HostAllocator interface {
	// Malloc returns size bytes of host memory, or nil if size is 0. Contents are undefined.
	Malloc(size int, desc Desc) unsafe.Pointer
	// Calloc returns count*size zeroed bytes of host memory, or nil if the total is 0.
	Calloc(count, size int, desc Desc) unsafe.Pointer
	// Free releases memory returned by Malloc or Calloc. Freeing nil is a no-op.
	Free(ptr unsafe.Pointer)
}

// Heap is a HostAllocator backed by pooled Go-heap buffers.
//
// Each allocation is bracketed by the configured Hooks, and kept reachable by the Heap until freed, so
// the raw addresses handed out remain valid.
type Heap struct {
	hooks Hooks
	pools *slabPools

	mu   sync.Mutex
	live map[uintptr]*slab

	mallocs, frees atomic.Int64
}

// NewHeap creates a Heap that reports allocations to hooks. If hooks is nil, NopHooks is used.
func NewHeap(hooks Hooks) *Heap {
	if hooks == nil {
		hooks = NopHooks{}
	}
	return &Heap{
		hooks: hooks,
		pools: newSlabPools(),
		live:  make(map[uintptr]*slab),
	}
}

// Malloc implements HostAllocator.
func (h *Heap) Malloc(size int, desc Desc) unsafe.Pointer {
	if size <= 0 {
		return nil
	}
	h.hooks.MallocPre(size, desc)
	s := h.pools.Get(size)
	ptr := unsafe.Pointer(unsafe.SliceData(s.buf))
	h.mu.Lock()
	h.live[uintptr(ptr)] = s
	h.mu.Unlock()
	h.mallocs.Add(1)
	h.hooks.MallocPost(ptr, size, desc)
	return ptr
}

// Calloc implements HostAllocator.
func (h *Heap) Calloc(count, size int, desc Desc) unsafe.Pointer {
	total := count * size
	ptr := h.Malloc(total, desc)
	if ptr != nil {
		clear(Bytes(ptr, total))
	}
	return ptr
}

// Free implements HostAllocator.
func (h *Heap) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	h.hooks.FreePre(ptr)
	h.mu.Lock()
	s, found := h.live[uintptr(ptr)]
	delete(h.live, uintptr(ptr))
	h.mu.Unlock()
	if !found {
		klog.Errorf("mem.Heap.Free(%p): address not allocated by this heap", ptr)
		return
	}
	h.frees.Add(1)
	h.pools.Return(s)
	h.hooks.FreePost(ptr)
}

// SizeOf returns the requested size of a live allocation, or -1 if ptr is not a live allocation.
func (h *Heap) SizeOf(ptr unsafe.Pointer) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, found := h.live[uintptr(ptr)]; found {
		return s.size
	}
	return -1
}

// Live returns the number of allocations not yet freed.
func (h *Heap) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.live)
}

// Mallocs returns the total number of allocations made so far (excluding 0-sized requests).
func (h *Heap) Mallocs() int64 { return h.mallocs.Load() }

// Frees returns the total number of frees so far.
func (h *Heap) Frees() int64 { return h.frees.Load() }

var _ HostAllocator = (*Heap)(nil)
