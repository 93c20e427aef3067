package mem

import "unsafe"

// Hooks are called around every allocation and free, for memory diagnostics.
//
// MallocPre is called before the allocation with the requested size; MallocPost after it, with the
// returned pointer. FreePre is called before the memory is released, and FreePost after.
type Hooks interface {
	MallocPre(size int, desc Desc)
	MallocPost(ptr unsafe.Pointer, size int, desc Desc)
	FreePre(ptr unsafe.Pointer)
	FreePost(ptr unsafe.Pointer)
}

// NopHooks implements Hooks doing nothing.
type NopHooks struct{}

func (NopHooks) MallocPre(int, Desc)                 {}
func (NopHooks) MallocPost(unsafe.Pointer, int, Desc) {}
func (NopHooks) FreePre(unsafe.Pointer)              {}
func (NopHooks) FreePost(unsafe.Pointer)             {}

var _ Hooks = NopHooks{}
