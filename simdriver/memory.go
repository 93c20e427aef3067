package simdriver

import (
	"slices"
	"sort"
	"unsafe"

	"github.com/gomlx/gpurt/driver"
	"github.com/gomlx/gpurt/mem"
)

// allocation tracked by the driver.
type allocation struct {
	ptr     unsafe.Pointer
	base    uintptr
	size    int
	memType driver.MemoryType
	managed bool
	ctx     driver.Context

	// registered host ranges are owned by the caller and can't be freed by the driver.
	registered bool
	// global variables of a module live as long as the module.
	global bool

	// backing keeps the Go memory alive, it is nil for registered ranges.
	backing []byte
}

func (a *allocation) contains(addr uintptr, n int) bool {
	return addr >= a.base && addr+uintptr(n) <= a.base+uintptr(a.size)
}

// findLocked returns the allocation containing addr, or nil.
func (d *Driver) findLocked(addr uintptr) *allocation {
	idx := sort.Search(len(d.allocs), func(i int) bool { return d.allocs[i].base > addr }) - 1
	if idx < 0 {
		return nil
	}
	a := d.allocs[idx]
	if addr < a.base+uintptr(a.size) {
		return a
	}
	return nil
}

func (d *Driver) insertLocked(a *allocation) {
	idx := sort.Search(len(d.allocs), func(i int) bool { return d.allocs[i].base > a.base })
	d.allocs = slices.Insert(d.allocs, idx, a)
}

func (d *Driver) removeLocked(a *allocation) {
	if idx := slices.Index(d.allocs, a); idx >= 0 {
		d.allocs = slices.Delete(d.allocs, idx, idx+1)
	}
}

// newAllocationLocked allocates size bytes of aligned memory, owned by the current context.
func (d *Driver) newAllocationLocked(size int, memType driver.MemoryType, managed bool) (unsafe.Pointer, driver.Result) {
	ctx, r := d.requireCurrentLocked()
	if r != driver.Success {
		return nil, r
	}
	if size <= 0 {
		return nil, driver.ErrInvalidValue
	}
	ptr, backing := mem.AlignedAlloc(size, Alignment)
	d.insertLocked(&allocation{
		ptr:     ptr,
		base:    uintptr(ptr),
		size:    size,
		memType: memType,
		managed: managed,
		ctx:     ctx,
		backing: backing,
	})
	d.stats.MemAllocs++
	return ptr, driver.Success
}

// MemAlloc implements driver.Driver.
func (d *Driver) MemAlloc(size int) (driver.DevicePtr, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ptr, r := d.newAllocationLocked(size, driver.MemoryTypeDevice, false)
	return driver.DevicePtr(ptr), r
}

// MemAllocHost implements driver.Driver.
func (d *Driver) MemAllocHost(size int) (unsafe.Pointer, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.newAllocationLocked(size, driver.MemoryTypeHost, false)
}

// MemAllocManaged implements driver.Driver.
func (d *Driver) MemAllocManaged(size int, flags driver.AttachFlags) (driver.DevicePtr, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if flags != driver.AttachGlobal && flags != driver.AttachHost {
		return nil, driver.ErrInvalidValue
	}
	ptr, r := d.newAllocationLocked(size, driver.MemoryTypeDevice, true)
	return driver.DevicePtr(ptr), r
}

// freeLocked releases the allocation starting exactly at ptr, if it has the given memory type.
func (d *Driver) freeLocked(ptr unsafe.Pointer, memType driver.MemoryType) driver.Result {
	if _, r := d.requireCurrentLocked(); r != driver.Success {
		return r
	}
	a := d.findLocked(uintptr(ptr))
	if a == nil || a.base != uintptr(ptr) || a.memType != memType || a.registered || a.global {
		return driver.ErrInvalidValue
	}
	d.removeLocked(a)
	d.stats.MemFrees++
	return driver.Success
}

// MemFree implements driver.Driver.
func (d *Driver) MemFree(ptr driver.DevicePtr) driver.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.freeLocked(unsafe.Pointer(ptr), driver.MemoryTypeDevice)
}

// MemFreeHost implements driver.Driver.
func (d *Driver) MemFreeHost(ptr unsafe.Pointer) driver.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.freeLocked(ptr, driver.MemoryTypeHost)
}

// MemGetAddressRange implements driver.Driver.
func (d *Driver) MemGetAddressRange(ptr driver.DevicePtr) (driver.DevicePtr, int, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, r := d.requireCurrentLocked(); r != driver.Success {
		return nil, 0, r
	}
	a := d.findLocked(uintptr(ptr))
	if a == nil || a.registered {
		return nil, 0, driver.ErrNotFound
	}
	return driver.DevicePtr(a.ptr), a.size, driver.Success
}

// MemHostRegister implements driver.Driver.
func (d *Driver) MemHostRegister(ptr unsafe.Pointer, size int, flags driver.HostRegisterFlags) driver.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, r := d.requireCurrentLocked()
	if r != driver.Success {
		return r
	}
	if ptr == nil || size <= 0 || flags&^(driver.HostRegisterPortable|driver.HostRegisterMapped) != 0 {
		return driver.ErrInvalidValue
	}
	base := uintptr(ptr)
	for _, a := range d.allocs {
		if a.base < base+uintptr(size) && base < a.base+uintptr(a.size) {
			return driver.ErrHostMemoryAlreadyRegistered
		}
	}
	d.insertLocked(&allocation{
		ptr:        ptr,
		base:       base,
		size:       size,
		memType:    driver.MemoryTypeHost,
		ctx:        ctx,
		registered: true,
	})
	d.stats.HostRegisters++
	return driver.Success
}

// checkRangeLocked verifies that [ptr, ptr+n) is within one allocation known to the driver.
func (d *Driver) checkRangeLocked(ptr unsafe.Pointer, n int) driver.Result {
	a := d.findLocked(uintptr(ptr))
	if a == nil || !a.contains(uintptr(ptr), n) {
		return driver.ErrInvalidValue
	}
	return driver.Success
}

// prepareCopyLocked validates a synchronous copy. It returns false with Success if there is nothing to copy.
func (d *Driver) prepareCopyLocked(n int, knownRanges ...unsafe.Pointer) (bool, driver.Result) {
	if _, r := d.requireCurrentLocked(); r != driver.Success {
		return false, r
	}
	if n < 0 {
		return false, driver.ErrInvalidValue
	}
	if n == 0 {
		return false, driver.Success
	}
	for _, ptr := range knownRanges {
		if r := d.checkRangeLocked(ptr, n); r != driver.Success {
			return false, r
		}
	}
	return true, driver.Success
}

// MemcpyHtoD implements driver.Driver.
func (d *Driver) MemcpyHtoD(dst driver.DevicePtr, src unsafe.Pointer, n int) driver.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	doCopy, r := d.prepareCopyLocked(n, unsafe.Pointer(dst))
	if doCopy {
		mem.Move(unsafe.Pointer(dst), src, n)
		d.stats.HtoD++
	}
	return r
}

// MemcpyDtoH implements driver.Driver.
func (d *Driver) MemcpyDtoH(dst unsafe.Pointer, src driver.DevicePtr, n int) driver.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	doCopy, r := d.prepareCopyLocked(n, unsafe.Pointer(src))
	if doCopy {
		mem.Move(dst, unsafe.Pointer(src), n)
		d.stats.DtoH++
	}
	return r
}

// MemcpyDtoD implements driver.Driver.
func (d *Driver) MemcpyDtoD(dst, src driver.DevicePtr, n int) driver.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	doCopy, r := d.prepareCopyLocked(n, unsafe.Pointer(dst), unsafe.Pointer(src))
	if doCopy {
		mem.Move(unsafe.Pointer(dst), unsafe.Pointer(src), n)
		d.stats.DtoD++
	}
	return r
}

// MemsetD8 implements driver.Driver.
func (d *Driver) MemsetD8(dst driver.DevicePtr, value byte, n int) driver.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	doSet, r := d.prepareCopyLocked(n, unsafe.Pointer(dst))
	if doSet {
		buf := mem.Bytes(unsafe.Pointer(dst), n)
		for ii := range buf {
			buf[ii] = value
		}
		d.stats.Memsets++
	}
	return r
}

// MemcpyAsync implements driver.Driver. Any address may be used, but addresses that fall within a known
// allocation must fit in it. Stream 0 executes the copy immediately.
func (d *Driver) MemcpyAsync(dst, src driver.DevicePtr, n int, handle driver.Stream) driver.Result {
	d.mu.Lock()
	if _, r := d.requireCurrentLocked(); r != driver.Success {
		d.mu.Unlock()
		return r
	}
	if n < 0 {
		d.mu.Unlock()
		return driver.ErrInvalidValue
	}
	for _, ptr := range []driver.DevicePtr{dst, src} {
		if a := d.findLocked(uintptr(ptr)); a != nil && !a.contains(uintptr(ptr), n) {
			d.mu.Unlock()
			return driver.ErrInvalidValue
		}
	}
	var s *stream
	if handle != 0 {
		var found bool
		if s, found = d.streams[handle]; !found {
			d.mu.Unlock()
			return driver.ErrInvalidHandle
		}
	}
	d.stats.AsyncCopies++
	d.mu.Unlock()

	op := func() error {
		mem.Move(unsafe.Pointer(dst), unsafe.Pointer(src), n)
		return nil
	}
	if s == nil {
		_ = op()
		return driver.Success
	}
	s.enqueue(op)
	return driver.Success
}

// PointerGetAttribute implements driver.Driver.
//
// Addresses not allocated or registered with the driver yield ErrInvalidValue, and ErrNotInitialized is
// returned for any query before Init.
func (d *Driver) PointerGetAttribute(attr driver.PointerAttribute, ptr driver.DevicePtr) (uint64, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0, driver.ErrNotInitialized
	}
	a := d.findLocked(uintptr(ptr))
	if a == nil {
		return 0, driver.ErrInvalidValue
	}
	switch attr {
	case driver.PointerAttrContext:
		return uint64(a.ctx), driver.Success
	case driver.PointerAttrMemoryType:
		return uint64(a.memType), driver.Success
	case driver.PointerAttrIsManaged:
		if a.managed {
			return 1, driver.Success
		}
		return 0, driver.Success
	}
	return 0, driver.ErrInvalidValue
}

// LiveAllocations returns the number of allocations made with MemAlloc, MemAllocHost or MemAllocManaged
// not yet freed.
func (d *Driver) LiveAllocations() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	count := 0
	for _, a := range d.allocs {
		if !a.registered && !a.global {
			count++
		}
	}
	return count
}
