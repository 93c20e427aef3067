package gpu

import (
	"context"
	"unsafe"

	"github.com/gomlx/gpurt/driver"
	"github.com/gomlx/gpurt/mem"
	"k8s.io/klog/v2"
)

// DefaultAlignment of every device allocation. There is no other alignment control, see Memalign.
const DefaultAlignment = 256

// ptrOf returns the address of the first element of the slice, or nil for an empty slice.
func ptrOf(b []byte) unsafe.Pointer {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Pointer(unsafe.SliceData(b))
}

// taskDevice returns the device the task bound to ctx runs on, and makes its context current.
// A task bound to the host sub-locale is an internal error.
func (rt *Runtime) taskDevice(ctx context.Context) int {
	subloc := requestedSubloc(ctx)
	assertf(IsDevice(subloc), "task is bound to the host sub-locale (%d), a device is required", subloc)
	rt.UseDevice(subloc)
	return subloc
}

// useDeviceOf makes current the context of the device that owns ptr, which must be a device pointer.
func (rt *Runtime) useDeviceOf(ptr unsafe.Pointer) {
	ctx, ok := rt.contextOf(ptr)
	assertf(ok, "%p is not a device pointer", ptr)
	dev := rt.deviceOfContext(ctx)
	assertf(dev >= 0, "%p is owned by context %#x, which is not managed by this runtime", ptr, ctx)
	rt.UseDevice(dev)
}

// contextOf returns the driver context owning ptr. It returns false if the pointer is not known to the
// driver, or the driver is not initialized.
func (rt *Runtime) contextOf(ptr unsafe.Pointer) (driver.Context, bool) {
	value, r := rt.drv.PointerGetAttribute(driver.PointerAttrContext, driver.DevicePtr(ptr))
	if r == driver.ErrInvalidValue || r.IsUninitialized() {
		return 0, false
	}
	check(r, "PointerGetAttribute(Context, %p)", ptr)
	return driver.Context(value), value != 0
}

// IsDevicePtr returns whether ptr was allocated by (or registered with) the driver in some device context.
func (rt *Runtime) IsDevicePtr(ptr unsafe.Pointer) bool {
	_, ok := rt.contextOf(ptr)
	return ok
}

// IsHostPtr returns whether ptr is host-resident: memory the driver doesn't know about, page-locked host
// memory, or any pointer queried before the driver is initialized.
func (rt *Runtime) IsHostPtr(ptr unsafe.Pointer) bool {
	value, r := rt.drv.PointerGetAttribute(driver.PointerAttrMemoryType, driver.DevicePtr(ptr))
	if r == driver.ErrInvalidValue || r.IsUninitialized() {
		return true
	}
	check(r, "PointerGetAttribute(MemoryType, %p)", ptr)
	return driver.MemoryType(value) == driver.MemoryTypeHost
}

// allocWith brackets the strategy allocation with the hooks. The device context must be current.
func (rt *Runtime) allocWith(allocFn func(rt *Runtime, size int) unsafe.Pointer, size int, desc mem.Desc) unsafe.Pointer {
	rt.hooks.MallocPre(size, desc)
	ptr := allocFn(rt, size)
	rt.hooks.MallocPost(ptr, size, desc)
	rt.diags.Alloc()
	return ptr
}

// freeWith brackets the strategy free with the hooks. The device context must be current.
func (rt *Runtime) freeWith(ptr unsafe.Pointer) {
	rt.hooks.FreePre(ptr)
	rt.strategy.free(rt, ptr)
	rt.hooks.FreePost(ptr)
	rt.diags.Free()
}

// Alloc allocates size bytes on the task's device, with the residency the strategy uses for non-array
// data. A size of 0 returns nil without calling the driver.
func (rt *Runtime) Alloc(ctx context.Context, size int, desc mem.Desc) unsafe.Pointer {
	klog.V(2).Infof("gpu.Alloc(size=%d, desc=%s)", size, desc)
	assertf(size >= 0, "negative allocation size %d", size)
	if size == 0 {
		return nil
	}
	defer lockThread()()
	rt.taskDevice(ctx)
	ptr := rt.allocWith(rt.strategy.alloc, size, desc)
	klog.V(2).Infof("gpu.Alloc returning %p", ptr)
	return ptr
}

// ArrayAlloc allocates size bytes of array data on the task's device. A size of 0 returns nil without
// calling the driver.
func (rt *Runtime) ArrayAlloc(ctx context.Context, size int, desc mem.Desc) unsafe.Pointer {
	klog.V(2).Infof("gpu.ArrayAlloc(size=%d, desc=%s)", size, desc)
	assertf(size >= 0, "negative allocation size %d", size)
	if size == 0 {
		return nil
	}
	defer lockThread()()
	rt.taskDevice(ctx)
	ptr := rt.allocWith(rt.strategy.arrayAlloc, size, desc)
	klog.V(2).Infof("gpu.ArrayAlloc returning %p", ptr)
	return ptr
}

// Calloc allocates count*size zeroed bytes on the task's device. The zeros are written with a copy from
// a host buffer.
func (rt *Runtime) Calloc(ctx context.Context, count, size int, desc mem.Desc) unsafe.Pointer {
	klog.V(2).Infof("gpu.Calloc(count=%d, size=%d, desc=%s)", count, size, desc)
	assertf(count >= 0 && size >= 0, "negative calloc size %d x %d", count, size)
	total := count * size
	if total == 0 {
		return nil
	}
	staging := rt.host.Calloc(count, size, mem.DescCallocStaging)
	defer rt.host.Free(staging)
	defer lockThread()()
	rt.taskDevice(ctx)
	ptr := rt.allocWith(rt.strategy.alloc, total, desc)
	check(rt.drv.MemcpyHtoD(driver.DevicePtr(ptr), staging, total), "MemcpyHtoD(%p, %p, %d)", ptr, staging, total)
	rt.diags.HostToDevice()
	return ptr
}

// Realloc changes the size of the device allocation ptr, keeping its residency.
//
// If the size is unchanged, ptr is returned. Otherwise, a new allocation is made, the first min(old, new)
// bytes are copied and ptr is freed. A new size of 0 frees ptr and returns nil, and a nil ptr is the same
// as an Alloc.
func (rt *Runtime) Realloc(ctx context.Context, ptr unsafe.Pointer, size int, desc mem.Desc) unsafe.Pointer {
	klog.V(2).Infof("gpu.Realloc(%p, size=%d, desc=%s)", ptr, size, desc)
	if ptr == nil {
		return rt.Alloc(ctx, size, desc)
	}
	assertf(size >= 0, "negative allocation size %d", size)
	assertf(rt.IsDevicePtr(ptr), "gpu.Realloc: %p is not a device pointer", ptr)
	defer lockThread()()
	rt.taskDevice(ctx)
	curSize := rt.AllocSize(ptr)
	if size == curSize {
		return ptr
	}
	if size == 0 {
		rt.freeWith(ptr)
		return nil
	}
	allocFn := rt.strategy.arrayAlloc
	if rt.IsHostPtr(ptr) {
		allocFn = rt.strategy.alloc
	}
	newPtr := rt.allocWith(allocFn, size, desc)
	n := min(size, curSize)
	check(rt.drv.MemcpyDtoD(driver.DevicePtr(newPtr), driver.DevicePtr(ptr), n),
		"MemcpyDtoD(%p, %p, %d)", newPtr, ptr, n)
	rt.diags.DeviceToDevice()
	rt.freeWith(ptr)
	return newPtr
}

// Memalign allocates size bytes with the driver default alignment (DefaultAlignment), the only one
// supported: boundary must be 0, any other boundary is a fatal Unsupported error.
func (rt *Runtime) Memalign(ctx context.Context, boundary, size int, desc mem.Desc) unsafe.Pointer {
	klog.V(2).Infof("gpu.Memalign(boundary=%d, size=%d, desc=%s)", boundary, size, desc)
	if boundary != 0 {
		fatalf(Unsupported, "allocating GPU memory aligned to %d bytes is not supported, only the driver default "+
			"alignment (boundary 0) is", boundary)
	}
	return rt.Alloc(ctx, size, desc)
}

// Free releases memory allocated by Alloc, ArrayAlloc, Calloc or Realloc. Freeing nil is a no-op.
func (rt *Runtime) Free(ctx context.Context, ptr unsafe.Pointer) {
	klog.V(2).Infof("gpu.Free(%p)", ptr)
	if ptr == nil {
		return
	}
	defer lockThread()()
	rt.taskDevice(ctx)
	assertf(rt.IsDevicePtr(ptr), "gpu.Free: %p is not a device pointer", ptr)
	rt.freeWith(ptr)
}

// AllocSize returns the size of the allocation containing ptr, as reported by the driver.
func (rt *Runtime) AllocSize(ptr unsafe.Pointer) int {
	defer lockThread()()
	rt.useDeviceOf(ptr)
	_, size, r := rt.drv.MemGetAddressRange(driver.DevicePtr(ptr))
	check(r, "MemGetAddressRange(%p)", ptr)
	return size
}

// HostRegister page-locks the host memory range [ptr, ptr+size), so devices can access it directly.
// It is a no-op under UnifiedMemory.
func (rt *Runtime) HostRegister(ctx context.Context, ptr unsafe.Pointer, size int) {
	klog.V(2).Infof("gpu.HostRegister(%p, size=%d)", ptr, size)
	defer lockThread()()
	rt.taskDevice(ctx)
	rt.strategy.hostRegister(rt, ptr, size)
}
