package gpu

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/gpurt/driver"
)

// Strategy is the memory allocation strategy, chosen at build time: by default ArrayOnDevice, and
// UnifiedMemory with the build tag "gpurt_unified".
type Strategy int

const (
	// ArrayOnDevice keeps array data device-resident, and everything else in page-locked host memory.
	ArrayOnDevice Strategy = iota

	// UnifiedMemory allocates everything in unified memory, accessible from host and devices.
	UnifiedMemory
)

// String implements fmt.Stringer.
func (s Strategy) String() string {
	switch s {
	case ArrayOnDevice:
		return "array_on_device"
	case UnifiedMemory:
		return "unified_memory"
	}
	return fmt.Sprintf("Strategy(%d)", int(s))
}

// memStrategy implements the allocation primitives of a Strategy. The device context is current when
// they are called.
type memStrategy interface {
	kind() Strategy
	String() string

	// residency returns where array data and any other data live.
	residency() (arrays, other string)

	alloc(rt *Runtime, size int) unsafe.Pointer
	arrayAlloc(rt *Runtime, size int) unsafe.Pointer
	free(rt *Runtime, ptr unsafe.Pointer)
	hostRegister(rt *Runtime, ptr unsafe.Pointer, size int)

	// copyIsMove returns whether every copy is a plain memory move.
	copyIsMove() bool
}

// arrayOnDevice allocates array data with MemAlloc and other data with MemAllocHost.
type arrayOnDevice struct{}

func (arrayOnDevice) kind() Strategy   { return ArrayOnDevice }
func (arrayOnDevice) String() string   { return ArrayOnDevice.String() }
func (arrayOnDevice) copyIsMove() bool { return false }

func (arrayOnDevice) residency() (arrays, other string) {
	return "device memory", "page-locked host memory"
}

func (arrayOnDevice) alloc(rt *Runtime, size int) unsafe.Pointer {
	ptr, r := rt.drv.MemAllocHost(size)
	check(r, "MemAllocHost(%d)", size)
	return ptr
}

func (arrayOnDevice) arrayAlloc(rt *Runtime, size int) unsafe.Pointer {
	ptr, r := rt.drv.MemAlloc(size)
	check(r, "MemAlloc(%d)", size)
	return unsafe.Pointer(ptr)
}

func (arrayOnDevice) free(rt *Runtime, ptr unsafe.Pointer) {
	if rt.IsHostPtr(ptr) {
		check(rt.drv.MemFreeHost(ptr), "MemFreeHost(%p)", ptr)
		return
	}
	check(rt.drv.MemFree(driver.DevicePtr(ptr)), "MemFree(%p)", ptr)
}

func (arrayOnDevice) hostRegister(rt *Runtime, ptr unsafe.Pointer, size int) {
	check(rt.drv.MemHostRegister(ptr, size, driver.HostRegisterPortable),
		"MemHostRegister(%p, %d, Portable)", ptr, size)
}

// unifiedMemory allocates everything with MemAllocManaged.
type unifiedMemory struct{}

func (unifiedMemory) kind() Strategy   { return UnifiedMemory }
func (unifiedMemory) String() string   { return UnifiedMemory.String() }
func (unifiedMemory) copyIsMove() bool { return true }

func (unifiedMemory) residency() (arrays, other string) {
	return "unified memory", "unified memory"
}

func (unifiedMemory) alloc(rt *Runtime, size int) unsafe.Pointer {
	ptr, r := rt.drv.MemAllocManaged(size, driver.AttachGlobal)
	check(r, "MemAllocManaged(%d, AttachGlobal)", size)
	return unsafe.Pointer(ptr)
}

func (s unifiedMemory) arrayAlloc(rt *Runtime, size int) unsafe.Pointer {
	return s.alloc(rt, size)
}

func (unifiedMemory) free(rt *Runtime, ptr unsafe.Pointer) {
	check(rt.drv.MemFree(driver.DevicePtr(ptr)), "MemFree(%p)", ptr)
}

// hostRegister is not needed: unified memory is accessible by the devices.
func (unifiedMemory) hostRegister(*Runtime, unsafe.Pointer, int) {}

var (
	_ memStrategy = arrayOnDevice{}
	_ memStrategy = unifiedMemory{}
)
