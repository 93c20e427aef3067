// Package driver defines the vendor-neutral accelerator driver API consumed by the gpurt runtime.
//
// The API mirrors the shape of a low-level GPU driver: process-wide initialization, device enumeration,
// primary contexts that must be made "current" before any other call, modules loaded per context,
// raw memory allocations with different residencies, copies, streams and kernel launches.
//
// Every call returns a Result status. The runtime on top (package gpu) decides what a non-success status
// means -- in gpurt it is always fatal, except for the two tolerated cases documented there.
//
// Implementations are registered by name (see Register and Get), the same way drivers are selected by the
// runtime configuration. The software implementation lives in package simdriver.
package driver

import (
	"fmt"
	"unsafe"
)

// Device is the driver handle of a physical device, obtained with Driver.DeviceGet.
type Device int32

// Context is an opaque handle to a driver context. The zero value is "no context".
type Context uintptr

// Module is an opaque handle to a module image loaded into a context.
type Module uintptr

// Function is an opaque handle to a kernel entry point within a Module.
type Function uintptr

// Stream is an opaque handle to a queue of asynchronous operations. The zero value is the default stream.
type Stream uintptr

// DevicePtr is an address the driver may know about. Its provenance (page-locked host, device-resident or
// unified) is not encoded in the value: it must be queried with Driver.PointerGetAttribute.
type DevicePtr unsafe.Pointer

// Dim3 holds the x, y, z extents of a grid or of a block.
type Dim3 struct {
	X, Y, Z int
}

// Size returns the total number of elements: X*Y*Z.
func (d Dim3) Size() int {
	return d.X * d.Y * d.Z
}

// String implements fmt.Stringer.
func (d Dim3) String() string {
	return fmt.Sprintf("(%d, %d, %d)", d.X, d.Y, d.Z)
}

// Attribute of a device, queried with Driver.DeviceGetAttribute.
type Attribute int

const (
	AttrMaxThreadsPerBlock   Attribute = 1
	AttrMaxBlockDimX         Attribute = 2
	AttrMaxGridDimX          Attribute = 5
	AttrWarpSize             Attribute = 10
	AttrClockRate            Attribute = 13 // In kHz.
	AttrMultiprocessorCount  Attribute = 16
	AttrUnifiedAddressing    Attribute = 41
	AttrComputeCapabilityMaj Attribute = 75
	AttrComputeCapabilityMin Attribute = 76
)

// PointerAttribute selects what Driver.PointerGetAttribute reports about an address.
type PointerAttribute int

const (
	// PointerAttrContext reports the Context owning the allocation.
	PointerAttrContext PointerAttribute = 1
	// PointerAttrMemoryType reports a MemoryType.
	PointerAttrMemoryType PointerAttribute = 2
	// PointerAttrIsManaged reports 1 for unified (managed) allocations, 0 otherwise.
	PointerAttrIsManaged PointerAttribute = 8
)

// MemoryType as reported by PointerAttrMemoryType.
type MemoryType int

const (
	MemoryTypeHost    MemoryType = 1
	MemoryTypeDevice  MemoryType = 2
	MemoryTypeArray   MemoryType = 3
	MemoryTypeUnified MemoryType = 4
)

// String implements fmt.Stringer.
func (t MemoryType) String() string {
	switch t {
	case MemoryTypeHost:
		return "host"
	case MemoryTypeDevice:
		return "device"
	case MemoryTypeArray:
		return "array"
	case MemoryTypeUnified:
		return "unified"
	}
	return fmt.Sprintf("MemoryType(%d)", int(t))
}

// ContextFlags configure primary contexts, see Driver.PrimaryCtxSetFlags.
type ContextFlags uint32

const (
	CtxSchedAuto         ContextFlags = 0x0
	CtxSchedSpin         ContextFlags = 0x1
	CtxSchedYield        ContextFlags = 0x2
	CtxSchedBlockingSync ContextFlags = 0x4
)

// StreamFlags configure Driver.StreamCreate.
type StreamFlags uint32

const (
	StreamDefault     StreamFlags = 0x0
	StreamNonBlocking StreamFlags = 0x1
)

// AttachFlags configure Driver.MemAllocManaged.
type AttachFlags uint32

const (
	AttachGlobal AttachFlags = 0x1
	AttachHost   AttachFlags = 0x2
)

// HostRegisterFlags configure Driver.MemHostRegister.
type HostRegisterFlags uint32

const (
	HostRegisterPortable HostRegisterFlags = 0x1
	HostRegisterMapped   HostRegisterFlags = 0x2
)

// Driver is the low-level API of an accelerator driver.
//
// Calls other than Init, DeviceGetCount, DeviceGet, DeviceGetAttribute, DeviceCanAccessPeer and the
// primary context / current context management operate on the context that is current for the caller.
type Driver interface {
	// Name of the driver implementation, as registered.
	Name() string

	// Init initializes the driver. It must be called before any other call.
	Init(flags uint32) Result

	DeviceGetCount() (int, Result)
	DeviceGet(ordinal int) (Device, Result)
	DeviceGetAttribute(attr Attribute, dev Device) (int, Result)
	// DeviceCanAccessPeer reports whether dev is capable of directly accessing memory of peer.
	DeviceCanAccessPeer(dev, peer Device) (bool, Result)

	PrimaryCtxSetFlags(dev Device, flags ContextFlags) Result
	// PrimaryCtxRetain returns the primary context of the device, retaining a reference to it.
	PrimaryCtxRetain(dev Device) (Context, Result)

	// CtxGetCurrent returns the current context, or 0 if none is current.
	CtxGetCurrent() (Context, Result)
	CtxSetCurrent(ctx Context) Result
	CtxPushCurrent(ctx Context) Result
	CtxPopCurrent() (Context, Result)
	// CtxSynchronize blocks until all work issued in the current context completes.
	CtxSynchronize() Result
	// CtxEnablePeerAccess grants the current context access to allocations of the peer context.
	CtxEnablePeerAccess(peer Context, flags uint32) Result
	CtxDisablePeerAccess(peer Context) Result

	// ModuleLoadData loads a module image into the current context.
	ModuleLoadData(image []byte) (Module, Result)
	// ModuleGetGlobal returns the device address and size of a global variable of the module.
	ModuleGetGlobal(mod Module, name string) (DevicePtr, int, Result)
	ModuleGetFunction(mod Module, name string) (Function, Result)

	// MemAlloc allocates device-resident memory.
	MemAlloc(size int) (DevicePtr, Result)
	// MemAllocHost allocates page-locked host memory, directly accessible by the device.
	MemAllocHost(size int) (unsafe.Pointer, Result)
	// MemAllocManaged allocates unified memory, accessible from host and device.
	MemAllocManaged(size int, flags AttachFlags) (DevicePtr, Result)
	MemFree(ptr DevicePtr) Result
	MemFreeHost(ptr unsafe.Pointer) Result
	// MemGetAddressRange returns the base address and size of the allocation containing ptr.
	MemGetAddressRange(ptr DevicePtr) (base DevicePtr, size int, r Result)
	// MemHostRegister page-locks an existing host memory range.
	MemHostRegister(ptr unsafe.Pointer, size int, flags HostRegisterFlags) Result

	MemcpyHtoD(dst DevicePtr, src unsafe.Pointer, n int) Result
	MemcpyDtoH(dst unsafe.Pointer, src DevicePtr, n int) Result
	MemcpyDtoD(dst, src DevicePtr, n int) Result
	// MemcpyAsync enqueues a copy between any two addresses in the stream and returns immediately.
	MemcpyAsync(dst, src DevicePtr, n int, stream Stream) Result
	MemsetD8(dst DevicePtr, value byte, n int) Result

	StreamCreate(flags StreamFlags) (Stream, Result)
	StreamSynchronize(stream Stream) Result
	StreamDestroy(stream Stream) Result

	PointerGetAttribute(attr PointerAttribute, ptr DevicePtr) (uint64, Result)

	// LaunchKernel enqueues fn with the given geometry. Each entry of params points to the value of the
	// corresponding kernel parameter.
	LaunchKernel(fn Function, grid, block Dim3, sharedMemBytes int, stream Stream, params []unsafe.Pointer) Result
}
