package gpu

import (
	"unsafe"

	"github.com/gomlx/gpurt/driver"
	"github.com/gomlx/gpurt/mem"
	"k8s.io/klog/v2"
)

// Copy moves n bytes from src to dst. The sub-locales tell where each pointer was created: a device id,
// or a negative value for the host.
//
// If both sub-locales are the host, or under UnifiedMemory, it is a plain memory move. Otherwise the
// direction is decided by the residency of the pointers themselves: memory created on a device sub-locale
// may still be host-resident (e.g. non-array data under ArrayOnDevice), in which case it is also moved
// directly.
func (rt *Runtime) Copy(dstSubloc int, dst unsafe.Pointer, srcSubloc int, src unsafe.Pointer, n int) {
	klog.V(2).Infof("gpu.Copy(dst=%d:%p, src=%d:%p, n=%d)", dstSubloc, dst, srcSubloc, src, n)
	if rt.strategy.copyIsMove() || (!IsDevice(dstSubloc) && !IsDevice(srcSubloc)) {
		mem.Move(dst, src, n)
		return
	}
	dstOnHost := rt.IsHostPtr(dst)
	srcOnHost := rt.IsHostPtr(src)
	switch {
	case !dstOnHost && !srcOnHost:
		rt.CopyDeviceToDevice(dstSubloc, dst, srcSubloc, src, n)
	case !dstOnHost:
		rt.CopyHostToDevice(dstSubloc, dst, src, n)
	case !srcOnHost:
		rt.CopyDeviceToHost(dst, srcSubloc, src, n)
	default:
		mem.Move(dst, src, n)
	}
}

// useCopyDevice makes current the context of dev, or, if dev is the host sub-locale, the context of the
// device owning ptr.
func (rt *Runtime) useCopyDevice(dev int, ptr unsafe.Pointer) {
	if IsDevice(dev) {
		rt.UseDevice(dev)
		return
	}
	rt.useDeviceOf(ptr)
}

// CopyHostToDevice copies n bytes from host memory to dst, a device pointer on device dstDev.
func (rt *Runtime) CopyHostToDevice(dstDev int, dst, src unsafe.Pointer, n int) {
	assertf(rt.IsDevicePtr(dst), "gpu.CopyHostToDevice: destination %p is not a device pointer", dst)
	defer lockThread()()
	rt.useCopyDevice(dstDev, dst)
	klog.V(1).Infof("gpu: host to device copy of %d bytes to device %d", n, dstDev)
	rt.diags.HostToDevice()
	check(rt.drv.MemcpyHtoD(driver.DevicePtr(dst), src, n), "MemcpyHtoD(%p, %p, %d)", dst, src, n)
}

// CopyDeviceToHost copies n bytes from src, a device pointer on device srcDev, to host memory.
func (rt *Runtime) CopyDeviceToHost(dst unsafe.Pointer, srcDev int, src unsafe.Pointer, n int) {
	assertf(rt.IsDevicePtr(src), "gpu.CopyDeviceToHost: source %p is not a device pointer", src)
	defer lockThread()()
	rt.useCopyDevice(srcDev, src)
	klog.V(1).Infof("gpu: device to host copy of %d bytes from device %d", n, srcDev)
	rt.diags.DeviceToHost()
	check(rt.drv.MemcpyDtoH(dst, driver.DevicePtr(src), n), "MemcpyDtoH(%p, %p, %d)", dst, src, n)
}

// CopyDeviceToDevice copies n bytes between two device pointers, possibly on different devices. The copy
// is issued in the context of the destination device.
func (rt *Runtime) CopyDeviceToDevice(dstDev int, dst unsafe.Pointer, srcDev int, src unsafe.Pointer, n int) {
	assertf(rt.IsDevicePtr(src), "gpu.CopyDeviceToDevice: source %p is not a device pointer", src)
	assertf(rt.IsDevicePtr(dst), "gpu.CopyDeviceToDevice: destination %p is not a device pointer", dst)
	defer lockThread()()
	rt.useCopyDevice(dstDev, dst)
	klog.V(1).Infof("gpu: device to device copy of %d bytes from device %d to device %d", n, srcDev, dstDev)
	rt.diags.DeviceToDevice()
	check(rt.drv.MemcpyDtoD(driver.DevicePtr(dst), driver.DevicePtr(src), n), "MemcpyDtoD(%p, %p, %d)", dst, src, n)
}

// Memset sets n bytes starting at ptr, which must be a device pointer, to value. It returns ptr.
func (rt *Runtime) Memset(ptr unsafe.Pointer, value byte, n int) unsafe.Pointer {
	klog.V(2).Infof("gpu.Memset(%p, value=%d, n=%d)", ptr, value, n)
	assertf(rt.IsDevicePtr(ptr), "gpu.Memset: %p is not a device pointer", ptr)
	defer lockThread()()
	rt.useDeviceOf(ptr)
	rt.diags.Memset()
	check(rt.drv.MemsetD8(driver.DevicePtr(ptr), value, n), "MemsetD8(%p, %d, %d)", ptr, value, n)
	return ptr
}
