package gpu

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/gomlx/gpurt/driver"
	"k8s.io/klog/v2"
)

// Stream is an asynchronous copy in flight, created by CommAsync. Call Wait (or CommWait) to complete it.
type Stream struct {
	rt     *Runtime
	handle driver.Stream

	mu   sync.Mutex
	done bool
}

func newStream(rt *Runtime, handle driver.Stream) *Stream {
	s := &Stream{rt: rt, handle: handle}
	runtime.SetFinalizer(s, func(s *Stream) {
		s.mu.Lock()
		done := s.done
		s.mu.Unlock()
		if !done {
			klog.Warningf("gpu.Stream %#x garbage collected without Wait, waiting on it now", s.handle)
			s.Wait()
		}
	})
	return s
}

// Handle returns the driver stream handle, 0 after Wait.
func (s *Stream) Handle() driver.Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return 0
	}
	return s.handle
}

// Wait blocks until the copy completes, and then destroys the stream. Waiting again is a no-op.
func (s *Stream) Wait() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	s.done = true
	check(s.rt.drv.StreamSynchronize(s.handle), "StreamSynchronize(%#x)", s.handle)
	check(s.rt.drv.StreamDestroy(s.handle), "StreamDestroy(%#x)", s.handle)
}

// CommAsync starts copying n bytes from src to dst in a new non-blocking stream, and returns it without
// waiting. At least one of dst or src must be a device pointer; the copy is issued in the context of its
// device (the destination's, if both are).
func (rt *Runtime) CommAsync(dst, src unsafe.Pointer, n int) *Stream {
	klog.V(2).Infof("gpu.CommAsync(dst=%p, src=%p, n=%d)", dst, src, n)
	dstOnDevice, srcOnDevice := rt.IsDevicePtr(dst), rt.IsDevicePtr(src)
	assertf(dstOnDevice || srcOnDevice, "gpu.CommAsync: neither %p nor %p is a device pointer", dst, src)
	defer lockThread()()
	if dstOnDevice {
		rt.useDeviceOf(dst)
	} else {
		rt.useDeviceOf(src)
	}
	handle, r := rt.drv.StreamCreate(driver.StreamNonBlocking)
	check(r, "StreamCreate(NonBlocking)")
	rt.diags.AsyncCopy()
	check(rt.drv.MemcpyAsync(driver.DevicePtr(dst), driver.DevicePtr(src), n, handle),
		"MemcpyAsync(%p, %p, %d, %#x)", dst, src, n, handle)
	return newStream(rt, handle)
}

// CommWait waits for the asynchronous copy started by CommAsync, see Stream.Wait.
func (rt *Runtime) CommWait(stream *Stream) {
	klog.V(2).Infof("gpu.CommWait(%#x)", stream.Handle())
	stream.Wait()
}
