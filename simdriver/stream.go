package simdriver

import (
	"sync"

	"github.com/gomlx/gpurt/driver"
	"k8s.io/klog/v2"
)

// stream executes its operations in order, in its own goroutine.
type stream struct {
	handle driver.Stream
	ctx    driver.Context

	ops     chan func() error
	done    chan struct{}
	pending sync.WaitGroup

	muErr sync.Mutex
	err   error // First error of an operation, reported by the next synchronize.
}

func newStream(handle driver.Stream, ctx driver.Context) *stream {
	s := &stream{
		handle: handle,
		ctx:    ctx,
		ops:    make(chan func() error, 64),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *stream) run() {
	defer close(s.done)
	for op := range s.ops {
		if err := op(); err != nil {
			klog.Errorf("simdriver: stream %d operation failed: %+v", s.handle, err)
			s.muErr.Lock()
			if s.err == nil {
				s.err = err
			}
			s.muErr.Unlock()
		}
		s.pending.Done()
	}
}

func (s *stream) enqueue(op func() error) {
	s.pending.Add(1)
	s.ops <- op
}

// synchronize waits for all enqueued operations, and returns ErrLaunchFailed if any of them failed since
// the last synchronization.
func (s *stream) synchronize() driver.Result {
	s.pending.Wait()
	s.muErr.Lock()
	defer s.muErr.Unlock()
	if s.err != nil {
		s.err = nil
		return driver.ErrLaunchFailed
	}
	return driver.Success
}

// destroy waits for pending operations and stops the stream goroutine.
func (s *stream) destroy() {
	close(s.ops)
	<-s.done
}

// StreamCreate implements driver.Driver.
func (d *Driver) StreamCreate(flags driver.StreamFlags) (driver.Stream, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, r := d.requireCurrentLocked()
	if r != driver.Success {
		return 0, r
	}
	if flags&^driver.StreamNonBlocking != 0 {
		return 0, driver.ErrInvalidValue
	}
	handle := driver.Stream(d.newHandleLocked())
	d.streams[handle] = newStream(handle, ctx)
	d.stats.StreamsCreated++
	return handle, driver.Success
}

// StreamSynchronize implements driver.Driver. Stream 0 is always synchronized.
func (d *Driver) StreamSynchronize(handle driver.Stream) driver.Result {
	if handle == 0 {
		return driver.Success
	}
	d.mu.Lock()
	s, found := d.streams[handle]
	d.mu.Unlock()
	if !found {
		return driver.ErrInvalidHandle
	}
	return s.synchronize()
}

// StreamDestroy implements driver.Driver. Pending operations are completed first.
func (d *Driver) StreamDestroy(handle driver.Stream) driver.Result {
	d.mu.Lock()
	s, found := d.streams[handle]
	if found {
		delete(d.streams, handle)
		d.stats.StreamsDestroyed++
	}
	d.mu.Unlock()
	if !found {
		return driver.ErrInvalidHandle
	}
	s.destroy()
	return driver.Success
}

// LiveStreams returns the number of streams created and not yet destroyed.
func (d *Driver) LiveStreams() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.streams)
}
