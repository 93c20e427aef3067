// Package simdriver implements driver.Driver in software, backed by Go heap memory.
//
// It models a node with a configurable number of accelerators that share the host address space:
// "device" memory is host memory the driver tracks with its residency (page-locked host, device or
// managed), so the runtime provenance rules are enforced the same way a real driver would, and kernels
// are Go functions registered with RegisterKernel.
//
// Like a hardware driver, it keeps one current-context stack per OS thread (see PerThreadContexts): callers
// making a context current and then using it must stay on the same thread, with runtime.LockOSThread.
//
// It is registered as driver "sim", with the following options:
//
//   - "num_devices" (int64, default 1): number of devices reported by DeviceGetCount.
//   - "clock_rate_khz" (int64 or []int64, default 1410000): clock rate of each device. A single value is
//     used for all devices, a list must have one value per device.
//   - "peer_access" (bool, default true): whether distinct devices can access each other's memory.
//   - "fail_init" (bool, default false): makes Init fail, to simulate a node without a working driver.
package simdriver

import (
	"sync"

	"github.com/gomlx/gpurt/driver"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Name under which the driver is registered.
const Name = "sim"

// DefaultClockRateKHz is the clock rate reported for devices when not configured.
const DefaultClockRateKHz = 1_410_000

// Alignment of every allocation handed out by the driver.
const Alignment = 256

// MaxThreadsPerBlock accepted by LaunchKernel.
const MaxThreadsPerBlock = 1024

func init() {
	driver.Register(Name, func(options driver.Options) (driver.Driver, error) {
		return New(options)
	})
}

// Driver is the software implementation of driver.Driver. Create it with New.
type Driver struct {
	mu sync.Mutex

	initialized bool
	failInit    bool
	numDevices  int
	clockRates  []int
	peerCapable bool

	// retained[i] is true once the primary context of device i was retained.
	retained []bool
	// ctxStacks holds the current-context stack of each OS thread: the last element is the current context.
	ctxStacks map[int64][]driver.Context
	// peers holds the enabled (context -> peer context) access grants.
	peers map[[2]driver.Context]bool

	// allocs sorted by base address.
	allocs []*allocation

	nextHandle uintptr
	modules    map[driver.Module]*module
	functions  map[driver.Function]*function
	kernels    map[string]KernelFunc
	streams    map[driver.Stream]*stream

	stats Stats
}

// Stats counts the driver calls that succeeded, per kind.
type Stats struct {
	MemAllocs, MemFrees       int64
	HostRegisters             int64
	HtoD, DtoH, DtoD          int64
	AsyncCopies, Memsets      int64
	ModuleLoads, Launches     int64
	StreamsCreated            int64
	StreamsDestroyed          int64
	PeerEnables, PeerDisables int64
}

// New creates a software driver configured by options. See package documentation for the options.
func New(options driver.Options) (*Driver, error) {
	if options == nil {
		options = make(driver.Options)
	}
	if err := options.Normalize(); err != nil {
		return nil, err
	}
	numDevices, err := options.Int64("num_devices", 1)
	if err != nil {
		return nil, err
	}
	if numDevices < 0 {
		return nil, errors.Errorf("simdriver: option num_devices must be >= 0, got %d", numDevices)
	}
	rates, err := options.Int64List("clock_rate_khz")
	if err != nil {
		return nil, err
	}
	d := &Driver{
		numDevices: int(numDevices),
		clockRates: make([]int, numDevices),
		retained:   make([]bool, numDevices),
		ctxStacks:  make(map[int64][]driver.Context),
		peers:      make(map[[2]driver.Context]bool),
		nextHandle: 1,
		modules:    make(map[driver.Module]*module),
		functions:  make(map[driver.Function]*function),
		kernels:    make(map[string]KernelFunc),
		streams:    make(map[driver.Stream]*stream),
	}
	switch {
	case len(rates) == 0:
		for ii := range d.clockRates {
			d.clockRates[ii] = DefaultClockRateKHz
		}
	case len(rates) == 1:
		for ii := range d.clockRates {
			d.clockRates[ii] = int(rates[0])
		}
	case len(rates) == int(numDevices):
		for ii, rate := range rates {
			d.clockRates[ii] = int(rate)
		}
	default:
		return nil, errors.Errorf("simdriver: option clock_rate_khz has %d values, but there are %d devices",
			len(rates), numDevices)
	}
	if d.peerCapable, err = options.Bool("peer_access", true); err != nil {
		return nil, err
	}
	if d.failInit, err = options.Bool("fail_init", false); err != nil {
		return nil, err
	}
	klog.V(1).Infof("simdriver: created with options %s", options)
	return d, nil
}

// Name implements driver.Driver.
func (d *Driver) Name() string { return Name }

// Stats returns a snapshot of the call counters.
func (d *Driver) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

// Init implements driver.Driver.
func (d *Driver) Init(flags uint32) driver.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if flags != 0 {
		return driver.ErrInvalidValue
	}
	if d.failInit {
		return driver.ErrNoDevice
	}
	d.initialized = true
	return driver.Success
}

// DeviceGetCount implements driver.Driver.
func (d *Driver) DeviceGetCount() (int, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0, driver.ErrNotInitialized
	}
	return d.numDevices, driver.Success
}

// DeviceGet implements driver.Driver.
func (d *Driver) DeviceGet(ordinal int) (driver.Device, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0, driver.ErrNotInitialized
	}
	if ordinal < 0 || ordinal >= d.numDevices {
		return 0, driver.ErrInvalidDevice
	}
	return driver.Device(ordinal), driver.Success
}

// DeviceGetAttribute implements driver.Driver.
func (d *Driver) DeviceGetAttribute(attr driver.Attribute, dev driver.Device) (int, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r := d.checkDeviceLocked(dev); r != driver.Success {
		return 0, r
	}
	switch attr {
	case driver.AttrClockRate:
		return d.clockRates[dev], driver.Success
	case driver.AttrMaxThreadsPerBlock, driver.AttrMaxBlockDimX:
		return MaxThreadsPerBlock, driver.Success
	case driver.AttrMaxGridDimX:
		return 1<<31 - 1, driver.Success
	case driver.AttrWarpSize:
		return 32, driver.Success
	case driver.AttrMultiprocessorCount:
		return 108, driver.Success
	case driver.AttrUnifiedAddressing:
		return 1, driver.Success
	case driver.AttrComputeCapabilityMaj:
		return 8, driver.Success
	case driver.AttrComputeCapabilityMin:
		return 0, driver.Success
	}
	return 0, driver.ErrInvalidValue
}

// DeviceCanAccessPeer implements driver.Driver.
func (d *Driver) DeviceCanAccessPeer(dev, peer driver.Device) (bool, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r := d.checkDeviceLocked(dev); r != driver.Success {
		return false, r
	}
	if r := d.checkDeviceLocked(peer); r != driver.Success {
		return false, r
	}
	return d.peerCapable && dev != peer, driver.Success
}

func (d *Driver) checkDeviceLocked(dev driver.Device) driver.Result {
	if !d.initialized {
		return driver.ErrNotInitialized
	}
	if dev < 0 || int(dev) >= d.numDevices {
		return driver.ErrInvalidDevice
	}
	return driver.Success
}

// contextOf returns the primary context handle of the device. Handle 0 is reserved for "no context".
func contextOf(dev driver.Device) driver.Context { return driver.Context(dev) + 1 }

// deviceOf is the inverse of contextOf.
func deviceOf(ctx driver.Context) driver.Device { return driver.Device(ctx - 1) }

// PrimaryCtxSetFlags implements driver.Driver.
func (d *Driver) PrimaryCtxSetFlags(dev driver.Device, flags driver.ContextFlags) driver.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r := d.checkDeviceLocked(dev); r != driver.Success {
		return r
	}
	if flags&^(driver.CtxSchedSpin|driver.CtxSchedYield|driver.CtxSchedBlockingSync) != 0 {
		return driver.ErrInvalidValue
	}
	return driver.Success
}

// PrimaryCtxRetain implements driver.Driver.
func (d *Driver) PrimaryCtxRetain(dev driver.Device) (driver.Context, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r := d.checkDeviceLocked(dev); r != driver.Success {
		return 0, r
	}
	d.retained[dev] = true
	return contextOf(dev), driver.Success
}

func (d *Driver) checkContextLocked(ctx driver.Context) driver.Result {
	if !d.initialized {
		return driver.ErrNotInitialized
	}
	if ctx == 0 || int(ctx) > d.numDevices || !d.retained[deviceOf(ctx)] {
		return driver.ErrInvalidContext
	}
	return driver.Success
}

// stackLocked returns the current-context stack of the calling thread.
func (d *Driver) stackLocked() []driver.Context {
	return d.ctxStacks[threadID()]
}

// setStackLocked replaces the current-context stack of the calling thread.
func (d *Driver) setStackLocked(stack []driver.Context) {
	if len(stack) == 0 {
		delete(d.ctxStacks, threadID())
		return
	}
	d.ctxStacks[threadID()] = stack
}

// currentLocked returns the current context of the calling thread, or 0 if there is none.
func (d *Driver) currentLocked() driver.Context {
	stack := d.stackLocked()
	if len(stack) == 0 {
		return 0
	}
	return stack[len(stack)-1]
}

// requireCurrentLocked returns the current context, or an error if the driver is not initialized or no
// context is current.
func (d *Driver) requireCurrentLocked() (driver.Context, driver.Result) {
	if !d.initialized {
		return 0, driver.ErrNotInitialized
	}
	ctx := d.currentLocked()
	if ctx == 0 {
		return 0, driver.ErrInvalidContext
	}
	return ctx, driver.Success
}

// CtxGetCurrent implements driver.Driver.
func (d *Driver) CtxGetCurrent() (driver.Context, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0, driver.ErrNotInitialized
	}
	return d.currentLocked(), driver.Success
}

// CtxSetCurrent implements driver.Driver. It replaces the top of the context stack; setting 0 pops it.
func (d *Driver) CtxSetCurrent(ctx driver.Context) driver.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return driver.ErrNotInitialized
	}
	stack := d.stackLocked()
	if ctx == 0 {
		if len(stack) > 0 {
			d.setStackLocked(stack[:len(stack)-1])
		}
		return driver.Success
	}
	if r := d.checkContextLocked(ctx); r != driver.Success {
		return r
	}
	if len(stack) == 0 {
		d.setStackLocked([]driver.Context{ctx})
	} else {
		stack[len(stack)-1] = ctx
	}
	return driver.Success
}

// CtxPushCurrent implements driver.Driver.
func (d *Driver) CtxPushCurrent(ctx driver.Context) driver.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	if r := d.checkContextLocked(ctx); r != driver.Success {
		return r
	}
	d.setStackLocked(append(d.stackLocked(), ctx))
	return driver.Success
}

// CtxPopCurrent implements driver.Driver.
func (d *Driver) CtxPopCurrent() (driver.Context, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, r := d.requireCurrentLocked()
	if r != driver.Success {
		return 0, r
	}
	stack := d.stackLocked()
	d.setStackLocked(stack[:len(stack)-1])
	return ctx, driver.Success
}

// ContextDepth returns the depth of the current-context stack of the calling thread.
func (d *Driver) ContextDepth() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.stackLocked())
}

// CtxSynchronize implements driver.Driver: it waits for all the streams of the current context.
func (d *Driver) CtxSynchronize() driver.Result {
	d.mu.Lock()
	ctx, r := d.requireCurrentLocked()
	if r != driver.Success {
		d.mu.Unlock()
		return r
	}
	var pending []*stream
	for _, s := range d.streams {
		if s.ctx == ctx {
			pending = append(pending, s)
		}
	}
	d.mu.Unlock()

	result := driver.Success
	for _, s := range pending {
		if r := s.synchronize(); r != driver.Success && result == driver.Success {
			result = r
		}
	}
	return result
}

// CtxEnablePeerAccess implements driver.Driver.
func (d *Driver) CtxEnablePeerAccess(peer driver.Context, flags uint32) driver.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, r := d.requireCurrentLocked()
	if r != driver.Success {
		return r
	}
	if flags != 0 {
		return driver.ErrInvalidValue
	}
	if r := d.checkContextLocked(peer); r != driver.Success {
		return r
	}
	if peer == ctx {
		return driver.ErrInvalidDevice
	}
	if !d.peerCapable {
		return driver.ErrPeerAccessUnsupported
	}
	key := [2]driver.Context{ctx, peer}
	if d.peers[key] {
		return driver.ErrPeerAccessAlreadyEnabled
	}
	d.peers[key] = true
	d.stats.PeerEnables++
	return driver.Success
}

// CtxDisablePeerAccess implements driver.Driver.
func (d *Driver) CtxDisablePeerAccess(peer driver.Context) driver.Result {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, r := d.requireCurrentLocked()
	if r != driver.Success {
		return r
	}
	if r := d.checkContextLocked(peer); r != driver.Success {
		return r
	}
	key := [2]driver.Context{ctx, peer}
	if !d.peers[key] {
		return driver.ErrPeerAccessNotEnabled
	}
	delete(d.peers, key)
	d.stats.PeerDisables++
	return driver.Success
}

// PeerAccessEnabled reports whether device a currently has access to the memory of device b.
func (d *Driver) PeerAccessEnabled(a, b driver.Device) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.peers[[2]driver.Context{contextOf(a), contextOf(b)}]
}

// newHandleLocked returns a new unique handle value for modules, functions and streams.
func (d *Driver) newHandleLocked() uintptr {
	h := d.nextHandle
	d.nextHandle++
	return h
}

var _ driver.Driver = (*Driver)(nil)
