// Package gpu is the GPU execution and memory runtime: it manages the device contexts and modules,
// allocates device memory under the build-time memory strategy, moves data between host and devices,
// launches kernels and manages peer access.
//
// Every entry point makes the device context it operates on current before acting, and leaves it current
// afterwards, so repeated calls on the same device don't switch contexts. The driver tracks the current
// context per OS thread, so entry points lock the calling goroutine to its thread while they run: tasks
// on different devices proceed concurrently without switching each other's context.
//
// Errors are not returned: any failure is fatal and is reported to the FatalHandler (see SetFatalHandler),
// which by default logs the error and exits the process.
//
// Operations that act on "the task's device" (allocations, kernel launches) read the sub-locale the task
// is bound to from the context.Context, see WithSubloc.
package gpu

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"sync"

	"github.com/gomlx/gpurt/config"
	"github.com/gomlx/gpurt/diags"
	"github.com/gomlx/gpurt/driver"
	"github.com/gomlx/gpurt/mem"
	"k8s.io/klog/v2"
)

// NodeIDSymbol is the name of the module global that receives the node id, an int32 in little-endian.
const NodeIDSymbol = "gpurt_nodeID"

// Config of a Runtime.
type Config struct {
	// Driver to use. If nil, the driver registered as DriverName is used, created with DriverOptions.
	Driver        driver.Driver
	DriverName    string
	DriverOptions driver.Options

	// NumDevices limits the number of devices used. Negative means no limit.
	NumDevices int

	// NodeID is the process identity written into each loaded module's NodeIDSymbol global.
	NodeID int32

	// Image is the module image, loaded once per device. It must define the NodeIDSymbol global.
	Image []byte

	// Hooks bracket every device allocation and free. Defaults to mem.NopHooks.
	Hooks mem.Hooks

	// HostAllocator is used for host staging buffers. Defaults to a mem.Heap using Hooks.
	HostAllocator mem.HostAllocator

	// Diags counts operations. Defaults to a new diags.Diags.
	Diags *diags.Diags

	// strategy overrides the build-time strategy, for tests only.
	strategy memStrategy
}

// FromConfig converts the runtime tunables to a Config, with the module image to load.
func FromConfig(cfg config.Config, image []byte) Config {
	return Config{
		DriverName:    cfg.Driver,
		DriverOptions: driver.Options(cfg.DriverOptions),
		NumDevices:    cfg.NumGPUsPerLocale,
		NodeID:        int32(cfg.NodeID),
		Image:         image,
	}
}

// device holds the process-lifetime state of one device.
type device struct {
	handle    driver.Device
	context   driver.Context
	module    driver.Module
	clockRate int
}

// Runtime owns the devices of the process. Devices, contexts and modules are created by NewRuntime and
// never destroyed.
type Runtime struct {
	drv      driver.Driver
	strategy memStrategy
	nodeID   int32
	devices  []device

	hooks mem.Hooks
	host  mem.HostAllocator
	diags *diags.Diags

	muFunctions sync.Mutex
	functions   map[functionKey]driver.Function
}

type functionKey struct {
	dev  int
	name string
}

// NewRuntime initializes the driver and all devices (up to cfg.NumDevices). Any failure is fatal.
//
// For each device, it retains the primary context (configured for blocking synchronization), loads the
// module image and writes the node id into it, and caches the clock rate.
func NewRuntime(cfg Config) *Runtime {
	defer lockThread()()
	rt := &Runtime{
		drv:       cfg.Driver,
		strategy:  cfg.strategy,
		nodeID:    cfg.NodeID,
		hooks:     cfg.Hooks,
		host:      cfg.HostAllocator,
		diags:     cfg.Diags,
		functions: make(map[functionKey]driver.Function),
	}
	if rt.drv == nil {
		name := cfg.DriverName
		if name == "" {
			name = config.DefaultDriver
		}
		var err error
		rt.drv, err = driver.Get(name, cfg.DriverOptions)
		if err != nil {
			fatal(&FatalError{Kind: FatalConfig, Err: err})
		}
	}
	if rt.strategy == nil {
		rt.strategy = buildStrategy()
	}
	if rt.hooks == nil {
		rt.hooks = mem.NopHooks{}
	}
	if rt.host == nil {
		rt.host = mem.NewHeap(rt.hooks)
	}
	if rt.diags == nil {
		rt.diags = diags.New()
	}
	drv := rt.drv

	check(drv.Init(0), "Init(0)")
	physical, r := drv.DeviceGetCount()
	check(r, "DeviceGetCount()")
	numDevices := physical
	if cfg.NumDevices >= 0 && cfg.NumDevices < physical {
		numDevices = cfg.NumDevices
	}
	if numDevices == 0 && cfg.NumDevices > 0 {
		fatalf(FatalDriver, "no GPU devices found, %d requested", cfg.NumDevices)
	}

	rt.devices = make([]device, numDevices)
	for ii := range rt.devices {
		dev := &rt.devices[ii]
		dev.handle, r = drv.DeviceGet(ii)
		check(r, "DeviceGet(%d)", ii)
		check(drv.PrimaryCtxSetFlags(dev.handle, driver.CtxSchedBlockingSync),
			"PrimaryCtxSetFlags(%d, SchedBlockingSync)", dev.handle)
		dev.context, r = drv.PrimaryCtxRetain(dev.handle)
		check(r, "PrimaryCtxRetain(%d)", dev.handle)
		check(drv.CtxSetCurrent(dev.context), "CtxSetCurrent(%#x)", dev.context)
		dev.module, r = drv.ModuleLoadData(cfg.Image)
		check(r, "ModuleLoadData(%d bytes)", len(cfg.Image))
		dev.clockRate, r = drv.DeviceGetAttribute(driver.AttrClockRate, dev.handle)
		check(r, "DeviceGetAttribute(ClockRate, %d)", dev.handle)
		rt.setGlobals(dev)
	}

	arrays, other := rt.strategy.residency()
	klog.V(1).Infof("gpurt: GPU layer initialized with driver %q: %d devices (%d found), node id %d",
		drv.Name(), numDevices, physical, rt.nodeID)
	klog.V(1).Infof("gpurt: memory allocation strategy %s: array data in %s, other in %s",
		rt.strategy, arrays, other)
	return rt
}

// setGlobals writes the node id into the module of the device, whose context must be current.
func (rt *Runtime) setGlobals(dev *device) {
	ptr, size, r := rt.drv.ModuleGetGlobal(dev.module, NodeIDSymbol)
	check(r, "ModuleGetGlobal(%q)", NodeIDSymbol)
	assertf(size == 4, "module global %q has size %d, expected 4", NodeIDSymbol, size)
	var value [4]byte
	binary.LittleEndian.PutUint32(value[:], uint32(rt.nodeID))
	check(rt.drv.MemcpyHtoD(ptr, ptrOf(value[:]), size), "MemcpyHtoD(%q)", NodeIDSymbol)
}

var (
	muDefault      sync.Mutex
	defaultRuntime *Runtime
)

// Init creates the process-wide Runtime returned by Default. It can only be called once.
func Init(cfg Config) *Runtime {
	muDefault.Lock()
	defer muDefault.Unlock()
	assertf(defaultRuntime == nil, "gpu.Init called more than once")
	defaultRuntime = NewRuntime(cfg)
	return defaultRuntime
}

// InitFromEnv reads the tunables from the environment (see package config) and calls Init. An invalid
// tunable is a fatal configuration error, raised before any device work.
func InitFromEnv(image []byte) *Runtime {
	cfg, err := config.FromEnv()
	if err != nil {
		fatal(&FatalError{Kind: FatalConfig, Err: err})
	}
	return Init(FromConfig(cfg, image))
}

// Default returns the process-wide Runtime created by Init.
func Default() *Runtime {
	muDefault.Lock()
	defer muDefault.Unlock()
	assertf(defaultRuntime != nil, "gpu.Default called before gpu.Init")
	return defaultRuntime
}

// Driver returns the driver used by the runtime.
func (rt *Runtime) Driver() driver.Driver { return rt.drv }

// Diags returns the operation counters.
func (rt *Runtime) Diags() *diags.Diags { return rt.diags }

// HostAllocator returns the allocator used for host staging buffers.
func (rt *Runtime) HostAllocator() mem.HostAllocator { return rt.host }

// NumDevices returns the number of devices in use.
func (rt *Runtime) NumDevices() int { return len(rt.devices) }

// NodeID returns the node id written into the device modules.
func (rt *Runtime) NodeID() int32 { return rt.nodeID }

// Strategy returns the memory strategy.
func (rt *Runtime) Strategy() Strategy { return rt.strategy.kind() }

// ClockRate returns the clock rate of the device in kHz, as queried at initialization.
func (rt *Runtime) ClockRate(dev int) int {
	return rt.device(dev).clockRate
}

// device returns the state of the device. An out-of-range id is an internal error.
func (rt *Runtime) device(dev int) *device {
	assertf(dev >= 0 && dev < len(rt.devices), "device id %d out of range [0, %d)", dev, len(rt.devices))
	return &rt.devices[dev]
}

// hasContext returns whether any context is current. A driver not initialized (or already torn down)
// has no context.
func (rt *Runtime) hasContext() bool {
	ctx, r := rt.drv.CtxGetCurrent()
	if r.IsUninitialized() {
		return false
	}
	check(r, "CtxGetCurrent()")
	return ctx != 0
}

// lockThread locks the calling goroutine to its OS thread, whose current context the driver tracks, until
// the returned function is called. Calls nest.
func lockThread() (unlock func()) {
	runtime.LockOSThread()
	return runtime.UnlockOSThread
}

// UseDevice makes the context of the device current for the calling OS thread: it is pushed if there is
// no current context, and it replaces (pop and push) a different current context. If it is already
// current, nothing is done.
//
// Callers issuing their own driver calls afterwards must hold the goroutine on its thread with
// runtime.LockOSThread.
func (rt *Runtime) UseDevice(dev int) {
	next := rt.device(dev).context
	if !rt.hasContext() {
		check(rt.drv.CtxPushCurrent(next), "CtxPushCurrent(%#x)", next)
		return
	}
	current, r := rt.drv.CtxGetCurrent()
	check(r, "CtxGetCurrent()")
	if current == next {
		return
	}
	_, r = rt.drv.CtxPopCurrent()
	check(r, "CtxPopCurrent()")
	check(rt.drv.CtxPushCurrent(next), "CtxPushCurrent(%#x)", next)
}

// deviceOfContext returns the device id owning the driver context, or -1.
func (rt *Runtime) deviceOfContext(ctx driver.Context) int {
	for ii := range rt.devices {
		if rt.devices[ii].context == ctx {
			return ii
		}
	}
	return -1
}

// String implements fmt.Stringer.
func (rt *Runtime) String() string {
	return fmt.Sprintf("gpu.Runtime(driver=%s, devices=%d, strategy=%s, node=%d)",
		rt.drv.Name(), len(rt.devices), rt.strategy, rt.nodeID)
}
