package gpu

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"github.com/gomlx/gpurt/diags"
	"github.com/gomlx/gpurt/driver"
	"github.com/gomlx/gpurt/mem"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// Arg is one kernel argument: either bytes passed by value, or a pointer already valid on the device.
//
// Kernels receive every argument as the address of a device value: by-value arguments are staged in a
// transient device allocation for the duration of the launch.
type Arg struct {
	byValue bool
	value   []byte
	ptr     unsafe.Pointer
}

// ValueArg returns an argument passed by value. The bytes are copied to the device at launch time, and
// must not be empty.
func ValueArg(value []byte) Arg {
	return Arg{byValue: true, value: value}
}

// PtrArg returns an argument that is already a device pointer, passed through as is.
func PtrArg(ptr unsafe.Pointer) Arg {
	return Arg{ptr: ptr}
}

// Scalar types that can be passed by value with Value.
type Scalar interface {
	bool | int | int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | uintptr |
		float32 | float64 | complex64 | complex128 | float16.Float16
}

// Value returns a by-value argument holding v, in the host's native byte order.
func Value[T Scalar](v T) Arg {
	p := new(T)
	*p = v
	return ValueArg(unsafe.Slice((*byte)(unsafe.Pointer(p)), unsafe.Sizeof(v)))
}

// IsByValue returns whether the argument is staged in device memory at launch time.
func (a Arg) IsByValue() bool { return a.byValue }

// Size returns the number of bytes of a by-value argument, and 0 for pointer arguments.
func (a Arg) Size() int { return len(a.value) }

// String implements fmt.Stringer.
func (a Arg) String() string {
	if a.IsByValue() {
		return fmt.Sprintf("value(%d bytes)", len(a.value))
	}
	return fmt.Sprintf("ptr(%p)", a.ptr)
}

// Launch runs the kernel on the task's device with the given grid and block geometry, and blocks until it
// completes.
//
// Each by-value argument is copied into a device allocation before the launch, and these allocations are
// freed after it, in the order of the arguments.
func (rt *Runtime) Launch(ctx context.Context, kernel string, grid, block driver.Dim3, args ...Arg) {
	klog.V(2).Infof("gpu.Launch(kernel=%q, grid=%s, block=%s, %d args)", kernel, grid, block, len(args))
	defer lockThread()()
	dev := rt.taskDevice(ctx)
	klog.V(1).Infof("gpu: kernel launch %q on device %d, block %s", kernel, dev, block)
	rt.diags.KernelLaunch()
	rt.launch(dev, kernel, grid, block, args)
	klog.V(2).Infof("gpu.Launch(kernel=%q) returning", kernel)
}

// LaunchFlat runs the kernel with numThreads threads, in 1-dimensional blocks of blockSize threads. The
// grid is the number of blocks needed to cover numThreads. Launching 0 threads does nothing.
func (rt *Runtime) LaunchFlat(ctx context.Context, kernel string, numThreads, blockSize int, args ...Arg) {
	assertf(numThreads >= 0, "gpu.LaunchFlat(%q): negative number of threads %d", kernel, numThreads)
	assertf(blockSize > 0, "gpu.LaunchFlat(%q): invalid block size %d", kernel, blockSize)
	if numThreads == 0 {
		klog.V(1).Infof("gpu: kernel launch %q skipped, 0 threads", kernel)
		return
	}
	grid := driver.Dim3{X: (numThreads + blockSize - 1) / blockSize, Y: 1, Z: 1}
	rt.Launch(ctx, kernel, grid, driver.Dim3{X: blockSize, Y: 1, Z: 1}, args...)
}

// function returns the kernel entry point in the module of the device, loading it the first time.
func (rt *Runtime) function(dev int, name string) driver.Function {
	rt.muFunctions.Lock()
	defer rt.muFunctions.Unlock()
	key := functionKey{dev: dev, name: name}
	if fn, found := rt.functions[key]; found {
		return fn
	}
	fn, r := rt.drv.ModuleGetFunction(rt.devices[dev].module, name)
	check(r, "ModuleGetFunction(%q)", name)
	rt.functions[key] = fn
	return fn
}

// launch implements Launch, with the context of the device already current.
func (rt *Runtime) launch(dev int, kernel string, grid, block driver.Dim3, args []Arg) {
	timings := make([]time.Duration, len(diags.Phases))
	start := time.Now()
	fn := rt.function(dev, kernel)
	timings[0] = time.Since(start)

	start = time.Now()
	slots := make([]unsafe.Pointer, len(args))
	params := make([]unsafe.Pointer, len(args))
	staged := make([]unsafe.Pointer, 0, len(args))
	defer func() {
		start := time.Now()
		for _, ptr := range staged {
			rt.freeWith(ptr)
		}
		timings[3] = time.Since(start)
		for ii, phase := range diags.Phases {
			rt.diags.ObservePhase(phase, timings[ii])
		}
		klog.V(3).Infof("<%20s> Load: %s, Prep: %s, Kernel: %s, Teardown: %s",
			kernel, timings[0], timings[1], timings[2], timings[3])
	}()
	for ii, arg := range args {
		if arg.IsByValue() {
			assertf(len(arg.value) > 0, "kernel %q by-value argument #%d is empty", kernel, ii)
			ptr := rt.allocWith(rt.strategy.alloc, len(arg.value), mem.DescKernelArg)
			staged = append(staged, ptr)
			check(rt.drv.MemcpyHtoD(driver.DevicePtr(ptr), ptrOf(arg.value), len(arg.value)),
				"MemcpyHtoD(%p, kernel %q arg #%d, %d)", ptr, kernel, ii, len(arg.value))
			slots[ii] = ptr
			klog.V(2).Infof("\tkernel parameter %d: %p (device ptr)", ii, ptr)
		} else {
			slots[ii] = arg.ptr
			klog.V(2).Infof("\tkernel parameter %d: %p", ii, arg.ptr)
		}
		params[ii] = unsafe.Pointer(&slots[ii])
	}
	timings[1] = time.Since(start)

	start = time.Now()
	check(rt.drv.LaunchKernel(fn, grid, block, 0, 0, params), "LaunchKernel(%q, grid=%s, block=%s)", kernel, grid, block)
	check(rt.drv.CtxSynchronize(), "CtxSynchronize() after kernel %q", kernel)
	timings[2] = time.Since(start)
}

// LaunchConfig configures a kernel launch, it is created with Runtime.Kernel.
//
// After configuring it, call Done to launch the kernel. By default, it runs a single thread.
//
// Example:
//
//	rt.Kernel("scale").Flat(n, 256).Args(gpu.PtrArg(data), gpu.Value(float32(2))).Done(ctx)
type LaunchConfig struct {
	rt          *Runtime
	kernel      string
	grid, block driver.Dim3
	numThreads  int
	flat        bool
	args        []Arg

	// err saves an error during the configuration.
	err error
}

// Kernel returns a LaunchConfig for the named kernel.
func (rt *Runtime) Kernel(name string) *LaunchConfig {
	return &LaunchConfig{
		rt:     rt,
		kernel: name,
		grid:   driver.Dim3{X: 1, Y: 1, Z: 1},
		block:  driver.Dim3{X: 1, Y: 1, Z: 1},
	}
}

func validDim3(d driver.Dim3) bool {
	return d.X > 0 && d.Y > 0 && d.Z > 0
}

// Grid sets the number of blocks in each dimension.
func (c *LaunchConfig) Grid(x, y, z int) *LaunchConfig {
	if c.err != nil {
		return c
	}
	if c.flat {
		c.err = errors.Errorf("Kernel(%q).Grid() can't be used with Flat()", c.kernel)
		return c
	}
	c.grid = driver.Dim3{X: x, Y: y, Z: z}
	if !validDim3(c.grid) {
		c.err = errors.Errorf("Kernel(%q).Grid() given invalid dimensions %s", c.kernel, c.grid)
	}
	return c
}

// Block sets the number of threads per block in each dimension.
func (c *LaunchConfig) Block(x, y, z int) *LaunchConfig {
	if c.err != nil {
		return c
	}
	if c.flat {
		c.err = errors.Errorf("Kernel(%q).Block() can't be used with Flat()", c.kernel)
		return c
	}
	c.block = driver.Dim3{X: x, Y: y, Z: z}
	if !validDim3(c.block) {
		c.err = errors.Errorf("Kernel(%q).Block() given invalid dimensions %s", c.kernel, c.block)
	}
	return c
}

// Flat sets a 1-dimensional geometry of numThreads threads, in blocks of blockSize, see LaunchFlat.
func (c *LaunchConfig) Flat(numThreads, blockSize int) *LaunchConfig {
	if c.err != nil {
		return c
	}
	if numThreads < 0 || blockSize <= 0 {
		c.err = errors.Errorf("Kernel(%q).Flat() given invalid numThreads=%d, blockSize=%d",
			c.kernel, numThreads, blockSize)
		return c
	}
	c.flat = true
	c.numThreads = numThreads
	c.block = driver.Dim3{X: blockSize, Y: 1, Z: 1}
	return c
}

// Args appends arguments to the launch. It can be called more than once.
func (c *LaunchConfig) Args(args ...Arg) *LaunchConfig {
	if c.err != nil {
		return c
	}
	for _, arg := range args {
		if arg.byValue && len(arg.value) == 0 {
			c.err = errors.Errorf("Kernel(%q).Args() given an empty by-value argument", c.kernel)
			return c
		}
	}
	c.args = append(c.args, args...)
	return c
}

// Done launches the kernel on the task's device and waits for it. A configuration error is fatal.
func (c *LaunchConfig) Done(ctx context.Context) {
	if c.err != nil {
		fatal(&FatalError{Kind: Internal, Err: c.err})
	}
	if c.flat {
		c.rt.LaunchFlat(ctx, c.kernel, c.numThreads, c.block.X, c.args...)
		return
	}
	c.rt.Launch(ctx, c.kernel, c.grid, c.block, c.args...)
}
