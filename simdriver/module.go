package simdriver

import (
	"fmt"
	"slices"
	"unsafe"

	"github.com/gomlx/gpurt/driver"
	"github.com/gomlx/gpurt/mem"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
	"k8s.io/klog/v2"
)

// Keys of the module image.
const (
	imageKernelsKey = "kernels"
	imageGlobalsKey = "globals"
)

// BuildImage serializes a module image for the software driver, listing the kernel entry points
// and the global variables (name -> size in bytes) the module defines.
//
// The kernel bodies are not part of the image: they must be registered with Driver.RegisterKernel.
func BuildImage(kernels []string, globals map[string]int) ([]byte, error) {
	kernelValues := make([]any, len(kernels))
	for ii, name := range kernels {
		kernelValues[ii] = name
	}
	globalValues := make(map[string]any, len(globals))
	for name, size := range globals {
		if size <= 0 {
			return nil, errors.Errorf("simdriver.BuildImage: global %q has invalid size %d", name, size)
		}
		globalValues[name] = float64(size)
	}
	image, err := structpb.NewStruct(map[string]any{
		imageKernelsKey: kernelValues,
		imageGlobalsKey: globalValues,
	})
	if err != nil {
		return nil, errors.Wrap(err, "simdriver.BuildImage")
	}
	data, err := proto.Marshal(image)
	if err != nil {
		return nil, errors.Wrap(err, "simdriver.BuildImage")
	}
	return data, nil
}

// parseImage returns the kernel names and the globals defined in a module image.
func parseImage(data []byte) (kernels []string, globals map[string]int, err error) {
	image := &structpb.Struct{}
	if err = proto.Unmarshal(data, image); err != nil {
		return nil, nil, errors.Wrap(err, "invalid module image")
	}
	fields := image.GetFields()
	for _, value := range fields[imageKernelsKey].GetListValue().GetValues() {
		name, ok := value.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return nil, nil, errors.Errorf("invalid kernel name %v in module image", value)
		}
		kernels = append(kernels, name.StringValue)
	}
	globals = make(map[string]int)
	for name, value := range fields[imageGlobalsKey].GetStructValue().GetFields() {
		size, ok := value.GetKind().(*structpb.Value_NumberValue)
		if !ok || size.NumberValue <= 0 {
			return nil, nil, errors.Errorf("invalid size %v for global %q in module image", value, name)
		}
		globals[name] = int(size.NumberValue)
	}
	return kernels, globals, nil
}

// Launch describes one kernel execution, it is given to the KernelFunc.
type Launch struct {
	Name           string
	Grid, Block    driver.Dim3
	SharedMemBytes int

	// Params has one entry per kernel parameter, each pointing to the parameter value.
	Params []unsafe.Pointer
}

// NumThreads returns the total number of threads of the launch.
func (l *Launch) NumThreads() int {
	return l.Grid.Size() * l.Block.Size()
}

// Arg returns the value of the i-th parameter, interpreted as an address.
func (l *Launch) Arg(i int) unsafe.Pointer {
	return *(*unsafe.Pointer)(l.Params[i])
}

// ForEachThread calls fn for every thread of the launch, with its linear global index, in order.
func (l *Launch) ForEachThread(fn func(idx int)) {
	for idx := range l.NumThreads() {
		fn(idx)
	}
}

// ArgSlice returns the memory pointed by the i-th parameter as a slice of n values of type T.
func ArgSlice[T any](l *Launch, i, n int) []T {
	return unsafe.Slice((*T)(l.Arg(i)), n)
}

// ArgValue returns the value of type T pointed by the i-th parameter.
func ArgValue[T any](l *Launch, i int) T {
	return *(*T)(l.Arg(i))
}

// KernelFunc is the body of a kernel of the software driver. It runs on the host, once per launch.
type KernelFunc func(l *Launch) error

// RegisterKernel sets the body of the kernel with the given name, for all modules that list it.
func (d *Driver) RegisterKernel(name string, fn KernelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, found := d.kernels[name]; found {
		klog.Warningf("simdriver: kernel %q registered more than once, using latest registration", name)
	}
	d.kernels[name] = fn
}

type module struct {
	ctx     driver.Context
	kernels []string
	globals map[string]*allocation
}

type function struct {
	name string
	ctx  driver.Context
}

// ModuleLoadData implements driver.Driver.
func (d *Driver) ModuleLoadData(image []byte) (driver.Module, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, r := d.requireCurrentLocked()
	if r != driver.Success {
		return 0, r
	}
	kernels, globals, err := parseImage(image)
	if err != nil {
		klog.Errorf("simdriver: %+v", err)
		return 0, driver.ErrInvalidImage
	}
	m := &module{
		ctx:     ctx,
		kernels: kernels,
		globals: make(map[string]*allocation, len(globals)),
	}
	for name, size := range globals {
		ptr, backing := mem.AlignedAlloc(size, Alignment)
		a := &allocation{
			ptr:     ptr,
			base:    uintptr(ptr),
			size:    size,
			memType: driver.MemoryTypeDevice,
			ctx:     ctx,
			global:  true,
			backing: backing,
		}
		d.insertLocked(a)
		m.globals[name] = a
	}
	handle := driver.Module(d.newHandleLocked())
	d.modules[handle] = m
	d.stats.ModuleLoads++
	return handle, driver.Success
}

// ModuleGetGlobal implements driver.Driver.
func (d *Driver) ModuleGetGlobal(mod driver.Module, name string) (driver.DevicePtr, int, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return nil, 0, driver.ErrNotInitialized
	}
	m, found := d.modules[mod]
	if !found {
		return nil, 0, driver.ErrInvalidHandle
	}
	a, found := m.globals[name]
	if !found {
		return nil, 0, driver.ErrNotFound
	}
	return driver.DevicePtr(a.ptr), a.size, driver.Success
}

// ModuleGetFunction implements driver.Driver. The kernel must be listed in the module image and have its
// body registered.
func (d *Driver) ModuleGetFunction(mod driver.Module, name string) (driver.Function, driver.Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return 0, driver.ErrNotInitialized
	}
	m, found := d.modules[mod]
	if !found {
		return 0, driver.ErrInvalidHandle
	}
	if !slices.Contains(m.kernels, name) {
		return 0, driver.ErrNotFound
	}
	if _, found := d.kernels[name]; !found {
		return 0, driver.ErrNotFound
	}
	handle := driver.Function(d.newHandleLocked())
	d.functions[handle] = &function{name: name, ctx: m.ctx}
	return handle, driver.Success
}

func validDim3(d driver.Dim3) bool {
	return d.X > 0 && d.Y > 0 && d.Z > 0
}

// LaunchKernel implements driver.Driver.
//
// The kernel runs immediately on stream 0, otherwise it is enqueued in the stream. A kernel body
// returning an error makes the launch (or the next synchronization of its stream) fail with
// ErrLaunchFailed.
func (d *Driver) LaunchKernel(fn driver.Function, grid, block driver.Dim3, sharedMemBytes int, handle driver.Stream,
	params []unsafe.Pointer) driver.Result {
	d.mu.Lock()
	ctx, r := d.requireCurrentLocked()
	if r != driver.Success {
		d.mu.Unlock()
		return r
	}
	f, found := d.functions[fn]
	if !found {
		d.mu.Unlock()
		return driver.ErrInvalidHandle
	}
	if f.ctx != ctx {
		d.mu.Unlock()
		return driver.ErrInvalidContext
	}
	if !validDim3(grid) || !validDim3(block) || sharedMemBytes < 0 {
		d.mu.Unlock()
		return driver.ErrInvalidValue
	}
	if block.Size() > MaxThreadsPerBlock {
		d.mu.Unlock()
		return driver.ErrInvalidValue
	}
	for ii, param := range params {
		if param == nil {
			klog.Errorf("simdriver: kernel %q parameter #%d is nil", f.name, ii)
			d.mu.Unlock()
			return driver.ErrInvalidValue
		}
	}
	var s *stream
	if handle != 0 {
		if s, found = d.streams[handle]; !found {
			d.mu.Unlock()
			return driver.ErrInvalidHandle
		}
	}
	body := d.kernels[f.name]
	d.stats.Launches++
	d.mu.Unlock()

	launch := &Launch{
		Name:           f.name,
		Grid:           grid,
		Block:          block,
		SharedMemBytes: sharedMemBytes,
		Params:         slices.Clone(params),
	}
	run := func() (err error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = errors.Errorf("kernel %q panicked: %v", launch.Name, recovered)
			}
		}()
		return body(launch)
	}
	if s != nil {
		s.enqueue(run)
		return driver.Success
	}
	if err := run(); err != nil {
		klog.Errorf("simdriver: %+v", err)
		return driver.ErrLaunchFailed
	}
	return driver.Success
}

// String implements fmt.Stringer.
func (l *Launch) String() string {
	return fmt.Sprintf("%s<<<%s, %s>>>(%d params)", l.Name, l.Grid, l.Block, len(l.Params))
}
