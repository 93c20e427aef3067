package gpu

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"unsafe"

	"github.com/gomlx/gpurt/config"
	"github.com/gomlx/gpurt/driver"
	"github.com/gomlx/gpurt/mem"
	"github.com/gomlx/gpurt/simdriver"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func newSimDriver(options driver.Options) *simdriver.Driver {
	d := must.M1(simdriver.New(options))
	registerTestKernels(d)
	return d
}

func TestNewRuntime(t *testing.T) {
	t.Run("NoLimit", func(t *testing.T) {
		d := newSimDriver(driver.Options{"num_devices": 4, "clock_rate_khz": []int{1000, 2000, 3000, 4000}})
		rt := NewRuntime(Config{Driver: d, NumDevices: -1, NodeID: 3, Image: testImage()})
		require.Equal(t, 4, rt.NumDevices())
		require.Equal(t, int32(3), rt.NodeID())
		for dev := range 4 {
			require.Equal(t, 1000*(dev+1), rt.ClockRate(dev))
		}
		require.Equal(t, int64(4), d.Stats().ModuleLoads)
		require.NotNil(t, rt.Diags())
		require.NotNil(t, rt.HostAllocator())
		require.Contains(t, rt.String(), "devices=4")
	})

	t.Run("Limit", func(t *testing.T) {
		d := newSimDriver(driver.Options{"num_devices": 4})
		rt := NewRuntime(Config{Driver: d, NumDevices: 2, Image: testImage()})
		require.Equal(t, 2, rt.NumDevices())
		require.Equal(t, int64(2), d.Stats().ModuleLoads)
		requireFatal(t, Internal, func() { rt.ClockRate(2) })
	})

	t.Run("LimitAboveFound", func(t *testing.T) {
		d := newSimDriver(driver.Options{"num_devices": 3})
		rt := NewRuntime(Config{Driver: d, NumDevices: 8, Image: testImage()})
		require.Equal(t, 3, rt.NumDevices())
	})

	t.Run("NoDevices", func(t *testing.T) {
		d := newSimDriver(driver.Options{"num_devices": 0})
		rt := NewRuntime(Config{Driver: d, NumDevices: -1, Image: testImage()})
		require.Equal(t, 0, rt.NumDevices())
		rt = NewRuntime(Config{Driver: d, NumDevices: 0, Image: testImage()})
		require.Equal(t, 0, rt.NumDevices())
		requireFatal(t, FatalDriver, func() {
			NewRuntime(Config{Driver: d, NumDevices: 1, Image: testImage()})
		})
	})

	t.Run("NodeID", func(t *testing.T) {
		d := newSimDriver(driver.Options{"num_devices": 2})
		rt := NewRuntime(Config{Driver: d, NumDevices: -1, NodeID: 0x01020304, Image: testImage()})
		for dev := range rt.NumDevices() {
			ptr, size, r := d.ModuleGetGlobal(rt.devices[dev].module, NodeIDSymbol)
			require.NoError(t, r.Err())
			require.Equal(t, 4, size)
			value := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), 4)
			require.Equal(t, uint32(0x01020304), binary.LittleEndian.Uint32(value))
		}
	})

	t.Run("Strategy", func(t *testing.T) {
		d := newSimDriver(nil)
		rt := NewRuntime(Config{Driver: d, NumDevices: -1, Image: testImage(), strategy: unifiedMemory{}})
		require.Equal(t, UnifiedMemory, rt.Strategy())
		rt = NewRuntime(Config{Driver: d, NumDevices: -1, Image: testImage()})
		require.Equal(t, buildStrategy().kind(), rt.Strategy())
	})
}

func TestNewRuntimeFatal(t *testing.T) {
	err := requireFatal(t, FatalDriver, func() {
		NewRuntime(Config{Driver: newSimDriver(driver.Options{"fail_init": true}), NumDevices: -1, Image: testImage()})
	})
	require.Equal(t, driver.ErrNoDevice, err.Result)
	require.Contains(t, err.Error(), "Init(0)")

	err = requireFatal(t, FatalDriver, func() {
		NewRuntime(Config{Driver: newSimDriver(nil), NumDevices: -1, Image: []byte{0xff, 0xff}})
	})
	require.Equal(t, driver.ErrInvalidImage, err.Result)

	// Module without the node id global, or with a global of the wrong size.
	err = requireFatal(t, FatalDriver, func() {
		image := must.M1(simdriver.BuildImage(testKernels, nil))
		NewRuntime(Config{Driver: newSimDriver(nil), NumDevices: -1, Image: image})
	})
	require.Equal(t, driver.ErrNotFound, err.Result)
	requireFatal(t, Internal, func() {
		image := must.M1(simdriver.BuildImage(testKernels, map[string]int{NodeIDSymbol: 8}))
		NewRuntime(Config{Driver: newSimDriver(nil), NumDevices: -1, Image: image})
	})

	requireFatal(t, FatalConfig, func() {
		NewRuntime(Config{DriverName: "no-such-driver", NumDevices: -1, Image: testImage()})
	})
}

func TestFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.NumGPUsPerLocale = 3
	cfg.NodeID = 5
	cfg.DriverOptions = map[string]any{"num_devices": 4}
	rtCfg := FromConfig(cfg, []byte{1})
	require.Equal(t, 3, rtCfg.NumDevices)
	require.Equal(t, int32(5), rtCfg.NodeID)
	require.Equal(t, config.DefaultDriver, rtCfg.DriverName)
	require.Equal(t, driver.Options{"num_devices": 4}, rtCfg.DriverOptions)
	require.Equal(t, []byte{1}, rtCfg.Image)
}

func TestInitDefault(t *testing.T) {
	defer func() {
		muDefault.Lock()
		defaultRuntime = nil
		muDefault.Unlock()
	}()

	requireFatal(t, Internal, func() { Default() })

	t.Setenv(config.EnvNumGPUsPerLocale, "many")
	requireFatal(t, FatalConfig, func() { InitFromEnv(testImage()) })
	t.Setenv(config.EnvNumGPUsPerLocale, "-2")
	requireFatal(t, FatalConfig, func() { InitFromEnv(testImage()) })

	rt := Init(Config{Driver: newSimDriver(nil), NumDevices: -1, Image: testImage()})
	require.Same(t, rt, Default())
	requireFatal(t, Internal, func() { Init(Config{Driver: newSimDriver(nil), NumDevices: -1, Image: testImage()}) })
}

func TestUseDevice(t *testing.T) {
	env := newTestEnv(t, arrayOnDevice{}, nil)
	rt, d := env.rt, env.drv
	contextOf := func(dev int) driver.Context { return rt.devices[dev].context }
	current := func() driver.Context {
		ctx, r := d.CtxGetCurrent()
		require.NoError(t, r.Err())
		return ctx
	}

	// Initialization leaves the last device current, with one context in the stack.
	require.Equal(t, contextOf(rt.NumDevices()-1), current())
	require.Equal(t, 1, d.ContextDepth())

	// Switching replaces the current context.
	rt.UseDevice(0)
	require.Equal(t, contextOf(0), current())
	require.Equal(t, 1, d.ContextDepth())

	// Same device: nothing changes.
	rt.UseDevice(0)
	require.Equal(t, contextOf(0), current())
	require.Equal(t, 1, d.ContextDepth())

	// Without a current context, it is pushed.
	_, r := d.CtxPopCurrent()
	require.NoError(t, r.Err())
	require.Equal(t, 0, d.ContextDepth())
	rt.UseDevice(1)
	require.Equal(t, contextOf(1), current())
	require.Equal(t, 1, d.ContextDepth())

	requireFatal(t, Internal, func() { rt.UseDevice(rt.NumDevices()) })
	requireFatal(t, Internal, func() { rt.UseDevice(-1) })
}

func TestConcurrentDevices(t *testing.T) {
	if !simdriver.PerThreadContexts {
		t.Skip("the software driver shares the current context among threads on this platform")
	}
	env := newTestEnv(t, arrayOnDevice{}, nil)
	rt := env.rt
	const numIterations = 500
	const n = 16

	// One task per device, each allocating, launching and freeing on its own device only.
	misplaced := make([]int, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for dev := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := onDevice(dev)
			want := rt.devices[dev].context
			fatalErr := CatchFatal(func() {
				for range numIterations {
					ptr := rt.ArrayAlloc(ctx, n*4, mem.DescArrayElements)
					if owner, _ := rt.contextOf(ptr); owner != want {
						misplaced[dev]++
					}
					rt.LaunchFlat(ctx, "fill", n, 8, PtrArg(ptr), Value(int32(dev+1)), Value(int32(n)))
					for _, v := range unsafe.Slice((*int32)(ptr), n) {
						if v != int32(dev+1) {
							misplaced[dev]++
							break
						}
					}
					rt.Free(ctx, ptr)
				}
			})
			if fatalErr != nil {
				errs[dev] = fatalErr
			}
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.Equal(t, []int{0, 0}, misplaced, "allocations or launches landing on the wrong device")
	require.Equal(t, 0, env.drv.LiveAllocations())
	require.Equal(t, int64(2*numIterations), env.drv.Stats().Launches)
}

func TestTaskBinding(t *testing.T) {
	env := newTestEnv(t, arrayOnDevice{}, nil)
	rt := env.rt

	ctx := onDevice(1)
	subloc, ok := SublocFromContext(ctx)
	require.True(t, ok)
	require.Equal(t, 1, subloc)
	require.True(t, IsDevice(subloc))
	require.False(t, IsDevice(HostSubloc))
	_, ok = SublocFromContext(context.Background())
	require.False(t, ok)

	// Unbound task, or task bound to the host.
	requireFatal(t, Internal, func() { rt.Alloc(context.Background(), 8, mem.DescGPUAlloc) })
	requireFatal(t, Internal, func() { rt.Alloc(WithSubloc(context.Background(), HostSubloc), 8, mem.DescGPUAlloc) })
	require.Equal(t, 0, env.drv.LiveAllocations())
}
