package gpu

import (
	"testing"
	"unsafe"

	"github.com/gomlx/gpurt/driver"
	"github.com/gomlx/gpurt/mem"
	"github.com/gomlx/gpurt/simdriver"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func TestAlloc(t *testing.T) {
	for _, tc := range strategies {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, tc.strategy, nil)
			rt, d := env.rt, env.drv
			ctx := onDevice(1)

			// Size 0: no driver call.
			before := d.Stats()
			require.Nil(t, rt.Alloc(ctx, 0, mem.DescGPUAlloc))
			require.Nil(t, rt.ArrayAlloc(ctx, 0, mem.DescArrayElements))
			require.Nil(t, rt.Calloc(ctx, 0, 16, mem.DescGPUAlloc))
			require.Equal(t, before, d.Stats())
			require.Empty(t, env.events.kinds())

			arr := rt.ArrayAlloc(ctx, 1024, mem.DescArrayElements)
			require.NotNil(t, arr)
			require.True(t, rt.IsDevicePtr(arr))
			require.False(t, rt.IsHostPtr(arr))
			require.Equal(t, 1024, rt.AllocSize(arr))
			// Interior pointers belong to the same allocation.
			require.True(t, rt.IsDevicePtr(unsafe.Add(arr, 100)))

			other := rt.Alloc(ctx, 64, mem.DescGPUAlloc)
			require.True(t, rt.IsDevicePtr(other))
			if tc.strategy.kind() == ArrayOnDevice {
				require.True(t, rt.IsHostPtr(other), "non-array data is page-locked host memory")
			} else {
				require.False(t, rt.IsHostPtr(other), "everything is unified memory")
			}

			// Allocations are owned by the task's device.
			owner, ok := rt.contextOf(arr)
			require.True(t, ok)
			require.Equal(t, rt.devices[1].context, owner)

			// Go heap memory is host memory unknown to the driver.
			goMem := make([]byte, 16)
			require.False(t, rt.IsDevicePtr(ptrOf(goMem)))
			require.True(t, rt.IsHostPtr(ptrOf(goMem)))

			require.Equal(t, 2, d.LiveAllocations())
			require.Equal(t, int64(1024+64), env.tracker.Stats().LiveBytes)
			rt.Free(ctx, arr)
			rt.Free(ctx, other)
			rt.Free(ctx, nil)
			require.Equal(t, 0, d.LiveAllocations())
			require.Equal(t, int64(0), env.tracker.Stats().LiveBytes)
			counts := rt.Diags().Counts()
			require.Equal(t, int64(2), counts.Allocs)
			require.Equal(t, int64(2), counts.Frees)

			requireFatal(t, Internal, func() { rt.Free(ctx, ptrOf(goMem)) })
			requireFatal(t, Internal, func() { rt.Alloc(ctx, -1, mem.DescGPUAlloc) })
		})
	}
}

func TestHooksOrder(t *testing.T) {
	env := newTestEnv(t, arrayOnDevice{}, nil)
	rt := env.rt
	ctx := onDevice(0)
	ptr := rt.ArrayAlloc(ctx, 32, mem.DescArrayElements)
	rt.Free(ctx, ptr)
	require.Equal(t, []string{"malloc_pre", "malloc_post", "free_pre", "free_post"}, env.events.kinds())
	require.Equal(t, []unsafe.Pointer{ptr}, env.events.pointers("malloc_post", mem.DescArrayElements))
	require.Equal(t, []unsafe.Pointer{ptr}, env.events.pointers("free_pre", 0))
}

func TestCalloc(t *testing.T) {
	for _, tc := range strategies {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, tc.strategy, nil)
			rt := env.rt
			ctx := onDevice(0)
			ptr := rt.Calloc(ctx, 10, 8, mem.DescGPUAlloc)
			require.True(t, rt.IsDevicePtr(ptr))
			require.Equal(t, 80, rt.AllocSize(ptr))
			require.Equal(t, make([]byte, 80), mem.Bytes(ptr, 80))

			// The host staging buffer was released.
			heap := rt.HostAllocator().(*mem.Heap)
			require.Equal(t, 0, heap.Live())
			require.Equal(t, int64(1), heap.Mallocs())
			require.Equal(t, int64(1), rt.Diags().Counts().HostToDevice)
			rt.Free(ctx, ptr)
			require.Equal(t, 0, env.drv.LiveAllocations())
		})
	}
}

func TestRealloc(t *testing.T) {
	for _, tc := range strategies {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, tc.strategy, nil)
			rt, d := env.rt, env.drv
			ctx := onDevice(0)
			ptr := rt.ArrayAlloc(ctx, 16, mem.DescArrayElements)
			data := mem.Bytes(ptr, 16)
			for ii := range data {
				data[ii] = byte(ii + 1)
			}

			// Same size: same pointer, no copy nor free.
			before := d.Stats()
			env.events.reset()
			require.Equal(t, ptr, rt.Realloc(ctx, ptr, 16, mem.DescArrayElements))
			require.Equal(t, before.DtoD, d.Stats().DtoD)
			require.Equal(t, before.MemFrees, d.Stats().MemFrees)
			require.Empty(t, env.events.kinds())

			// Shrink: keeps exactly the first bytes.
			shrunk := rt.Realloc(ctx, ptr, 10, mem.DescArrayElements)
			require.NotEqual(t, ptr, shrunk)
			require.Equal(t, 10, rt.AllocSize(shrunk))
			require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, mem.Bytes(shrunk, 10))
			require.False(t, rt.IsHostPtr(shrunk), "residency is kept")
			require.Equal(t, 1, d.LiveAllocations())

			// Grow: keeps the old content.
			grown := rt.Realloc(ctx, shrunk, 100, mem.DescArrayElements)
			require.Equal(t, 100, rt.AllocSize(grown))
			require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, mem.Bytes(grown, 10))
			require.Equal(t, 1, d.LiveAllocations())

			// Non-array data.
			small := rt.Realloc(ctx, nil, 8, mem.DescGPUAlloc)
			require.NotNil(t, small)
			small = rt.Realloc(ctx, small, 4, mem.DescGPUAlloc)
			require.Equal(t, tc.strategy.kind() == ArrayOnDevice, rt.IsHostPtr(small))

			// Size 0 frees.
			require.Nil(t, rt.Realloc(ctx, grown, 0, mem.DescArrayElements))
			require.Nil(t, rt.Realloc(ctx, small, 0, mem.DescGPUAlloc))
			require.Equal(t, 0, d.LiveAllocations())
			require.Equal(t, int64(0), env.tracker.Stats().LiveBytes)

			goMem := make([]byte, 16)
			requireFatal(t, Internal, func() { rt.Realloc(ctx, ptrOf(goMem), 32, mem.DescGPUAlloc) })
		})
	}
}

func TestMemalign(t *testing.T) {
	env := newTestEnv(t, arrayOnDevice{}, nil)
	rt := env.rt
	ctx := onDevice(0)
	ptr := rt.Memalign(ctx, 0, 48, mem.DescGPUAlloc)
	require.True(t, mem.IsAligned(ptr, DefaultAlignment))
	rt.Free(ctx, ptr)

	// Any explicit boundary is unsupported, even one the default alignment would satisfy.
	for _, boundary := range []int{8, DefaultAlignment, 2 * DefaultAlignment, -1} {
		err := requireFatal(t, Unsupported, func() { rt.Memalign(ctx, boundary, 48, mem.DescGPUAlloc) })
		require.Contains(t, err.Error(), "not supported")
	}
	require.Equal(t, 0, env.drv.LiveAllocations())
}

func TestHostRegister(t *testing.T) {
	for _, tc := range strategies {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, tc.strategy, nil)
			rt := env.rt
			buf := make([]byte, 4096)
			rt.HostRegister(onDevice(0), ptrOf(buf), len(buf))
			require.True(t, rt.IsHostPtr(ptrOf(buf)))
			if tc.strategy.kind() == ArrayOnDevice {
				require.Equal(t, int64(1), env.drv.Stats().HostRegisters)
				require.True(t, rt.IsDevicePtr(ptrOf(buf)), "registered memory is known to the driver")
				err := requireFatal(t, FatalDriver, func() { rt.HostRegister(onDevice(0), ptrOf(buf), len(buf)) })
				require.Equal(t, driver.ErrHostMemoryAlreadyRegistered, err.Result)
			} else {
				require.Equal(t, int64(0), env.drv.Stats().HostRegisters)
				require.False(t, rt.IsDevicePtr(ptrOf(buf)))
			}
		})
	}
}

func TestPointerClassificationBeforeInit(t *testing.T) {
	// A runtime over a driver that was never initialized: every pointer is host memory.
	d := must.M1(simdriver.New(nil))
	rt := &Runtime{drv: d, strategy: arrayOnDevice{}}
	buf := make([]byte, 8)
	require.True(t, rt.IsHostPtr(ptrOf(buf)))
	require.False(t, rt.IsDevicePtr(ptrOf(buf)))
	require.False(t, rt.hasContext())
}
