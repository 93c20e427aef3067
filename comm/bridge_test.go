package comm_test

import (
	"context"
	"os"
	"testing"
	"unsafe"

	"github.com/gomlx/gpurt/comm"
	"github.com/gomlx/gpurt/comm/fabric"
	"github.com/gomlx/gpurt/gpu"
	"github.com/gomlx/gpurt/mem"
	"github.com/gomlx/gpurt/simdriver"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	gpu.SetFatalHandler(gpu.PanicOnFatal)
	os.Exit(m.Run())
}

// node of a test cluster.
type node struct {
	bridge *comm.Bridge
	rt     *gpu.Runtime
	heap   *mem.Heap
}

// newCluster creates numNodes nodes connected by a fabric, each with its own software driver of 2 devices.
func newCluster(t *testing.T, numNodes int) (*fabric.Fabric, []*node) {
	f := must.M1(fabric.New(numNodes))
	image := must.M1(simdriver.BuildImage(nil, map[string]int{gpu.NodeIDSymbol: 4}))
	nodes := make([]*node, numNodes)
	for id := range nodes {
		d := must.M1(simdriver.New(map[string]any{"num_devices": 2}))
		rt := gpu.NewRuntime(gpu.Config{
			Driver:     d,
			NumDevices: -1,
			NodeID:     int32(id),
			Image:      image,
		})
		require.Equal(t, int32(id), rt.NodeID())
		nodes[id] = &node{
			bridge: comm.NewBridge(rt, f.Node(id)),
			rt:     rt,
			heap:   rt.HostAllocator().(*mem.Heap),
		}
	}
	return f, nodes
}

// deviceBuffer allocates n bytes of array memory on dev, filled with the given content if not nil.
func deviceBuffer(rt *gpu.Runtime, dev, n int, content []byte) unsafe.Pointer {
	ptr := rt.ArrayAlloc(gpu.WithSubloc(context.Background(), dev), n, mem.DescArrayElements)
	if content != nil {
		rt.Copy(dev, ptr, gpu.HostSubloc, unsafe.Pointer(&content[0]), n)
	}
	return ptr
}

// readDevice returns a copy of the n bytes at the device pointer.
func readDevice(rt *gpu.Runtime, dev int, ptr unsafe.Pointer, n int) []byte {
	out := make([]byte, n)
	rt.Copy(gpu.HostSubloc, unsafe.Pointer(&out[0]), dev, ptr, n)
	return out
}

func pattern(n int, seed byte) []byte {
	data := make([]byte, n)
	for ii := range data {
		data[ii] = byte(ii) + seed
	}
	return data
}

func ptrOf(b []byte) unsafe.Pointer { return unsafe.Pointer(&b[0]) }

func TestPut(t *testing.T) {
	const size = 256
	ctx := context.Background()

	t.Run("HostToHost", func(t *testing.T) {
		f, nodes := newCluster(t, 2)
		src, dst := pattern(size, 1), make([]byte, size)
		require.NoError(t, nodes[0].bridge.Put(ctx, 1, gpu.HostSubloc, ptrOf(dst), gpu.HostSubloc, ptrOf(src), size))
		require.Equal(t, src, dst)
		require.Equal(t, fabric.Stats{Puts: 1, BytesPut: size}, f.Stats())
		require.Equal(t, int64(0), nodes[0].heap.Mallocs())
	})

	t.Run("DeviceToRemoteHost", func(t *testing.T) {
		f, nodes := newCluster(t, 2)
		rt := nodes[0].rt
		content := pattern(size, 2)
		src := deviceBuffer(rt, 1, size, content)
		dst := make([]byte, size)
		before := rt.Diags().Counts()

		require.NoError(t, nodes[0].bridge.Put(ctx, 1, gpu.HostSubloc, ptrOf(dst), 1, src, size))
		require.Equal(t, content, dst)
		// Exactly one staging buffer, one network put, and the buffer is freed before returning.
		require.Equal(t, int64(1), nodes[0].heap.Mallocs())
		require.Equal(t, int64(1), nodes[0].heap.Frees())
		require.Equal(t, 0, nodes[0].heap.Live())
		require.Equal(t, fabric.Stats{Puts: 1, BytesPut: size}, f.Stats())
		if rt.Strategy() == gpu.ArrayOnDevice {
			require.Equal(t, before.DeviceToHost+1, rt.Diags().Counts().DeviceToHost)
		}
		require.Equal(t, int64(0), nodes[1].heap.Mallocs())
	})

	t.Run("HostToRemoteDevice", func(t *testing.T) {
		f, nodes := newCluster(t, 2)
		src := pattern(size, 3)
		dst := deviceBuffer(nodes[1].rt, 0, size, nil)

		require.NoError(t, nodes[0].bridge.Put(ctx, 1, 0, dst, gpu.HostSubloc, ptrOf(src), size))
		require.Equal(t, src, readDevice(nodes[1].rt, 0, dst, size))
		// The destination node pulled the data into its own staging buffer.
		require.Equal(t, fabric.Stats{Gets: 1, BytesGot: size, Executes: 1}, f.Stats())
		require.Equal(t, int64(0), nodes[0].heap.Mallocs())
		require.Equal(t, int64(1), nodes[1].heap.Mallocs())
		require.Equal(t, 0, nodes[1].heap.Live())
	})

	t.Run("DeviceToRemoteDevice", func(t *testing.T) {
		f, nodes := newCluster(t, 2)
		content := pattern(size, 4)
		src := deviceBuffer(nodes[0].rt, 0, size, content)
		dst := deviceBuffer(nodes[1].rt, 1, size, nil)

		require.NoError(t, nodes[0].bridge.Put(ctx, 1, 1, dst, 0, src, size))
		require.Equal(t, content, readDevice(nodes[1].rt, 1, dst, size))
		require.Equal(t, fabric.Stats{Gets: 1, BytesGot: size, Executes: 1}, f.Stats())
		for _, n := range nodes {
			require.Equal(t, int64(1), n.heap.Mallocs())
			require.Equal(t, 0, n.heap.Live())
		}
	})
}

func TestGet(t *testing.T) {
	const size = 128
	ctx := context.Background()

	t.Run("HostFromHost", func(t *testing.T) {
		f, nodes := newCluster(t, 2)
		src, dst := pattern(size, 5), make([]byte, size)
		require.NoError(t, nodes[0].bridge.Get(ctx, gpu.HostSubloc, ptrOf(dst), 1, gpu.HostSubloc, ptrOf(src), size))
		require.Equal(t, src, dst)
		require.Equal(t, fabric.Stats{Gets: 1, BytesGot: size}, f.Stats())
	})

	t.Run("DeviceFromRemoteHost", func(t *testing.T) {
		f, nodes := newCluster(t, 2)
		src := pattern(size, 6)
		dst := deviceBuffer(nodes[0].rt, 1, size, nil)
		require.NoError(t, nodes[0].bridge.Get(ctx, 1, dst, 1, gpu.HostSubloc, ptrOf(src), size))
		require.Equal(t, src, readDevice(nodes[0].rt, 1, dst, size))
		require.Equal(t, fabric.Stats{Gets: 1, BytesGot: size}, f.Stats())
		require.Equal(t, int64(1), nodes[0].heap.Mallocs())
		require.Equal(t, 0, nodes[0].heap.Live())
	})

	t.Run("HostFromRemoteDevice", func(t *testing.T) {
		f, nodes := newCluster(t, 2)
		content := pattern(size, 7)
		src := deviceBuffer(nodes[1].rt, 0, size, content)
		dst := make([]byte, size)
		require.NoError(t, nodes[0].bridge.Get(ctx, gpu.HostSubloc, ptrOf(dst), 1, 0, src, size))
		require.Equal(t, content, dst)
		// The source node staged its device data and put it into our host memory.
		require.Equal(t, fabric.Stats{Puts: 1, BytesPut: size, Executes: 1}, f.Stats())
		require.Equal(t, int64(0), nodes[0].heap.Mallocs())
		require.Equal(t, int64(1), nodes[1].heap.Mallocs())
		require.Equal(t, 0, nodes[1].heap.Live())
	})

	t.Run("DeviceFromRemoteDevice", func(t *testing.T) {
		f, nodes := newCluster(t, 3)
		content := pattern(size, 8)
		src := deviceBuffer(nodes[2].rt, 1, size, content)
		dst := deviceBuffer(nodes[0].rt, 0, size, nil)
		require.NoError(t, nodes[0].bridge.Get(ctx, 0, dst, 2, 1, src, size))
		require.Equal(t, content, readDevice(nodes[0].rt, 0, dst, size))
		require.Equal(t, fabric.Stats{Puts: 1, BytesPut: size, Executes: 1}, f.Stats())
		require.Equal(t, 0, nodes[0].heap.Live())
		require.Equal(t, 0, nodes[2].heap.Live())
		require.Equal(t, int64(0), nodes[1].heap.Mallocs())
	})
}

func TestBridgeErrors(t *testing.T) {
	const size = 64
	f, nodes := newCluster(t, 2)
	src := deviceBuffer(nodes[0].rt, 0, size, pattern(size, 9))
	dst := make([]byte, size)

	err := nodes[0].bridge.Put(context.Background(), 5, gpu.HostSubloc, ptrOf(dst), 0, src, size)
	require.ErrorContains(t, err, "out of range")
	require.Equal(t, 0, nodes[0].heap.Live(), "staging buffer freed on errors")

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	err = nodes[0].bridge.Get(cancelled, 0, src, 1, gpu.HostSubloc, ptrOf(dst), size)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 0, nodes[0].heap.Live())

	err = f.Node(0).ExecuteOn(context.Background(), 1, comm.RemoteOp{Kind: comm.OpKind(7)})
	require.ErrorContains(t, err, "unknown remote operation")
	require.Equal(t, int64(1), f.Stats().Executes)
}

func TestFabric(t *testing.T) {
	_, err := fabric.New(0)
	require.Error(t, err)

	f := must.M1(fabric.New(2))
	require.Equal(t, 2, f.Node(1).NumNodes())
	require.Equal(t, 1, f.Node(1).NodeID())
	err = f.Node(0).ExecuteOn(context.Background(), 1, comm.RemoteOp{Kind: comm.OpGet})
	require.ErrorContains(t, err, "no handler")

	var got []comm.RemoteOp
	f.Node(1).SetHandler(func(_ context.Context, op comm.RemoteOp) error {
		got = append(got, op)
		return nil
	})
	op := comm.RemoteOp{Kind: comm.OpPut, Requester: 0, Size: 3}
	require.NoError(t, f.Node(0).ExecuteOn(context.Background(), 1, op))
	require.Equal(t, []comm.RemoteOp{op}, got)
	require.Equal(t, "put", comm.OpPut.String())
	require.Contains(t, op.String(), "size=3")
	require.Contains(t, f.Stats().String(), "remote executions=1")
}
