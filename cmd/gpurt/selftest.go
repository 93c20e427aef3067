package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"unsafe"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gpurt/comm"
	"github.com/gomlx/gpurt/comm/fabric"
	"github.com/gomlx/gpurt/config"
	"github.com/gomlx/gpurt/gpu"
	"github.com/gomlx/gpurt/mem"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func newSelftestCmd(flags *globalFlags) *cobra.Command {
	var withKernels bool
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Exercise allocations, copies, kernel launches, peer access and the communication bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, image, err := flags.setup()
			if err != nil {
				return err
			}
			withKernels = withKernels && flags.imagePath == ""
			return runSelftest(cmd.OutOrStdout(), cfg, image, withKernels)
		},
	}
	cmd.Flags().BoolVar(&withKernels, "kernels", true, "Launch the sample kernels, only with the built-in image")
	return cmd
}

// selftest holds the state shared by the checks.
type selftest struct {
	ctx     context.Context
	rt      *gpu.Runtime
	tracker *mem.Tracker
	cfg     config.Config
	image   []byte
}

type check struct {
	name string
	fn   func(st *selftest) error
}

var checks = []check{
	{"copy round trip", checkRoundTrip},
	{"calloc and memset", checkCallocMemset},
	{"realloc", checkRealloc},
	{"async copy", checkAsync},
	{"kernel launch", checkKernels},
	{"peer access", checkPeerAccess},
	{"communication bridge", checkBridge},
}

// runSelftest runs all checks, and returns an error if any of them failed. Fatal runtime errors are
// caught and reported as failures.
func runSelftest(w io.Writer, cfg config.Config, image []byte, withKernels bool) error {
	previous := gpu.SetFatalHandler(gpu.PanicOnFatal)
	defer gpu.SetFatalHandler(previous)

	st := &selftest{tracker: mem.NewTracker(), cfg: cfg, image: image}
	var err error
	if fatalErr := gpu.CatchFatal(func() { st.rt, err = newRuntime(cfg, image, cfg.NodeID, st.tracker) }); fatalErr != nil {
		return fatalErr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "selftest of %s\n", st.rt)
	if st.rt.NumDevices() == 0 {
		return errors.New("no devices available")
	}
	st.ctx = gpu.WithSubloc(context.Background(), 0)

	var failed int
	for _, c := range checks {
		if c.name == "kernel launch" && !withKernels {
			fmt.Fprintf(w, "  %-24s skipped\n", c.name)
			continue
		}
		var checkErr error
		if fatalErr := gpu.CatchFatal(func() { checkErr = c.fn(st) }); fatalErr != nil {
			checkErr = fatalErr
		}
		if checkErr != nil {
			failed++
			klog.V(1).Infof("selftest %q failed: %+v", c.name, checkErr)
			fmt.Fprintf(w, "  %-24s FAILED: %v\n", c.name, checkErr)
			continue
		}
		fmt.Fprintf(w, "  %-24s ok\n", c.name)
	}

	stats := st.tracker.Stats()
	fmt.Fprintf(w, "device memory: %s at peak, %s still live\n",
		humanize.Bytes(uint64(stats.PeakBytes)), humanize.Bytes(uint64(stats.LiveBytes)))
	if failed == 0 && stats.LiveBytes != 0 {
		return errors.Errorf("selftest leaked %d bytes of device memory", stats.LiveBytes)
	}
	if failed > 0 {
		return errors.Errorf("%d of %d checks failed", failed, len(checks))
	}
	return nil
}

func pattern(n int) []byte {
	data := make([]byte, n)
	for ii := range data {
		data[ii] = byte(ii*7 + 3)
	}
	return data
}

func ptrOf[T any](s []T) unsafe.Pointer { return unsafe.Pointer(&s[0]) }

// checkRoundTrip copies host data through every device and back.
func checkRoundTrip(st *selftest) error {
	const size = 4096
	rt := st.rt
	src, dst := pattern(size), make([]byte, size)
	ptrs := make([]unsafe.Pointer, rt.NumDevices())
	for dev := range ptrs {
		ptrs[dev] = rt.ArrayAlloc(gpu.WithSubloc(st.ctx, dev), size, mem.DescArrayElements)
	}
	rt.Copy(0, ptrs[0], gpu.HostSubloc, ptrOf(src), size)
	for dev := 1; dev < len(ptrs); dev++ {
		rt.Copy(dev, ptrs[dev], dev-1, ptrs[dev-1], size)
	}
	last := len(ptrs) - 1
	rt.Copy(gpu.HostSubloc, ptrOf(dst), last, ptrs[last], size)
	for dev, ptr := range ptrs {
		rt.Free(gpu.WithSubloc(st.ctx, dev), ptr)
	}
	if !bytes.Equal(src, dst) {
		return errors.New("data changed in the round trip")
	}
	return nil
}

// checkCallocMemset verifies zeroed allocation and memset, reading the data back.
func checkCallocMemset(st *selftest) error {
	const size = 1000
	rt := st.rt
	ptr := rt.Calloc(st.ctx, size, 1, mem.DescGPUAlloc)
	defer rt.Free(st.ctx, ptr)
	got := make([]byte, size)
	rt.Copy(gpu.HostSubloc, ptrOf(got), 0, ptr, size)
	if !bytes.Equal(got, make([]byte, size)) {
		return errors.New("calloc memory is not zeroed")
	}
	rt.Memset(ptr, 0x5A, size/2)
	rt.Copy(gpu.HostSubloc, ptrOf(got), 0, ptr, size)
	if got[0] != 0x5A || got[size/2-1] != 0x5A || got[size/2] != 0 {
		return errors.Errorf("memset wrote the wrong bytes: %#x %#x %#x", got[0], got[size/2-1], got[size/2])
	}
	return nil
}

// checkRealloc grows and shrinks an allocation, checking the preserved prefix.
func checkRealloc(st *selftest) error {
	const size = 512
	rt := st.rt
	src := pattern(size)
	ptr := rt.ArrayAlloc(st.ctx, size, mem.DescArrayElements)
	rt.Copy(0, ptr, gpu.HostSubloc, ptrOf(src), size)
	ptr = rt.Realloc(st.ctx, ptr, 4*size, mem.DescArrayElements)
	ptr = rt.Realloc(st.ctx, ptr, size/2, mem.DescArrayElements)
	if got := rt.AllocSize(ptr); got != size/2 {
		rt.Free(st.ctx, ptr)
		return errors.Errorf("allocation size is %d after realloc, wanted %d", got, size/2)
	}
	got := make([]byte, size/2)
	rt.Copy(gpu.HostSubloc, ptrOf(got), 0, ptr, size/2)
	rt.Realloc(st.ctx, ptr, 0, mem.DescArrayElements)
	if !bytes.Equal(src[:size/2], got) {
		return errors.New("realloc didn't preserve the data")
	}
	return nil
}

// checkAsync copies to the last device and back with asynchronous copies.
func checkAsync(st *selftest) error {
	const size = 2048
	rt := st.rt
	dev := rt.NumDevices() - 1
	ctx := gpu.WithSubloc(st.ctx, dev)
	src, dst := pattern(size), make([]byte, size)
	ptr := rt.ArrayAlloc(ctx, size, mem.DescArrayElements)
	defer rt.Free(ctx, ptr)
	rt.CommWait(rt.CommAsync(ptr, ptrOf(src), size))
	rt.CommWait(rt.CommAsync(ptrOf(dst), ptr, size))
	if !bytes.Equal(src, dst) {
		return errors.New("data changed in the asynchronous round trip")
	}
	return nil
}

// checkKernels runs the sample kernels on every device.
func checkKernels(st *selftest) error {
	const n = 300
	rt := st.rt
	for dev := range rt.NumDevices() {
		ctx := gpu.WithSubloc(st.ctx, dev)
		x := rt.ArrayAlloc(ctx, n*4, mem.DescArrayElements)
		y := rt.ArrayAlloc(ctx, n*4, mem.DescArrayElements)
		rt.LaunchFlat(ctx, "iota", n, 128, gpu.PtrArg(x), gpu.Value(int32(n)))
		rt.LaunchFlat(ctx, "iota", n, 64, gpu.PtrArg(y), gpu.Value(int32(n)))
		rt.Kernel("saxpy").Flat(n, 32).Args(gpu.PtrArg(y), gpu.PtrArg(x), gpu.Value(float32(2)), gpu.Value(int32(n))).Done(ctx)

		got := make([]float32, n)
		rt.Copy(gpu.HostSubloc, ptrOf(got), dev, y, n*4)
		rt.Free(ctx, x)
		rt.Free(ctx, y)
		for ii := range n {
			if want := float32(3 * ii); got[ii] != want {
				return errors.Errorf("device #%d: saxpy result at %d is %g, wanted %g", dev, ii, got[ii], want)
			}
		}
	}
	return nil
}

// checkPeerAccess enables and disables access between the first two devices, if possible.
func checkPeerAccess(st *selftest) error {
	rt := st.rt
	if rt.NumDevices() < 2 || !rt.CanAccessPeer(0, 1) {
		return nil
	}
	rt.SetPeerAccess(0, 1, true)
	rt.SetPeerAccess(0, 1, false)
	return nil
}

// checkBridge puts device data from a second node into a device of this node, and gets it back, over an
// in-process fabric.
func checkBridge(st *selftest) error {
	const size = 1024
	f, err := fabric.New(2)
	if err != nil {
		return err
	}
	other, err := newRuntime(st.cfg, st.image, st.cfg.NodeID+1, st.tracker)
	if err != nil {
		return err
	}
	local := comm.NewBridge(st.rt, f.Node(0))
	remote := comm.NewBridge(other, f.Node(1))

	src := pattern(size)
	remotePtr := other.ArrayAlloc(gpu.WithSubloc(st.ctx, 0), size, mem.DescArrayElements)
	defer other.Free(gpu.WithSubloc(st.ctx, 0), remotePtr)
	localPtr := st.rt.ArrayAlloc(st.ctx, size, mem.DescArrayElements)
	defer st.rt.Free(st.ctx, localPtr)

	// Host of node 0 -> device of node 1 -> device of node 0 -> host of node 0.
	ctx := context.Background()
	if err := local.Put(ctx, remote.NodeID(), 0, remotePtr, gpu.HostSubloc, ptrOf(src), size); err != nil {
		return err
	}
	if err := local.Get(ctx, 0, localPtr, remote.NodeID(), 0, remotePtr, size); err != nil {
		return err
	}
	dst := make([]byte, size)
	st.rt.Copy(gpu.HostSubloc, ptrOf(dst), 0, localPtr, size)
	if !bytes.Equal(src, dst) {
		return errors.New("data changed crossing the nodes")
	}
	klog.V(1).Infof("selftest: fabric %s", f.Stats())
	return nil
}
