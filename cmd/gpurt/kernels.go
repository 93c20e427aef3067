package main

import (
	"github.com/gomlx/gpurt/driver"
	"github.com/gomlx/gpurt/gpu"
	"github.com/gomlx/gpurt/simdriver"
)

// sampleKernels are the kernels of the built-in module image. Their bodies only exist for the software
// driver.
var sampleKernels = map[string]simdriver.KernelFunc{
	// saxpy(y *float32, x *float32, a float32, n int32): y[i] = a*x[i] + y[i].
	"saxpy": func(l *simdriver.Launch) error {
		n := int(simdriver.ArgValue[int32](l, 3))
		y := simdriver.ArgSlice[float32](l, 0, n)
		x := simdriver.ArgSlice[float32](l, 1, n)
		a := simdriver.ArgValue[float32](l, 2)
		l.ForEachThread(func(idx int) {
			if idx < n {
				y[idx] = a*x[idx] + y[idx]
			}
		})
		return nil
	},

	// iota(data *float32, n int32): data[i] = i.
	"iota": func(l *simdriver.Launch) error {
		n := int(simdriver.ArgValue[int32](l, 1))
		data := simdriver.ArgSlice[float32](l, 0, n)
		l.ForEachThread(func(idx int) {
			if idx < n {
				data[idx] = float32(idx)
			}
		})
		return nil
	},
}

// sampleImage builds the built-in module image.
func sampleImage() ([]byte, error) {
	names := make([]string, 0, len(sampleKernels))
	for name := range sampleKernels {
		names = append(names, name)
	}
	return simdriver.BuildImage(names, map[string]int{gpu.NodeIDSymbol: 4})
}

// registerSampleKernels sets the sample kernel bodies if drv is a software driver.
func registerSampleKernels(drv driver.Driver) {
	sim, ok := drv.(*simdriver.Driver)
	if !ok {
		return
	}
	for name, fn := range sampleKernels {
		sim.RegisterKernel(name, fn)
	}
}
