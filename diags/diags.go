// Package diags counts the GPU operations of the runtime and times the kernel launch phases, exporting
// them as Prometheus metrics.
//
// Each Diags owns its registry, so several runtimes (e.g. in tests) don't share counts.
package diags

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "gpurt"
	subsystem = "gpu"
)

// Phase of a kernel launch.
type Phase string

const (
	// PhaseLoad is the resolution of the kernel function in the device module.
	PhaseLoad Phase = "load"
	// PhasePrep is the marshaling of the arguments, including staging by-value ones in device memory.
	PhasePrep Phase = "prep"
	// PhaseKernel is the launch itself and the synchronization.
	PhaseKernel Phase = "kernel"
	// PhaseTeardown is the release of the transient argument buffers.
	PhaseTeardown Phase = "teardown"
)

// Phases lists all launch phases, in execution order.
var Phases = []Phase{PhaseLoad, PhasePrep, PhaseKernel, PhaseTeardown}

// Diags holds the counters. A nil *Diags is valid and counts nothing.
type Diags struct {
	registry *prometheus.Registry

	kernelLaunches prometheus.Counter
	hostToDevice   prometheus.Counter
	deviceToHost   prometheus.Counter
	deviceToDevice prometheus.Counter
	allocs         prometheus.Counter
	frees          prometheus.Counter
	asyncCopies    prometheus.Counter
	memsets        prometheus.Counter
	launchPhase    *prometheus.HistogramVec
}

func newCounter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	})
}

// New creates the counters, registered in a new private registry.
func New() *Diags {
	d := &Diags{
		registry:       prometheus.NewRegistry(),
		kernelLaunches: newCounter("kernel_launch_total", "Total number of kernels launched"),
		hostToDevice:   newCounter("host_to_device_total", "Total number of host to device copies"),
		deviceToHost:   newCounter("device_to_host_total", "Total number of device to host copies"),
		deviceToDevice: newCounter("device_to_device_total", "Total number of device to device copies"),
		allocs:         newCounter("alloc_total", "Total number of device allocations"),
		frees:          newCounter("free_total", "Total number of device frees"),
		asyncCopies:    newCounter("async_copy_total", "Total number of asynchronous copies issued"),
		memsets:        newCounter("memset_total", "Total number of device memsets"),
		launchPhase: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "launch_phase_seconds",
				Help:      "Duration of the kernel launch phases in seconds",
				Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
			},
			[]string{"phase"},
		),
	}
	d.registry.MustRegister(d.kernelLaunches, d.hostToDevice, d.deviceToHost, d.deviceToDevice,
		d.allocs, d.frees, d.asyncCopies, d.memsets, d.launchPhase)
	return d
}

// Registry returns the Prometheus registry holding the counters, to be served or gathered.
func (d *Diags) Registry() *prometheus.Registry {
	if d == nil {
		return nil
	}
	return d.registry
}

func inc(d *Diags, counter func(d *Diags) prometheus.Counter) {
	if d != nil {
		counter(d).Inc()
	}
}

// KernelLaunch and the methods below increment their counter by one.
func (d *Diags) KernelLaunch()   { inc(d, func(d *Diags) prometheus.Counter { return d.kernelLaunches }) }
func (d *Diags) HostToDevice()   { inc(d, func(d *Diags) prometheus.Counter { return d.hostToDevice }) }
func (d *Diags) DeviceToHost()   { inc(d, func(d *Diags) prometheus.Counter { return d.deviceToHost }) }
func (d *Diags) DeviceToDevice() { inc(d, func(d *Diags) prometheus.Counter { return d.deviceToDevice }) }
func (d *Diags) Alloc()          { inc(d, func(d *Diags) prometheus.Counter { return d.allocs }) }
func (d *Diags) Free()           { inc(d, func(d *Diags) prometheus.Counter { return d.frees }) }
func (d *Diags) AsyncCopy()      { inc(d, func(d *Diags) prometheus.Counter { return d.asyncCopies }) }
func (d *Diags) Memset()         { inc(d, func(d *Diags) prometheus.Counter { return d.memsets }) }

// ObservePhase records the duration of a launch phase.
func (d *Diags) ObservePhase(phase Phase, elapsed time.Duration) {
	if d == nil {
		return
	}
	d.launchPhase.WithLabelValues(string(phase)).Observe(elapsed.Seconds())
}

// Counts is a snapshot of the counters.
type Counts struct {
	KernelLaunches                             int64
	HostToDevice, DeviceToHost, DeviceToDevice int64
	Allocs, Frees                              int64
	AsyncCopies, Memsets                       int64
}

// Counts gathers the current value of the counters.
func (d *Diags) Counts() Counts {
	var c Counts
	if d == nil {
		return c
	}
	families, err := d.registry.Gather()
	if err != nil {
		return c
	}
	targets := map[string]*int64{
		"kernel_launch_total":    &c.KernelLaunches,
		"host_to_device_total":   &c.HostToDevice,
		"device_to_host_total":   &c.DeviceToHost,
		"device_to_device_total": &c.DeviceToDevice,
		"alloc_total":            &c.Allocs,
		"free_total":             &c.Frees,
		"async_copy_total":       &c.AsyncCopies,
		"memset_total":           &c.Memsets,
	}
	prefix := namespace + "_" + subsystem + "_"
	for _, family := range families {
		target, found := targets[strings.TrimPrefix(family.GetName(), prefix)]
		if !found {
			continue
		}
		for _, metric := range family.GetMetric() {
			*target += int64(metric.GetCounter().GetValue())
		}
	}
	return c
}

// PhaseCount returns how many times a launch phase was observed.
func (d *Diags) PhaseCount(phase Phase) uint64 {
	if d == nil {
		return 0
	}
	families, err := d.registry.Gather()
	if err != nil {
		return 0
	}
	for _, family := range families {
		if family.GetName() != namespace+"_"+subsystem+"_launch_phase_seconds" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "phase" && label.GetValue() == string(phase) {
					return metric.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	return 0
}
