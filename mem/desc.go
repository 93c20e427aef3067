// Package mem provides the host-side memory collaborators of the GPU runtime: a host allocator, the
// pre/post allocation hooks used for memory diagnostics, and a Tracker that accounts bytes per allocation
// description.
package mem

import "fmt"

// Desc describes what an allocation is used for. It is passed along to the Hooks for accounting.
type Desc int

const (
	DescUnknown Desc = iota
	// DescArrayElements is bulk array data.
	DescArrayElements
	// DescGPUAlloc is any other (scalar, record, ...) allocation made on a GPU sub-locale.
	DescGPUAlloc
	// DescKernelArg is the transient device copy of a by-value kernel argument.
	DescKernelArg
	// DescCommBuffer is a host staging buffer used to move data across nodes.
	DescCommBuffer
	// DescCallocStaging is the zero-filled host buffer used by calloc before the copy to the device.
	DescCallocStaging
)

var descNames = [...]string{
	DescUnknown:       "unknown",
	DescArrayElements: "array elements",
	DescGPUAlloc:      "gpu alloc",
	DescKernelArg:     "gpu kernel arg",
	DescCommBuffer:    "comm buffer",
	DescCallocStaging: "calloc staging",
}

// String implements fmt.Stringer.
func (d Desc) String() string {
	if d >= 0 && int(d) < len(descNames) {
		return descNames[d]
	}
	return fmt.Sprintf("Desc(%d)", int(d))
}
