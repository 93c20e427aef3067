package mem

import (
	"fmt"
	"unsafe"
)

// AlignedAlloc returns a zeroed Go-heap allocation of size bytes whose first byte is aligned to
// alignment, together with the backing slice.
//
// The backing slice must be kept reachable for as long as the returned pointer is used: Go doesn't move
// heap objects, but it collects the unreachable ones.
//
// The alignment must be a power of 2, and at least 8.
func AlignedAlloc(size, alignment int) (unsafe.Pointer, []byte) {
	if alignment < 8 || alignment&(alignment-1) != 0 {
		panic(fmt.Sprintf("mem.AlignedAlloc: alignment must be a power of 2 >= 8, got %d", alignment))
	}
	if size < 0 {
		panic(fmt.Sprintf("mem.AlignedAlloc: negative size %d", size))
	}

	// Allocating extra to allow the alignment.
	backing := make([]byte, size+alignment)
	base := unsafe.Pointer(unsafe.SliceData(backing))
	offset := (alignment - int(uintptr(base)%uintptr(alignment))) % alignment
	return unsafe.Add(base, offset), backing
}

// IsAligned returns whether ptr is aligned to alignment.
func IsAligned(ptr unsafe.Pointer, alignment int) bool {
	return uintptr(ptr)%uintptr(alignment) == 0
}

// Bytes returns a byte slice view of n bytes starting at ptr. It returns nil if ptr is nil or n is 0.
func Bytes(ptr unsafe.Pointer, n int) []byte {
	if ptr == nil || n <= 0 {
		return nil
	}
	return unsafe.Slice((*byte)(ptr), n)
}

// Move copies n bytes from src to dst, handling overlapping ranges like memmove.
func Move(dst, src unsafe.Pointer, n int) {
	if n <= 0 || dst == src {
		return
	}
	copy(Bytes(dst, n), Bytes(src, n))
}
