package mem

import (
	"math/bits"
	"sync"
)

// slab is a block of Go-heap memory handed out by the Heap allocator.
type slab struct {
	buf       []byte
	size      int // Requested size, <= len(buf).
	poolIndex int // index in slabPools.pools, -1 if not from pool.
}

const (
	// minPooledSlabSize is the minimum size for pooled slabs.
	minPooledSlabSize = 64
	// maxPooledSlabSize is the maximum size for pooled slabs (16MB).
	maxPooledSlabSize = 16 * 1024 * 1024
)

// slabPools manages pools of slabs with power-of-2 sizes.
// It provides fast, concurrent-safe allocation and reuse of host buffers.
type slabPools struct {
	// pools[i] contains slabs of size 2^(i+minShift).
	pools []sync.Pool
	// minShift is the bit position for minPooledSlabSize (6 for 64).
	minShift int
	// maxShift is the bit position for maxPooledSlabSize (24 for 16MB).
	maxShift int
}

func newSlabPools() *slabPools {
	minShift := bits.TrailingZeros(uint(minPooledSlabSize))
	maxShift := bits.TrailingZeros(uint(maxPooledSlabSize))
	return &slabPools{
		pools:    make([]sync.Pool, maxShift-minShift+1),
		minShift: minShift,
		maxShift: maxShift,
	}
}

// Get returns a slab of at least size bytes. The contents are not cleared.
func (sp *slabPools) Get(size int) *slab {
	shift := bits.Len(uint(size - 1))
	if shift < sp.minShift {
		shift = sp.minShift
	}
	if shift > sp.maxShift {
		// Too large to be pooled: allocate directly.
		return &slab{buf: make([]byte, size), size: size, poolIndex: -1}
	}
	poolIndex := shift - sp.minShift
	if obj := sp.pools[poolIndex].Get(); obj != nil {
		s := obj.(*slab)
		s.size = size
		return s
	}
	return &slab{buf: make([]byte, 1<<shift), size: size, poolIndex: poolIndex}
}

// Return gives the slab back for reuse. Slabs not from a pool are left to the garbage collector.
func (sp *slabPools) Return(s *slab) {
	if s == nil || s.poolIndex < 0 || s.poolIndex >= len(sp.pools) {
		return
	}
	s.size = 0
	sp.pools[s.poolIndex].Put(s)
}
