package mem

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"unsafe"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"
)

// Tracker implements Hooks, accounting the live bytes per allocation description.
//
// It is safe for concurrent use.
type Tracker struct {
	mu          sync.Mutex
	live        map[uintptr]trackedAlloc
	liveBytes   int64
	peakBytes   int64
	allocations int64
	frees       int64
	perDesc     map[Desc]int64

	// MaxBytes, if > 0, makes MallocPre warn about allocations that would exceed it.
	MaxBytes int64
}

type trackedAlloc struct {
	size int
	desc Desc
}

// Stats is a snapshot of a Tracker.
type Stats struct {
	LiveBytes, PeakBytes int64
	Allocations, Frees   int64
	LiveByDesc           map[Desc]int64
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		live:    make(map[uintptr]trackedAlloc),
		perDesc: make(map[Desc]int64),
	}
}

// MallocPre implements Hooks.
func (t *Tracker) MallocPre(size int, desc Desc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.MaxBytes > 0 && t.liveBytes+int64(size) > t.MaxBytes {
		klog.Warningf("mem.Tracker: allocating %s (%s) exceeds the limit of %s (live %s)",
			humanize.Bytes(uint64(size)), desc, humanize.Bytes(uint64(t.MaxBytes)), humanize.Bytes(uint64(t.liveBytes)))
	}
}

// MallocPost implements Hooks.
func (t *Tracker) MallocPost(ptr unsafe.Pointer, size int, desc Desc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ptr == nil {
		return
	}
	key := uintptr(ptr)
	if _, found := t.live[key]; found {
		klog.Warningf("mem.Tracker: address %p allocated twice without being freed", ptr)
		return
	}
	t.live[key] = trackedAlloc{size: size, desc: desc}
	t.allocations++
	t.liveBytes += int64(size)
	t.perDesc[desc] += int64(size)
	if t.liveBytes > t.peakBytes {
		t.peakBytes = t.liveBytes
	}
}

// FreePre implements Hooks.
func (t *Tracker) FreePre(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	key := uintptr(ptr)
	alloc, found := t.live[key]
	if !found {
		klog.Warningf("mem.Tracker: freeing untracked address %p", ptr)
		return
	}
	delete(t.live, key)
	t.frees++
	t.liveBytes -= int64(alloc.size)
	t.perDesc[alloc.desc] -= int64(alloc.size)
}

// FreePost implements Hooks.
func (t *Tracker) FreePost(unsafe.Pointer) {}

// SizeOf returns the size of a live tracked allocation, or -1 if not tracked.
func (t *Tracker) SizeOf(ptr unsafe.Pointer) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if alloc, found := t.live[uintptr(ptr)]; found {
		return alloc.size
	}
	return -1
}

// Stats returns a snapshot of the accounting.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Stats{
		LiveBytes:   t.liveBytes,
		PeakBytes:   t.peakBytes,
		Allocations: t.allocations,
		Frees:       t.frees,
		LiveByDesc:  make(map[Desc]int64, len(t.perDesc)),
	}
	for desc, n := range t.perDesc {
		if n != 0 {
			s.LiveByDesc[desc] = n
		}
	}
	return s
}

// String implements fmt.Stringer.
func (s Stats) String() string {
	descs := make([]Desc, 0, len(s.LiveByDesc))
	for desc := range s.LiveByDesc {
		descs = append(descs, desc)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i] < descs[j] })
	parts := make([]string, len(descs))
	for ii, desc := range descs {
		parts[ii] = fmt.Sprintf("%s: %s", desc, humanize.Bytes(uint64(s.LiveByDesc[desc])))
	}
	return fmt.Sprintf("live=%s peak=%s allocations=%d frees=%d [%s]",
		humanize.Bytes(uint64(s.LiveBytes)), humanize.Bytes(uint64(s.PeakBytes)),
		s.Allocations, s.Frees, strings.Join(parts, ", "))
}

// String implements fmt.Stringer.
func (t *Tracker) String() string {
	return t.Stats().String()
}

var _ Hooks = (*Tracker)(nil)
