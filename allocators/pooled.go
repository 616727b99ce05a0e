package allocators

import (
	"sync"
	"sync/atomic"

	"github.com/gomlx/exceptions"
)

// numSizeClasses is the number of entries in sizeClasses; kept as a constant
// so it can size the pools array.
const numSizeClasses = 9

// Size class boundaries for buffer pooling, in bytes.
// Powers of 2 to enable cheap size class lookup and reduce fragmentation.
var sizeClasses = [numSizeClasses]int{
	1 << 8,  // 256B
	1 << 10, // 1KiB
	1 << 12, // 4KiB
	1 << 14, // 16KiB
	1 << 16, // 64KiB
	1 << 18, // 256KiB
	1 << 20, // 1MiB
	1 << 22, // 4MiB
	1 << 24, // 16MiB
}

// getSizeClass returns the index of the smallest size class that fits n bytes,
// or -1 if n is larger than all size classes (exact-size pooling is used then).
func getSizeClass(n int) int {
	for i, classSize := range sizeClasses {
		if n <= classSize {
			return i
		}
	}
	return -1
}

// pooledCPUAllocator recycles released buffers through per-size-class
// sync.Pool instances. Buffers handed out are trimmed to the requested length
// but keep the size class capacity, so Release can find the right pool from
// cap(buf) alone.
//
// Contents of a recycled buffer are zeroed before being handed out again, so
// callers see the same all-zeros contents as from the non-pooled allocator.
type pooledCPUAllocator struct {
	// pools maps a size class index to a *sync.Pool of *[]byte.
	pools [numSizeClasses]sync.Pool

	// exactPools for buffers larger than the last size class, keyed by length.
	// The underlying type is map[int]*sync.Pool.
	exactPools sync.Map

	allocations atomic.Int64
	bytes       atomic.Int64
}

// NewPooledCPUAllocator returns a CPU allocator that recycles released
// buffers through size-class pools.
//
// Useful when pre-packing is re-run many times over similarly sized weights
// (e.g. re-compiling subgraph variants); for the one-shot pack-and-cache flow
// the plain NewCPUAllocator is just as good.
func NewPooledCPUAllocator() Allocator {
	return &pooledCPUAllocator{}
}

func (a *pooledCPUAllocator) DeviceName() string { return DeviceCPU }

func (a *pooledCPUAllocator) AllocateAligned(n int) []byte {
	if n < 0 {
		exceptions.Panicf("allocators: AllocateAligned(%d): negative size", n)
	}
	a.allocations.Add(1)
	a.bytes.Add(int64(n))

	sizeClass := getSizeClass(n)
	if sizeClass < 0 {
		return a.allocateExact(n)
	}
	capacity := sizeClasses[sizeClass]
	if recycled, ok := a.pools[sizeClass].Get().(*[]byte); ok {
		buf := (*recycled)[:n]
		clear(buf)
		return buf
	}
	return alignedBytes(n, capacity)
}

func (a *pooledCPUAllocator) allocateExact(n int) []byte {
	poolInterface, ok := a.exactPools.Load(n)
	if !ok {
		poolInterface, _ = a.exactPools.LoadOrStore(n, &sync.Pool{})
	}
	pool := poolInterface.(*sync.Pool)
	if recycled, ok := pool.Get().(*[]byte); ok {
		buf := (*recycled)[:n]
		clear(buf)
		return buf
	}
	return alignedBytes(n, n)
}

func (a *pooledCPUAllocator) Release(buf []byte) {
	if buf == nil {
		return
	}
	a.allocations.Add(-1)
	a.bytes.Add(-int64(len(buf)))

	full := buf[:cap(buf)]
	sizeClass := getSizeClass(cap(buf))
	if sizeClass >= 0 && sizeClasses[sizeClass] == cap(buf) {
		a.pools[sizeClass].Put(&full)
		return
	}
	poolInterface, ok := a.exactPools.Load(cap(buf))
	if !ok {
		poolInterface, _ = a.exactPools.LoadOrStore(cap(buf), &sync.Pool{})
	}
	poolInterface.(*sync.Pool).Put(&full)
}

func (a *pooledCPUAllocator) Stats() Stats {
	return Stats{
		OutstandingAllocations: a.allocations.Load(),
		OutstandingBytes:       a.bytes.Load(),
	}
}
