// Package allocators provides aligned byte-buffer allocators used to hold
// pre-packed weight data.
//
// Pre-packing kernels want their buffers aligned to cache-line / SIMD-register
// boundaries, so all allocators here return 64-byte aligned slices.
//
// Allocators keep a count of outstanding allocations: a blob holding buffers
// from an allocator must also hold a reference to that allocator, so the
// allocator can never go away before the memory it handed out. The Stats
// method lets tests (and debug builds) verify everything was returned.
package allocators

import (
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/exceptions"
)

// Alignment of all buffers returned by the allocators in this package, in bytes.
//
// 64 covers the cache-line size and the widest vector registers on the CPUs
// targeted by the pure-Go packing kernels.
const Alignment = 64

// DeviceCPU is the device name of the CPU allocator.
const DeviceCPU = "Cpu"

// Stats reports the outstanding (allocated and not yet released) buffers of
// an Allocator.
type Stats struct {
	OutstandingAllocations int64
	OutstandingBytes       int64
}

// Allocator allocates aligned byte buffers for one device.
//
// Implementations are safe for concurrent use.
type Allocator interface {
	// DeviceName of the device this allocator serves, e.g. "Cpu".
	DeviceName() string

	// AllocateAligned returns a buffer of exactly n bytes, aligned to Alignment.
	AllocateAligned(n int) []byte

	// Release returns a buffer previously obtained from AllocateAligned.
	// Releasing nil is a no-op.
	Release(buf []byte)

	// Stats of outstanding allocations.
	Stats() Stats
}

// cpuAllocator is the default non-pooled CPU allocator: every AllocateAligned
// is a fresh allocation, Release only updates accounting and lets the GC do
// the rest.
type cpuAllocator struct {
	allocations atomic.Int64
	bytes       atomic.Int64
}

// NewCPUAllocator returns a non-pooled allocator for DeviceCPU.
func NewCPUAllocator() Allocator {
	return &cpuAllocator{}
}

func (a *cpuAllocator) DeviceName() string { return DeviceCPU }

func (a *cpuAllocator) AllocateAligned(n int) []byte {
	if n < 0 {
		exceptions.Panicf("allocators: AllocateAligned(%d): negative size", n)
	}
	a.allocations.Add(1)
	a.bytes.Add(int64(n))
	return alignedBytes(n, n)
}

func (a *cpuAllocator) Release(buf []byte) {
	if buf == nil {
		return
	}
	a.allocations.Add(-1)
	a.bytes.Add(-int64(len(buf)))
}

func (a *cpuAllocator) Stats() Stats {
	return Stats{
		OutstandingAllocations: a.allocations.Load(),
		OutstandingBytes:       a.bytes.Load(),
	}
}

// alignedBytes allocates a zeroed slice of n bytes with the given capacity
// (>= n), whose first byte is aligned to Alignment.
func alignedBytes(n, capacity int) []byte {
	raw := make([]byte, capacity+Alignment)
	offset := int(Alignment-uintptr(unsafe.Pointer(&raw[0]))&(Alignment-1)) & (Alignment - 1)
	return raw[offset : offset+n : offset+capacity]
}
