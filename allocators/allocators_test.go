package allocators

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func assertAligned(t *testing.T, buf []byte) {
	t.Helper()
	if len(buf) == 0 {
		return
	}
	addr := uintptr(unsafe.Pointer(&buf[0]))
	assert.Zerof(t, addr&(Alignment-1), "buffer %p not aligned to %d bytes", &buf[0], Alignment)
}

func TestCPUAllocator(t *testing.T) {
	a := NewCPUAllocator()
	assert.Equal(t, DeviceCPU, a.DeviceName())

	buf1 := a.AllocateAligned(100)
	require.Len(t, buf1, 100)
	assertAligned(t, buf1)
	buf2 := a.AllocateAligned(1 << 20)
	require.Len(t, buf2, 1<<20)
	assertAligned(t, buf2)

	stats := a.Stats()
	assert.Equal(t, int64(2), stats.OutstandingAllocations)
	assert.Equal(t, int64(100+1<<20), stats.OutstandingBytes)

	// Fresh buffers come zeroed.
	for _, b := range buf1 {
		require.Zero(t, b)
	}

	a.Release(buf1)
	a.Release(buf2)
	a.Release(nil) // No-op.
	stats = a.Stats()
	assert.Zero(t, stats.OutstandingAllocations)
	assert.Zero(t, stats.OutstandingBytes)
}

func TestPooledCPUAllocator(t *testing.T) {
	a := NewPooledCPUAllocator()
	assert.Equal(t, DeviceCPU, a.DeviceName())

	buf := a.AllocateAligned(1000)
	require.Len(t, buf, 1000)
	assertAligned(t, buf)
	// 1000 bytes lands in the 1KiB size class.
	assert.Equal(t, 1<<10, cap(buf))

	// Dirty the buffer, release it, and check a recycled buffer comes zeroed.
	for i := range buf {
		buf[i] = 0xff
	}
	a.Release(buf)
	require.Zero(t, a.Stats().OutstandingAllocations)

	buf = a.AllocateAligned(512)
	require.Len(t, buf, 512)
	assertAligned(t, buf)
	for _, b := range buf {
		require.Zero(t, b)
	}
	a.Release(buf)

	// Larger than the last size class: exact pooling.
	huge := a.AllocateAligned(1<<24 + 1)
	require.Len(t, huge, 1<<24+1)
	assertAligned(t, huge)
	assert.Equal(t, 1<<24+1, cap(huge))
	a.Release(huge)
	assert.Zero(t, a.Stats().OutstandingBytes)
}

func TestAllocateAlignedPanicsOnNegativeSize(t *testing.T) {
	require.Panics(t, func() { NewCPUAllocator().AllocateAligned(-1) })
	require.Panics(t, func() { NewPooledCPUAllocator().AllocateAligned(-1) })
}
