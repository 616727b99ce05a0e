package prepacked

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/types/shapes"

	"github.com/gomlx/prepacked/allocators"
)

// Weights is one pre-packed weight blob: one or more raw buffers produced by
// a kernel's packing routine, each with the shape describing how to
// reinterpret it, plus a handle to the allocator that backs the buffers.
//
// A blob is exclusively owned by whichever map entry holds it: it is moved
// (by pointer) between containers, never copied. Holding the allocator per
// blob guarantees the allocator outlives every buffer it handed out.
type Weights struct {
	buffers []buffer
	alloc   allocators.Allocator
}

type buffer struct {
	data  []byte
	shape shapes.Shape
}

// NewWeights returns an empty blob whose buffers will be backed by alloc.
func NewWeights(alloc allocators.Allocator) *Weights {
	return &Weights{alloc: alloc}
}

// Allocator backing this blob's buffers.
func (w *Weights) Allocator() allocators.Allocator { return w.alloc }

// NewBuffer allocates an aligned buffer large enough for shape, appends it to
// the blob and returns it for the packing kernel to fill in.
func (w *Weights) NewBuffer(shape shapes.Shape) []byte {
	data := w.alloc.AllocateAligned(int(shape.Memory()))
	w.buffers = append(w.buffers, buffer{data: data, shape: shape})
	return data
}

// AddBuffer appends an already filled buffer to the blob. The buffer must
// have been obtained from this blob's allocator.
func (w *Weights) AddBuffer(data []byte, shape shapes.Shape) {
	if len(data) < int(shape.Memory()) {
		exceptions.Panicf("prepacked: AddBuffer: buffer has %d bytes, shape %s needs %d",
			len(data), shape, shape.Memory())
	}
	w.buffers = append(w.buffers, buffer{data: data, shape: shape})
}

// NumBuffers in the blob.
func (w *Weights) NumBuffers() int { return len(w.buffers) }

// BufferBytes returns the i-th raw buffer. It panics if i is out of range.
func (w *Weights) BufferBytes(i int) []byte {
	w.checkIndex(i)
	return w.buffers[i].data
}

// ShapeOf returns the shape of the i-th buffer. It panics if i is out of range.
func (w *Weights) ShapeOf(i int) shapes.Shape {
	w.checkIndex(i)
	return w.buffers[i].shape
}

func (w *Weights) checkIndex(i int) {
	if i < 0 || i >= len(w.buffers) {
		exceptions.Panicf("prepacked: buffer index %d out of range, blob has %d buffer(s)", i, len(w.buffers))
	}
}

// TotalBytes summed over all buffers of the blob.
func (w *Weights) TotalBytes() int64 {
	var total int64
	for _, b := range w.buffers {
		total += int64(len(b.data))
	}
	return total
}

// Release returns every buffer to the blob's allocator and empties the blob.
//
// Call it on a freshly packed blob that lost a WeightCache.Write race, or
// when a whole store is discarded and allocation accounting should return to
// zero. The blob must no longer be referenced by any container.
func (w *Weights) Release() {
	for _, b := range w.buffers {
		w.alloc.Release(b.data)
	}
	w.buffers = nil
}
