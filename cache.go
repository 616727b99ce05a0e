package prepacked

import (
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/prepacked/allocators"
)

// ErrUnsupportedDevice is returned by WeightCache.GetOrCreateAllocator for
// any device other than allocators.DeviceCPU -- pre-packing is only supported
// by CPU kernels for now.
var ErrUnsupportedDevice = errors.New("unsupported device in the context of pre-packed weights caching")

// WeightCache is the runtime cache of pre-packed weight blobs, shared across
// the execution contexts and sessions that share the same weight data.
//
// It is a passive keyed store: it never packs anything itself. The caller
// that drives the kernels' packing acquires Mu around the whole
// Has -> pack -> Write sequence for a key, which guarantees each packing runs
// at most once per key process-wide. GetOrCreateAllocator is part of that
// sequence and relies on the same lock.
type WeightCache struct {
	// Mu serializes the check-then-pack-then-write sequence (including
	// allocator creation) across concurrent kernel initializations.
	Mu sync.Mutex

	// allocators, keyed by device name. Every blob in weights holds its own
	// reference to the allocator that backs it, so dropping the cache never
	// strands buffer memory accounting.
	allocators map[string]allocators.Allocator

	weights map[CacheKey]*Weights
}

// NewWeightCache returns an empty cache.
func NewWeightCache() *WeightCache {
	return &WeightCache{
		allocators: make(map[string]allocators.Allocator),
		weights:    make(map[CacheKey]*Weights),
	}
}

// GetOrCreateAllocator returns the memoized allocator for the given device
// name, lazily creating it on first use. Only allocators.DeviceCPU is
// supported; any other name fails with ErrUnsupportedDevice.
//
// Not internally locked: callers hold Mu, like for the rest of the packing
// sequence.
func (c *WeightCache) GetOrCreateAllocator(deviceName string) (allocators.Allocator, error) {
	if alloc, found := c.allocators[deviceName]; found {
		return alloc, nil
	}
	if deviceName != allocators.DeviceCPU {
		return nil, errors.Wrapf(ErrUnsupportedDevice, "device %q", deviceName)
	}
	// Non-pooled: each cached blob is packed once and lives for the duration
	// of the cache, there is nothing to recycle.
	alloc := allocators.NewCPUAllocator()
	c.allocators[deviceName] = alloc
	return alloc, nil
}

// Has reports whether a blob is cached under key.
func (c *WeightCache) Has(key CacheKey) bool {
	_, found := c.weights[key]
	return found
}

// Get returns the blob cached under key.
//
// It panics if the key is absent: a miss here is a caller bug, presence must
// be checked first with Has.
func (c *WeightCache) Get(key CacheKey) *Weights {
	w, found := c.weights[key]
	if !found {
		exceptions.Panicf("prepacked: WeightCache.Get(%q): no pre-packed weight cached under this key", key)
	}
	return w
}

// Write inserts the blob under key if the key is absent and reports whether
// the insertion took place. It never overwrites: false means another caller
// already cached this key, and the caller must discard (Release) its freshly
// packed blob instead.
func (c *WeightCache) Write(key CacheKey, w *Weights) bool {
	if _, found := c.weights[key]; found {
		klog.V(2).Infof("prepacked: WeightCache.Write(%q): already cached, discarding duplicate", key)
		return false
	}
	c.weights[key] = w
	return true
}

// Size returns the number of distinct cached keys.
func (c *WeightCache) Size() int {
	return len(c.weights)
}
