package prepacked_test

import (
	"bytes"
	"os"
	"path"
	"testing"

	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/prepacked"
	"github.com/gomlx/prepacked/allocators"
)

// buildSaveStore assembles a save-mode store the way a compile/partition pass
// would: per-initializer pack results, including one weight packed two
// different ways and a pack in a nested subgraph.
func buildSaveStore(alloc allocators.Allocator) (*prepacked.Store[*testGraph], []prepacked.CacheKey) {
	store := prepacked.NewStore[*testGraph](prepacked.OverwriteForSave)
	root := store.Root()

	fc1 := prepacked.NewWeights(alloc)
	fillFloat16(fc1.NewBuffer(shapes.Make(dtypes.Float16, 2, 2)), 1, 2, 3, 4)
	fc1Key := prepacked.KeyFor("MatMul", fc1)
	root.CreateOrOverwrite("fc1.weight", fc1Key, fc1)

	fc1Conv := blobWithBytes(alloc, []byte{9, 8, 7, 6, 5, 4, 3, 2})
	fc1ConvKey := prepacked.KeyFor("Conv", fc1Conv)
	root.CreateOrOverwrite("fc1.weight", fc1ConvKey, fc1Conv)

	body := root.GetOrCreateSubgraph(&testGraph{name: "loop_body"})
	gate := blobWithBytes(alloc, []byte{42})
	gateKey := prepacked.KeyFor("Gemm", gate)
	body.CreateOrOverwrite("gate.weight", gateKey, gate)

	return store, []prepacked.CacheKey{fc1Key, fc1ConvKey, gateKey}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	saveAlloc := allocators.NewCPUAllocator()
	store, keys := buildSaveStore(saveAlloc)
	require.Equal(t, 3, store.NumBlobs())

	var artifact bytes.Buffer
	require.NoError(t, store.SaveBlobs(&artifact))

	// Load into a fresh read-mode store, with its own allocator.
	loadAlloc := allocators.NewPooledCPUAllocator()
	loaded := prepacked.NewStore[*testGraph](prepacked.ReadFromDisk)
	numBlobs, err := loaded.Root().LoadBlobs(&artifact, loadAlloc)
	require.NoError(t, err)
	assert.Equal(t, 3, numBlobs)
	assert.Equal(t, 3, loaded.NumBlobs())

	for _, key := range keys {
		want := store.Root().GetPrepackedWeights(key)
		got := loaded.Root().GetPrepackedWeights(key)
		require.NotNilf(t, got, "blob %q missing after round-trip", key)
		require.Equal(t, want.NumBuffers(), got.NumBuffers())
		for i := range want.NumBuffers() {
			assert.True(t, want.ShapeOf(i).Equal(got.ShapeOf(i)))
			assert.Equal(t, want.BufferBytes(i), got.BufferBytes(i))
		}
	}
	assert.Zero(t, loaded.Root().GetBlobNumForWeight("fc1.weight"))

	// Secondary pass rebuilds name-based lookup where needed.
	assert.True(t, loaded.Root().LinkWeight("fc1.weight", keys[0]))
	assert.True(t, loaded.Root().LinkWeight("fc1.weight", keys[1]))
	assert.Equal(t, 2, loaded.Root().GetBlobNumForWeight("fc1.weight"))
}

func TestLoadBlobsFile(t *testing.T) {
	saveAlloc := allocators.NewCPUAllocator()
	store, keys := buildSaveStore(saveAlloc)

	artifactPath := path.Join(t.TempDir(), "prepacked.bin")
	f := must.M1(os.Create(artifactPath))
	require.NoError(t, store.SaveBlobs(f))
	require.NoError(t, f.Close())

	loadAlloc := allocators.NewCPUAllocator()
	loaded := prepacked.NewStore[*testGraph](prepacked.ReadFromDisk)
	numBlobs, err := loaded.Root().LoadBlobsFile(artifactPath, loadAlloc)
	require.NoError(t, err)
	assert.Equal(t, 3, numBlobs)

	// Pre-seed a runtime cache for shared use across sessions: kernels then
	// find their packs already there and skip repacking entirely.
	cache := prepacked.NewWeightCache()
	assert.Equal(t, 3, store.SeedWeightCache(cache))
	assert.Equal(t, 3, cache.Size())
	for _, key := range keys {
		assert.True(t, cache.Has(key))
	}
	// Re-seeding finds every key already cached.
	assert.Zero(t, loaded.SeedWeightCache(cache))
	assert.Equal(t, 3, cache.Size())

	_, err = loaded.Root().LoadBlobsFile(path.Join(t.TempDir(), "absent.bin"), loadAlloc)
	require.Error(t, err)
}

func TestLoadBlobsTruncated(t *testing.T) {
	alloc := allocators.NewCPUAllocator()
	store, _ := buildSaveStore(alloc)
	var artifact bytes.Buffer
	require.NoError(t, store.SaveBlobs(&artifact))

	truncated := bytes.NewReader(artifact.Bytes()[:artifact.Len()/2])
	loaded := prepacked.NewStore[*testGraph](prepacked.ReadFromDisk)
	_, err := loaded.Root().LoadBlobs(truncated, alloc)
	require.Error(t, err)
}
