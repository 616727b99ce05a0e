// Package prepacked caches operator-specific re-packed copies of constant
// weight tensors, so the expensive layout transformations (blocking/tiling
// for matmul kernels and friends) are performed once and reused across
// execution contexts, subgraphs and inference sessions sharing the same
// weight data.
//
// There are two cooperating components:
//
//   - WeightCache: a flat mapping from a composite CacheKey to a packed
//     Weights blob, plus a per-device allocator registry. Used during normal
//     inference execution. A kernel asks "do you already have the packed form
//     for key K?"; if not, it packs and writes it back. The whole
//     has-it / pack-it / write-it sequence must run under WeightCache.Mu so
//     concurrent kernels with the same key never duplicate the packing work.
//
//   - Store / Scope: a hierarchical store used when building a model for
//     pre-packed weight serialization, or when re-loading one from a
//     persisted blob. Scopes mirror the graph's nested-subgraph structure
//     and provide per-scope weight-name lookup, while all blobs physically
//     live in one flat map shared by reference across the whole tree, so the
//     same blob can be referenced from several scopes without duplication.
//
// Lookup contracts are deliberately split: WeightCache.Get and the
// Scope.GetBlobForWeight family fail fast (panic) on absence, because there a
// miss is a caller bug -- presence should have been checked first with Has or
// GetBlobNumForWeight. Scope.GetPrepackedWeights instead returns nil on
// absence, because in that path a miss is an expected branch (a kernel probing
// for a cached pack before deciding to compute its own).
//
// The actual packing algorithms, the content-hashing scheme and the on-disk
// artifact layout belong to the callers; this package only stores, scopes and
// round-trips the packed blobs.
package prepacked
