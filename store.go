// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package prepacked

import (
	"slices"

	"github.com/gomlx/exceptions"
)

// StoreMode fixes, at construction, which of its two jobs a Store is doing.
type StoreMode int

const (
	// ReadFromDisk: the store holds blobs loaded from a previously serialized
	// artifact (see Scope.LoadBlobsFile). Entries arrive via
	// Scope.InsertFromDisk and are handed to kernels or to a shared
	// WeightCache; CreateOrOverwrite is illegal in this mode.
	ReadFromDisk StoreMode = iota

	// OverwriteForSave: the store collects freshly packed blobs while
	// compiling a model for pre-packed weight serialization. Re-running
	// compilation regenerates identical content, so CreateOrOverwrite is
	// allowed to overwrite -- it is rebuilding the artifact from scratch, not
	// defending against concurrent duplicate work.
	OverwriteForSave
)

// String implements fmt.Stringer.
func (m StoreMode) String() string {
	switch m {
	case ReadFromDisk:
		return "ReadFromDisk"
	case OverwriteForSave:
		return "OverwriteForSave"
	}
	return "InvalidStoreMode"
}

// Store organizes pre-packed blobs by lexical scope -- the main graph plus
// nested subgraphs, mirroring the model's own nesting -- while every blob
// physically lives in one flat key-to-blob map shared by reference across
// all scopes. It is used in the single-threaded build/serialize and load
// phases, and provides no internal locking.
//
// G is the graph identity type used to key child scopes, typically a pointer
// to the caller's graph type. Identities must stay valid (not recycled) for
// the lifetime of the store.
type Store[G comparable] struct {
	// keyToBlobs is common for all scopes: the whole point of a single flat
	// map is cross-scope blob sharing by key.
	keyToBlobs map[CacheKey]*Weights
	root       Scope[G]
}

// NewStore returns an empty store with the given mode; the mode is inherited
// by every scope ever created under it.
func NewStore[G comparable](mode StoreMode) *Store[G] {
	s := &Store[G]{keyToBlobs: make(map[CacheKey]*Weights)}
	s.root = Scope[G]{mode: mode, keyToBlobs: s.keyToBlobs}
	return s
}

// Root returns the scope of the main graph.
func (s *Store[G]) Root() *Scope[G] { return &s.root }

// NumBlobs in the flat map, across all scopes.
func (s *Store[G]) NumBlobs() int { return len(s.keyToBlobs) }

// SeedWeightCache writes every blob of the flat map into the given runtime
// cache, under the cache's own lock, and returns how many insertions took
// place (keys the cache already had are left untouched).
//
// This is the load-time bridge: blobs memory-mapped back from disk are made
// available for shared use across sessions. The blobs are shared with the
// cache afterwards, so the store should simply be dropped, not released.
func (s *Store[G]) SeedWeightCache(c *WeightCache) int {
	c.Mu.Lock()
	defer c.Mu.Unlock()
	var inserted int
	for key, w := range s.keyToBlobs {
		if c.Write(key, w) {
			inserted++
		}
	}
	return inserted
}

// Scope is one lexical region of a Store: the main graph or a nested
// subgraph. It shares the store's flat blob map and owns a per-scope
// secondary index from weight name to the pack variants derived from that
// weight.
type Scope[G comparable] struct {
	mode   StoreMode
	parent *Scope[G]

	// keyToBlobs aliases the store's flat map; insertion from any scope is
	// immediately visible to all others.
	keyToBlobs map[CacheKey]*Weights

	// weightToPacks associates a weight name with the keys of its packs.
	// Normally a single weight produces a single blob, but a weight may be
	// pre-packed differently by different consuming kernels.
	weightToPacks map[string][]CacheKey

	subgraphs map[G]*Scope[G]
}

// Parent scope, nil for the root scope.
func (s *Scope[G]) Parent() *Scope[G] { return s.parent }

// IsOverwriteForSave reports whether the store was built in OverwriteForSave
// mode.
func (s *Scope[G]) IsOverwriteForSave() bool { return s.mode == OverwriteForSave }

// Mode of the enclosing store.
func (s *Scope[G]) Mode() StoreMode { return s.mode }

// GetOrCreateSubgraph returns the child scope for the given graph identity,
// creating it on first reference. The child shares the flat blob map and
// inherits the mode; subsequent calls with the same identity return the same
// scope.
func (s *Scope[G]) GetOrCreateSubgraph(graph G) *Scope[G] {
	if child, found := s.subgraphs[graph]; found {
		return child
	}
	if s.subgraphs == nil {
		s.subgraphs = make(map[G]*Scope[G])
	}
	child := &Scope[G]{mode: s.mode, parent: s, keyToBlobs: s.keyToBlobs}
	s.subgraphs[graph] = child
	return child
}

// GetSubgraph returns the child scope for the given graph identity, or nil if
// that subgraph was never visited. It does not create anything, and it does
// not search parent scopes.
func (s *Scope[G]) GetSubgraph(graph G) *Scope[G] {
	return s.subgraphs[graph]
}

// InsertFromDisk inserts a blob loaded from a serialized artifact directly
// into the flat map. It deliberately does not populate the per-weight-name
// index -- load-time lookups proceed by key; if name-based lookup is needed,
// the index is rebuilt in a secondary pass with LinkWeight.
//
// A key already present is left untouched and the incoming duplicate is
// released.
func (s *Scope[G]) InsertFromDisk(key CacheKey, w *Weights) {
	if _, found := s.keyToBlobs[key]; found {
		w.Release()
		return
	}
	s.keyToBlobs[key] = w
}

// CreateOrOverwrite stores the blob under key in the flat map, overwriting
// (and releasing) any previous entry, and links the key into weightName's
// pack list in this scope's index. It returns whether an entry at key already
// existed -- both branches succeed, the boolean is for diagnostics.
//
// This is the save-time write path; it panics if the store was built in
// ReadFromDisk mode.
func (s *Scope[G]) CreateOrOverwrite(weightName string, key CacheKey, w *Weights) bool {
	if s.mode != OverwriteForSave {
		exceptions.Panicf("prepacked: Scope.CreateOrOverwrite(%q, %q) on a %s store", weightName, key, s.mode)
	}
	previous, existed := s.keyToBlobs[key]
	if existed && previous != w {
		previous.Release()
	}
	s.keyToBlobs[key] = w

	if s.weightToPacks == nil {
		s.weightToPacks = make(map[string][]CacheKey)
	}
	packs := s.weightToPacks[weightName]
	if !slices.Contains(packs, key) {
		s.weightToPacks[weightName] = append(packs, key)
	}
	return existed
}

// LinkWeight links an already inserted key into weightName's pack list in
// this scope's index -- the secondary pass that materializes name-based
// lookup for entries that arrived via InsertFromDisk. It reports whether the
// key was present in the flat map; nothing is linked when it was not.
func (s *Scope[G]) LinkWeight(weightName string, key CacheKey) bool {
	if _, found := s.keyToBlobs[key]; !found {
		return false
	}
	if s.weightToPacks == nil {
		s.weightToPacks = make(map[string][]CacheKey)
	}
	packs := s.weightToPacks[weightName]
	if !slices.Contains(packs, key) {
		s.weightToPacks[weightName] = append(packs, key)
	}
	return true
}

// GetPrepackedWeights returns the blob stored under key in the flat map, or
// nil if absent. Absence is an expected, checkable condition in this path --
// a kernel may probe for a cached pack before deciding to compute its own.
func (s *Scope[G]) GetPrepackedWeights(key CacheKey) *Weights {
	return s.keyToBlobs[key]
}

// GetBlobNumForWeight returns how many pack variants are registered for the
// weight name in this scope. The index is scoped: there is no fallback to
// parent scopes -- a subgraph may have a local initializer shadowing a name
// in its parent, and must not silently resolve to the wrong one.
func (s *Scope[G]) GetBlobNumForWeight(weightName string) int {
	return len(s.weightToPacks[weightName])
}

// GetBlobForWeight returns the index-th pack variant registered for the
// weight name in this scope.
//
// It panics if the name has no registered packs at all, or if index is out of
// range for the registered packs: callers must query GetBlobNumForWeight
// first.
func (s *Scope[G]) GetBlobForWeight(weightName string, index int) *Weights {
	packs, found := s.weightToPacks[weightName]
	if !found {
		exceptions.Panicf("prepacked: no pre-packed blob registered for weight %q in this scope", weightName)
	}
	if index < 0 || index >= len(packs) {
		exceptions.Panicf("prepacked: pack index %d out of bounds for weight %q, which has %d pack(s)",
			index, weightName, len(packs))
	}
	return s.keyToBlobs[packs[index]]
}
