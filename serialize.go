// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package prepacked

import (
	"encoding/gob"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/types/shapes"
	"github.com/gomlx/gomlx/types/xslices"
	"github.com/pkg/errors"
	"golang.org/x/exp/mmap"
	"k8s.io/klog/v2"

	"github.com/gomlx/prepacked/allocators"
)

// The serialized unit is the flat key-to-blob map; scope/weight-name index
// metadata lives with the model itself (each initializer records the keys of
// its packs) and the scope tree is rebuilt by walking the model at load time,
// with LinkWeight re-materializing the indices.

// SaveBlobs writes the store's flat blob map to w, in deterministic (sorted
// key) order.
func (s *Store[G]) SaveBlobs(w io.Writer) error {
	return saveBlobs(w, s.keyToBlobs)
}

func saveBlobs(w io.Writer, blobs map[CacheKey]*Weights) error {
	enc := gob.NewEncoder(w)
	if err := enc.Encode(len(blobs)); err != nil {
		return errors.Wrapf(err, "failed to write pre-packed blobs count")
	}
	var totalBytes int64
	for _, key := range xslices.SortedKeys(blobs) {
		blob := blobs[key]
		if err := enc.Encode(string(key)); err != nil {
			return errors.Wrapf(err, "failed to write key %q", key)
		}
		if err := enc.Encode(blob.NumBuffers()); err != nil {
			return errors.Wrapf(err, "failed to write buffers count for key %q", key)
		}
		for i := range blob.NumBuffers() {
			if err := blob.ShapeOf(i).GobSerialize(enc); err != nil {
				return errors.Wrapf(err, "failed to write shape of buffer #%d of key %q", i, key)
			}
			if err := enc.Encode(blob.BufferBytes(i)); err != nil {
				return errors.Wrapf(err, "failed to write buffer #%d of key %q", i, key)
			}
		}
		totalBytes += blob.TotalBytes()
	}
	klog.V(1).Infof("prepacked: saved %d pre-packed blob(s), %s", len(blobs), humanize.Bytes(uint64(totalBytes)))
	return nil
}

// LoadBlobs reads back a blob map written by SaveBlobs, re-allocating every
// buffer through alloc and inserting each blob into the flat map with
// InsertFromDisk -- the per-weight-name index is left untouched, use
// LinkWeight afterwards if name-based lookup is needed.
//
// It returns the number of blobs read.
func (s *Scope[G]) LoadBlobs(r io.Reader, alloc allocators.Allocator) (int, error) {
	dec := gob.NewDecoder(r)
	var numBlobs int
	if err := dec.Decode(&numBlobs); err != nil {
		return 0, errors.Wrapf(err, "failed to read pre-packed blobs count")
	}
	var totalBytes int64
	for blobIdx := range numBlobs {
		var keyStr string
		if err := dec.Decode(&keyStr); err != nil {
			return blobIdx, errors.Wrapf(err, "failed to read key of blob #%d", blobIdx)
		}
		var numBuffers int
		if err := dec.Decode(&numBuffers); err != nil {
			return blobIdx, errors.Wrapf(err, "failed to read buffers count for key %q", keyStr)
		}
		blob := NewWeights(alloc)
		for i := range numBuffers {
			shape, err := shapes.GobDeserialize(dec)
			if err != nil {
				return blobIdx, errors.Wrapf(err, "failed to read shape of buffer #%d of key %q", i, keyStr)
			}
			var data []byte
			if err := dec.Decode(&data); err != nil {
				return blobIdx, errors.Wrapf(err, "failed to read buffer #%d of key %q", i, keyStr)
			}
			// Copy into an aligned, allocator-backed buffer: kernels require
			// the alignment, and accounting requires the allocator.
			copy(blob.NewBuffer(shape), data)
		}
		totalBytes += blob.TotalBytes()
		s.InsertFromDisk(CacheKey(keyStr), blob)
	}
	klog.V(1).Infof("prepacked: loaded %d pre-packed blob(s), %s", numBlobs, humanize.Bytes(uint64(totalBytes)))
	return numBlobs, nil
}

// LoadBlobsFile memory-maps the artifact at the given path and loads it with
// LoadBlobs.
func (s *Scope[G]) LoadBlobsFile(path string, alloc allocators.Allocator) (numBlobs int, err error) {
	mapped, err := mmap.Open(path)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to mmap pre-packed blobs file %q", path)
	}
	defer func() {
		closeErr := mapped.Close()
		if err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close mmap of %q", path)
		}
	}()
	numBlobs, err = s.LoadBlobs(io.NewSectionReader(mapped, 0, int64(mapped.Len())), alloc)
	if err != nil {
		err = errors.WithMessagef(err, "while loading pre-packed blobs from %q", path)
	}
	return
}
