package prepacked

import (
	"crypto/sha256"
	"encoding/hex"
)

// CacheKey identifies one specific packed representation of some source
// weight: the packing operator's type plus a content digest of the packed
// buffers, joined by "+".
//
// The same operator type packing bit-identical data always produces the same
// key; a different kernel's layout choice over the same source weight
// produces a different key. Outside of Key/KeyFor the value is opaque.
type CacheKey string

// Key composes a CacheKey from the operator type and a content digest of the
// packed buffers, e.g. Key("Conv", "abc123") == "Conv+abc123".
//
// The digest scheme is the caller's choice -- any deterministic content hash
// of the packed buffers works. DigestOf provides a default.
func Key(opType, digest string) CacheKey {
	return CacheKey(opType + "+" + digest)
}

// KeyFor is shorthand for Key(opType, DigestOf(w)).
func KeyFor(opType string, w *Weights) CacheKey {
	return Key(opType, DigestOf(w))
}

// DigestOf returns a hex-encoded SHA-256 digest over the blob's packed
// buffers, in order.
func DigestOf(w *Weights) string {
	h := sha256.New()
	for i := range w.NumBuffers() {
		h.Write(w.BufferBytes(i))
	}
	return hex.EncodeToString(h.Sum(nil))
}
