// Package embedding provides PulseDB's built-in, offline embedding
// provider: a deterministic hashing scheme rather than a trained model.
// No ecosystem library fits this niche the way a database driver or
// codec does, so unlike the rest of PulseDB's ambient stack this
// package is hand-rolled on the standard library's hash/fnv; it still
// satisfies the same Embed/Dim contract as an external embedder.
package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// Hashing is a ProviderBuiltin implementation: it feature-hashes
// whitespace-separated tokens into a fixed-width vector and L2-
// normalizes the result. It exists so PulseDB is usable end-to-end
// without wiring an external embedding service, not as a quality
// baseline — embedding stays a pluggable concern and this is its
// zero-dependency default.
type Hashing struct {
	dim int
}

// NewHashing returns a Hashing embedder producing vectors of the given
// dimension.
func NewHashing(dim int) *Hashing {
	return &Hashing{dim: dim}
}

// Dim returns the configured vector width.
func (h *Hashing) Dim() int { return h.dim }

// Embed hashes each token of text into one dimension slot with a sign
// derived from a second hash, then L2-normalizes — a standard
// "feature hashing" trick, not a semantic embedding.
func (h *Hashing) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dim)
	for _, tok := range strings.Fields(text) {
		idx, sign := h.hashToken(tok)
		vec[idx] += sign
	}
	normalize(vec)
	return vec, nil
}

func (h *Hashing) hashToken(tok string) (idx int, sign float32) {
	fh := fnv.New32a()
	fh.Write([]byte(tok))
	idx = int(fh.Sum32() % uint32(h.dim))

	sh := fnv.New32a()
	sh.Write([]byte("sign:" + tok))
	if sh.Sum32()%2 == 0 {
		sign = 1
	} else {
		sign = -1
	}
	return idx, sign
}

func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range vec {
		vec[i] /= norm
	}
}
