package model

import "context"

// Embedder is the pluggable embedding-model capability PulseDB depends
// on but does not implement: a service returning a fixed-dimension
// vector per text. Dynamic dispatch happens once, at database-open
// time, the same pattern used for the pluggable distance function of
// the HNSW index.
type Embedder interface {
	// Embed returns the embedding for text. Its length must equal Dim().
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dim returns the fixed dimension this embedder produces.
	Dim() int
}
