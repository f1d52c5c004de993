package pulsedb

import "github.com/pulsedb/pulsedb/pkg/model"

// Embedder is the pluggable embedding-model capability PulseDB depends
// on but does not implement: a service returning a fixed-dimension
// vector per text. Dynamic dispatch happens once, at database-open
// time, the same pattern used for the pluggable distance function of
// the HNSW index.
type Embedder = model.Embedder
