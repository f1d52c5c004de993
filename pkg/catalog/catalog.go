// Package catalog manages PulseDB's collectives: the per-collective
// HNSW index lifecycle, embedding-dimension compatibility checks, and
// the collectives bucket itself.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/pulsedb/pulsedb/internal/encoding"
	"github.com/pulsedb/pulsedb/pkg/index"
	"github.com/pulsedb/pulsedb/pkg/kv"
	"github.com/pulsedb/pulsedb/pkg/model"
)

// Catalog owns every collective's HNSW handle and the KV store. Handles
// are created lazily on first touch and cached for the store's
// lifetime.
type Catalog struct {
	kv   *kv.Store
	dist index.DistFunc

	mu             sync.RWMutex
	indexes        map[model.ID]*index.HNSW
	insightIndexes map[model.ID]*index.HNSW
	params         func(elementCount int) index.Params
}

// New creates a Catalog over an already-open KV store. dist is the
// distance function every collective's HNSW graph uses; params scales
// M/efConstruction/efSearch to a collective's element count via the
// caller's scale-tier table.
func New(store *kv.Store, dist index.DistFunc, params func(elementCount int) index.Params) *Catalog {
	return &Catalog{
		kv:             store,
		dist:           dist,
		indexes:        make(map[model.ID]*index.HNSW),
		insightIndexes: make(map[model.ID]*index.HNSW),
		params:         params,
	}
}

// CreateCollective registers a new collective and its empty HNSW graphs
// (one for experiences, one for insights).
func (c *Catalog) CreateCollective(col model.Collective) error {
	wtx, err := c.kv.BeginWrite()
	if err != nil {
		return err
	}
	defer wtx.Rollback()

	key := col.ID[:]
	if existing := wtx.Get(kv.BucketCollectives, key); existing != nil {
		return fmt.Errorf("catalog: collective %x already exists", col.ID)
	}
	raw, err := encoding.EncodeGob(col)
	if err != nil {
		return err
	}
	if err := wtx.Put(kv.BucketCollectives, key, raw); err != nil {
		return err
	}
	if _, err := wtx.BumpCSN(); err != nil {
		return err
	}
	if err := wtx.Commit(); err != nil {
		return err
	}

	c.mu.Lock()
	c.indexes[col.ID] = index.New(col.EmbeddingDimension, c.params(0), c.dist)
	c.insightIndexes[col.ID] = index.New(col.EmbeddingDimension, c.params(0), c.dist)
	c.mu.Unlock()
	return nil
}

// GetCollective returns a collective's metadata.
func (c *Catalog) GetCollective(id model.ID) (model.Collective, bool, error) {
	rtx, err := c.kv.BeginRead(context.Background())
	if err != nil {
		return model.Collective{}, false, err
	}
	defer rtx.Rollback()
	return c.GetCollectiveTx(rtx, id)
}

// GetCollectiveTx is GetCollective's body reusable from a caller's own
// read transaction, so multi-step operations can see a single
// snapshot: all sub-results come from the same read transaction.
func (c *Catalog) GetCollectiveTx(rtx interface{ Get([]byte, []byte) []byte }, id model.ID) (model.Collective, bool, error) {
	raw := rtx.Get(kv.BucketCollectives, id[:])
	if raw == nil {
		return model.Collective{}, false, nil
	}
	var col model.Collective
	if err := encoding.DecodeGob(raw, &col); err != nil {
		return model.Collective{}, false, err
	}
	return col, true, nil
}

// DeleteCollective removes a collective's metadata row and its in-memory
// index handles. Cascading deletion of its experiences/relations is the
// engine package's responsibility, called before this so owned rows go
// first and the catalog entry goes last.
func (c *Catalog) DeleteCollective(id model.ID) error {
	wtx, err := c.kv.BeginWrite()
	if err != nil {
		return err
	}
	defer wtx.Rollback()
	if err := wtx.Delete(kv.BucketCollectives, id[:]); err != nil {
		return err
	}
	if _, err := wtx.BumpCSN(); err != nil {
		return err
	}
	if err := wtx.Commit(); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.indexes, id)
	delete(c.insightIndexes, id)
	c.mu.Unlock()
	return nil
}

// Index returns the experience HNSW handle for a collective, loading
// its metadata to recreate one if this is the first touch since
// process start.
func (c *Catalog) Index(id model.ID) (*index.HNSW, error) {
	return c.indexFor(id, c.indexes)
}

// InsightIndex returns the insight HNSW handle for a collective,
// separate from its experience index since insights are indexed in
// their own per-collective graph.
func (c *Catalog) InsightIndex(id model.ID) (*index.HNSW, error) {
	return c.indexFor(id, c.insightIndexes)
}

func (c *Catalog) indexFor(id model.ID, set map[model.ID]*index.HNSW) (*index.HNSW, error) {
	c.mu.RLock()
	idx, ok := set[id]
	c.mu.RUnlock()
	if ok {
		return idx, nil
	}

	col, ok, err := c.GetCollective(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("catalog: unknown collective %x", id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if idx, ok := set[id]; ok {
		return idx, nil
	}
	idx = index.New(col.EmbeddingDimension, c.params(0), c.dist)
	set[id] = idx
	return idx, nil
}

// ListCollectives returns every registered collective's metadata, used
// by LoadAll at Open to recreate HNSW handles.
func (c *Catalog) ListCollectives() ([]model.Collective, error) {
	rtx, err := c.kv.BeginRead(context.Background())
	if err != nil {
		return nil, err
	}
	defer rtx.Rollback()

	var out []model.Collective
	err = rtx.ScanPrefix(kv.BucketCollectives, nil, func(_, v []byte) error {
		var col model.Collective
		if err := encoding.DecodeGob(v, &col); err != nil {
			return err
		}
		out = append(out, col)
		return nil
	})
	return out, err
}

// experiencePath and insightPath give the on-disk sidecar layout:
// <dir>/<collective_id>.hnsw and <dir>/<collective_id>_insights.hnsw.
func experiencePath(dir string, id model.ID) string {
	return filepath.Join(dir, fmt.Sprintf("%s.hnsw", id.String()))
}

func insightPath(dir string, id model.ID) string {
	return filepath.Join(dir, fmt.Sprintf("%s_insights.hnsw", id.String()))
}

// SidecarPaths returns the experience and insight HNSW file paths for a
// collective, so callers can remove them on collective delete.
func SidecarPaths(dir string, id model.ID) (experience, insight string) {
	return experiencePath(dir, id), insightPath(dir, id)
}

// metaPathFor names the sidecar metadata file alongside an HNSW graph
// file: <collective_id>.hnsw.meta or <collective_id>_insights.hnsw.meta.
// It records enough to decide, at load time, whether the graph file can
// be trusted or must be rebuilt from the KV store.
func metaPathFor(hnswPath string) string { return hnswPath + ".meta" }

// hnswMeta is the on-disk shape of a graph's sidecar metadata: its
// build parameters, element count, and the change sequence number the
// store was at when the graph was last saved. A graph is trustworthy
// only if BuiltAtCSN still matches the store's current CSN — any write
// committed after that point is missing from the graph.
type hnswMeta struct {
	Dim            int
	M              int
	EfConstruction int
	EfSearch       int
	Count          int
	BuiltAtCSN     uint64
}

func writeMeta(path string, idx *index.HNSW, builtAtCSN uint64) error {
	stats := idx.Stats()
	m := hnswMeta{
		Dim:            idx.Dim,
		M:              idx.M,
		EfConstruction: idx.EfConstruction,
		EfSearch:       idx.EfSearch,
		Count:          stats.Elements - stats.Deleted,
		BuiltAtCSN:     builtAtCSN,
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func readMeta(path string) (hnswMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return hnswMeta{}, err
	}
	var m hnswMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return hnswMeta{}, err
	}
	return m, nil
}

// experienceHeader decodes only the Archived flag out of an
// experiences-bucket row. gob matches fields by name, so decoding a row
// written from engine.experienceRecord into this narrower struct is
// safe regardless of the full record's other fields — this package
// cannot import pkg/engine's record type without an import cycle
// (engine already imports catalog), and doesn't need to.
type experienceHeader struct {
	Archived bool
}

// insightHeader is insightRecord's narrower counterpart, decoding just
// enough to tell which collective an insights-bucket row belongs to:
// insights have no collective-scoped secondary index the way
// experiences have exp_by_collective, so rebuilding an insight graph
// means scanning the whole bucket and filtering by this field.
type insightHeader struct {
	ID           model.ID
	CollectiveID model.ID
}

// LoadAll recreates every collective's HNSW handles from the sidecar
// directory. A graph file is trusted only when its sidecar .meta file
// is readable and its BuiltAtCSN matches the store's CSN at this Open;
// otherwise (missing sidecar, corrupt file, or a stale build left by a
// non-clean Close) the graph is rebuilt from the KV store's embedding
// buckets rather than silently substituted with an empty one.
func (c *Catalog) LoadAll(dir string) error {
	cols, err := c.ListCollectives()
	if err != nil {
		return err
	}
	currentCSN, err := c.kv.CSN()
	if err != nil {
		return err
	}
	rtx, err := c.kv.BeginRead(context.Background())
	if err != nil {
		return err
	}
	defer rtx.Rollback()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, col := range cols {
		expIdx, trusted := c.loadTrusted(experiencePath(dir, col.ID), col.EmbeddingDimension, currentCSN)
		if !trusted {
			expIdx = index.New(col.EmbeddingDimension, c.params(0), c.dist)
			if err := c.rebuildExperiences(rtx, expIdx, col.ID, col.EmbeddingDimension); err != nil {
				return fmt.Errorf("catalog: rebuild experience index %x: %w", col.ID, err)
			}
		}
		c.indexes[col.ID] = expIdx

		insIdx, trusted := c.loadTrusted(insightPath(dir, col.ID), col.EmbeddingDimension, currentCSN)
		if !trusted {
			insIdx = index.New(col.EmbeddingDimension, c.params(0), c.dist)
			if err := c.rebuildInsights(rtx, insIdx, col.ID, col.EmbeddingDimension); err != nil {
				return fmt.Errorf("catalog: rebuild insight index %x: %w", col.ID, err)
			}
		}
		c.insightIndexes[col.ID] = insIdx
	}
	return nil
}

// loadTrusted loads the graph at path and reports whether its sidecar
// metadata vouches for it being current. A brand new collective (no
// graph file yet) and a stale or corrupt sidecar both report untrusted,
// letting the caller rebuild from KV instead of guessing.
func (c *Catalog) loadTrusted(path string, dim int, currentCSN uint64) (*index.HNSW, bool) {
	idx, err := index.Load(path, c.dist)
	if err != nil {
		return nil, false
	}
	meta, err := readMeta(metaPathFor(path))
	if err != nil {
		return nil, false
	}
	if meta.Dim != dim || meta.BuiltAtCSN != currentCSN {
		return nil, false
	}
	return idx, true
}

// rebuildExperiences feeds idx from every live (non-archived)
// experience in collective, found via the exp_by_collective secondary
// index and its paired row in the embeddings bucket.
func (c *Catalog) rebuildExperiences(rtx *kv.ReadTx, idx *index.HNSW, collective model.ID, dim int) error {
	type pair struct {
		id  index.ID
		vec []float32
	}
	var pairs []pair
	prefix := encoding.ExpByCollectivePrefix([16]byte(collective))
	err := rtx.ScanPrefix(kv.BucketExpByCollective, prefix, func(k, _ []byte) error {
		_, id, ok := encoding.SplitExpByCollectiveKey(k)
		if !ok {
			return nil
		}
		raw := rtx.Get(kv.BucketExperiences, id[:])
		if raw == nil {
			return nil
		}
		var hdr experienceHeader
		if err := encoding.DecodeGob(raw, &hdr); err != nil {
			return err
		}
		if hdr.Archived {
			return nil
		}
		embRaw := rtx.Get(kv.BucketEmbeddings, id[:])
		if embRaw == nil {
			return nil
		}
		vec, err := encoding.DecodeVector(embRaw, dim)
		if err != nil {
			return err
		}
		pairs = append(pairs, pair{id: index.ID(id), vec: vec})
		return nil
	})
	if err != nil {
		return err
	}
	i := 0
	return idx.RebuildFromSource(func() (index.ID, []float32, bool) {
		if i >= len(pairs) {
			return index.ID{}, nil, false
		}
		p := pairs[i]
		i++
		return p.id, p.vec, true
	})
}

// rebuildInsights feeds idx from every insight belonging to collective.
// Unlike experiences, insights have no collective-scoped secondary
// index, so this scans the whole insights bucket and filters by
// CollectiveID.
func (c *Catalog) rebuildInsights(rtx *kv.ReadTx, idx *index.HNSW, collective model.ID, dim int) error {
	type pair struct {
		id  index.ID
		vec []float32
	}
	var pairs []pair
	err := rtx.ScanPrefix(kv.BucketInsights, nil, func(k, v []byte) error {
		var hdr insightHeader
		if err := encoding.DecodeGob(v, &hdr); err != nil {
			return err
		}
		if hdr.CollectiveID != collective {
			return nil
		}
		embRaw := rtx.Get(kv.BucketInsightEmbeddings, k)
		if embRaw == nil {
			return nil
		}
		vec, err := encoding.DecodeVector(embRaw, dim)
		if err != nil {
			return err
		}
		var id index.ID
		copy(id[:], k)
		pairs = append(pairs, pair{id: id, vec: vec})
		return nil
	})
	if err != nil {
		return err
	}
	i := 0
	return idx.RebuildFromSource(func() (index.ID, []float32, bool) {
		if i >= len(pairs) {
			return index.ID{}, nil, false
		}
		p := pairs[i]
		i++
		return p.id, p.vec, true
	})
}

// SaveAll persists every in-memory HNSW handle to the sidecar directory
// along with its .meta file, creating the directory if absent. Called
// on clean Close. A crash between mutating the KV store and the next
// SaveAll leaves the sidecar's BuiltAtCSN behind the store's CSN, which
// LoadAll detects and repairs by rebuilding from KV rather than trusting
// the stale graph.
func (c *Catalog) SaveAll(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	csn, err := c.kv.CSN()
	if err != nil {
		return fmt.Errorf("catalog: read csn: %w", err)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, idx := range c.indexes {
		p := experiencePath(dir, id)
		if err := idx.Save(p); err != nil {
			return fmt.Errorf("catalog: save experience index %x: %w", id, err)
		}
		if err := writeMeta(metaPathFor(p), idx, csn); err != nil {
			return fmt.Errorf("catalog: save experience index meta %x: %w", id, err)
		}
	}
	for id, idx := range c.insightIndexes {
		p := insightPath(dir, id)
		if err := idx.Save(p); err != nil {
			return fmt.Errorf("catalog: save insight index %x: %w", id, err)
		}
		if err := writeMeta(metaPathFor(p), idx, csn); err != nil {
			return fmt.Errorf("catalog: save insight index meta %x: %w", id, err)
		}
	}
	return nil
}

// CheckDimension validates vec's length against a collective's declared
// embedding dimension.
func (c *Catalog) CheckDimension(id model.ID, vecLen int) error {
	col, ok, err := c.GetCollective(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("catalog: unknown collective %x", id)
	}
	if vecLen != col.EmbeddingDimension {
		return fmt.Errorf("catalog: vector dim %d, collective %s wants %d", vecLen, col.Name, col.EmbeddingDimension)
	}
	return nil
}
