// Package index implements PulseDB's per-collective vector index: an
// HNSW (Hierarchical Navigable Small World) graph retyped to use
// PulseDB's 16-byte entity ids and extended with a traversal-time
// filter predicate, so a filtered search doesn't simply post-filter a
// fixed top-K and risk starving the requested result count.
package index

import (
	"bufio"
	"container/heap"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync"
)

// ID is the 16-byte entity id this index stores neighbors for. It has
// the same underlying representation as pulsedb.ID; callers convert
// with a plain type conversion (both are [16]byte), avoiding an import
// cycle between this package and the root module.
type ID [16]byte

var ErrNotFound = errors.New("index: id not found")

// node is one HNSW graph node: its vector, the level it was promoted
// to, and its neighbor lists per level.
type node struct {
	ID        ID
	Vector    []float32
	Level     int
	Neighbors [][]ID // Neighbors[level] = neighbor ids at that level
	Deleted   bool   // tombstone; excluded from search results, still traversed
}

// Params mirrors pulsedb.HNSWParams without importing the root package.
type Params struct {
	M              int
	EfConstruction int
	EfSearch       int
}

// HNSW is one collective's approximate nearest-neighbor graph. All
// methods are safe for concurrent use; graph mutation (Insert, Delete)
// takes the write lock, Search and Save take the read lock.
type HNSW struct {
	mu sync.RWMutex

	Dim        int
	M          int
	MaxM       int
	MaxM0      int
	EfConstruction int
	EfSearch   int
	ML         float64
	Seed       int64

	Nodes      map[ID]*node
	EntryPoint ID
	hasEntry   bool
	maxLevel   int

	deletedCount int

	dist DistFunc
	rng  *rand.Rand
}

// New creates an empty graph for vectors of the given dimension.
func New(dim int, p Params, dist DistFunc) *HNSW {
	if p.M <= 0 {
		p.M = 16
	}
	if p.EfConstruction <= 0 {
		p.EfConstruction = 200
	}
	if p.EfSearch <= 0 {
		p.EfSearch = 100
	}
	if dist == nil {
		dist = CosineDistance
	}
	return &HNSW{
		Dim:            dim,
		M:              p.M,
		MaxM:           p.M,
		MaxM0:          p.M * 2,
		EfConstruction: p.EfConstruction,
		EfSearch:       p.EfSearch,
		ML:             1 / math.Log(float64(p.M)),
		Seed:           1,
		Nodes:          make(map[ID]*node),
		dist:           dist,
		rng:            rand.New(rand.NewSource(1)),
	}
}

// Size returns the number of live (non-tombstoned) elements.
func (h *HNSW) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.Nodes) - h.deletedCount
}

// Stats reports graph-level counters used for rebuild-ratio decisions.
type Stats struct {
	Elements int
	Deleted  int
	MaxLevel int
}

func (h *HNSW) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Elements: len(h.Nodes), Deleted: h.deletedCount, MaxLevel: h.maxLevel}
}

// TombstoneRatio returns the fraction of stored elements that are
// tombstoned, the signal HNSWConfig.RebuildRatio compares against to
// decide when a rebuild is due.
func (h *HNSW) TombstoneRatio() float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.Nodes) == 0 {
		return 0
	}
	return float64(h.deletedCount) / float64(len(h.Nodes))
}

func (h *HNSW) selectLevel() int {
	lvl := int(math.Floor(-math.Log(h.rng.Float64()) * h.ML))
	return lvl
}

// Insert adds id/vec to the graph. Re-inserting an existing id replaces
// its vector and clears its tombstone (undoing an Archive/Delete).
func (h *HNSW) Insert(id ID, vec []float32) error {
	if len(vec) != h.Dim {
		return fmt.Errorf("index: vector dim %d, want %d", len(vec), h.Dim)
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	level := h.selectLevel()
	n := &node{
		ID:        id,
		Vector:    vec,
		Level:     level,
		Neighbors: make([][]ID, level+1),
	}

	if !h.hasEntry {
		h.Nodes[id] = n
		h.EntryPoint = id
		h.hasEntry = true
		h.maxLevel = level
		return nil
	}

	if existing, ok := h.Nodes[id]; ok && existing.Deleted {
		h.deletedCount--
	}
	h.Nodes[id] = n

	curEntry := h.EntryPoint
	curDist := h.dist(vec, h.Nodes[curEntry].Vector)

	for lvl := h.maxLevel; lvl > level; lvl-- {
		changed := true
		for changed {
			changed = false
			for _, nb := range h.neighborsAt(curEntry, lvl) {
				nn := h.Nodes[nb]
				if nn == nil || nn.Deleted {
					continue
				}
				d := h.dist(vec, nn.Vector)
				if d < curDist {
					curDist = d
					curEntry = nb
					changed = true
				}
			}
		}
	}

	for lvl := min(level, h.maxLevel); lvl >= 0; lvl-- {
		candidates := h.searchLayer(vec, curEntry, h.EfConstruction, lvl, nil)
		maxConn := h.MaxM
		if lvl == 0 {
			maxConn = h.MaxM0
		}
		neighbors := h.selectNeighborsHeuristic(vec, candidates, maxConn)
		n.Neighbors[lvl] = neighbors
		for _, nb := range neighbors {
			h.addConnection(nb, id, lvl)
		}
		if len(candidates) > 0 {
			curEntry = candidates[0].id
		}
	}

	if level > h.maxLevel {
		h.maxLevel = level
		h.EntryPoint = id
	}
	return nil
}

func (h *HNSW) neighborsAt(id ID, level int) []ID {
	n := h.Nodes[id]
	if n == nil || level >= len(n.Neighbors) {
		return nil
	}
	return n.Neighbors[level]
}

func (h *HNSW) addConnection(from, to ID, level int) {
	n := h.Nodes[from]
	if n == nil || level >= len(n.Neighbors) {
		return
	}
	n.Neighbors[level] = append(n.Neighbors[level], to)
	maxConn := h.MaxM
	if level == 0 {
		maxConn = h.MaxM0
	}
	if len(n.Neighbors[level]) > maxConn {
		cands := make([]candidate, 0, len(n.Neighbors[level]))
		for _, nb := range n.Neighbors[level] {
			if nn := h.Nodes[nb]; nn != nil {
				cands = append(cands, candidate{id: nb, dist: h.dist(n.Vector, nn.Vector)})
			}
		}
		pruned := h.selectNeighborsHeuristic(n.Vector, cands, maxConn)
		n.Neighbors[level] = pruned
	}
}

type candidate struct {
	id   ID
	dist float32
}

// selectNeighborsHeuristic keeps the maxConn closest candidates. A
// fuller heuristic would also diversify direction; PulseDB keeps the
// simpler closest-M selection since nothing here needs diversity-aware
// pruning.
func (h *HNSW) selectNeighborsHeuristic(_ []float32, cands []candidate, maxConn int) []ID {
	sortCandidates(cands)
	if len(cands) > maxConn {
		cands = cands[:maxConn]
	}
	out := make([]ID, len(cands))
	for i, c := range cands {
		out[i] = c.id
	}
	return out
}

func sortCandidates(c []candidate) {
	for i := 1; i < len(c); i++ {
		for j := i; j > 0 && c[j].dist < c[j-1].dist; j-- {
			c[j], c[j-1] = c[j-1], c[j]
		}
	}
}

// searchLayer performs a greedy best-first search at one level,
// returning up to ef candidates sorted by ascending distance. filter,
// when non-nil, excludes ids at traversal time (not just from the
// final result), so a highly selective filter does not starve the
// result set the way post-filtering top-K would.
func (h *HNSW) searchLayer(query []float32, entry ID, ef int, level int, filter func(ID) bool) []candidate {
	visited := map[ID]bool{entry: true}

	entryNode := h.Nodes[entry]
	if entryNode == nil {
		return nil
	}
	entryDist := h.dist(query, entryNode.Vector)

	cq := &candidateHeap{{id: entry, dist: entryDist}}
	heap.Init(cq)
	results := &farthestHeap{}
	if !entryNode.Deleted && (filter == nil || filter(entry)) {
		heap.Push(results, candidate{id: entry, dist: entryDist})
	}

	for cq.Len() > 0 {
		c := heap.Pop(cq).(candidate)
		if results.Len() >= ef {
			worst := (*results)[0]
			if c.dist > worst.dist {
				break
			}
		}
		for _, nbID := range h.neighborsAt(c.id, level) {
			if visited[nbID] {
				continue
			}
			visited[nbID] = true
			nb := h.Nodes[nbID]
			if nb == nil {
				continue
			}
			d := h.dist(query, nb.Vector)
			if results.Len() < ef {
				heap.Push(cq, candidate{id: nbID, dist: d})
				if !nb.Deleted && (filter == nil || filter(nbID)) {
					heap.Push(results, candidate{id: nbID, dist: d})
				}
			} else if d < (*results)[0].dist {
				heap.Push(cq, candidate{id: nbID, dist: d})
				if !nb.Deleted && (filter == nil || filter(nbID)) {
					heap.Push(results, candidate{id: nbID, dist: d})
					if results.Len() > ef {
						heap.Pop(results)
					}
				}
			}
		}
	}

	out := make([]candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(candidate)
	}
	return out
}

// Result is one Search hit.
type Result struct {
	ID       ID
	Distance float32
}

// Search returns the k nearest live neighbors to query. filter, when
// non-nil, is applied during graph traversal so a narrow filter doesn't
// starve top-K the way a post-filter would.
func (h *HNSW) Search(query []float32, k int, filter func(ID) bool) ([]Result, error) {
	if len(query) != h.Dim {
		return nil, fmt.Errorf("index: query dim %d, want %d", len(query), h.Dim)
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.hasEntry {
		return nil, nil
	}

	curEntry := h.EntryPoint
	curDist := h.dist(query, h.Nodes[curEntry].Vector)

	for lvl := h.maxLevel; lvl > 0; lvl-- {
		changed := true
		for changed {
			changed = false
			for _, nb := range h.neighborsAt(curEntry, lvl) {
				nn := h.Nodes[nb]
				if nn == nil {
					continue
				}
				d := h.dist(query, nn.Vector)
				if d < curDist {
					curDist = d
					curEntry = nb
					changed = true
				}
			}
		}
	}

	ef := h.EfSearch
	if k > ef {
		ef = k
	}
	cands := h.searchLayer(query, curEntry, ef, 0, filter)
	if len(cands) > k {
		cands = cands[:k]
	}
	out := make([]Result, len(cands))
	for i, c := range cands {
		out[i] = Result{ID: c.id, Distance: c.dist}
	}
	return out, nil
}

// Delete tombstones id. Tombstoned nodes are excluded from search
// results, but searchLayer still expands through them and their graph
// edges are kept until RebuildFromSource runs (CompactIfDue triggers
// that once the tombstone ratio crosses its threshold).
func (h *HNSW) Delete(id ID) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.Nodes[id]
	if !ok {
		return ErrNotFound
	}
	if !n.Deleted {
		n.Deleted = true
		h.deletedCount++
	}
	return nil
}

// gobGraph is the graph's on-disk shape: HNSW's exported fields plus
// its unexported counters, with nodes stored as-is since node's fields
// are already exported.
type gobGraph struct {
	Dim            int
	M              int
	MaxM           int
	MaxM0          int
	EfConstruction int
	EfSearch       int
	ML             float64
	Nodes          map[ID]*node
	EntryPoint     ID
	HasEntry       bool
	MaxLevel       int
	DeletedCount   int
}

// Save persists the graph as gob to a sidecar file.
func (h *HNSW) Save(path string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	defer w.Flush()

	g := gobGraph{
		Dim: h.Dim, M: h.M, MaxM: h.MaxM, MaxM0: h.MaxM0,
		EfConstruction: h.EfConstruction, EfSearch: h.EfSearch, ML: h.ML,
		Nodes: h.Nodes, EntryPoint: h.EntryPoint, HasEntry: h.hasEntry,
		MaxLevel: h.maxLevel, DeletedCount: h.deletedCount,
	}
	return gob.NewEncoder(w).Encode(g)
}

// Load restores a graph previously written by Save. dist must be the
// same distance function the collective was configured with; it is not
// itself serializable.
func Load(path string, dist DistFunc) (*HNSW, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var g gobGraph
	if err := gob.NewDecoder(bufio.NewReader(f)).Decode(&g); err != nil {
		return nil, fmt.Errorf("index: decode graph: %w", err)
	}
	if dist == nil {
		dist = CosineDistance
	}
	return &HNSW{
		Dim: g.Dim, M: g.M, MaxM: g.MaxM, MaxM0: g.MaxM0,
		EfConstruction: g.EfConstruction, EfSearch: g.EfSearch, ML: g.ML,
		Nodes: g.Nodes, EntryPoint: g.EntryPoint, hasEntry: g.HasEntry,
		maxLevel: g.MaxLevel, deletedCount: g.DeletedCount,
		dist: dist, rng: rand.New(rand.NewSource(1)),
	}, nil
}

// RebuildFromSource discards the current graph and re-inserts every
// (id, vector) pair supplied by next, which must return (zero-ID, nil,
// false) when exhausted. Used by CompactIfDue, which reclaims
// tombstoned nodes once TombstoneRatio crosses the configured threshold
// (see DESIGN.md for why 20% was chosen as the default), and by
// pkg/catalog's LoadAll to rebuild an untrusted graph from the KV store.
func (h *HNSW) RebuildFromSource(next func() (ID, []float32, bool)) error {
	fresh := New(h.Dim, Params{M: h.M, EfConstruction: h.EfConstruction, EfSearch: h.EfSearch}, h.dist)
	for {
		id, vec, ok := next()
		if !ok {
			break
		}
		if err := fresh.Insert(id, vec); err != nil {
			return err
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.Nodes = fresh.Nodes
	h.EntryPoint = fresh.EntryPoint
	h.hasEntry = fresh.hasEntry
	h.maxLevel = fresh.maxLevel
	h.deletedCount = 0
	return nil
}

// CompactIfDue rebuilds the graph from its own live (non-tombstoned)
// nodes once the tombstone ratio exceeds ratio, reclaiming dead nodes
// and the stale edges pointing at them. A no-op if ratio is zero or
// negative or the threshold isn't met; reports whether it compacted.
func (h *HNSW) CompactIfDue(ratio float64) (bool, error) {
	if ratio <= 0 || h.TombstoneRatio() <= ratio {
		return false, nil
	}

	h.mu.RLock()
	ids := make([]ID, 0, len(h.Nodes))
	vecs := make([][]float32, 0, len(h.Nodes))
	for id, n := range h.Nodes {
		if n.Deleted {
			continue
		}
		ids = append(ids, id)
		vecs = append(vecs, n.Vector)
	}
	h.mu.RUnlock()

	i := 0
	next := func() (ID, []float32, bool) {
		if i >= len(ids) {
			return ID{}, nil, false
		}
		id, vec := ids[i], vecs[i]
		i++
		return id, vec, true
	}
	if err := h.RebuildFromSource(next); err != nil {
		return false, err
	}
	return true, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
