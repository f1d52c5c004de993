package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pulsedb/pulsedb/internal/encoding"
	"github.com/pulsedb/pulsedb/pkg/index"
	"github.com/pulsedb/pulsedb/pkg/kv"
	"github.com/pulsedb/pulsedb/pkg/model"
)

// SearchFilter narrows SearchSimilar/GetRecentExperiences/
// GetContextCandidates results, applied during HNSW traversal rather
// than after top-k selection, so a selective filter doesn't starve the
// requested result count.
type SearchFilter struct {
	Domains         []string
	Types           []model.ExperienceType
	MinImportance   float64
	MinConfidence   float64
	Since           time.Time
	IncludeArchived bool
}

func (f SearchFilter) matches(rec experienceRecord) bool {
	if !f.IncludeArchived && rec.Archived {
		return false
	}
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == rec.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if rec.Importance < f.MinImportance || rec.Confidence < f.MinConfidence {
		return false
	}
	if !f.Since.IsZero() && fromMillis(rec.CreatedAtMillis).Before(f.Since) {
		return false
	}
	if len(f.Domains) > 0 {
		found := false
		for _, want := range f.Domains {
			for _, have := range rec.DomainTags {
				if want == have {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Scored pairs an experience with its similarity score (1 - cosine
// distance, so higher is more similar).
type Scored struct {
	Experience model.Experience
	Similarity float64
}

// SearchSimilar returns the k nearest live experiences to query within
// a collective, scored by 1 - cosine distance, ties broken by
// created_at descending then id ascending.
func (e *Engine) SearchSimilar(ctx context.Context, collective model.ID, query []float32, k int, filter SearchFilter) ([]Scored, error) {
	if err := validateK(k); err != nil {
		return nil, err
	}
	rtx, err := e.beginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer rtx.Rollback()
	return e.searchSimilarTx(rtx, collective, query, k, filter)
}

func (e *Engine) searchSimilarTx(rtx *kv.ReadTx, collective model.ID, query []float32, k int, filter SearchFilter) ([]Scored, error) {
	col, ok, err := e.catalog.GetCollectiveTx(rtx, collective)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("engine: unknown collective %x", collective)
	}
	if err := validateEmbedding(query, col.EmbeddingDimension); err != nil {
		return nil, err
	}

	idx, err := e.catalog.Index(collective)
	if err != nil {
		return nil, err
	}

	predicate := func(id index.ID) bool {
		rec, ok, err := getExperienceRecord(rtx, model.ID(id))
		if err != nil || !ok || rec.CollectiveID != collective {
			return false
		}
		return filter.matches(rec)
	}

	hits, err := idx.Search(query, k, predicate)
	if err != nil {
		return nil, err
	}

	out := make([]Scored, 0, len(hits))
	for _, h := range hits {
		rec, ok, err := getExperienceRecord(rtx, model.ID(h.ID))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		emb, err := getEmbedding(rtx, kv.BucketEmbeddings, model.ID(h.ID), col.EmbeddingDimension)
		if err != nil {
			return nil, err
		}
		out = append(out, Scored{Experience: rec.toExperience(emb), Similarity: 1 - float64(h.Distance)})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		if !out[i].Experience.CreatedAt.Equal(out[j].Experience.CreatedAt) {
			return out[i].Experience.CreatedAt.After(out[j].Experience.CreatedAt)
		}
		return lessID(out[i].Experience.ID, out[j].Experience.ID)
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func lessID(a, b model.ID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// GetRecentExperiences reverse-scans exp_by_collective for up to limit
// matching experiences, newest first.
func (e *Engine) GetRecentExperiences(ctx context.Context, collective model.ID, limit int, filter SearchFilter) ([]model.Experience, error) {
	rtx, err := e.beginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer rtx.Rollback()
	return e.getRecentExperiencesTx(rtx, collective, limit, filter)
}

func (e *Engine) getRecentExperiencesTx(rtx *kv.ReadTx, collective model.ID, limit int, filter SearchFilter) ([]model.Experience, error) {
	col, ok, err := e.catalog.GetCollectiveTx(rtx, collective)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("engine: unknown collective %x", collective)
	}

	var out []model.Experience
	prefix := encoding.ExpByCollectivePrefix([16]byte(collective))
	err = rtx.ScanPrefixReverse(kv.BucketExpByCollective, prefix, func(k, _ []byte) error {
		if len(out) >= limit {
			return errStopScan
		}
		_, id, ok := encoding.SplitExpByCollectiveKey(k)
		if !ok {
			return nil
		}
		rec, ok, err := getExperienceRecord(rtx, model.ID(id))
		if err != nil || !ok {
			return err
		}
		if !filter.matches(rec) {
			return nil
		}
		emb, err := getEmbedding(rtx, kv.BucketEmbeddings, model.ID(id), col.EmbeddingDimension)
		if err != nil {
			return err
		}
		out = append(out, rec.toExperience(emb))
		return nil
	})
	if err != nil && err != errStopScan {
		return nil, err
	}
	return out, nil
}

// errStopScan is a sentinel used to short-circuit a cursor scan once
// enough results are collected; ScanPrefixReverse treats any non-nil
// error from fn as fatal, so callers must filter it back out.
var errStopScan = fmt.Errorf("engine: scan limit reached")

// ContextRequest configures get_context_candidates.
type ContextRequest struct {
	Collective          model.ID
	Query               []float32
	MaxSimilar          int
	MaxRecent           int
	Filter              SearchFilter
	IncludeInsights     bool
	MaxInsights         int
	IncludeActiveAgents bool
	IncludeRelations    bool
}

// ContextCandidates bundles get_context_candidates's five sub-results,
// all derived from the same read snapshot.
type ContextCandidates struct {
	Similar       []Scored
	Recent        []model.Experience
	Insights      []model.DerivedInsight
	ActiveAgents  []model.Activity
	Relations     []model.ExperienceRelation
	SnapshotCSN   uint64
}

// GetContextCandidates assembles a composite, snapshot-consistent view
// combining similarity search, recency scan, insights, live agents, and
// relations touching the union of similar/recent results.
func (e *Engine) GetContextCandidates(ctx context.Context, req ContextRequest) (ContextCandidates, error) {
	rtx, err := e.beginRead(ctx)
	if err != nil {
		return ContextCandidates{}, err
	}
	defer rtx.Rollback()

	out := ContextCandidates{SnapshotCSN: rtx.CSN()}

	if req.MaxSimilar > 0 {
		similar, err := e.searchSimilarTx(rtx, req.Collective, req.Query, req.MaxSimilar, req.Filter)
		if err != nil {
			return ContextCandidates{}, err
		}
		out.Similar = similar
	}
	if req.MaxRecent > 0 {
		recent, err := e.getRecentExperiencesTx(rtx, req.Collective, req.MaxRecent, req.Filter)
		if err != nil {
			return ContextCandidates{}, err
		}
		out.Recent = recent
	}
	if req.IncludeInsights {
		col, ok, err := e.catalog.GetCollectiveTx(rtx, req.Collective)
		if err != nil {
			return ContextCandidates{}, err
		}
		if ok {
			idx, err := e.catalog.InsightIndex(req.Collective)
			if err != nil {
				return ContextCandidates{}, err
			}
			hits, err := idx.Search(req.Query, req.MaxInsights, nil)
			if err != nil {
				return ContextCandidates{}, err
			}
			for _, h := range hits {
				rec, ok, err := getInsightRecord(rtx, model.ID(h.ID))
				if err != nil {
					return ContextCandidates{}, err
				}
				if !ok {
					continue
				}
				emb, err := getEmbedding(rtx, kv.BucketInsightEmbeddings, model.ID(h.ID), col.EmbeddingDimension)
				if err != nil {
					return ContextCandidates{}, err
				}
				out.Insights = append(out.Insights, rec.toInsight(emb))
			}
		}
	}
	if req.IncludeActiveAgents {
		agents, err := e.getActiveAgentsTx(rtx, req.Collective)
		if err != nil {
			return ContextCandidates{}, err
		}
		out.ActiveAgents = agents
	}
	if req.IncludeRelations {
		union := make(map[model.ID]bool)
		for _, s := range out.Similar {
			union[s.Experience.ID] = true
		}
		for _, r := range out.Recent {
			union[r.ID] = true
		}
		seen := make(map[model.ID]bool)
		for id := range union {
			collect := func(bucket []byte) error {
				return rtx.ScanPrefix(bucket, id[:], func(k, _ []byte) error {
					if len(k) != 32 {
						return nil
					}
					var relID model.ID
					copy(relID[:], k[16:32])
					if seen[relID] {
						return nil
					}
					rec, ok, err := getRelationRecord(rtx, relID)
					if err != nil || !ok {
						return err
					}
					seen[relID] = true
					out.Relations = append(out.Relations, rec.toRelation())
					return nil
				})
			}
			if err := collect(kv.BucketRelationsBySource); err != nil {
				return ContextCandidates{}, err
			}
			if err := collect(kv.BucketRelationsByTarget); err != nil {
				return ContextCandidates{}, err
			}
		}
	}
	return out, nil
}
