package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/pulsedb/pulsedb/internal/encoding"
	"github.com/pulsedb/pulsedb/pkg/index"
	"github.com/pulsedb/pulsedb/pkg/kv"
	"github.com/pulsedb/pulsedb/pkg/model"
)

func getInsightRecord(r reader, id model.ID) (insightRecord, bool, error) {
	raw := r.Get(kv.BucketInsights, id[:])
	if raw == nil {
		return insightRecord{}, false, nil
	}
	var rec insightRecord
	if err := encoding.DecodeGob(raw, &rec); err != nil {
		return insightRecord{}, false, err
	}
	return rec, true, nil
}

// StoreInsight persists a derived insight and indexes its embedding in
// the collective's insight HNSW, kept separate from the experience
// index: an insight is like an experience but lives in its own
// per-collective graph.
func (e *Engine) StoreInsight(ctx context.Context, in model.DerivedInsight) (model.DerivedInsight, error) {
	if err := validateContent(in.Content); err != nil {
		return model.DerivedInsight{}, err
	}
	if err := validateUnitInterval("confidence", in.Confidence); err != nil {
		return model.DerivedInsight{}, err
	}

	col, ok, err := e.catalog.GetCollective(in.CollectiveID)
	if err != nil {
		return model.DerivedInsight{}, err
	}
	if !ok {
		return model.DerivedInsight{}, fmt.Errorf("engine: unknown collective %x", in.CollectiveID)
	}
	if err := validateEmbedding(in.Embedding, col.EmbeddingDimension); err != nil {
		return model.DerivedInsight{}, err
	}

	id, err := model.NewID()
	if err != nil {
		return model.DerivedInsight{}, err
	}
	in.ID = id
	in.CreatedAt = fromMillis(nowMillis())

	wtx, err := e.beginWrite(ctx)
	if err != nil {
		return model.DerivedInsight{}, err
	}

	raw, err := encoding.EncodeGob(toInsightRecord(in))
	if err != nil {
		e.abortWrite(wtx)
		return model.DerivedInsight{}, err
	}
	if err := wtx.Put(kv.BucketInsights, id[:], raw); err != nil {
		e.abortWrite(wtx)
		return model.DerivedInsight{}, err
	}
	if err := wtx.Put(kv.BucketInsightEmbeddings, id[:], encoding.EncodeVector(in.Embedding)); err != nil {
		e.abortWrite(wtx)
		return model.DerivedInsight{}, err
	}

	idx, err := e.catalog.InsightIndex(in.CollectiveID)
	if err != nil {
		e.abortWrite(wtx)
		return model.DerivedInsight{}, err
	}
	if err := idx.Insert(index.ID(id), in.Embedding); err != nil {
		e.abortWrite(wtx)
		return model.DerivedInsight{}, err
	}

	if _, err := wtx.BumpCSN(); err != nil {
		e.abortWrite(wtx)
		return model.DerivedInsight{}, err
	}
	if err := e.commitWrite(wtx); err != nil {
		// idx.Insert already mutated the in-memory graph; since the KV
		// write never landed, tombstone it back out.
		idx.Delete(index.ID(id))
		return model.DerivedInsight{}, err
	}
	return in, nil
}

// GetInsights returns the k nearest insights to query within a
// collective.
func (e *Engine) GetInsights(ctx context.Context, collective model.ID, query []float32, k int) ([]model.DerivedInsight, error) {
	if err := validateK(k); err != nil {
		return nil, err
	}
	col, ok, err := e.catalog.GetCollective(collective)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("engine: unknown collective %x", collective)
	}
	if err := validateEmbedding(query, col.EmbeddingDimension); err != nil {
		return nil, err
	}

	idx, err := e.catalog.InsightIndex(collective)
	if err != nil {
		return nil, err
	}
	hits, err := idx.Search(query, k, nil)
	if err != nil {
		return nil, err
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Distance < hits[j].Distance })

	rtx, err := e.beginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer rtx.Rollback()

	out := make([]model.DerivedInsight, 0, len(hits))
	for _, h := range hits {
		id := model.ID(h.ID)
		rec, ok, err := getInsightRecord(rtx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		emb, err := getEmbedding(rtx, kv.BucketInsightEmbeddings, id, col.EmbeddingDimension)
		if err != nil {
			return nil, err
		}
		out = append(out, rec.toInsight(emb))
	}
	return out, nil
}

// DeleteInsight removes an insight symmetrically to StoreInsight.
func (e *Engine) DeleteInsight(ctx context.Context, collective, id model.ID) error {
	wtx, err := e.beginWrite(ctx)
	if err != nil {
		return err
	}
	rec, ok, err := getInsightRecord(wtx, id)
	if err != nil || !ok || rec.CollectiveID != collective {
		e.abortWrite(wtx)
		if err != nil {
			return err
		}
		return ErrNotFound
	}

	col, ok, err := e.catalog.GetCollectiveTx(wtx, collective)
	if err != nil || !ok {
		e.abortWrite(wtx)
		return err
	}
	emb, err := getEmbedding(wtx, kv.BucketInsightEmbeddings, id, col.EmbeddingDimension)
	if err != nil {
		e.abortWrite(wtx)
		return err
	}

	if err := wtx.Delete(kv.BucketInsights, id[:]); err != nil {
		e.abortWrite(wtx)
		return err
	}
	if err := wtx.Delete(kv.BucketInsightEmbeddings, id[:]); err != nil {
		e.abortWrite(wtx)
		return err
	}
	idx, err := e.catalog.InsightIndex(collective)
	if err != nil {
		e.abortWrite(wtx)
		return err
	}
	if err := idx.Delete(index.ID(id)); err != nil {
		e.abortWrite(wtx)
		return err
	}
	if _, err := wtx.BumpCSN(); err != nil {
		e.abortWrite(wtx)
		return err
	}
	if err := e.commitWrite(wtx); err != nil {
		// The tombstone above never landed in KV; restore the entry as
		// live so the index doesn't drift from the still-present row.
		idx.Insert(index.ID(id), emb)
		return err
	}
	if _, err := idx.CompactIfDue(e.rebuildRatio); err != nil {
		e.log.Warn().Err(err).Msg("engine: compact insight index")
	}
	return nil
}
