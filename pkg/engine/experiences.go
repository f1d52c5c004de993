package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/pulsedb/pulsedb/internal/encoding"
	"github.com/pulsedb/pulsedb/pkg/index"
	"github.com/pulsedb/pulsedb/pkg/kv"
	"github.com/pulsedb/pulsedb/pkg/model"
	"github.com/pulsedb/pulsedb/pkg/watch"
)

var ErrNotFound = errors.New("engine: not found")

type reader interface {
	Get(bucket, key []byte) []byte
}

func getExperienceRecord(r reader, id model.ID) (experienceRecord, bool, error) {
	raw := r.Get(kv.BucketExperiences, id[:])
	if raw == nil {
		return experienceRecord{}, false, nil
	}
	var rec experienceRecord
	if err := encoding.DecodeGob(raw, &rec); err != nil {
		return experienceRecord{}, false, err
	}
	return rec, true, nil
}

func getEmbedding(r reader, bucket []byte, id model.ID, dim int) ([]float32, error) {
	raw := r.Get(bucket, id[:])
	if raw == nil {
		return nil, nil
	}
	return encoding.DecodeVector(raw, dim)
}

// RecordExperience validates and persists a new experience: writes its
// KV rows, inserts it into the collective's HNSW index (unless
// archived on arrival, which NewExperience never is), bumps the CSN,
// and publishes a Created watch event. The write path is always
// validate, embed if needed, write KV rows, insert HNSW, bump CSN,
// commit, fan out.
func (e *Engine) RecordExperience(ctx context.Context, n model.NewExperience) (model.Experience, error) {
	if err := validateNewExperience(n); err != nil {
		return model.Experience{}, err
	}

	col, ok, err := e.catalog.GetCollective(n.CollectiveID)
	if err != nil {
		return model.Experience{}, err
	}
	if !ok {
		return model.Experience{}, fmt.Errorf("engine: unknown collective %x", n.CollectiveID)
	}

	embedding := n.Embedding
	if embedding == nil {
		if e.provider != ProviderBuiltin || e.embedder == nil {
			return model.Experience{}, fmt.Errorf("engine: embedding required (provider is External)")
		}
		embedding, err = e.embedder.Embed(ctx, n.Content)
		if err != nil {
			return model.Experience{}, fmt.Errorf("engine: embed: %w", err)
		}
	}
	if err := validateEmbedding(embedding, col.EmbeddingDimension); err != nil {
		return model.Experience{}, err
	}

	id, err := model.NewID()
	if err != nil {
		return model.Experience{}, err
	}
	now := nowMillis()

	exp := model.Experience{
		ID:           id,
		CollectiveID: n.CollectiveID,
		Content:      n.Content,
		Embedding:    embedding,
		Type:         n.Type,
		Detail:       n.Detail,
		Importance:   n.Importance,
		Confidence:   n.Confidence,
		DomainTags:   n.DomainTags,
		SourceFiles:  n.SourceFiles,
		AgentID:      n.AgentID,
		CreatedAt:    fromMillis(now),
		UpdatedAt:    fromMillis(now),
	}

	wtx, err := e.beginWrite(ctx)
	if err != nil {
		return model.Experience{}, err
	}

	if err := e.writeExperienceRows(wtx, exp); err != nil {
		e.abortWrite(wtx)
		return model.Experience{}, err
	}

	idx, err := e.catalog.Index(n.CollectiveID)
	if err != nil {
		e.abortWrite(wtx)
		return model.Experience{}, err
	}
	if err := idx.Insert(index.ID(id), embedding); err != nil {
		e.abortWrite(wtx)
		return model.Experience{}, err
	}

	csn, err := wtx.BumpCSN()
	if err != nil {
		e.abortWrite(wtx)
		return model.Experience{}, err
	}
	if err := e.commitWrite(wtx); err != nil {
		// idx.Insert already mutated the in-memory graph; since the KV
		// write never landed, tombstone it back out rather than leave a
		// phantom entry with no backing row.
		idx.Delete(index.ID(id))
		return model.Experience{}, err
	}

	e.publish(n.CollectiveID, id, watch.Created, csn, n.DomainTags, n.Importance)
	return exp, nil
}

func (e *Engine) writeExperienceRows(wtx *kv.WriteTx, exp model.Experience) error {
	recRaw, err := encoding.EncodeGob(toRecord(exp))
	if err != nil {
		return err
	}
	if err := wtx.Put(kv.BucketExperiences, exp.ID[:], recRaw); err != nil {
		return err
	}
	if err := wtx.Put(kv.BucketEmbeddings, exp.ID[:], encoding.EncodeVector(exp.Embedding)); err != nil {
		return err
	}
	ck := encoding.ExpByCollectiveKey([16]byte(exp.CollectiveID), exp.CreatedAt.UnixMilli(), [16]byte(exp.ID))
	if err := wtx.Put(kv.BucketExpByCollective, ck, nil); err != nil {
		return err
	}
	tk := encoding.ExpByTypeKey([16]byte(exp.CollectiveID), typeTag(exp.Type), [16]byte(exp.ID))
	return wtx.Put(kv.BucketExpByType, tk, nil)
}

// GetExperience performs a single snapshot read. It returns
// (zero, false, nil) if the experience is absent, the standard
// contract for single-entity lookups throughout this package.
func (e *Engine) GetExperience(ctx context.Context, collective, id model.ID) (model.Experience, bool, error) {
	rtx, err := e.beginRead(ctx)
	if err != nil {
		return model.Experience{}, false, err
	}
	defer rtx.Rollback()

	exp, ok, err := e.getExperienceTx(rtx, collective, id)
	return exp, ok, err
}

func (e *Engine) getExperienceTx(rtx *kv.ReadTx, collective, id model.ID) (model.Experience, bool, error) {
	rec, ok, err := getExperienceRecord(rtx, id)
	if err != nil || !ok || rec.CollectiveID != collective {
		return model.Experience{}, false, err
	}
	col, ok, err := e.catalog.GetCollectiveTx(rtx, collective)
	if err != nil || !ok {
		return model.Experience{}, false, err
	}
	emb, err := getEmbedding(rtx, kv.BucketEmbeddings, id, col.EmbeddingDimension)
	if err != nil {
		return model.Experience{}, false, err
	}
	return rec.toExperience(emb), true, nil
}

// UpdateExperience patches mutable fields only (importance, confidence,
// domain_tags). Content and embedding are immutable once recorded.
func (e *Engine) UpdateExperience(ctx context.Context, collective, id model.ID, patch model.ExperiencePatch) (model.Experience, error) {
	if patch.Importance != nil {
		if err := validateUnitInterval("importance", *patch.Importance); err != nil {
			return model.Experience{}, err
		}
	}
	if patch.Confidence != nil {
		if err := validateUnitInterval("confidence", *patch.Confidence); err != nil {
			return model.Experience{}, err
		}
	}
	if patch.DomainTags != nil {
		if err := validateTags(*patch.DomainTags); err != nil {
			return model.Experience{}, err
		}
	}

	wtx, err := e.beginWrite(ctx)
	if err != nil {
		return model.Experience{}, err
	}

	rec, ok, err := getExperienceRecord(wtx, id)
	if err != nil || !ok || rec.CollectiveID != collective {
		e.abortWrite(wtx)
		if err != nil {
			return model.Experience{}, err
		}
		return model.Experience{}, ErrNotFound
	}

	if patch.Importance != nil {
		rec.Importance = *patch.Importance
	}
	if patch.Confidence != nil {
		rec.Confidence = *patch.Confidence
	}
	if patch.DomainTags != nil {
		rec.DomainTags = *patch.DomainTags
	}
	rec.UpdatedAtMillis = nowMillis()

	raw, err := encoding.EncodeGob(rec)
	if err != nil {
		e.abortWrite(wtx)
		return model.Experience{}, err
	}
	if err := wtx.Put(kv.BucketExperiences, id[:], raw); err != nil {
		e.abortWrite(wtx)
		return model.Experience{}, err
	}

	csn, err := wtx.BumpCSN()
	if err != nil {
		e.abortWrite(wtx)
		return model.Experience{}, err
	}
	if err := e.commitWrite(wtx); err != nil {
		return model.Experience{}, err
	}

	e.publish(collective, id, watch.Updated, csn, rec.DomainTags, rec.Importance)

	emb, err := e.readEmbedding(ctx, collective, id)
	if err != nil {
		return model.Experience{}, err
	}
	return rec.toExperience(emb), nil
}

func (e *Engine) readEmbedding(ctx context.Context, collective, id model.ID) ([]float32, error) {
	rtx, err := e.beginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer rtx.Rollback()
	col, ok, err := e.catalog.GetCollectiveTx(rtx, collective)
	if err != nil || !ok {
		return nil, err
	}
	return getEmbedding(rtx, kv.BucketEmbeddings, id, col.EmbeddingDimension)
}

// ArchiveExperience removes an experience from the vector index while
// keeping its KV rows, so it no longer appears in similarity or recency
// results. Idempotent.
func (e *Engine) ArchiveExperience(ctx context.Context, collective, id model.ID) error {
	return e.setArchived(ctx, collective, id, true, watch.Archived)
}

// UnarchiveExperience re-inserts a previously archived experience into
// the vector index. Idempotent.
func (e *Engine) UnarchiveExperience(ctx context.Context, collective, id model.ID) error {
	return e.setArchived(ctx, collective, id, false, watch.Updated)
}

func (e *Engine) setArchived(ctx context.Context, collective, id model.ID, archived bool, evType watch.EventType) error {
	wtx, err := e.beginWrite(ctx)
	if err != nil {
		return err
	}

	rec, ok, err := getExperienceRecord(wtx, id)
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
	emb, err := getEmbedding(wtx, kv.BucketEmbeddings, id, col.EmbeddingDimension)
	if err != nil {
		e.abortWrite(wtx)
		return err
	}

	if rec.Archived == archived {
		e.abortWrite(wtx)
		return nil // idempotent no-op
	}
	rec.Archived = archived
	rec.UpdatedAtMillis = nowMillis()

	raw, err := encoding.EncodeGob(rec)
	if err != nil {
		e.abortWrite(wtx)
		return err
	}
	if err := wtx.Put(kv.BucketExperiences, id[:], raw); err != nil {
		e.abortWrite(wtx)
		return err
	}

	idx, err := e.catalog.Index(collective)
	if err != nil {
		e.abortWrite(wtx)
		return err
	}
	if archived {
		if err := idx.Delete(index.ID(id)); err != nil && !errors.Is(err, index.ErrNotFound) {
			e.abortWrite(wtx)
			return err
		}
	} else {
		if err := idx.Insert(index.ID(id), emb); err != nil {
			e.abortWrite(wtx)
			return err
		}
	}

	csn, err := wtx.BumpCSN()
	if err != nil {
		e.abortWrite(wtx)
		return err
	}
	if err := e.commitWrite(wtx); err != nil {
		// Undo the in-memory index mutation performed above the commit
		// failure, so the graph doesn't drift from the unchanged KV rows.
		if archived {
			idx.Insert(index.ID(id), emb)
		} else {
			idx.Delete(index.ID(id))
		}
		return err
	}

	e.publish(collective, id, evType, csn, rec.DomainTags, rec.Importance)
	if archived {
		if _, err := idx.CompactIfDue(e.rebuildRatio); err != nil {
			e.log.Warn().Err(err).Msg("engine: compact experience index")
		}
	}
	return nil
}

// DeleteExperience removes the experience row, its embedding, index
// rows, cascades any relation referencing it, and tombstones it in the
// vector index. A second delete of an already-deleted id returns
// ErrNotFound without further state change.
func (e *Engine) DeleteExperience(ctx context.Context, collective, id model.ID) error {
	wtx, err := e.beginWrite(ctx)
	if err != nil {
		return err
	}

	rec, ok, err := getExperienceRecord(wtx, id)
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
	emb, err := getEmbedding(wtx, kv.BucketEmbeddings, id, col.EmbeddingDimension)
	if err != nil {
		e.abortWrite(wtx)
		return err
	}

	if err := wtx.Delete(kv.BucketExperiences, id[:]); err != nil {
		e.abortWrite(wtx)
		return err
	}
	if err := wtx.Delete(kv.BucketEmbeddings, id[:]); err != nil {
		e.abortWrite(wtx)
		return err
	}
	ck := encoding.ExpByCollectiveKey([16]byte(collective), rec.CreatedAtMillis, [16]byte(id))
	if err := wtx.Delete(kv.BucketExpByCollective, ck); err != nil {
		e.abortWrite(wtx)
		return err
	}
	tk := encoding.ExpByTypeKey([16]byte(collective), typeTag(rec.Type), [16]byte(id))
	if err := wtx.Delete(kv.BucketExpByType, tk); err != nil {
		e.abortWrite(wtx)
		return err
	}

	if err := e.cascadeDeleteRelationsTx(wtx, id); err != nil {
		e.abortWrite(wtx)
		return err
	}

	idx, err := e.catalog.Index(collective)
	if err != nil {
		e.abortWrite(wtx)
		return err
	}
	if err := idx.Delete(index.ID(id)); err != nil && !errors.Is(err, index.ErrNotFound) {
		e.abortWrite(wtx)
		return err
	}

	csn, err := wtx.BumpCSN()
	if err != nil {
		e.abortWrite(wtx)
		return err
	}
	if err := e.commitWrite(wtx); err != nil {
		// The tombstone above never landed in KV; restore the entry as
		// live so the index doesn't drift from the still-present row.
		idx.Insert(index.ID(id), emb)
		return err
	}

	e.publish(collective, id, watch.Deleted, csn, rec.DomainTags, rec.Importance)
	if _, err := idx.CompactIfDue(e.rebuildRatio); err != nil {
		e.log.Warn().Err(err).Msg("engine: compact experience index")
	}
	return nil
}

// ReinforceExperience atomically increments application_count and
// returns the new value.
func (e *Engine) ReinforceExperience(ctx context.Context, collective, id model.ID) (int64, error) {
	wtx, err := e.beginWrite(ctx)
	if err != nil {
		return 0, err
	}

	rec, ok, err := getExperienceRecord(wtx, id)
	if err != nil || !ok || rec.CollectiveID != collective {
		e.abortWrite(wtx)
		if err != nil {
			return 0, err
		}
		return 0, ErrNotFound
	}

	rec.ApplicationCount++
	rec.UpdatedAtMillis = nowMillis()
	raw, err := encoding.EncodeGob(rec)
	if err != nil {
		e.abortWrite(wtx)
		return 0, err
	}
	if err := wtx.Put(kv.BucketExperiences, id[:], raw); err != nil {
		e.abortWrite(wtx)
		return 0, err
	}

	if _, err := wtx.BumpCSN(); err != nil {
		e.abortWrite(wtx)
		return 0, err
	}
	if err := e.commitWrite(wtx); err != nil {
		return 0, err
	}
	return rec.ApplicationCount, nil
}
