package engine

import (
	"context"
	"os"
	"time"

	"github.com/pulsedb/pulsedb/internal/encoding"
	"github.com/pulsedb/pulsedb/pkg/catalog"
	"github.com/pulsedb/pulsedb/pkg/kv"
	"github.com/pulsedb/pulsedb/pkg/model"
)

// CreateCollective registers a new isolation boundary with its own pair
// of HNSW graphs. It acquires the cross-process writer lock directly
// (not through beginWrite/commitWrite) and holds it for the duration,
// since catalog.CreateCollective manages its own KV transaction.
func (e *Engine) CreateCollective(ctx context.Context, name, owner string, dim int) (model.Collective, error) {
	if e.lock != nil {
		if err := e.lock.Acquire(ctx, e.lockWait); err != nil {
			return model.Collective{}, err
		}
		defer e.lock.Release()
	}

	id, err := model.NewID()
	if err != nil {
		return model.Collective{}, err
	}
	col := model.Collective{
		ID:                 id,
		Name:               name,
		Owner:              owner,
		EmbeddingDimension: dim,
		CreatedAt:          time.UnixMilli(nowMillis()),
	}
	if err := e.catalog.CreateCollective(col); err != nil {
		return model.Collective{}, err
	}
	return col, nil
}

// GetCollective returns a collective's metadata.
func (e *Engine) GetCollective(ctx context.Context, id model.ID) (model.Collective, bool, error) {
	return e.catalog.GetCollective(id)
}

// DeleteCollective removes every row scoped to a collective — its
// experiences, embeddings, secondary indexes, relations, insights, and
// activities — in a single write transaction, then drops the catalog
// entry and HNSW handles.
func (e *Engine) DeleteCollective(ctx context.Context, id model.ID) error {
	wtx, err := e.beginWrite(ctx)
	if err != nil {
		return err
	}

	if err := deleteRelationsForCollective(wtx, id); err != nil {
		e.abortWrite(wtx)
		return err
	}
	if err := deleteExperiencesForCollective(wtx, id); err != nil {
		e.abortWrite(wtx)
		return err
	}
	if err := deleteBucketPrefix(wtx, kv.BucketInsights, id[:]); err != nil {
		e.abortWrite(wtx)
		return err
	}
	if err := deleteBucketPrefix(wtx, kv.BucketInsightEmbeddings, id[:]); err != nil {
		e.abortWrite(wtx)
		return err
	}
	if err := deleteBucketPrefix(wtx, kv.BucketActivities, id[:]); err != nil {
		e.abortWrite(wtx)
		return err
	}

	if _, err := wtx.BumpCSN(); err != nil {
		e.abortWrite(wtx)
		return err
	}
	if err := e.commitWrite(wtx); err != nil {
		return err
	}

	if err := e.catalog.DeleteCollective(id); err != nil {
		return err
	}

	if e.hnswDir != "" {
		expPath, insPath := catalog.SidecarPaths(e.hnswDir, id)
		_ = os.Remove(expPath)
		_ = os.Remove(insPath)
	}
	return nil
}

// deleteExperiencesForCollective removes every experience, embedding,
// and secondary-index row owned by a collective. Experiences aren't
// keyed by collective prefix directly (they're keyed by experience id),
// so this walks exp_by_collective — which is collective-prefixed — to
// discover which ids to delete, collecting first to avoid mutating a
// bucket the scan hasn't finished reading.
func deleteExperiencesForCollective(wtx *kv.WriteTx, collective model.ID) error {
	type target struct {
		id        model.ID
		createdAt int64
		typeTag   byte
	}
	var targets []target
	err := wtx.ScanPrefix(kv.BucketExpByCollective, collective[:], func(k, _ []byte) error {
		createdAt, id, ok := encoding.SplitExpByCollectiveKey(k)
		if !ok {
			return nil
		}
		rec, ok, err := getExperienceRecord(wtx, id)
		if err != nil || !ok {
			return err
		}
		targets = append(targets, target{id: id, createdAt: createdAt, typeTag: typeTag(rec.Type)})
		return nil
	})
	if err != nil {
		return err
	}
	for _, t := range targets {
		if err := wtx.Delete(kv.BucketExperiences, t.id[:]); err != nil {
			return err
		}
		if err := wtx.Delete(kv.BucketEmbeddings, t.id[:]); err != nil {
			return err
		}
		ck := encoding.ExpByCollectiveKey([16]byte(collective), t.createdAt, [16]byte(t.id))
		if err := wtx.Delete(kv.BucketExpByCollective, ck); err != nil {
			return err
		}
		tk := encoding.ExpByTypeKey([16]byte(collective), t.typeTag, [16]byte(t.id))
		if err := wtx.Delete(kv.BucketExpByType, tk); err != nil {
			return err
		}
	}
	return nil
}

// deleteRelationsForCollective removes relations whose endpoints belong
// to the collective. It walks the relations table directly and resolves
// each relation's source through the experiences bucket, so it must run
// before deleteExperiencesForCollective removes those rows; checking
// the source alone suffices because StoreRelation forbids
// cross-collective endpoints.
func deleteRelationsForCollective(wtx *kv.WriteTx, collective model.ID) error {
	var toDelete []relationRecord
	err := wtx.ScanPrefix(kv.BucketRelations, nil, func(_, v []byte) error {
		var rec relationRecord
		if err := encoding.DecodeGob(v, &rec); err != nil {
			return err
		}
		srcRec, ok, err := getExperienceRecord(wtx, rec.SourceID)
		if err == nil && ok && srcRec.CollectiveID == collective {
			toDelete = append(toDelete, rec)
			return nil
		}
		return err
	})
	if err != nil {
		return err
	}
	for _, rec := range toDelete {
		if err := wtx.Delete(kv.BucketRelations, rec.ID[:]); err != nil {
			return err
		}
		if err := wtx.Delete(kv.BucketRelationsBySource, encoding.RelKey([16]byte(rec.SourceID), [16]byte(rec.ID))); err != nil {
			return err
		}
		if err := wtx.Delete(kv.BucketRelationsByTarget, encoding.RelKey([16]byte(rec.TargetID), [16]byte(rec.ID))); err != nil {
			return err
		}
	}
	return nil
}

func deleteBucketPrefix(wtx *kv.WriteTx, bucket, prefix []byte) error {
	var keys [][]byte
	err := wtx.ScanPrefix(bucket, prefix, func(k, _ []byte) error {
		cp := append([]byte{}, k...)
		keys = append(keys, cp)
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := wtx.Delete(bucket, k); err != nil {
			return err
		}
	}
	return nil
}
