package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/pulsedb/pulsedb/internal/encoding"
	"github.com/pulsedb/pulsedb/pkg/kv"
	"github.com/pulsedb/pulsedb/pkg/model"
)

var ErrDuplicateRelation = errors.New("engine: relation already exists")

func getRelationRecord(r reader, id model.ID) (relationRecord, bool, error) {
	raw := r.Get(kv.BucketRelations, id[:])
	if raw == nil {
		return relationRecord{}, false, nil
	}
	var rec relationRecord
	if err := encoding.DecodeGob(raw, &rec); err != nil {
		return relationRecord{}, false, err
	}
	return rec, true, nil
}

// StoreRelation validates non-self, same-collective endpoints and
// rejects a duplicate (source, target, type) triple.
func (e *Engine) StoreRelation(ctx context.Context, collective model.ID, sourceID, targetID model.ID, relType model.RelationType, strength float64) (model.ExperienceRelation, error) {
	if err := validateRelation(collective, collective, sourceID, targetID); err != nil {
		return model.ExperienceRelation{}, err
	}
	if err := validateUnitInterval("strength", strength); err != nil {
		return model.ExperienceRelation{}, err
	}

	wtx, err := e.beginWrite(ctx)
	if err != nil {
		return model.ExperienceRelation{}, err
	}

	srcRec, ok, err := getExperienceRecord(wtx, sourceID)
	if err != nil || !ok || srcRec.CollectiveID != collective {
		e.abortWrite(wtx)
		if err != nil {
			return model.ExperienceRelation{}, err
		}
		return model.ExperienceRelation{}, fmt.Errorf("engine: unknown source experience")
	}
	tgtRec, ok, err := getExperienceRecord(wtx, targetID)
	if err != nil || !ok || tgtRec.CollectiveID != collective {
		e.abortWrite(wtx)
		if err != nil {
			return model.ExperienceRelation{}, err
		}
		return model.ExperienceRelation{}, fmt.Errorf("engine: unknown target experience")
	}

	dup, err := e.relationExists(wtx, sourceID, targetID, relType)
	if err != nil {
		e.abortWrite(wtx)
		return model.ExperienceRelation{}, err
	}
	if dup {
		e.abortWrite(wtx)
		return model.ExperienceRelation{}, ErrDuplicateRelation
	}

	id, err := model.NewID()
	if err != nil {
		e.abortWrite(wtx)
		return model.ExperienceRelation{}, err
	}
	rel := model.ExperienceRelation{
		ID: id, SourceID: sourceID, TargetID: targetID,
		Type: relType, Strength: strength, CreatedAt: fromMillis(nowMillis()),
	}
	if err := e.writeRelationRows(wtx, rel); err != nil {
		e.abortWrite(wtx)
		return model.ExperienceRelation{}, err
	}

	if _, err := wtx.BumpCSN(); err != nil {
		e.abortWrite(wtx)
		return model.ExperienceRelation{}, err
	}
	if err := e.commitWrite(wtx); err != nil {
		return model.ExperienceRelation{}, err
	}
	return rel, nil
}

func (e *Engine) relationExists(r reader, source, target model.ID, relType model.RelationType) (bool, error) {
	scanner, ok := r.(interface {
		ScanPrefix(bucket, prefix []byte, fn func(key, value []byte) error) error
	})
	if !ok {
		return false, nil
	}
	prefix := source[:]
	found := false
	err := scanner.ScanPrefix(kv.BucketRelationsBySource, prefix, func(k, _ []byte) error {
		if len(k) != 32 {
			return nil
		}
		var relID model.ID
		copy(relID[:], k[16:32])
		rec, ok, err := getRelationRecord(r, relID)
		if err != nil {
			return err
		}
		if ok && rec.TargetID == target && rec.Type == relType {
			found = true
		}
		return nil
	})
	return found, err
}

func (e *Engine) writeRelationRows(wtx *kv.WriteTx, rel model.ExperienceRelation) error {
	raw, err := encoding.EncodeGob(toRelationRecord(rel))
	if err != nil {
		return err
	}
	if err := wtx.Put(kv.BucketRelations, rel.ID[:], raw); err != nil {
		return err
	}
	if err := wtx.Put(kv.BucketRelationsBySource, encoding.RelKey([16]byte(rel.SourceID), [16]byte(rel.ID)), nil); err != nil {
		return err
	}
	return wtx.Put(kv.BucketRelationsByTarget, encoding.RelKey([16]byte(rel.TargetID), [16]byte(rel.ID)), nil)
}

// GetRelatedExperiences returns every relation touching id in the
// requested direction.
func (e *Engine) GetRelatedExperiences(ctx context.Context, id model.ID, dir model.RelationDirection) ([]model.ExperienceRelation, error) {
	rtx, err := e.beginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer rtx.Rollback()

	var out []model.ExperienceRelation
	seen := make(map[model.ID]bool)

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
			out = append(out, rec.toRelation())
			return nil
		})
	}

	if dir == model.DirOut || dir == model.DirBoth {
		if err := collect(kv.BucketRelationsBySource); err != nil {
			return nil, err
		}
	}
	if dir == model.DirIn || dir == model.DirBoth {
		if err := collect(kv.BucketRelationsByTarget); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DeleteRelation removes a relation directly by id.
func (e *Engine) DeleteRelation(ctx context.Context, id model.ID) error {
	wtx, err := e.beginWrite(ctx)
	if err != nil {
		return err
	}
	rec, ok, err := getRelationRecord(wtx, id)
	if err != nil || !ok {
		e.abortWrite(wtx)
		if err != nil {
			return err
		}
		return ErrNotFound
	}
	if err := e.deleteRelationRowsTx(wtx, rec); err != nil {
		e.abortWrite(wtx)
		return err
	}
	if _, err := wtx.BumpCSN(); err != nil {
		e.abortWrite(wtx)
		return err
	}
	return e.commitWrite(wtx)
}

func (e *Engine) deleteRelationRowsTx(wtx *kv.WriteTx, rec relationRecord) error {
	if err := wtx.Delete(kv.BucketRelations, rec.ID[:]); err != nil {
		return err
	}
	if err := wtx.Delete(kv.BucketRelationsBySource, encoding.RelKey([16]byte(rec.SourceID), [16]byte(rec.ID))); err != nil {
		return err
	}
	return wtx.Delete(kv.BucketRelationsByTarget, encoding.RelKey([16]byte(rec.TargetID), [16]byte(rec.ID)))
}

// cascadeDeleteRelationsTx removes every relation touching id, called
// from within DeleteExperience's write transaction so a deleted
// experience never leaves a dangling relation edge.
func (e *Engine) cascadeDeleteRelationsTx(wtx *kv.WriteTx, id model.ID) error {
	var toDelete []relationRecord
	collect := func(bucket []byte) error {
		return wtx.ScanPrefix(bucket, id[:], func(k, _ []byte) error {
			if len(k) != 32 {
				return nil
			}
			var relID model.ID
			copy(relID[:], k[16:32])
			rec, ok, err := getRelationRecord(wtx, relID)
			if err != nil || !ok {
				return err
			}
			toDelete = append(toDelete, rec)
			return nil
		})
	}
	if err := collect(kv.BucketRelationsBySource); err != nil {
		return err
	}
	if err := collect(kv.BucketRelationsByTarget); err != nil {
		return err
	}
	for _, rec := range toDelete {
		if err := e.deleteRelationRowsTx(wtx, rec); err != nil {
			return err
		}
	}
	return nil
}
