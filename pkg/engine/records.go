package engine

import "github.com/pulsedb/pulsedb/pkg/model"

// experienceRecord is the on-disk shape of the experiences table: every
// Experience field except Embedding, which is stored separately in the
// embeddings table as raw little-endian f32, to keep the hot read/write
// path off the heavier struct encoding.
type experienceRecord struct {
	ID               model.ID
	CollectiveID     model.ID
	Content          string
	Type             model.ExperienceType
	Detail           model.TypeDetail
	Importance       float64
	Confidence       float64
	ApplicationCount int64
	DomainTags       []string
	SourceFiles      []string
	AgentID          string
	Archived         bool
	CreatedAtMillis  int64
	UpdatedAtMillis  int64
}

func toRecord(e model.Experience) experienceRecord {
	return experienceRecord{
		ID:               e.ID,
		CollectiveID:     e.CollectiveID,
		Content:          e.Content,
		Type:             e.Type,
		Detail:           e.Detail,
		Importance:       e.Importance,
		Confidence:       e.Confidence,
		ApplicationCount: e.ApplicationCount,
		DomainTags:       e.DomainTags,
		SourceFiles:      e.SourceFiles,
		AgentID:          e.AgentID,
		Archived:         e.Archived,
		CreatedAtMillis:  e.CreatedAt.UnixMilli(),
		UpdatedAtMillis:  e.UpdatedAt.UnixMilli(),
	}
}

func (r experienceRecord) toExperience(embedding []float32) model.Experience {
	return model.Experience{
		ID:               r.ID,
		CollectiveID:     r.CollectiveID,
		Content:          r.Content,
		Embedding:        embedding,
		Type:             r.Type,
		Detail:           r.Detail,
		Importance:       r.Importance,
		Confidence:       r.Confidence,
		ApplicationCount: r.ApplicationCount,
		DomainTags:       r.DomainTags,
		SourceFiles:      r.SourceFiles,
		AgentID:          r.AgentID,
		Archived:         r.Archived,
		CreatedAt:        fromMillis(r.CreatedAtMillis),
		UpdatedAt:        fromMillis(r.UpdatedAtMillis),
	}
}

// insightRecord mirrors experienceRecord's embedding-separation for
// DerivedInsight.
type insightRecord struct {
	ID                  model.ID
	CollectiveID        model.ID
	Content             string
	SourceExperienceIDs []model.ID
	Type                string
	Confidence          float64
	CreatedAtMillis     int64
}

func toInsightRecord(in model.DerivedInsight) insightRecord {
	return insightRecord{
		ID:                  in.ID,
		CollectiveID:        in.CollectiveID,
		Content:             in.Content,
		SourceExperienceIDs: in.SourceExperienceIDs,
		Type:                in.Type,
		Confidence:          in.Confidence,
		CreatedAtMillis:     in.CreatedAt.UnixMilli(),
	}
}

func (r insightRecord) toInsight(embedding []float32) model.DerivedInsight {
	return model.DerivedInsight{
		ID:                  r.ID,
		CollectiveID:        r.CollectiveID,
		Content:             r.Content,
		Embedding:           embedding,
		SourceExperienceIDs: r.SourceExperienceIDs,
		Type:                r.Type,
		Confidence:          r.Confidence,
		CreatedAt:           fromMillis(r.CreatedAtMillis),
	}
}

// relationRecord is the on-disk shape of the relations table.
type relationRecord struct {
	ID              model.ID
	SourceID        model.ID
	TargetID        model.ID
	Type            model.RelationType
	Strength        float64
	CreatedAtMillis int64
}

func toRelationRecord(r model.ExperienceRelation) relationRecord {
	return relationRecord{
		ID:              r.ID,
		SourceID:        r.SourceID,
		TargetID:        r.TargetID,
		Type:            r.Type,
		Strength:        r.Strength,
		CreatedAtMillis: r.CreatedAt.UnixMilli(),
	}
}

func (r relationRecord) toRelation() model.ExperienceRelation {
	return model.ExperienceRelation{
		ID:        r.ID,
		SourceID:  r.SourceID,
		TargetID:  r.TargetID,
		Type:      r.Type,
		Strength:  r.Strength,
		CreatedAt: fromMillis(r.CreatedAtMillis),
	}
}

// activityRecord is the on-disk shape of the activities table.
type activityRecord struct {
	CollectiveID         model.ID
	AgentID              string
	CurrentTask          string
	StartedAtMillis      int64
	LastHeartbeatMillis  int64
}

func toActivityRecord(a model.Activity) activityRecord {
	return activityRecord{
		CollectiveID:        a.CollectiveID,
		AgentID:             a.AgentID,
		CurrentTask:         a.CurrentTask,
		StartedAtMillis:     a.StartedAt.UnixMilli(),
		LastHeartbeatMillis: a.LastHeartbeat.UnixMilli(),
	}
}

func (r activityRecord) toActivity() model.Activity {
	return model.Activity{
		CollectiveID:  r.CollectiveID,
		AgentID:       r.AgentID,
		CurrentTask:   r.CurrentTask,
		StartedAt:     fromMillis(r.StartedAtMillis),
		LastHeartbeat: fromMillis(r.LastHeartbeatMillis),
	}
}
