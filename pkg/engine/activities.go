package engine

import (
	"context"

	"github.com/pulsedb/pulsedb/internal/encoding"
	"github.com/pulsedb/pulsedb/pkg/kv"
	"github.com/pulsedb/pulsedb/pkg/model"
)

func getActivityRecord(r reader, collective model.ID, agentID string) (activityRecord, bool, error) {
	raw := r.Get(kv.BucketActivities, encoding.ActivityKey([16]byte(collective), agentID))
	if raw == nil {
		return activityRecord{}, false, nil
	}
	var rec activityRecord
	if err := encoding.DecodeGob(raw, &rec); err != nil {
		return activityRecord{}, false, err
	}
	return rec, true, nil
}

// RegisterActivity upserts an agent's presence marker for a collective.
func (e *Engine) RegisterActivity(ctx context.Context, collective model.ID, agentID, currentTask string) (model.Activity, error) {
	now := fromMillis(nowMillis())
	act := model.Activity{
		CollectiveID: collective, AgentID: agentID, CurrentTask: currentTask,
		StartedAt: now, LastHeartbeat: now,
	}

	wtx, err := e.beginWrite(ctx)
	if err != nil {
		return model.Activity{}, err
	}
	if err := e.putActivity(wtx, act); err != nil {
		e.abortWrite(wtx)
		return model.Activity{}, err
	}
	if _, err := wtx.BumpCSN(); err != nil {
		e.abortWrite(wtx)
		return model.Activity{}, err
	}
	if err := e.commitWrite(wtx); err != nil {
		return model.Activity{}, err
	}
	return act, nil
}

func (e *Engine) putActivity(wtx *kv.WriteTx, act model.Activity) error {
	raw, err := encoding.EncodeGob(toActivityRecord(act))
	if err != nil {
		return err
	}
	return wtx.Put(kv.BucketActivities, encoding.ActivityKey([16]byte(act.CollectiveID), act.AgentID), raw)
}

// UpdateHeartbeat writes only last_heartbeat for an existing activity.
func (e *Engine) UpdateHeartbeat(ctx context.Context, collective model.ID, agentID string) error {
	wtx, err := e.beginWrite(ctx)
	if err != nil {
		return err
	}
	rec, ok, err := getActivityRecord(wtx, collective, agentID)
	if err != nil || !ok {
		e.abortWrite(wtx)
		if err != nil {
			return err
		}
		return ErrNotFound
	}
	rec.LastHeartbeatMillis = nowMillis()
	raw, err := encoding.EncodeGob(rec)
	if err != nil {
		e.abortWrite(wtx)
		return err
	}
	if err := wtx.Put(kv.BucketActivities, encoding.ActivityKey([16]byte(collective), agentID), raw); err != nil {
		e.abortWrite(wtx)
		return err
	}
	if _, err := wtx.BumpCSN(); err != nil {
		e.abortWrite(wtx)
		return err
	}
	return e.commitWrite(wtx)
}

// EndActivity removes an agent's activity row.
func (e *Engine) EndActivity(ctx context.Context, collective model.ID, agentID string) error {
	wtx, err := e.beginWrite(ctx)
	if err != nil {
		return err
	}
	key := encoding.ActivityKey([16]byte(collective), agentID)
	if raw := wtx.Get(kv.BucketActivities, key); raw == nil {
		e.abortWrite(wtx)
		return ErrNotFound
	}
	if err := wtx.Delete(kv.BucketActivities, key); err != nil {
		e.abortWrite(wtx)
		return err
	}
	if _, err := wtx.BumpCSN(); err != nil {
		e.abortWrite(wtx)
		return err
	}
	return e.commitWrite(wtx)
}

// GetActiveAgents returns every agent in a collective whose last
// heartbeat is within the configured stale-agent threshold.
func (e *Engine) GetActiveAgents(ctx context.Context, collective model.ID) ([]model.Activity, error) {
	rtx, err := e.beginRead(ctx)
	if err != nil {
		return nil, err
	}
	defer rtx.Rollback()
	return e.getActiveAgentsTx(rtx, collective)
}

func (e *Engine) getActiveAgentsTx(rtx *kv.ReadTx, collective model.ID) ([]model.Activity, error) {
	cutoff := nowMillis() - e.limits.StaleAgentThreshold.Milliseconds()
	var out []model.Activity
	err := rtx.ScanPrefix(kv.BucketActivities, collective[:], func(_, v []byte) error {
		var rec activityRecord
		if err := encoding.DecodeGob(v, &rec); err != nil {
			return err
		}
		if rec.LastHeartbeatMillis >= cutoff {
			out = append(out, rec.toActivity())
		}
		return nil
	})
	return out, err
}
