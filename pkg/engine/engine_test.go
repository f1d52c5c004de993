package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pulsedb/pulsedb/internal/lockfile"
	"github.com/pulsedb/pulsedb/pkg/catalog"
	"github.com/pulsedb/pulsedb/pkg/index"
	"github.com/pulsedb/pulsedb/pkg/kv"
	"github.com/pulsedb/pulsedb/pkg/model"
	"github.com/pulsedb/pulsedb/pkg/watch"
)

func openTestEngine(t *testing.T) (*Engine, model.Collective) {
	t.Helper()
	dir := t.TempDir()
	store, err := kv.Open(filepath.Join(dir, "test.pulsedb"), kv.Options{})
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	params := func(int) index.Params { return index.Params{M: 8, EfConstruction: 50, EfSearch: 20} }
	cat := catalog.New(store, index.CosineDistance, params)
	lock := lockfile.New(filepath.Join(dir, "test.lock"))
	watchReg := watch.NewRegistry(16)
	poller := watch.NewPoller(watchReg, 16)

	e := New(Options{
		KV:                store,
		Catalog:           cat,
		WriterLock:        lock,
		WriterLockTimeout: time.Second,
		Watch:             watchReg,
		Poller:            poller,
		ProviderKind:      ProviderExternal,
		Limits:            Limits{StaleAgentThreshold: time.Minute},
	})

	col, err := e.CreateCollective(context.Background(), "default", "tester", 3)
	if err != nil {
		t.Fatalf("CreateCollective: %v", err)
	}
	return e, col
}

func TestRecordAndGetExperience(t *testing.T) {
	e, col := openTestEngine(t)
	ctx := context.Background()

	exp, err := e.RecordExperience(ctx, model.NewExperience{
		CollectiveID: col.ID,
		Content:      "panics on nil config",
		Embedding:    []float32{1, 0, 0},
		Type:         model.TypeErrorPattern,
		Importance:   0.8,
		Confidence:   0.9,
	})
	if err != nil {
		t.Fatalf("RecordExperience: %v", err)
	}

	got, ok, err := e.GetExperience(ctx, col.ID, exp.ID)
	if err != nil {
		t.Fatalf("GetExperience: %v", err)
	}
	if !ok {
		t.Fatal("expected experience to exist")
	}
	if got.Content != exp.Content {
		t.Fatalf("content mismatch: got %q", got.Content)
	}
}

func TestRecordExperienceRejectsDimensionMismatch(t *testing.T) {
	e, col := openTestEngine(t)
	_, err := e.RecordExperience(context.Background(), model.NewExperience{
		CollectiveID: col.ID,
		Content:      "bad vec",
		Embedding:    []float32{1, 0},
	})
	if err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestUpdateExperiencePatchesMutableFields(t *testing.T) {
	e, col := openTestEngine(t)
	ctx := context.Background()

	exp, err := e.RecordExperience(ctx, model.NewExperience{
		CollectiveID: col.ID, Content: "x", Embedding: []float32{1, 0, 0},
	})
	if err != nil {
		t.Fatalf("RecordExperience: %v", err)
	}

	newImportance := 0.42
	updated, err := e.UpdateExperience(ctx, col.ID, exp.ID, model.ExperiencePatch{Importance: &newImportance})
	if err != nil {
		t.Fatalf("UpdateExperience: %v", err)
	}
	if updated.Importance != 0.42 {
		t.Fatalf("expected importance 0.42, got %v", updated.Importance)
	}
	if updated.Content != exp.Content {
		t.Fatal("content must stay immutable")
	}
}

func TestArchiveExcludesFromSearchButKeepsRow(t *testing.T) {
	e, col := openTestEngine(t)
	ctx := context.Background()

	exp, err := e.RecordExperience(ctx, model.NewExperience{
		CollectiveID: col.ID, Content: "x", Embedding: []float32{1, 0, 0},
	})
	if err != nil {
		t.Fatalf("RecordExperience: %v", err)
	}

	if err := e.ArchiveExperience(ctx, col.ID, exp.ID); err != nil {
		t.Fatalf("ArchiveExperience: %v", err)
	}

	hits, err := e.SearchSimilar(ctx, col.ID, []float32{1, 0, 0}, 5, SearchFilter{})
	if err != nil {
		t.Fatalf("SearchSimilar: %v", err)
	}
	for _, h := range hits {
		if h.Experience.ID == exp.ID {
			t.Fatal("archived experience must not appear in default search")
		}
	}

	hitsArchived, err := e.SearchSimilar(ctx, col.ID, []float32{1, 0, 0}, 5, SearchFilter{IncludeArchived: true})
	if err != nil {
		t.Fatalf("SearchSimilar with IncludeArchived: %v", err)
	}
	found := false
	for _, h := range hitsArchived {
		if h.Experience.ID == exp.ID {
			found = true
		}
	}
	if !found {
		t.Fatal("expected archived experience to appear when IncludeArchived is set")
	}

	got, ok, err := e.GetExperience(ctx, col.ID, exp.ID)
	if err != nil || !ok {
		t.Fatalf("expected archived experience row to still exist, ok=%v err=%v", ok, err)
	}
	if !got.Archived {
		t.Fatal("expected Archived=true")
	}
}

func TestDeleteExperienceCascadesRelations(t *testing.T) {
	e, col := openTestEngine(t)
	ctx := context.Background()

	a, err := e.RecordExperience(ctx, model.NewExperience{CollectiveID: col.ID, Content: "a", Embedding: []float32{1, 0, 0}})
	if err != nil {
		t.Fatalf("RecordExperience a: %v", err)
	}
	b, err := e.RecordExperience(ctx, model.NewExperience{CollectiveID: col.ID, Content: "b", Embedding: []float32{0, 1, 0}})
	if err != nil {
		t.Fatalf("RecordExperience b: %v", err)
	}
	rel, err := e.StoreRelation(ctx, col.ID, a.ID, b.ID, model.RelSupports, 0.5)
	if err != nil {
		t.Fatalf("StoreRelation: %v", err)
	}

	if err := e.DeleteExperience(ctx, col.ID, a.ID); err != nil {
		t.Fatalf("DeleteExperience: %v", err)
	}

	related, err := e.GetRelatedExperiences(ctx, b.ID, model.DirBoth)
	if err != nil {
		t.Fatalf("GetRelatedExperiences: %v", err)
	}
	for _, r := range related {
		if r.ID == rel.ID {
			t.Fatal("expected relation to be cascade-deleted with its endpoint")
		}
	}
}

func TestDeleteExperienceIsNotFoundOnSecondCall(t *testing.T) {
	e, col := openTestEngine(t)
	ctx := context.Background()
	exp, err := e.RecordExperience(ctx, model.NewExperience{CollectiveID: col.ID, Content: "x", Embedding: []float32{1, 0, 0}})
	if err != nil {
		t.Fatalf("RecordExperience: %v", err)
	}
	if err := e.DeleteExperience(ctx, col.ID, exp.ID); err != nil {
		t.Fatalf("first DeleteExperience: %v", err)
	}
	if err := e.DeleteExperience(ctx, col.ID, exp.ID); err != ErrNotFound {
		t.Fatalf("second DeleteExperience: got %v, want ErrNotFound", err)
	}
}

func TestReinforceExperienceIncrementsCount(t *testing.T) {
	e, col := openTestEngine(t)
	ctx := context.Background()
	exp, err := e.RecordExperience(ctx, model.NewExperience{CollectiveID: col.ID, Content: "x", Embedding: []float32{1, 0, 0}})
	if err != nil {
		t.Fatalf("RecordExperience: %v", err)
	}
	n, err := e.ReinforceExperience(ctx, col.ID, exp.ID)
	if err != nil {
		t.Fatalf("ReinforceExperience: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected application_count 1, got %d", n)
	}
	n, err = e.ReinforceExperience(ctx, col.ID, exp.ID)
	if err != nil {
		t.Fatalf("ReinforceExperience 2nd: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected application_count 2, got %d", n)
	}
}

func TestStoreRelationRejectsDuplicate(t *testing.T) {
	e, col := openTestEngine(t)
	ctx := context.Background()
	a, _ := e.RecordExperience(ctx, model.NewExperience{CollectiveID: col.ID, Content: "a", Embedding: []float32{1, 0, 0}})
	b, _ := e.RecordExperience(ctx, model.NewExperience{CollectiveID: col.ID, Content: "b", Embedding: []float32{0, 1, 0}})

	if _, err := e.StoreRelation(ctx, col.ID, a.ID, b.ID, model.RelSupports, 0.5); err != nil {
		t.Fatalf("StoreRelation: %v", err)
	}
	if _, err := e.StoreRelation(ctx, col.ID, a.ID, b.ID, model.RelSupports, 0.9); err != ErrDuplicateRelation {
		t.Fatalf("expected ErrDuplicateRelation, got %v", err)
	}
}

func TestStoreRelationRejectsSelfReference(t *testing.T) {
	e, col := openTestEngine(t)
	ctx := context.Background()
	a, _ := e.RecordExperience(ctx, model.NewExperience{CollectiveID: col.ID, Content: "a", Embedding: []float32{1, 0, 0}})
	if _, err := e.StoreRelation(ctx, col.ID, a.ID, a.ID, model.RelSupports, 0.5); err == nil {
		t.Fatal("expected self-relation to be rejected")
	}
}

func TestStoreAndGetInsights(t *testing.T) {
	e, col := openTestEngine(t)
	ctx := context.Background()

	in, err := e.StoreInsight(ctx, model.DerivedInsight{
		CollectiveID: col.ID, Content: "prefer table-driven tests", Embedding: []float32{1, 0, 0},
	})
	if err != nil {
		t.Fatalf("StoreInsight: %v", err)
	}

	got, err := e.GetInsights(ctx, col.ID, []float32{1, 0, 0}, 5)
	if err != nil {
		t.Fatalf("GetInsights: %v", err)
	}
	if len(got) != 1 || got[0].ID != in.ID {
		t.Fatalf("expected to find stored insight, got %+v", got)
	}
}

func TestActivityLifecycle(t *testing.T) {
	e, col := openTestEngine(t)
	ctx := context.Background()

	if _, err := e.RegisterActivity(ctx, col.ID, "agent-1", "writing tests"); err != nil {
		t.Fatalf("RegisterActivity: %v", err)
	}
	active, err := e.GetActiveAgents(ctx, col.ID)
	if err != nil {
		t.Fatalf("GetActiveAgents: %v", err)
	}
	if len(active) != 1 || active[0].AgentID != "agent-1" {
		t.Fatalf("expected one active agent, got %+v", active)
	}

	if err := e.UpdateHeartbeat(ctx, col.ID, "agent-1"); err != nil {
		t.Fatalf("UpdateHeartbeat: %v", err)
	}
	if err := e.EndActivity(ctx, col.ID, "agent-1"); err != nil {
		t.Fatalf("EndActivity: %v", err)
	}
	active, err = e.GetActiveAgents(ctx, col.ID)
	if err != nil {
		t.Fatalf("GetActiveAgents after end: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active agents after EndActivity, got %+v", active)
	}
}

func TestGetContextCandidatesComposesSubResults(t *testing.T) {
	e, col := openTestEngine(t)
	ctx := context.Background()

	exp, err := e.RecordExperience(ctx, model.NewExperience{CollectiveID: col.ID, Content: "x", Embedding: []float32{1, 0, 0}})
	if err != nil {
		t.Fatalf("RecordExperience: %v", err)
	}
	if _, err := e.RegisterActivity(ctx, col.ID, "agent-1", "task"); err != nil {
		t.Fatalf("RegisterActivity: %v", err)
	}

	out, err := e.GetContextCandidates(ctx, ContextRequest{
		Collective:          col.ID,
		Query:               []float32{1, 0, 0},
		MaxSimilar:          5,
		MaxRecent:           5,
		IncludeActiveAgents: true,
	})
	if err != nil {
		t.Fatalf("GetContextCandidates: %v", err)
	}
	if len(out.Similar) != 1 || out.Similar[0].Experience.ID != exp.ID {
		t.Fatalf("expected similar to include recorded experience: %+v", out.Similar)
	}
	if len(out.Recent) != 1 || out.Recent[0].ID != exp.ID {
		t.Fatalf("expected recent to include recorded experience: %+v", out.Recent)
	}
	if len(out.ActiveAgents) != 1 {
		t.Fatalf("expected one active agent, got %+v", out.ActiveAgents)
	}
}

func TestWatchPublishesOnRecordExperience(t *testing.T) {
	e, col := openTestEngine(t)
	ctx := context.Background()

	sub := e.watchReg.Subscribe([16]byte(col.ID), watch.Filter{})
	defer e.watchReg.Unsubscribe([16]byte(col.ID), sub)

	exp, err := e.RecordExperience(ctx, model.NewExperience{CollectiveID: col.ID, Content: "x", Embedding: []float32{1, 0, 0}})
	if err != nil {
		t.Fatalf("RecordExperience: %v", err)
	}

	select {
	case ev := <-sub.Events():
		if ev.ExperienceID != [16]byte(exp.ID) || ev.Type != watch.Created {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected a Created event to be published")
	}
}

func TestDeleteCollectiveRemovesOwnedRows(t *testing.T) {
	e, col := openTestEngine(t)
	ctx := context.Background()
	exp, err := e.RecordExperience(ctx, model.NewExperience{CollectiveID: col.ID, Content: "x", Embedding: []float32{1, 0, 0}})
	if err != nil {
		t.Fatalf("RecordExperience: %v", err)
	}

	if err := e.DeleteCollective(ctx, col.ID); err != nil {
		t.Fatalf("DeleteCollective: %v", err)
	}

	if _, ok, err := e.GetCollective(ctx, col.ID); err != nil || ok {
		t.Fatalf("expected collective gone, ok=%v err=%v", ok, err)
	}
	if _, ok, err := e.GetExperience(ctx, col.ID, exp.ID); err != nil || ok {
		t.Fatalf("expected experience gone with its collective, ok=%v err=%v", ok, err)
	}
}
