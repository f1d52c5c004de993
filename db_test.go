package pulsedb

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	cfg := DefaultConfig(filepath.Join(t.TempDir(), "db"))
	db, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenCreateCollectiveRecordAndSearch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	col, err := db.CreateCollective(ctx, "proj", "agent-1", 3)
	if err != nil {
		t.Fatalf("CreateCollective: %v", err)
	}

	exp, err := db.RecordExperience(ctx, NewExperience{
		CollectiveID: col.ID,
		Content:      "nil pointer when config.Logger unset",
		Embedding:    []float32{1, 0, 0},
		Type:         TypeErrorPattern,
		Importance:   0.7,
		Confidence:   0.8,
	})
	if err != nil {
		t.Fatalf("RecordExperience: %v", err)
	}

	hits, err := db.SearchSimilar(ctx, col.ID, []float32{1, 0, 0}, 5, SearchFilter{})
	if err != nil {
		t.Fatalf("SearchSimilar: %v", err)
	}
	if len(hits) != 1 || hits[0].Experience.ID != exp.ID {
		t.Fatalf("expected one hit matching recorded experience, got %+v", hits)
	}
}

func TestReopenRecoversHNSWIndex(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	cfg := DefaultConfig(dir)

	db1, err := Open(cfg)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	ctx := context.Background()
	col, err := db1.CreateCollective(ctx, "proj", "agent-1", 3)
	if err != nil {
		t.Fatalf("CreateCollective: %v", err)
	}
	exp, err := db1.RecordExperience(ctx, NewExperience{
		CollectiveID: col.ID, Content: "x", Embedding: []float32{1, 0, 0},
	})
	if err != nil {
		t.Fatalf("RecordExperience: %v", err)
	}
	if err := db1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	db2, err := Open(cfg)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer db2.Close()

	hits, err := db2.SearchSimilar(ctx, col.ID, []float32{1, 0, 0}, 5, SearchFilter{})
	if err != nil {
		t.Fatalf("SearchSimilar after reopen: %v", err)
	}
	if len(hits) != 1 || hits[0].Experience.ID != exp.ID {
		t.Fatalf("expected recovered HNSW index to contain the experience, got %+v", hits)
	}
}

func TestDeleteCollectiveIsIsolatedFromOthers(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	colA, err := db.CreateCollective(ctx, "a", "", 3)
	if err != nil {
		t.Fatalf("CreateCollective a: %v", err)
	}
	colB, err := db.CreateCollective(ctx, "b", "", 3)
	if err != nil {
		t.Fatalf("CreateCollective b: %v", err)
	}
	expB, err := db.RecordExperience(ctx, NewExperience{CollectiveID: colB.ID, Content: "x", Embedding: []float32{1, 0, 0}})
	if err != nil {
		t.Fatalf("RecordExperience: %v", err)
	}

	if err := db.DeleteCollective(ctx, colA.ID); err != nil {
		t.Fatalf("DeleteCollective: %v", err)
	}

	got, ok, err := db.GetExperience(ctx, colB.ID, expB.ID)
	if err != nil || !ok {
		t.Fatalf("expected collective b's experience to survive deleting collective a, ok=%v err=%v", ok, err)
	}
	if got.ID != expB.ID {
		t.Fatalf("unexpected experience: %+v", got)
	}
}

func TestWatchSubscribeReceivesLifecycleEvents(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	col, err := db.CreateCollective(ctx, "proj", "", 3)
	if err != nil {
		t.Fatalf("CreateCollective: %v", err)
	}
	sub := db.Subscribe(col.ID, WatchFilter{})
	defer db.Unsubscribe(col.ID, sub)

	exp, err := db.RecordExperience(ctx, NewExperience{CollectiveID: col.ID, Content: "x", Embedding: []float32{1, 0, 0}})
	if err != nil {
		t.Fatalf("RecordExperience: %v", err)
	}

	select {
	case ev := <-sub.Events():
		if ev.ExperienceID != [16]byte(exp.ID) {
			t.Fatalf("unexpected event experience id: %+v", ev)
		}
	default:
		t.Fatal("expected a watch event for the recorded experience")
	}
}
