package catalog

import (
	"path/filepath"
	"testing"

	"github.com/pulsedb/pulsedb/pkg/index"
	"github.com/pulsedb/pulsedb/pkg/kv"
	"github.com/pulsedb/pulsedb/pkg/model"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pulsedb")
	store, err := kv.Open(path, kv.Options{})
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	params := func(int) index.Params { return index.Params{M: 8, EfConstruction: 50, EfSearch: 20} }
	return New(store, index.EuclideanDistance, params)
}

func TestCreateAndGetCollective(t *testing.T) {
	c := openTestCatalog(t)
	col := model.Collective{ID: model.ID{1}, Name: "default", EmbeddingDimension: 4}
	if err := c.CreateCollective(col); err != nil {
		t.Fatalf("CreateCollective: %v", err)
	}

	got, ok, err := c.GetCollective(col.ID)
	if err != nil {
		t.Fatalf("GetCollective: %v", err)
	}
	if !ok {
		t.Fatal("expected collective to exist")
	}
	if got.Name != "default" || got.EmbeddingDimension != 4 {
		t.Fatalf("unexpected collective: %+v", got)
	}
}

func TestCreateDuplicateCollectiveFails(t *testing.T) {
	c := openTestCatalog(t)
	col := model.Collective{ID: model.ID{1}, Name: "default", EmbeddingDimension: 4}
	if err := c.CreateCollective(col); err != nil {
		t.Fatalf("CreateCollective: %v", err)
	}
	if err := c.CreateCollective(col); err == nil {
		t.Fatal("expected error creating duplicate collective")
	}
}

func TestIndexLazyLoadAfterRestart(t *testing.T) {
	c := openTestCatalog(t)
	col := model.Collective{ID: model.ID{2}, Name: "c2", EmbeddingDimension: 3}
	if err := c.CreateCollective(col); err != nil {
		t.Fatalf("CreateCollective: %v", err)
	}

	// Simulate a fresh process: drop the cached handle, then re-fetch.
	c.mu.Lock()
	delete(c.indexes, col.ID)
	c.mu.Unlock()

	idx, err := c.Index(col.ID)
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if idx.Dim != 3 {
		t.Fatalf("expected dim 3, got %d", idx.Dim)
	}
}

func TestCheckDimensionMismatch(t *testing.T) {
	c := openTestCatalog(t)
	col := model.Collective{ID: model.ID{3}, Name: "c3", EmbeddingDimension: 4}
	if err := c.CreateCollective(col); err != nil {
		t.Fatalf("CreateCollective: %v", err)
	}
	if err := c.CheckDimension(col.ID, 4); err != nil {
		t.Fatalf("expected matching dimension to pass: %v", err)
	}
	if err := c.CheckDimension(col.ID, 5); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestInsightIndexIsSeparateFromExperienceIndex(t *testing.T) {
	c := openTestCatalog(t)
	col := model.Collective{ID: model.ID{5}, Name: "c5", EmbeddingDimension: 4}
	if err := c.CreateCollective(col); err != nil {
		t.Fatalf("CreateCollective: %v", err)
	}

	expIdx, err := c.Index(col.ID)
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	insightIdx, err := c.InsightIndex(col.ID)
	if err != nil {
		t.Fatalf("InsightIndex: %v", err)
	}
	if expIdx == insightIdx {
		t.Fatal("expected distinct experience and insight index handles")
	}

	if err := expIdx.Insert(index.ID(col.ID), []float32{1, 0, 0, 0}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if insightIdx.Size() != 0 {
		t.Fatalf("expected insight index unaffected, size=%d", insightIdx.Size())
	}
}

func TestDeleteCollectiveRemovesHandle(t *testing.T) {
	c := openTestCatalog(t)
	col := model.Collective{ID: model.ID{4}, Name: "c4", EmbeddingDimension: 4}
	if err := c.CreateCollective(col); err != nil {
		t.Fatalf("CreateCollective: %v", err)
	}
	if err := c.DeleteCollective(col.ID); err != nil {
		t.Fatalf("DeleteCollective: %v", err)
	}
	if _, ok, err := c.GetCollective(col.ID); err != nil || ok {
		t.Fatalf("expected collective gone, ok=%v err=%v", ok, err)
	}
}
