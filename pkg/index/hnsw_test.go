package index

import (
	"path/filepath"
	"testing"
)

func idFor(b byte) ID {
	var id ID
	id[0] = b
	return id
}

func TestInsertAndSearch(t *testing.T) {
	h := New(2, Params{M: 8, EfConstruction: 50, EfSearch: 20}, EuclideanDistance)
	pts := map[byte][2]float32{
		1: {0, 0},
		2: {1, 0},
		3: {10, 10},
		4: {0.9, 0.1},
	}
	for b, v := range pts {
		if err := h.Insert(idFor(b), v[:]); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	res, err := h.Search([]float32{1, 0}, 2, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res) != 2 {
		t.Fatalf("expected 2 results, got %d", len(res))
	}
	if res[0].ID != idFor(2) {
		t.Fatalf("expected closest to be id 2, got %v", res[0].ID)
	}
}

func TestSearchWithFilter(t *testing.T) {
	h := New(2, Params{M: 8, EfConstruction: 50, EfSearch: 20}, EuclideanDistance)
	for b := byte(1); b <= 5; b++ {
		if err := h.Insert(idFor(b), []float32{float32(b), 0}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	excluded := idFor(1)
	res, err := h.Search([]float32{1, 0}, 1, func(id ID) bool { return id != excluded })
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res) != 1 {
		t.Fatalf("expected 1 result, got %d", len(res))
	}
	if res[0].ID == excluded {
		t.Fatalf("filter did not exclude id 1")
	}
}

func TestDeleteTombstonesAndExcludesFromSearch(t *testing.T) {
	h := New(2, Params{M: 8, EfConstruction: 50, EfSearch: 20}, EuclideanDistance)
	for b := byte(1); b <= 3; b++ {
		if err := h.Insert(idFor(b), []float32{float32(b), 0}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := h.Delete(idFor(1)); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if h.Size() != 2 {
		t.Fatalf("expected size 2 after delete, got %d", h.Size())
	}

	res, err := h.Search([]float32{1, 0}, 3, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, r := range res {
		if r.ID == idFor(1) {
			t.Fatalf("deleted id surfaced in search results")
		}
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	h := New(2, Params{M: 8, EfConstruction: 50, EfSearch: 20}, EuclideanDistance)
	for b := byte(1); b <= 4; b++ {
		if err := h.Insert(idFor(b), []float32{float32(b), 0}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}

	path := filepath.Join(t.TempDir(), "graph.gob")
	if err := h.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path, EuclideanDistance)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Size() != h.Size() {
		t.Fatalf("expected size %d after reload, got %d", h.Size(), loaded.Size())
	}

	res, err := loaded.Search([]float32{1, 0}, 1, nil)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(res) != 1 || res[0].ID != idFor(1) {
		t.Fatalf("unexpected search result after reload: %+v", res)
	}
}

func TestRebuildFromSourceClearsTombstones(t *testing.T) {
	h := New(2, Params{M: 8, EfConstruction: 50, EfSearch: 20}, EuclideanDistance)
	for b := byte(1); b <= 3; b++ {
		if err := h.Insert(idFor(b), []float32{float32(b), 0}); err != nil {
			t.Fatalf("Insert: %v", err)
		}
	}
	if err := h.Delete(idFor(2)); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if h.TombstoneRatio() == 0 {
		t.Fatal("expected nonzero tombstone ratio before rebuild")
	}

	remaining := map[ID][]float32{idFor(1): {1, 0}, idFor(3): {3, 0}}
	ids := make([]ID, 0, len(remaining))
	for id := range remaining {
		ids = append(ids, id)
	}
	i := 0
	next := func() (ID, []float32, bool) {
		if i >= len(ids) {
			return ID{}, nil, false
		}
		id := ids[i]
		i++
		return id, remaining[id], true
	}
	if err := h.RebuildFromSource(next); err != nil {
		t.Fatalf("RebuildFromSource: %v", err)
	}
	if h.TombstoneRatio() != 0 {
		t.Fatalf("expected zero tombstone ratio after rebuild, got %f", h.TombstoneRatio())
	}
	if h.Size() != 2 {
		t.Fatalf("expected size 2 after rebuild, got %d", h.Size())
	}
}
