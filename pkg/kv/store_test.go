package kv

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pulsedb")
	s, err := Open(path, Options{SyncMode: SyncNormal, MaxConcurrentReads: 4})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenCreatesBuckets(t *testing.T) {
	s := openTestStore(t)
	rtx, err := s.BeginRead(context.Background())
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer rtx.Rollback()
	for _, b := range allBuckets {
		if rtx.tx.Bucket(b) == nil {
			t.Errorf("bucket %s missing after Open", b)
		}
	}
}

func TestWriteThenRead(t *testing.T) {
	s := openTestStore(t)

	wtx, err := s.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	if err := wtx.Put(BucketCollectives, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	csn, err := wtx.BumpCSN()
	if err != nil {
		t.Fatalf("BumpCSN: %v", err)
	}
	if csn != 1 {
		t.Fatalf("expected csn 1, got %d", csn)
	}
	if err := wtx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rtx, err := s.BeginRead(context.Background())
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer rtx.Rollback()
	if got := rtx.Get(BucketCollectives, []byte("k1")); string(got) != "v1" {
		t.Fatalf("got %q, want v1", got)
	}
	if rtx.CSN() != 1 {
		t.Fatalf("expected snapshot csn 1, got %d", rtx.CSN())
	}
}

func TestWriteRollbackDiscardsChanges(t *testing.T) {
	s := openTestStore(t)

	wtx, err := s.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	if err := wtx.Put(BucketCollectives, []byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := wtx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	rtx, err := s.BeginRead(context.Background())
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer rtx.Rollback()
	if got := rtx.Get(BucketCollectives, []byte("k1")); got != nil {
		t.Fatalf("expected nil after rollback, got %q", got)
	}
}

func TestScanPrefixOrdering(t *testing.T) {
	s := openTestStore(t)

	wtx, err := s.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	keys := []string{"a/1", "a/2", "a/3", "b/1"}
	for _, k := range keys {
		if err := wtx.Put(BucketCollectives, []byte(k), []byte("x")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if _, err := wtx.BumpCSN(); err != nil {
		t.Fatalf("BumpCSN: %v", err)
	}
	if err := wtx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rtx, err := s.BeginRead(context.Background())
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer rtx.Rollback()

	var got []string
	err = rtx.ScanPrefix(BucketCollectives, []byte("a/"), func(k, v []byte) error {
		got = append(got, string(k))
		return nil
	})
	if err != nil {
		t.Fatalf("ScanPrefix: %v", err)
	}
	want := []string{"a/1", "a/2", "a/3"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestScanPrefixReverseOrdering(t *testing.T) {
	s := openTestStore(t)

	wtx, err := s.BeginWrite()
	if err != nil {
		t.Fatalf("BeginWrite: %v", err)
	}
	keys := []string{"a/1", "a/2", "a/3", "b/1"}
	for _, k := range keys {
		if err := wtx.Put(BucketCollectives, []byte(k), []byte("x")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if _, err := wtx.BumpCSN(); err != nil {
		t.Fatalf("BumpCSN: %v", err)
	}
	if err := wtx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rtx, err := s.BeginRead(context.Background())
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer rtx.Rollback()

	var got []string
	err = rtx.ScanPrefixReverse(BucketCollectives, []byte("a/"), func(k, v []byte) error {
		got = append(got, string(k))
		return nil
	})
	if err != nil {
		t.Fatalf("ScanPrefixReverse: %v", err)
	}
	want := []string{"a/3", "a/2", "a/1"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestSchemaVersionPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.pulsedb")
	s1, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s1.Close()

	s2, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	rtx, err := s2.BeginRead(context.Background())
	if err != nil {
		t.Fatalf("BeginRead: %v", err)
	}
	defer rtx.Rollback()
	raw := rtx.Get(BucketMetadata, keySchemaVersion)
	if raw == nil {
		t.Fatal("schema_version missing on reopen")
	}
}
