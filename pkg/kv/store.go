// Package kv implements PulseDB's transactional key-value layer on top
// of go.etcd.io/bbolt. bbolt already provides ordered buckets, a single
// writer transaction at a time, and MVCC snapshot reads for unlimited
// concurrent readers, so this package is a thin typed wrapper rather
// than a new storage engine.
package kv

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"
	"golang.org/x/sync/semaphore"

	"github.com/pulsedb/pulsedb/internal/encoding"
)

// Bucket names, one per table in the schema.
var (
	BucketCollectives       = []byte("collectives")
	BucketExperiences       = []byte("experiences")
	BucketEmbeddings        = []byte("embeddings")
	BucketRelations         = []byte("relations")
	BucketRelationsBySource = []byte("relations_by_source")
	BucketRelationsByTarget = []byte("relations_by_target")
	BucketInsights          = []byte("insights")
	BucketInsightEmbeddings = []byte("insight_embeddings")
	BucketActivities        = []byte("activities")
	BucketExpByCollective   = []byte("exp_by_collective")
	BucketExpByType         = []byte("exp_by_type")
	BucketMetadata          = []byte("metadata")
)

var allBuckets = [][]byte{
	BucketCollectives, BucketExperiences, BucketEmbeddings,
	BucketRelations, BucketRelationsBySource, BucketRelationsByTarget,
	BucketInsights, BucketInsightEmbeddings, BucketActivities,
	BucketExpByCollective, BucketExpByType, BucketMetadata,
}

// metadata keys
var (
	keyCSN           = []byte("csn")
	keySchemaVersion = []byte("schema_version")
)

// SchemaVersion is the current on-disk schema version written by fresh
// opens and checked against the stored value on every open.
const SchemaVersion uint32 = 1

// SyncMode mirrors pulsedb.SyncMode without importing the root package
// (which imports kv), avoiding an import cycle.
type SyncMode int

const (
	SyncNormal SyncMode = iota
	SyncFast
	SyncParanoid
)

// Options configures Open.
type Options struct {
	SyncMode       SyncMode
	CacheSizeBytes int64
	Logger         zerolog.Logger
	MaxConcurrentReads int
}

// Store is a single PulseDB KV file.
type Store struct {
	db     *bolt.DB
	file   *os.File // reopened handle for Paranoid explicit fsync
	mode   SyncMode
	log    zerolog.Logger
	readSem *semaphore.Weighted
}

// Open opens or creates the KV file at path and ensures every bucket
// exists. It does not acquire PulseDB's cross-process writer lock —
// callers acquire that separately, always before the KV writer
// transaction.
func Open(path string, opts Options) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("kv: open %s: %w", path, err)
	}
	// NoSync disables bbolt's fsync-on-commit. Under SyncFast a crash
	// can lose the most recently committed transaction, but bbolt's
	// copy-on-write B+tree never writes a page in place, so a torn
	// write is structurally impossible regardless of this setting.
	db.NoSync = opts.SyncMode == SyncFast

	maxReads := opts.MaxConcurrentReads
	if maxReads <= 0 {
		maxReads = 100
	}

	s := &Store{
		db:      db,
		mode:    opts.SyncMode,
		log:     opts.Logger,
		readSem: semaphore.NewWeighted(int64(maxReads)),
	}

	if opts.SyncMode == SyncParanoid {
		f, ferr := os.OpenFile(path, os.O_RDWR, 0o600)
		if ferr == nil {
			s.file = f
		}
	}

	if err := s.ensureBuckets(); err != nil {
		db.Close()
		return nil, err
	}

	if err := s.checkOrInitSchemaVersion(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("kv: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
}

func (s *Store) checkOrInitSchemaVersion() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(BucketMetadata)
		raw := meta.Get(keySchemaVersion)
		if raw == nil {
			return meta.Put(keySchemaVersion, encoding.EncodeUint64BE(uint64(SchemaVersion)))
		}
		stored := uint32(encoding.DecodeUint64BE(raw))
		if stored > SchemaVersion {
			return ErrVersionMismatch
		}
		if stored < SchemaVersion {
			return migrate(tx, stored, SchemaVersion)
		}
		return nil
	})
}

// Close releases the underlying database file.
func (s *Store) Close() error {
	if s.file != nil {
		_ = s.file.Close()
	}
	return s.db.Close()
}

// CSN returns the current change sequence number.
func (s *Store) CSN() (uint64, error) {
	var csn uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(BucketMetadata).Get(keyCSN)
		if raw != nil {
			csn = encoding.DecodeUint64BE(raw)
		}
		return nil
	})
	return csn, err
}

// BeginRead opens an MVCC snapshot read transaction, blocking until a
// read slot is available under Limits.MaxConcurrentReads.
func (s *Store) BeginRead(ctx context.Context) (*ReadTx, error) {
	if err := s.readSem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("kv: acquire read slot: %w", err)
	}
	tx, err := s.db.Begin(false)
	if err != nil {
		s.readSem.Release(1)
		return nil, fmt.Errorf("kv: begin read: %w", err)
	}
	return &ReadTx{tx: tx, store: s}, nil
}

// BeginWrite opens the single exclusive write transaction. bbolt itself
// serializes writers (Begin(true) blocks until the previous writer
// commits or rolls back), which is the KV-layer half of the database's
// single-writer discipline; the cross-process half is the file lock.
func (s *Store) BeginWrite() (*WriteTx, error) {
	tx, err := s.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("kv: begin write: %w", err)
	}
	return &WriteTx{tx: tx, store: s}, nil
}

// Sync performs an explicit fsync of the underlying file. Used by
// WriteTx.Commit under SyncParanoid as a belt-and-suspenders durability
// pass beyond bbolt's own commit-time fsync (Normal/Paranoid both fsync
// on commit via bbolt itself; Paranoid additionally calls this).
func (s *Store) Sync() error {
	if s.file == nil {
		return nil
	}
	return s.file.Sync()
}
