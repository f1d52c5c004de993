package pulsedb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pulsedb/pulsedb/internal/lockfile"
	"github.com/pulsedb/pulsedb/pkg/catalog"
	"github.com/pulsedb/pulsedb/pkg/embedding"
	"github.com/pulsedb/pulsedb/pkg/engine"
	"github.com/pulsedb/pulsedb/pkg/index"
	"github.com/pulsedb/pulsedb/pkg/kv"
	"github.com/pulsedb/pulsedb/pkg/watch"
)

// DB is a single open PulseDB database. It owns the KV store, the
// per-collective HNSW catalog, the cross-process writer lock, and the
// watch fan-out; every public operation is a thin delegate onto
// pkg/engine. Safe for concurrent use by multiple goroutines within one
// process; concurrent processes are serialized by the writer lock.
type DB struct {
	cfg     Config
	kv      *kv.Store
	lock    *lockfile.Lock
	catalog *catalog.Catalog
	watch   *watch.Registry
	poller  *watch.Poller
	engine  *engine.Engine
	hnswDir string
}

const kvFileName = "pulse.db"
const lockFileName = "pulse.db.lock"
const hnswDirName = "pulse.db.hnsw"

// Open opens or creates a database at cfg.Path, a directory that will
// hold the KV file, the writer lock file, and the HNSW sidecar
// directory. Open creates the directory and the KV file if they are
// absent; the lock file appears on the first write and the sidecar
// directory on the first Close. Each collective's HNSW graphs are
// loaded from their sidecar files when the sidecar metadata matches the
// store's current CSN, and rebuilt from the KV store otherwise.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, wrapErr("Open", KindValidation, fmt.Errorf("config: Path is required"))
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, wrapErr("Open", KindStorage, err)
	}
	if cfg.EmbeddingDimension <= 0 {
		cfg.EmbeddingDimension = int(DimD384)
	}

	store, err := kv.Open(filepath.Join(cfg.Path, kvFileName), kv.Options{
		SyncMode:           kv.SyncMode(cfg.SyncMode),
		CacheSizeBytes:     cfg.CacheSizeBytes,
		Logger:             cfg.Logger,
		MaxConcurrentReads: cfg.Limits.MaxConcurrentReads,
	})
	if err != nil {
		return nil, wrapErr("Open", KindStorage, err)
	}

	lock := lockfile.New(filepath.Join(cfg.Path, lockFileName))

	cat := catalog.New(store, index.CosineDistance, func(n int) index.Params {
		p := HNSWParamsForScale(n)
		return index.Params{M: p.M, EfConstruction: p.EfConstruction, EfSearch: p.EfSearch}
	})

	hnswDir := filepath.Join(cfg.Path, hnswDirName)
	if err := cat.LoadAll(hnswDir); err != nil {
		store.Close()
		return nil, wrapErr("Open", KindStorage, err)
	}

	var embedder Embedder = cfg.Embedder
	if cfg.EmbeddingProvider.Kind == ProviderBuiltin && embedder == nil {
		embedder = embedding.NewHashing(cfg.EmbeddingDimension)
	}

	watchReg := watch.NewRegistry(cfg.Watch.BufferSize)
	poller := watch.NewPoller(watchReg, cfg.Watch.BufferSize)

	eng := engine.New(engine.Options{
		KV:               store,
		Catalog:          cat,
		WriterLock:       lock,
		WriterLockTimeout: cfg.WriterLockTimeout,
		Watch:            watchReg,
		Poller:           poller,
		Embedder:         embedder,
		ProviderKind:     engine.EmbeddingProviderKind(cfg.EmbeddingProvider.Kind),
		Limits: engine.Limits{
			MaxExperiencesPerCollective: cfg.Limits.MaxExperiencesPerCollective,
			MaxTotalBytes:               cfg.Limits.MaxTotalBytes,
			QueryTimeout:                cfg.Limits.QueryTimeout,
			TransactionTimeout:          cfg.Limits.TransactionTimeout,
			StaleAgentThreshold:         cfg.Limits.StaleAgentThreshold,
		},
		HNSWRebuildRatio: cfg.HNSW.RebuildRatio,
		HNSWDir:          hnswDir,
		Logger:           cfg.Logger,
	})

	return &DB{
		cfg:     cfg,
		kv:      store,
		lock:    lock,
		catalog: cat,
		watch:   watchReg,
		poller:  poller,
		engine:  eng,
		hnswDir: hnswDir,
	}, nil
}

// Close flushes every collective's HNSW graph to its sidecar file and
// releases the KV store handle. Safe to call once; a second Close
// returns an error.
func (db *DB) Close() error {
	if err := db.catalog.SaveAll(db.hnswDir); err != nil {
		return wrapErr("Close", KindStorage, err)
	}
	if err := db.kv.Close(); err != nil {
		return wrapErr("Close", KindStorage, err)
	}
	return nil
}

// CreateCollective registers a new isolation boundary with its own
// embedding dimension, frozen at creation. A dim of zero or less uses
// Config.EmbeddingDimension.
func (db *DB) CreateCollective(ctx context.Context, name, owner string, dim int) (Collective, error) {
	if dim <= 0 {
		dim = db.cfg.EmbeddingDimension
	}
	col, err := db.engine.CreateCollective(ctx, name, owner, dim)
	if err != nil {
		return Collective{}, wrapErr("CreateCollective", KindValidation, err)
	}
	return col, nil
}

// GetCollective returns a collective's metadata, or (zero, false, nil)
// if it doesn't exist.
func (db *DB) GetCollective(ctx context.Context, id ID) (Collective, bool, error) {
	return db.engine.GetCollective(ctx, id)
}

// DeleteCollective removes a collective and every row scoped to it.
func (db *DB) DeleteCollective(ctx context.Context, id ID) error {
	if err := db.engine.DeleteCollective(ctx, id); err != nil {
		return wrapErr("DeleteCollective", KindStorage, err)
	}
	return nil
}

// RecordExperience validates, embeds if needed, persists, indexes, and
// publishes a new experience.
func (db *DB) RecordExperience(ctx context.Context, n NewExperience) (Experience, error) {
	exp, err := db.engine.RecordExperience(ctx, n)
	if err != nil {
		return Experience{}, classifyEngineErr("RecordExperience", err)
	}
	return exp, nil
}

// GetExperience returns a single experience by id, or (zero, false,
// nil) if absent or in the wrong collective.
func (db *DB) GetExperience(ctx context.Context, collective, id ID) (Experience, bool, error) {
	return db.engine.GetExperience(ctx, collective, id)
}

// UpdateExperience patches importance, confidence, and/or domain_tags.
func (db *DB) UpdateExperience(ctx context.Context, collective, id ID, patch ExperiencePatch) (Experience, error) {
	exp, err := db.engine.UpdateExperience(ctx, collective, id, patch)
	if err != nil {
		return Experience{}, classifyEngineErr("UpdateExperience", err)
	}
	return exp, nil
}

// ArchiveExperience removes an experience from search results while
// keeping its row.
func (db *DB) ArchiveExperience(ctx context.Context, collective, id ID) error {
	return classifyEngineErr("ArchiveExperience", db.engine.ArchiveExperience(ctx, collective, id))
}

// UnarchiveExperience re-enables search visibility for a previously
// archived experience.
func (db *DB) UnarchiveExperience(ctx context.Context, collective, id ID) error {
	return classifyEngineErr("UnarchiveExperience", db.engine.UnarchiveExperience(ctx, collective, id))
}

// DeleteExperience permanently removes an experience, cascading to its
// relations.
func (db *DB) DeleteExperience(ctx context.Context, collective, id ID) error {
	return classifyEngineErr("DeleteExperience", db.engine.DeleteExperience(ctx, collective, id))
}

// ReinforceExperience atomically increments application_count and
// returns the new value.
func (db *DB) ReinforceExperience(ctx context.Context, collective, id ID) (int64, error) {
	n, err := db.engine.ReinforceExperience(ctx, collective, id)
	if err != nil {
		return 0, classifyEngineErr("ReinforceExperience", err)
	}
	return n, nil
}

// SearchFilter narrows search_similar/get_recent_experiences/
// get_context_candidates, applied during HNSW traversal.
type SearchFilter = engine.SearchFilter

// Scored pairs an experience with its similarity score.
type Scored = engine.Scored

// SearchSimilar returns the k nearest live experiences to query.
func (db *DB) SearchSimilar(ctx context.Context, collective ID, query []float32, k int, filter SearchFilter) ([]Scored, error) {
	out, err := db.engine.SearchSimilar(ctx, collective, query, k, filter)
	if err != nil {
		return nil, classifyEngineErr("SearchSimilar", err)
	}
	return out, nil
}

// GetRecentExperiences returns up to limit matching experiences, newest
// first.
func (db *DB) GetRecentExperiences(ctx context.Context, collective ID, limit int, filter SearchFilter) ([]Experience, error) {
	out, err := db.engine.GetRecentExperiences(ctx, collective, limit, filter)
	if err != nil {
		return nil, classifyEngineErr("GetRecentExperiences", err)
	}
	return out, nil
}

// ContextRequest configures GetContextCandidates.
type ContextRequest = engine.ContextRequest

// ContextCandidates bundles GetContextCandidates's sub-results.
type ContextCandidates = engine.ContextCandidates

// GetContextCandidates assembles a single snapshot-consistent bundle of
// similar experiences, recent experiences, insights, active agents, and
// relations, for priming an agent's working context.
func (db *DB) GetContextCandidates(ctx context.Context, req ContextRequest) (ContextCandidates, error) {
	out, err := db.engine.GetContextCandidates(ctx, req)
	if err != nil {
		return ContextCandidates{}, classifyEngineErr("GetContextCandidates", err)
	}
	return out, nil
}

// StoreRelation links two experiences within the same collective.
func (db *DB) StoreRelation(ctx context.Context, collective, sourceID, targetID ID, relType RelationType, strength float64) (ExperienceRelation, error) {
	rel, err := db.engine.StoreRelation(ctx, collective, sourceID, targetID, relType, strength)
	if err != nil {
		return ExperienceRelation{}, classifyEngineErr("StoreRelation", err)
	}
	return rel, nil
}

// GetRelatedExperiences returns every relation touching id in the
// requested direction.
func (db *DB) GetRelatedExperiences(ctx context.Context, id ID, dir RelationDirection) ([]ExperienceRelation, error) {
	out, err := db.engine.GetRelatedExperiences(ctx, id, dir)
	if err != nil {
		return nil, classifyEngineErr("GetRelatedExperiences", err)
	}
	return out, nil
}

// DeleteRelation removes a relation by id.
func (db *DB) DeleteRelation(ctx context.Context, id ID) error {
	return classifyEngineErr("DeleteRelation", db.engine.DeleteRelation(ctx, id))
}

// StoreInsight persists a derived insight and indexes it separately
// from the collective's experiences.
func (db *DB) StoreInsight(ctx context.Context, in DerivedInsight) (DerivedInsight, error) {
	out, err := db.engine.StoreInsight(ctx, in)
	if err != nil {
		return DerivedInsight{}, classifyEngineErr("StoreInsight", err)
	}
	return out, nil
}

// GetInsights returns the k nearest insights to query within a
// collective.
func (db *DB) GetInsights(ctx context.Context, collective ID, query []float32, k int) ([]DerivedInsight, error) {
	out, err := db.engine.GetInsights(ctx, collective, query, k)
	if err != nil {
		return nil, classifyEngineErr("GetInsights", err)
	}
	return out, nil
}

// DeleteInsight removes an insight.
func (db *DB) DeleteInsight(ctx context.Context, collective, id ID) error {
	return classifyEngineErr("DeleteInsight", db.engine.DeleteInsight(ctx, collective, id))
}

// RegisterActivity upserts an agent's presence marker for a collective.
func (db *DB) RegisterActivity(ctx context.Context, collective ID, agentID, currentTask string) (Activity, error) {
	act, err := db.engine.RegisterActivity(ctx, collective, agentID, currentTask)
	if err != nil {
		return Activity{}, classifyEngineErr("RegisterActivity", err)
	}
	return act, nil
}

// UpdateHeartbeat refreshes an agent's last-heartbeat timestamp.
func (db *DB) UpdateHeartbeat(ctx context.Context, collective ID, agentID string) error {
	return classifyEngineErr("UpdateHeartbeat", db.engine.UpdateHeartbeat(ctx, collective, agentID))
}

// EndActivity removes an agent's activity row.
func (db *DB) EndActivity(ctx context.Context, collective ID, agentID string) error {
	return classifyEngineErr("EndActivity", db.engine.EndActivity(ctx, collective, agentID))
}

// GetActiveAgents returns every agent in a collective whose heartbeat
// is within the configured staleness threshold.
func (db *DB) GetActiveAgents(ctx context.Context, collective ID) ([]Activity, error) {
	out, err := db.engine.GetActiveAgents(ctx, collective)
	if err != nil {
		return nil, classifyEngineErr("GetActiveAgents", err)
	}
	return out, nil
}

// Subscriber streams watch events for a collective. Call Events() to
// receive them and Unsubscribe when done.
type Subscriber = watch.Subscriber

// WatchFilter narrows which events a Subscribe call receives.
type WatchFilter = watch.Filter

// Subscribe registers an in-process subscriber for a collective's watch
// events. Delivery is non-blocking: a slow subscriber drops events
// rather than stalling writers.
func (db *DB) Subscribe(collective ID, filter WatchFilter) *Subscriber {
	return db.watch.Subscribe([16]byte(collective), filter)
}

// Unsubscribe stops delivery to a previously Subscribed subscriber.
func (db *DB) Unsubscribe(collective ID, sub *Subscriber) {
	db.watch.Unsubscribe([16]byte(collective), sub)
}

// PollChanges returns every watch event for a collective since sinceCSN,
// for cross-process consumers that can't hold an in-process channel.
// Events come from the in-memory ring buffer; if the ring has already
// evicted events past sinceCSN, scanFallback is used instead, and it
// returns no events (see scanFallback).
func (db *DB) PollChanges(ctx context.Context, collective ID, sinceCSN uint64) ([]watch.Event, uint64, error) {
	currentCSN, err := db.kv.CSN()
	if err != nil {
		return nil, 0, wrapErr("PollChanges", KindStorage, err)
	}
	events, next, err := db.poller.PollChanges([16]byte(collective), sinceCSN, currentCSN, db.scanFallback)
	if err != nil {
		return nil, 0, wrapErr("PollChanges", KindStorage, err)
	}
	return events, next, nil
}

// scanFallback is called when the ring buffer has already evicted
// sinceCSN. No per-row CSN is stored on experience records — only
// created_at/updated_at — so a scan can't distinguish "changed since
// sinceCSN" from "existed before it" without fabricating events; this
// returns no events rather than guess, leaving the caller's next
// poll cursor at currentCSN so it doesn't spin on the same gap (see
// DESIGN.md's Open Question decisions).
func (db *DB) scanFallback(collective [16]byte, sinceCSN uint64) ([]watch.Event, error) {
	_ = sinceCSN
	_ = collective
	return nil, nil
}

// classifyEngineErr wraps an engine-layer error in the root Error type,
// mapping engine sentinels onto the public Kind taxonomy.
func classifyEngineErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case isEngineNotFound(err):
		return wrapErr(op, KindNotFound, ErrNotFound)
	case isEngineDuplicateRelation(err):
		return wrapErr(op, KindValidation, ErrDuplicateRelation)
	default:
		return wrapErr(op, KindStorage, err)
	}
}

func isEngineNotFound(err error) bool {
	return err == engine.ErrNotFound
}

func isEngineDuplicateRelation(err error) bool {
	return err == engine.ErrDuplicateRelation
}
