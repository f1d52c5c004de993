// Package engine implements PulseDB's query engine: record/update/
// archive/delete of experiences, similarity and recency search,
// relations, insights, activities, and the composite
// GetContextCandidates operation, generalized from a single flat
// vector table to PulseDB's collective-scoped entities and relations.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pulsedb/pulsedb/internal/lockfile"
	"github.com/pulsedb/pulsedb/pkg/catalog"
	"github.com/pulsedb/pulsedb/pkg/kv"
	"github.com/pulsedb/pulsedb/pkg/model"
	"github.com/pulsedb/pulsedb/pkg/watch"
)

// EmbeddingProviderKind mirrors pulsedb.EmbeddingProviderKind without
// importing the root package.
type EmbeddingProviderKind int

const (
	ProviderExternal EmbeddingProviderKind = iota
	ProviderBuiltin
)

// Limits mirrors pulsedb.Limits without importing the root package.
type Limits struct {
	MaxExperiencesPerCollective int64
	MaxTotalBytes               int64
	QueryTimeout                time.Duration
	TransactionTimeout          time.Duration
	StaleAgentThreshold         time.Duration
}

// Options configures a new Engine. The root package's DB assembles
// this from pulsedb.Config at Open time.
type Options struct {
	KV               *kv.Store
	Catalog          *catalog.Catalog
	WriterLock       *lockfile.Lock
	WriterLockTimeout time.Duration
	Watch            *watch.Registry
	Poller           *watch.Poller
	Embedder         model.Embedder
	ProviderKind     EmbeddingProviderKind
	Limits           Limits
	HNSWRebuildRatio float64
	HNSWDir          string
	Logger           zerolog.Logger
}

// Engine is PulseDB's query engine over one open database. It does not
// own the KV store, catalog, or watch registry — those are constructed
// by the root package's DB and handed in, so there is no process-wide
// state: each opened database is a self-contained handle.
type Engine struct {
	kv       *kv.Store
	catalog  *catalog.Catalog
	lock     *lockfile.Lock
	lockWait time.Duration
	watchReg *watch.Registry
	poller   *watch.Poller
	embedder model.Embedder
	provider EmbeddingProviderKind
	limits   Limits
	rebuildRatio float64
	hnswDir  string
	log      zerolog.Logger
}

// New assembles an Engine from already-open dependencies.
func New(opts Options) *Engine {
	return &Engine{
		kv:           opts.KV,
		catalog:      opts.Catalog,
		lock:         opts.WriterLock,
		lockWait:     opts.WriterLockTimeout,
		watchReg:     opts.Watch,
		poller:       opts.Poller,
		embedder:     opts.Embedder,
		provider:     opts.ProviderKind,
		limits:       opts.Limits,
		rebuildRatio: opts.HNSWRebuildRatio,
		hnswDir:      opts.HNSWDir,
		log:          opts.Logger,
	}
}

// beginWrite acquires the cross-process writer lock, then the KV
// store's write transaction — file lock before KV writer, always in
// that order. Callers must call either commitWrite or abortWrite
// exactly once.
func (e *Engine) beginWrite(ctx context.Context) (*kv.WriteTx, error) {
	if e.lock != nil {
		if err := e.lock.Acquire(ctx, e.lockWait); err != nil {
			return nil, fmt.Errorf("engine: acquire writer lock: %w", err)
		}
	}
	wtx, err := e.kv.BeginWrite()
	if err != nil {
		if e.lock != nil {
			e.lock.Release()
		}
		return nil, err
	}
	return wtx, nil
}

func (e *Engine) commitWrite(wtx *kv.WriteTx) error {
	err := wtx.Commit()
	if e.lock != nil {
		e.lock.Release()
	}
	return err
}

func (e *Engine) abortWrite(wtx *kv.WriteTx) {
	wtx.Rollback()
	if e.lock != nil {
		e.lock.Release()
	}
}

func (e *Engine) beginRead(ctx context.Context) (*kv.ReadTx, error) {
	return e.kv.BeginRead(ctx)
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms) }

func typeTag(t model.ExperienceType) byte { return byte(t) }

// publish fans out a watch event for both in-process subscribers and
// the cross-process ring buffer.
func (e *Engine) publish(collective, experience model.ID, evType watch.EventType, csn uint64, domains []string, importance float64) {
	ev := watch.Event{
		ExperienceID: [16]byte(experience),
		CollectiveID: [16]byte(collective),
		Type:         evType,
		CSN:          csn,
		TimestampMS:  nowMillis(),
	}
	if e.watchReg != nil {
		e.watchReg.Publish(ev, domains, importance)
	}
	if e.poller != nil {
		e.poller.FeedRingBuffer(ev)
	}
}
