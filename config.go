package pulsedb

import (
	"time"

	"github.com/rs/zerolog"
)

// SyncMode trades durability for throughput on the KV store.
type SyncMode int

const (
	// SyncNormal fsyncs on commit. Crash-safe for committed
	// transactions; the default.
	SyncNormal SyncMode = iota
	// SyncFast skips fsync; a power loss can lose the last committed
	// transaction but never tears a page (bbolt's copy-on-write B+tree
	// never writes a page in place until the replacement is flushed).
	SyncFast
	// SyncParanoid fsyncs on commit like SyncNormal, then issues a second
	// explicit fsync of the KV file after the commit. Individual writes
	// inside a transaction are not fsynced.
	SyncParanoid
)

// EmbeddingProviderKind selects how RecordExperience obtains a vector
// for experiences that don't carry one.
type EmbeddingProviderKind int

const (
	// ProviderExternal requires the caller to supply Embedding in
	// NewExperience; the engine only validates its length.
	ProviderExternal EmbeddingProviderKind = iota
	// ProviderBuiltin invokes Config.Embedder to generate a vector when
	// NewExperience.Embedding is nil.
	ProviderBuiltin
)

// EmbeddingProviderConfig selects and configures the embedding source.
type EmbeddingProviderConfig struct {
	Kind      EmbeddingProviderKind
	ModelPath string // only meaningful for ProviderBuiltin
}

// DimensionPreset names the common embedding sizes; Custom allows any
// positive dimension.
type DimensionPreset int

const (
	DimD384 DimensionPreset = 384
	DimD768 DimensionPreset = 768
)

// HNSWParams holds the per-scale tuning knobs for a graph index.
type HNSWParams struct {
	M              int
	EfConstruction int
	EfSearch       int
}

// scaleTiers holds the recommended HNSW parameters per collective-size
// bracket, keyed by the upper bound of each bracket (-1 for the
// open-ended ">1M" tier).
var scaleTiers = []struct {
	upTo   int
	params HNSWParams
}{
	{10_000, HNSWParams{M: 16, EfConstruction: 100, EfSearch: 50}},
	{100_000, HNSWParams{M: 16, EfConstruction: 200, EfSearch: 100}},
	{1_000_000, HNSWParams{M: 24, EfConstruction: 200, EfSearch: 150}},
	{-1, HNSWParams{M: 32, EfConstruction: 400, EfSearch: 200}},
}

// HNSWParamsForScale returns the recommended parameters for a
// collective expected to hold approximately n elements.
func HNSWParamsForScale(n int) HNSWParams {
	for _, tier := range scaleTiers {
		if tier.upTo < 0 || n <= tier.upTo {
			return tier.params
		}
	}
	return scaleTiers[len(scaleTiers)-1].params
}

// WatchConfig configures the in-process watch fan-out and the
// cross-process CSN poll.
type WatchConfig struct {
	InProcess       bool
	PollIntervalMS  int
	BufferSize      int
}

// Limits bounds resource usage so a runaway agent can't exhaust a host.
type Limits struct {
	MaxExperiencesPerCollective int64
	MaxTotalBytes               int64
	MaxConcurrentReads          int
	QueryTimeout                time.Duration
	TransactionTimeout          time.Duration
	StaleAgentThreshold         time.Duration
}

// HNSWConfig groups the HNSW-specific knobs, including the tombstone
// rebuild threshold: the index rebuilds from its live source once
// deleted nodes exceed this fraction (see DESIGN.md for the chosen
// default).
type HNSWConfig struct {
	RebuildRatio float64
}

// Config carries every database-open option, following a single
// Config-struct-plus-DefaultConfig pattern.
type Config struct {
	Path                string
	EmbeddingProvider   EmbeddingProviderConfig
	EmbeddingDimension  int // default dimension for newly created collectives
	InferDimensionPerCollective bool
	CacheSizeBytes      int64
	SyncMode            SyncMode
	Watch               WatchConfig
	Limits              Limits
	HNSW                HNSWConfig
	WriterLockTimeout   time.Duration
	Embedder            Embedder
	Logger              zerolog.Logger
}

// DefaultConfig returns a Config with conservative defaults: Normal
// sync mode, External embedding provider, a 1000-entry watch buffer, a
// 5 minute stale-agent threshold, and a 30 second writer-lock timeout.
func DefaultConfig(path string) Config {
	return Config{
		Path: path,
		EmbeddingProvider: EmbeddingProviderConfig{
			Kind: ProviderExternal,
		},
		EmbeddingDimension: int(DimD384),
		CacheSizeBytes:     64 * 1024 * 1024,
		SyncMode:           SyncNormal,
		Watch: WatchConfig{
			InProcess:      true,
			PollIntervalMS: 100,
			BufferSize:     1000,
		},
		Limits: Limits{
			MaxConcurrentReads:  100,
			QueryTimeout:        30 * time.Second,
			TransactionTimeout:  30 * time.Second,
			StaleAgentThreshold: 5 * time.Minute,
		},
		HNSW: HNSWConfig{
			RebuildRatio: 0.2,
		},
		WriterLockTimeout: 30 * time.Second,
		Logger:            zerolog.Nop(),
	}
}
