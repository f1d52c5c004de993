// Package pulsedb provides an embedded database purpose-built for
// AI-agent experiential memory: collectives of append-only experiences,
// vector similarity search over them via HNSW, relation edges between
// experiences, derived insights, agent activity tracking, and change
// notification, all backed by a single bbolt file plus a pair of HNSW
// sidecar files (experience index and insight index) per collective.
//
// # Quick Start
//
//	import (
//	    "context"
//	    "github.com/pulsedb/pulsedb"
//	)
//
//	func main() {
//	    ctx := context.Background()
//	    cfg := pulsedb.DefaultConfig("./agent-memory")
//	    db, err := pulsedb.Open(cfg)
//	    if err != nil {
//	        panic(err)
//	    }
//	    defer db.Close()
//
//	    col, _ := db.CreateCollective(ctx, "project-x", "agent-1", 384)
//
//	    exp, _ := db.RecordExperience(ctx, pulsedb.NewExperience{
//	        CollectiveID: col.ID,
//	        Content:      "nil pointer panics when config.Logger is unset",
//	        Embedding:    queryVector,
//	        Type:         pulsedb.TypeErrorPattern,
//	        Importance:   0.8,
//	        Confidence:   0.9,
//	        AgentID:      "agent-1",
//	    })
//
//	    hits, _ := db.SearchSimilar(ctx, col.ID, queryVector, 5, pulsedb.SearchFilter{})
//	    _ = exp
//	    _ = hits
//	}
//
// # Collectives and Isolation
//
// A collective is the unit of isolation: every experience, relation,
// insight, and activity belongs to exactly one, and a collective's
// embedding dimension is frozen at creation. Deleting a collective
// removes every row it owns in a single write transaction.
//
// # Search and Context Assembly
//
// SearchSimilar and GetRecentExperiences apply their SearchFilter during
// HNSW traversal and the recency scan respectively, not as a post-hoc
// pass, so a selective filter doesn't starve the requested result
// count. GetContextCandidates composes both, plus insights, active
// agents, and relations, from one read snapshot — the shape an agent
// typically wants when priming its working context.
//
// # Change Notification
//
// Subscribe registers an in-process channel that receives Created/
// Updated/Archived/Deleted events with non-blocking delivery; a slow
// subscriber drops events rather than stalling writers. PollChanges
// serves the same events to a process that can't hold a channel open,
// indexed by change-sequence-number (CSN).
//
// # Embeddings
//
// PulseDB does not train or run an embedding model. Under
// ProviderExternal (the default) every NewExperience must carry its own
// Embedding. With Config.EmbeddingProvider.Kind = ProviderBuiltin,
// RecordExperience embeds experiences that carry none, using
// Config.Embedder when set and otherwise pkg/embedding's deterministic
// hashing scheme for local use without an external dependency.
package pulsedb
