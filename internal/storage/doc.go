// Package storage provides the durable per-instance key-value state behind
// every tally actor.
//
// # Overview
//
// Each named instance (a shard or a global aggregator) owns exactly one
// Store. The store holds everything the instance needs to rebuild its
// in-memory state after a restart: counter values, pending request counts,
// the mirror backlog and the audit log. Nothing else ever writes to it.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│     Shard / Global actor            │
//	│   (one mailbox, one writer)         │
//	└─────────────────────────────────────┘
//	                 │ Store
//	                 ▼
//	┌─────────────────────────────────────┐
//	│            Provider                 │
//	│      Open(instance) → Store         │
//	└─────────────────────────────────────┘
//	          │                 │
//	          ▼                 ▼
//	    ┌──────────┐     ┌─────────────┐
//	    │  Memory  │     │   SQLite    │
//	    │ Provider │     │  Provider   │
//	    └──────────┘     └─────────────┘
//
// # Core Interface
//
// Store:
//   - Get(key) / Put(key, value) / Delete(key) - single keys
//   - DeleteAll() - drop the whole instance state
//   - Scan(prefix, order, limit) - ordered range reads, used by the audit log
//   - Apply(mutations...) - atomic multi-key write
//
// Keys are compared byte-wise in both backends, so a Scan returns the same
// order from memory and from SQLite.
//
// # Implementations
//
// MemoryStore: map guarded by sync.RWMutex. Values are copied on the way in
// and out. State lives as long as the process.
//
// SQLiteProvider: a single modernc.org/sqlite database in WAL mode with one
// kv table keyed by (instance, key). Apply runs in one transaction. Every
// statement is retried with exponential backoff and jitter when SQLite
// reports lock contention.
//
// FaultyStore: wraps any Store and fails chosen operations on demand.
//
// # Durability
//
// A call returns only after the write is committed. Actors persist before
// they answer, so an acknowledged increment survives a restart.
//
// # Usage Examples
//
//	p, err := storage.NewSQLiteProvider("tally.db")
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	st, _ := p.Open("orders~shard0")
//	_ = st.Apply(
//	    storage.Set("counter~clicks", []byte("3")),
//	    storage.Set("pending", []byte("3")),
//	)
//	kvs, _ := st.Scan("counter~", storage.Ascending, 0)
package storage
