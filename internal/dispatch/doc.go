// Package dispatch is the addressing layer of tally: it turns a partition
// name and a shard index into the single live actor that owns that name.
//
// # Overview
//
// Every actor is addressed by name. A partition "metrics" served by four
// shards has five instances:
//
//	metrics~shard0  metrics~shard1  metrics~shard2  metrics~shard3
//	metrics~global
//
// Instances are created lazily the first time they are addressed. Creation
// opens the instance's durable store, loads its state and only then makes
// the instance visible, so no message ever reaches an instance that has not
// finished loading.
//
// # Architecture
//
//	 HTTP handlers                       remote counterd
//	      │                                    ▲
//	      ▼                                    │ GlobalClient
//	┌──────────────────────────────────────────┴──┐
//	│                 Registry                    │
//	├─────────────────────────────────────────────┤
//	│  Shard(p, i)   ─▶ *shard.Shard              │
//	│  Global(p)     ─▶ *global.Global            │
//	│  ReceiveWrite  shard ─▶ global (or remote)  │
//	│  QueryShard    global ─▶ shard              │
//	├─────────────────────────────────────────────┤
//	│  storage.Provider   one Store per name      │
//	│  mirror.Store       shared by aggregators   │
//	└─────────────────────────────────────────────┘
//
// # Routing
//
// The registry is the Upstream of every shard and the ShardQuerier of every
// aggregator. A shard flush is routed to the aggregator of the same
// partition in this process, unless Options.Remote is set, in which case it
// is posted to the counterd that hosts the aggregators. Callers that do not
// care which shard absorbs an increment use PickShard.
//
// # Upstream Health
//
// With a remote aggregator, UpstreamMonitor polls the remote health endpoint
// and exposes the result for the local health report. It never blocks or
// reroutes a flush.
//
// # Errors
//
//   - ErrInvalidPartition: empty partition or one containing '~'
//   - ErrInvalidShard: index outside [0, ShardCount)
//   - ErrClosed: the instance would have to be created after Close
//
// # Shutdown
//
// Close drains every shard, then every aggregator, then closes the store
// provider and the mirror. Buffered shard counts remain in the durable store
// and are picked up by the next process.
package dispatch
