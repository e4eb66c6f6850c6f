// Package cluster defines the identity and wire model shared by every tally
// instance, and the small JSON-over-HTTP helpers used when a shard forwards to
// an aggregator that lives in another process.
//
// # Overview
//
// A partition (counter family) is served by N shard instances and exactly one
// global instance. Every call carries an Identity naming the instance it is
// addressed to; the instance name doubles as its durable storage scope:
//
//	             partition "metrics"
//	┌──────────────┐ ┌──────────────┐ ┌──────────────┐
//	│metrics~shard0│ │metrics~shard1│ │metrics~shardN│
//	└──────┬───────┘ └──────┬───────┘ └──────┬───────┘
//	       │ WriteRecord    │                │
//	       └────────────────┼────────────────┘
//	                        ▼
//	               ┌────────────────┐
//	               │ metrics~global │──── mirror ("metrics/total.json")
//	               └────────────────┘
//
// # Core Types
//
// CounterSet: name → non-negative tally
//   - Merge is per-key summation, commutative and associative
//   - A missing key reads as zero; reset removes the key
//
// WriteRecord: the unit forwarded on every flush
//   - Carries the counter delta, the sender's instance name, the trigger
//     event and the command (flush-to-global or flush-to-mirror)
//   - Appended verbatim to the aggregator's audit log
//
// Identity: role + partition + shard index
//   - Name() gives "<partition>~shard<i>" or "<partition>~global"
//
// # Remote Aggregators
//
// GlobalClient satisfies the shard package's upstream contract over HTTP.
// A failed POST is indistinguishable from a rejected write: in both cases the
// shard keeps the snapshot and merges it back.
//
// # See Also
//
//   - internal/shard: the shard actor
//   - internal/global: the aggregator actor
//   - internal/dispatch: resolves identities to live instances
package cluster
