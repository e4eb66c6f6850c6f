// Package shard implements the shard counter actor: the write-absorbing
// front of a tally partition.
//
// # Overview
//
// A partition is served by a fixed number of shards and one global
// aggregator. Increments land on any shard; each shard buffers them and
// forwards its buffer to the aggregator in one WriteRecord. Spreading
// increments across shards spreads the per-instance serialization cost.
//
// # Architecture
//
//	        increment / write
//	               │
//	               ▼
//	┌─────────────────────────────────────┐
//	│               SHARD                 │
//	├─────────────────────────────────────┤
//	│  mailbox (FIFO, one job at a time)  │
//	│                                     │
//	│  counters   CounterSet              │
//	│  pending    accepted requests       │
//	│  trigger    inactivity timer        │
//	│  store      durable copy of both    │
//	└─────────────────────────────────────┘
//	               │ WriteRecord{flush-to-global}
//	               ▼
//	            Upstream
//
// # Flush Triggers
//
// A flush happens on exactly one of:
//   - threshold: pending reaches the configured shard threshold during an
//     increment; the flush runs before the increment returns
//   - inactivity: no increment for the configured shard timeout; a timeout
//     of 0 disables this trigger
//   - explicit: Write
//
// Every synchronous flush cancels the pending timer first. A timer callback
// that already raced into the mailbox is recognised as stale by its
// generation and does nothing.
//
// # Flush Protocol
//
//  1. Snapshot counters and pending.
//  2. Delete the durable state. If that fails, stop: nothing was forwarded
//     and nothing changed (FlushAborted).
//  3. Clear the in-memory state and send the snapshot upstream.
//  4. Committed: done. Failed: merge the snapshot back into whatever the
//     live state is by then and persist it (FlushFailed).
//
// There is no immediate retry. The next threshold breach, idle period or
// explicit write tries again.
//
// # State Machine
//
//	Idle ──increment──▶ Accumulating ──flush──▶ Flushing ──ok──▶ Idle
//	                         ▲                      │
//	                         └───────failed─────────┘
//
// # Concurrency
//
// Increment, IncrementMany and Write run on the mailbox. Query, State and
// Stats read under a mutex and never wait for a flush, so a Query issued
// mid-flush may see an empty set.
//
// # Persistence
//
// Keys in the shard's store:
//
//	counter~<name>   decimal value
//	pending          decimal count of requests since the last flush
//
// New loads both before the mailbox accepts a message. Recovered counts are
// given a fresh inactivity timer.
package shard
