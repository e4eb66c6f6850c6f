// Package audit keeps the append-only log of every write a global aggregator
// accepted and every mirror write it made.
//
// Records live in the aggregator's own store under
//
//	writes~<timestamp>~<seq>
//
// with both numbers zero-padded to 20 digits, so a descending key scan is
// newest first and records with equal timestamps keep insertion order. The
// sequence is persisted with each record and survives restarts.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/dreamware/tally/internal/cluster"
	"github.com/dreamware/tally/internal/storage"
)

const (
	recordPrefix = "writes~"
	seqKey       = "audit~seq"
)

// Log is the audit log of one global instance. It is safe for concurrent use
// but is only ever appended to by the instance's mailbox.
type Log struct {
	store storage.Store

	mu  sync.Mutex
	seq uint64
}

// Open loads the persisted sequence from st.
func Open(st storage.Store) (*Log, error) {
	l := &Log{store: st}
	raw, err := st.Get(seqKey)
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
	case err != nil:
		return nil, fmt.Errorf("load audit sequence: %w", err)
	default:
		seq, err := strconv.ParseUint(string(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt audit sequence %q: %w", raw, err)
		}
		l.seq = seq
	}
	return l, nil
}

func recordKey(ts int64, seq uint64) string {
	return fmt.Sprintf("%s%020d~%020d", recordPrefix, ts, seq)
}

// Append assigns the next sequence number to rec and stores it together with
// the new sequence. Timestamps must not be negative; the key would sort out
// of time order.
func (l *Log) Append(rec cluster.WriteRecord) (cluster.WriteRecord, error) {
	if rec.Timestamp < 0 {
		return rec, fmt.Errorf("append audit record: negative timestamp %d", rec.Timestamp)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.Seq = l.seq + 1
	data, err := json.Marshal(rec)
	if err != nil {
		return rec, err
	}
	err = l.store.Apply(
		storage.Set(recordKey(rec.Timestamp, rec.Seq), data),
		storage.Set(seqKey, []byte(strconv.FormatUint(rec.Seq, 10))),
	)
	if err != nil {
		return rec, fmt.Errorf("append audit record: %w", err)
	}
	l.seq = rec.Seq
	return rec, nil
}

// List returns up to limit records, newest first. A limit of 0 returns all.
func (l *Log) List(limit int) ([]cluster.WriteRecord, error) {
	kvs, err := l.store.Scan(recordPrefix, storage.Descending, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	out := make([]cluster.WriteRecord, 0, len(kvs))
	for _, kv := range kvs {
		var rec cluster.WriteRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return nil, fmt.Errorf("decode audit record %s: %w", kv.Key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// ShardSummary aggregates the writes one shard delivered.
type ShardSummary struct {
	IncrementCount int64 `json:"incrementCount"`
	WriteCount     int   `json:"writeCount"`
}

// Summary is the per-shard breakdown of the audit log.
type Summary struct {
	Shards      map[string]ShardSummary `json:"shardWrites"`
	TotalCount  int64                   `json:"totalCount"`
	TotalWrites int                     `json:"totalWrite"`
	TotalShards int                     `json:"totalShards"`
}

// Summarize groups the flush records by shard. Records written by exclude,
// the aggregator itself, and mirror writes are left out.
func (l *Log) Summarize(exclude string) (Summary, error) {
	recs, err := l.List(0)
	if err != nil {
		return Summary{}, err
	}

	sum := Summary{Shards: make(map[string]ShardSummary)}
	for _, rec := range recs {
		if rec.ShardName == exclude || rec.Cmd == cluster.CmdFlushToMirror {
			continue
		}
		s := sum.Shards[rec.ShardName]
		s.IncrementCount += rec.Counters.Total()
		s.WriteCount++
		sum.Shards[rec.ShardName] = s
	}
	for _, s := range sum.Shards {
		sum.TotalCount += s.IncrementCount
		sum.TotalWrites += s.WriteCount
	}
	sum.TotalShards = len(sum.Shards)
	return sum, nil
}
