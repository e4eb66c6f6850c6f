package shard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/dreamware/tally/internal/actor"
	"github.com/dreamware/tally/internal/cluster"
	"github.com/dreamware/tally/internal/config"
	"github.com/dreamware/tally/internal/metrics"
	"github.com/dreamware/tally/internal/storage"
)

var (
	// ErrInvalidRequest marks a malformed increment. Nothing was mutated.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrFlushFailed is returned by Write when the upstream rejected the
	// flush. The snapshot has been merged back by then.
	ErrFlushFailed = errors.New("flush failed")
)

// Storage keys.
const (
	counterPrefix = "counter~"
	pendingKey    = "pending"
)

const mailboxDepth = 64

// State represents where a shard is in its flush cycle
type State string

const (
	// StateIdle means the shard holds no buffered counts
	StateIdle State = "idle"
	// StateAccumulating means increments are buffered and waiting for a flush
	StateAccumulating State = "accumulating"
	// StateFlushing means a flush is in flight
	StateFlushing State = "flushing"
)

// Upstream receives flushed write records. Within one process it is the
// partition's global aggregator; across processes it is an HTTP client.
type Upstream interface {
	ReceiveWrite(ctx context.Context, partition string, rec cluster.WriteRecord) error
}

// Options configures a shard.
type Options struct {
	Identity cluster.Identity
	Family   config.Family
	Store    storage.Store
	Upstream Upstream

	// Clock defaults to the real clock.
	Clock clock.WithDelayedExecution
	Log   logr.Logger
}

// Shard buffers increments for one partition and forwards them to the
// global aggregator when its threshold is reached or it has been idle for
// the configured timeout.
//
// Every mutation runs on the shard's mailbox. Query and Stats read under mu
// and never wait behind a flush.
type Shard struct {
	id       cluster.Identity
	family   config.Family
	store    storage.Store
	upstream Upstream
	clock    clock.WithDelayedExecution
	log      logr.Logger

	box     *actor.Mailbox
	trigger *actor.Trigger // mailbox only

	// dirty is set when the durable state lags the in-memory state; the
	// next persist then writes everything. Mailbox only.
	dirty bool

	mu       sync.RWMutex
	counters cluster.CounterSet
	pending  int
	state    State

	ops OperationStats
}

// OperationStats tracks operation counts
type OperationStats struct {
	Increments    uint64 // Accepted increment requests
	Flushes       uint64 // Flushes committed upstream
	FailedFlushes uint64 // Flushes rejected upstream or aborted locally
	MergeBacks    uint64 // Failed flushes merged back into live state
}

// Stats is a point-in-time view of a shard.
type Stats struct {
	Name    string         `json:"name"`
	State   State          `json:"state"`
	Pending int            `json:"pending"`
	Ops     OperationStats `json:"ops"`
}

// New loads the shard's state from its store and starts its mailbox.
func New(opts Options) (*Shard, error) {
	if opts.Identity.Role != cluster.RoleShard {
		return nil, fmt.Errorf("shard: identity %s has role %q", opts.Identity, opts.Identity.Role)
	}
	if err := opts.Identity.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Family.Validate(); err != nil {
		return nil, fmt.Errorf("shard: %w", err)
	}
	if opts.Identity.ShardIndex >= opts.Family.ShardCount {
		return nil, fmt.Errorf("shard: index %d outside shard count %d", opts.Identity.ShardIndex, opts.Family.ShardCount)
	}
	if opts.Store == nil || opts.Upstream == nil {
		return nil, errors.New("shard: store and upstream are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	s := &Shard{
		id:       opts.Identity,
		family:   opts.Family,
		store:    opts.Store,
		upstream: opts.Upstream,
		clock:    opts.Clock,
		log:      opts.Log.WithName("shard").WithValues("instance", opts.Identity.Name()),
		trigger:  actor.NewTrigger(opts.Clock),
		counters: cluster.CounterSet{},
		state:    StateIdle,
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("shard %s: load: %w", s.id, err)
	}

	s.box = actor.NewMailbox(mailboxDepth)
	if !s.counters.Empty() {
		// Counts left over from a previous run get a fresh idle period.
		s.state = StateAccumulating
		s.trigger.Arm(s.family.ShardTimeout, s.onTimer)
	}
	return s, nil
}

func (s *Shard) load() error {
	kvs, err := s.store.Scan(counterPrefix, storage.Ascending, 0)
	if err != nil {
		return err
	}
	for _, kv := range kvs {
		v, err := strconv.ParseInt(string(kv.Value), 10, 64)
		if err != nil || v < 0 {
			return fmt.Errorf("corrupt value %q for %s", kv.Value, kv.Key)
		}
		s.counters[strings.TrimPrefix(kv.Key, counterPrefix)] = v
	}

	raw, err := s.store.Get(pendingKey)
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
	case err != nil:
		return err
	default:
		if s.pending, err = strconv.Atoi(string(raw)); err != nil {
			return fmt.Errorf("corrupt pending count %q", raw)
		}
	}
	return nil
}

// Identity returns the shard's own identity.
func (s *Shard) Identity() cluster.Identity { return s.id }

// Increment adds amount to name. It returns once the increment is durable
// and, when it crossed the threshold, after the resulting flush finished. A
// failed flush is not reported: the counts stay buffered.
func (s *Shard) Increment(ctx context.Context, name string, amount int64) (cluster.Identity, error) {
	return s.IncrementMany(ctx, cluster.CounterSet{name: amount})
}

// IncrementMany applies several deltas as one request.
func (s *Shard) IncrementMany(ctx context.Context, deltas cluster.CounterSet) (cluster.Identity, error) {
	if deltas.Empty() {
		return s.id, fmt.Errorf("%w: no counters", ErrInvalidRequest)
	}
	if err := deltas.Validate(); err != nil {
		return s.id, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	err := s.box.Do(ctx, func(ctx context.Context) error {
		return s.increment(ctx, deltas)
	})
	return s.id, err
}

func (s *Shard) increment(ctx context.Context, deltas cluster.CounterSet) error {
	s.mu.RLock()
	next := s.counters.Clone()
	pending := s.pending + 1
	s.mu.RUnlock()
	if err := next.CheckedMerge(deltas); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if err := s.persist(next, pending, deltas.Names()); err != nil {
		return fmt.Errorf("persist increment: %w", err)
	}

	s.mu.Lock()
	s.counters = next
	s.pending = pending
	s.state = StateAccumulating
	s.mu.Unlock()

	atomic.AddUint64(&s.ops.Increments, 1)
	metrics.RecordShardIncrement()

	if pending >= s.family.ShardThreshold {
		s.trigger.Cancel()
		s.settle(ctx, s.flush(ctx, cluster.EventThresholdExceeded))
		return nil
	}
	s.trigger.Arm(s.family.ShardTimeout, s.onTimer)
	return nil
}

// persist writes the given counter names and the pending count. When an
// earlier write was lost it writes the whole state instead.
func (s *Shard) persist(counters cluster.CounterSet, pending int, names []string) error {
	var muts []storage.Mutation
	if s.dirty {
		muts = append(muts, s.fullState(counters)...)
	} else {
		for _, name := range names {
			muts = append(muts, storage.Set(counterPrefix+name, []byte(strconv.FormatInt(counters[name], 10))))
		}
	}
	muts = append(muts, storage.Set(pendingKey, []byte(strconv.Itoa(pending))))
	if err := s.store.Apply(muts...); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

func (s *Shard) fullState(counters cluster.CounterSet) []storage.Mutation {
	kvs, err := s.store.Scan(counterPrefix, storage.Ascending, 0)
	muts := make([]storage.Mutation, 0, len(counters)+len(kvs))
	if err == nil {
		for _, kv := range kvs {
			if _, ok := counters[strings.TrimPrefix(kv.Key, counterPrefix)]; !ok {
				muts = append(muts, storage.Remove(kv.Key))
			}
		}
	}
	for name, v := range counters {
		muts = append(muts, storage.Set(counterPrefix+name, []byte(strconv.FormatInt(v, 10))))
	}
	return muts
}

// FlushResult tags how a flush ended.
type FlushResult int

const (
	// FlushCommitted means the upstream accepted the snapshot.
	FlushCommitted FlushResult = iota
	// FlushFailed means the local state was cleared but the upstream did not
	// accept the snapshot; it must be merged back.
	FlushFailed
	// FlushAborted means the cleared state could not be persisted, so
	// nothing was forwarded and the live state is untouched.
	FlushAborted
)

// FlushOutcome is the result of one flush attempt.
type FlushOutcome struct {
	Result   FlushResult
	Event    cluster.Event
	Record   cluster.WriteRecord
	Snapshot cluster.CounterSet
	Pending  int
	Err      error
}

// flush clears and persists the empty state before forwarding the snapshot,
// so increments that follow a failed forward land in a fresh set. Mailbox
// only.
func (s *Shard) flush(ctx context.Context, event cluster.Event) FlushOutcome {
	s.mu.RLock()
	snapshot := s.counters
	pending := s.pending
	s.mu.RUnlock()

	if err := s.store.DeleteAll(); err != nil {
		return FlushOutcome{Result: FlushAborted, Event: event, Snapshot: snapshot, Pending: pending, Err: err}
	}
	s.dirty = false

	s.mu.Lock()
	s.counters = cluster.CounterSet{}
	s.pending = 0
	s.state = StateFlushing
	s.mu.Unlock()

	rec := cluster.NewWriteRecord(snapshot, s.id.Name(), event, cluster.CmdFlushToGlobal, s.clock.Now().UnixMilli())
	if err := s.upstream.ReceiveWrite(ctx, s.id.Partition, rec); err != nil {
		return FlushOutcome{Result: FlushFailed, Event: event, Record: rec, Snapshot: snapshot, Pending: pending, Err: err}
	}
	return FlushOutcome{Result: FlushCommitted, Event: event, Record: rec}
}

// settle finishes a flush: it records the outcome and merges a failed
// snapshot back into the live state. There is no retry here; the next
// threshold breach or idle period tries again. Mailbox only.
func (s *Shard) settle(ctx context.Context, out FlushOutcome) {
	event := string(out.Event)
	switch out.Result {
	case FlushCommitted:
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
		atomic.AddUint64(&s.ops.Flushes, 1)
		metrics.RecordShardFlush(event, metrics.OutcomeCommitted)
		s.log.V(1).Info("flushed", "event", event, "total", out.Record.Counters.Total())

	case FlushAborted:
		atomic.AddUint64(&s.ops.FailedFlushes, 1)
		metrics.RecordShardFlush(event, metrics.OutcomeSkipped)
		s.log.Error(out.Err, "flush aborted, could not persist cleared state")

	case FlushFailed:
		atomic.AddUint64(&s.ops.FailedFlushes, 1)
		metrics.RecordShardFlush(event, metrics.OutcomeFailed)
		s.log.Error(out.Err, "flush failed, merging snapshot back", "event", event, "total", out.Snapshot.Total())
		s.mergeBack(out.Snapshot, out.Pending)
	}
}

// mergeBack runs in the same mailbox turn as the flush, so the live set is
// still empty and the merge cannot overflow. Should it ever, the snapshot
// wins.
func (s *Shard) mergeBack(snapshot cluster.CounterSet, pending int) {
	s.mu.Lock()
	if err := s.counters.CheckedMerge(snapshot); err != nil {
		s.log.Error(err, "merge back")
		s.counters = snapshot.Clone()
	}
	s.pending += pending
	s.state = StateAccumulating
	counters := s.counters.Clone()
	total := s.pending
	s.mu.Unlock()

	atomic.AddUint64(&s.ops.MergeBacks, 1)
	metrics.RecordShardMergeBack()

	if err := s.persist(counters, total, counters.Names()); err != nil {
		s.dirty = true
		s.log.Error(err, "persist merged-back state")
	}
}

// onTimer runs on the clock's goroutine; the flush itself runs on the
// mailbox and only if the timer is still the live one.
func (s *Shard) onTimer(gen uint64) {
	s.box.Post(func(ctx context.Context) {
		if !s.trigger.Current(gen) {
			return
		}
		s.trigger.Fired(gen)

		s.mu.RLock()
		empty := s.counters.Empty()
		s.mu.RUnlock()
		if empty {
			return
		}
		s.settle(ctx, s.flush(ctx, cluster.EventInactivityTimeout))
	})
}

// WriteResult reports whether an explicit write flushed anything.
type WriteResult struct {
	Flushed bool
}

// Write flushes immediately. It is a no-op when nothing is buffered.
func (s *Shard) Write(ctx context.Context) (WriteResult, error) {
	var res WriteResult
	err := s.box.Do(ctx, func(ctx context.Context) error {
		s.trigger.Cancel()

		s.mu.RLock()
		empty := s.counters.Empty()
		s.mu.RUnlock()
		if empty {
			return nil
		}

		out := s.flush(ctx, cluster.EventExplicitRequest)
		s.settle(ctx, out)
		if out.Result != FlushCommitted {
			return fmt.Errorf("%w: %v", ErrFlushFailed, out.Err)
		}
		res.Flushed = true
		return nil
	})
	return res, err
}

// Query returns a copy of the live counters. It may be empty while a flush
// is in flight.
func (s *Shard) Query() cluster.CounterSet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counters.Clone()
}

// State returns the current flush-cycle state.
func (s *Shard) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Stats returns current shard statistics
func (s *Shard) Stats() Stats {
	s.mu.RLock()
	state, pending := s.state, s.pending
	s.mu.RUnlock()

	return Stats{
		Name:    s.id.Name(),
		State:   state,
		Pending: pending,
		Ops: OperationStats{
			Increments:    atomic.LoadUint64(&s.ops.Increments),
			Flushes:       atomic.LoadUint64(&s.ops.Flushes),
			FailedFlushes: atomic.LoadUint64(&s.ops.FailedFlushes),
			MergeBacks:    atomic.LoadUint64(&s.ops.MergeBacks),
		},
	}
}

// Close drains the mailbox and stops the timer. Buffered counts stay in the
// store for the next start.
func (s *Shard) Close() {
	s.box.Close()
	s.trigger.Cancel()
}
