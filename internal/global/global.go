// Package global implements the global aggregator actor: the single
// authoritative counter set of a partition.
//
// The aggregator merges every shard flush into its counters, keeps an audit
// record of each merge, and publishes its counters to the mirror once more
// than the configured number of writes arrived or it has been idle for the
// configured timeout.
//
// A reset removes a counter name. A shard flush that was already in flight
// with older increments for that name can still arrive afterwards and bring
// the name back. That gap is accepted; writes are not fenced by epoch.
package global

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/dreamware/tally/internal/actor"
	"github.com/dreamware/tally/internal/audit"
	"github.com/dreamware/tally/internal/cluster"
	"github.com/dreamware/tally/internal/config"
	"github.com/dreamware/tally/internal/metrics"
	"github.com/dreamware/tally/internal/mirror"
	"github.com/dreamware/tally/internal/storage"
)

// ErrInvalidRequest marks a malformed write or reset. Nothing was mutated.
var ErrInvalidRequest = errors.New("invalid request")

const (
	counterPrefix = "counter~"
	mirrorPending = "mirror~pending"
)

const mailboxDepth = 64

// ShardQuerier reads the live counters of one shard of a partition.
type ShardQuerier interface {
	QueryShard(ctx context.Context, partition string, index int) (cluster.CounterSet, error)
}

// Options configures an aggregator.
type Options struct {
	Identity cluster.Identity
	Family   config.Family
	Store    storage.Store
	Mirror   mirror.Store
	Shards   ShardQuerier

	// Clock defaults to the real clock.
	Clock clock.WithDelayedExecution
	Log   logr.Logger
}

// Global is the aggregator of one partition. Mutations run on its mailbox;
// Query reads under mu.
type Global struct {
	id     cluster.Identity
	family config.Family
	store  storage.Store
	mirror mirror.Store
	shards ShardQuerier
	clock  clock.WithDelayedExecution
	log    logr.Logger
	audit  *audit.Log

	box     *actor.Mailbox
	trigger *actor.Trigger // mailbox only

	mu                sync.RWMutex
	counters          cluster.CounterSet
	writesSinceMirror int
}

// New loads the aggregator's counters, mirror backlog and audit sequence,
// then starts its mailbox.
func New(opts Options) (*Global, error) {
	if opts.Identity.Role != cluster.RoleGlobal {
		return nil, fmt.Errorf("global: identity %s has role %q", opts.Identity, opts.Identity.Role)
	}
	if err := opts.Identity.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Family.Validate(); err != nil {
		return nil, fmt.Errorf("global: %w", err)
	}
	if opts.Store == nil || opts.Mirror == nil || opts.Shards == nil {
		return nil, errors.New("global: store, mirror and shards are required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	g := &Global{
		id:       opts.Identity,
		family:   opts.Family,
		store:    opts.Store,
		mirror:   opts.Mirror,
		shards:   opts.Shards,
		clock:    opts.Clock,
		log:      opts.Log.WithName("global").WithValues("instance", opts.Identity.Name()),
		trigger:  actor.NewTrigger(opts.Clock),
		counters: cluster.CounterSet{},
	}
	if err := g.load(); err != nil {
		return nil, fmt.Errorf("global %s: load: %w", g.id, err)
	}
	log, err := audit.Open(opts.Store)
	if err != nil {
		return nil, fmt.Errorf("global %s: %w", g.id, err)
	}
	g.audit = log

	g.box = actor.NewMailbox(mailboxDepth)
	if g.writesSinceMirror > 0 {
		g.trigger.Arm(g.family.GlobalTimeout, g.onTimer)
	}
	return g, nil
}

func (g *Global) load() error {
	kvs, err := g.store.Scan(counterPrefix, storage.Ascending, 0)
	if err != nil {
		return err
	}
	for _, kv := range kvs {
		v, err := strconv.ParseInt(string(kv.Value), 10, 64)
		if err != nil || v < 0 {
			return fmt.Errorf("corrupt value %q for %s", kv.Value, kv.Key)
		}
		g.counters[strings.TrimPrefix(kv.Key, counterPrefix)] = v
	}

	raw, err := g.store.Get(mirrorPending)
	switch {
	case errors.Is(err, storage.ErrKeyNotFound):
	case err != nil:
		return err
	default:
		if g.writesSinceMirror, err = strconv.Atoi(string(raw)); err != nil {
			return fmt.Errorf("corrupt mirror backlog %q", raw)
		}
	}
	return nil
}

// Identity returns the aggregator's own identity.
func (g *Global) Identity() cluster.Identity { return g.id }

// ReceiveWrite merges a shard flush. It fails only when the merge could not
// be made durable, in which case the shard must keep the counts. Audit and
// mirror failures after the merge committed are logged, not returned.
func (g *Global) ReceiveWrite(ctx context.Context, rec cluster.WriteRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if rec.Cmd != cluster.CmdFlushToGlobal {
		return fmt.Errorf("%w: unexpected cmd %q", ErrInvalidRequest, rec.Cmd)
	}
	return g.box.Do(ctx, func(ctx context.Context) error {
		return g.receiveWrite(ctx, rec)
	})
}

func (g *Global) receiveWrite(ctx context.Context, rec cluster.WriteRecord) error {
	g.mu.RLock()
	next := g.counters.Clone()
	pending := g.writesSinceMirror + 1
	g.mu.RUnlock()
	if err := next.CheckedMerge(rec.Counters); err != nil {
		metrics.RecordGlobalMerge(metrics.OutcomeFailed)
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	muts := make([]storage.Mutation, 0, len(rec.Counters)+1)
	for _, name := range rec.Counters.Names() {
		muts = append(muts, storage.Set(counterPrefix+name, []byte(strconv.FormatInt(next[name], 10))))
	}
	muts = append(muts, storage.Set(mirrorPending, []byte(strconv.Itoa(pending))))
	if err := g.store.Apply(muts...); err != nil {
		metrics.RecordGlobalMerge(metrics.OutcomeFailed)
		return fmt.Errorf("persist merge: %w", err)
	}

	g.mu.Lock()
	g.counters = next
	g.writesSinceMirror = pending
	g.mu.Unlock()
	metrics.RecordGlobalMerge(metrics.OutcomeCommitted)

	g.appendAudit(rec)
	g.log.V(1).Info("merged", "shard", rec.ShardName, "event", rec.Event, "total", rec.Counters.Total())

	g.afterChange(ctx)
	return nil
}

// afterChange mirrors now when the backlog exceeds the threshold and
// otherwise restarts the idle timer. Mailbox only.
func (g *Global) afterChange(ctx context.Context) {
	g.mu.RLock()
	pending := g.writesSinceMirror
	g.mu.RUnlock()

	if pending > g.family.GlobalThreshold {
		g.trigger.Cancel()
		_ = g.mirrorFlush(ctx)
		return
	}
	g.trigger.Arm(g.family.GlobalTimeout, g.onTimer)
}

func (g *Global) appendAudit(rec cluster.WriteRecord) {
	if _, err := g.audit.Append(rec); err != nil {
		metrics.RecordAuditAppendFailure()
		g.log.Error(err, "audit append failed", "record", rec.ID)
	}
}

// mirrorFlush publishes the counters. On failure the backlog is kept and the
// idle timer is armed again. Mailbox only.
func (g *Global) mirrorFlush(ctx context.Context) error {
	g.mu.RLock()
	snapshot := g.counters.Clone()
	g.mu.RUnlock()

	now := g.clock.Now()
	err := g.mirror.Write(ctx, mirror.Snapshot{
		Partition: g.id.Partition,
		Counters:  snapshot,
		UpdatedAt: now,
	})
	if err != nil {
		metrics.RecordMirrorWrite(metrics.OutcomeFailed)
		g.log.Error(err, "mirror write failed")
		g.trigger.Arm(g.family.GlobalTimeout, g.onTimer)
		return err
	}
	metrics.RecordMirrorWrite(metrics.OutcomeCommitted)

	g.mu.Lock()
	g.writesSinceMirror = 0
	g.mu.Unlock()
	if err := g.store.Put(mirrorPending, []byte("0")); err != nil {
		// The next start mirrors once more than needed.
		g.log.Error(err, "persist mirror backlog")
	}

	g.appendAudit(cluster.NewWriteRecord(snapshot, g.id.Name(), cluster.EventMirrorWrite, cluster.CmdFlushToMirror, now.UnixMilli()))
	g.log.V(1).Info("mirrored", "total", snapshot.Total())
	return nil
}

func (g *Global) onTimer(gen uint64) {
	g.box.Post(func(ctx context.Context) {
		if !g.trigger.Current(gen) {
			return
		}
		g.trigger.Fired(gen)

		g.mu.RLock()
		pending := g.writesSinceMirror
		g.mu.RUnlock()
		if pending == 0 {
			return
		}
		_ = g.mirrorFlush(ctx)
	})
}

// MirrorFlush publishes the counters now.
func (g *Global) MirrorFlush(ctx context.Context) error {
	return g.box.Do(ctx, func(ctx context.Context) error {
		g.trigger.Cancel()
		return g.mirrorFlush(ctx)
	})
}

// Reset removes name from the counters and republishes the mirror at once.
// A failed republish is handled like any mirror failure: the reset stays
// committed, the backlog is kept and the idle timer retries.
func (g *Global) Reset(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty counter name", ErrInvalidRequest)
	}
	return g.box.Do(ctx, func(ctx context.Context) error {
		g.mu.RLock()
		pending := g.writesSinceMirror + 1
		g.mu.RUnlock()

		err := g.store.Apply(
			storage.Remove(counterPrefix+name),
			storage.Set(mirrorPending, []byte(strconv.Itoa(pending))),
		)
		if err != nil {
			return fmt.Errorf("persist reset: %w", err)
		}

		g.mu.Lock()
		delete(g.counters, name)
		g.writesSinceMirror = pending
		g.mu.Unlock()

		metrics.RecordGlobalReset()
		g.log.Info("counter reset", "counter", name)
		g.trigger.Cancel()
		_ = g.mirrorFlush(ctx)
		return nil
	})
}

// Query returns a copy of the authoritative counters.
func (g *Global) Query() cluster.CounterSet {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.counters.Clone()
}

// WritesSinceMirror returns the mirror backlog.
func (g *Global) WritesSinceMirror() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.writesSinceMirror
}

// ListShardSnapshots queries every shard of the partition concurrently. The
// result is indexed by shard and is not a consistent cut.
func (g *Global) ListShardSnapshots(ctx context.Context) ([]cluster.CounterSet, error) {
	out := make([]cluster.CounterSet, g.family.ShardCount)
	eg, ctx := errgroup.WithContext(ctx)
	for i := range out {
		i := i
		eg.Go(func() error {
			c, err := g.shards.QueryShard(ctx, g.id.Partition, i)
			if err != nil {
				return fmt.Errorf("shard %d: %w", i, err)
			}
			out[i] = c
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ListAuditLog returns up to limit audit records, newest first. A limit of
// 0 returns all.
func (g *Global) ListAuditLog(limit int) ([]cluster.WriteRecord, error) {
	return g.audit.List(limit)
}

// ListAuditSummaryByShard totals the audit log per shard, leaving out the
// aggregator's own mirror records.
func (g *Global) ListAuditSummaryByShard() (audit.Summary, error) {
	return g.audit.Summarize(g.id.Name())
}

// Close drains the mailbox and stops the timer.
func (g *Global) Close() {
	g.box.Close()
	g.trigger.Cancel()
}
