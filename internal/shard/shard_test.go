package shard

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/dreamware/tally/internal/cluster"
	"github.com/dreamware/tally/internal/config"
	"github.com/dreamware/tally/internal/metrics"
	"github.com/dreamware/tally/internal/storage"
)

// fakeUpstream records every write it accepts and sums them like a global
// aggregator would.
type fakeUpstream struct {
	mu      sync.Mutex
	recs    []cluster.WriteRecord
	total   cluster.CounterSet
	err     error
	entered chan struct{} // signalled when a call starts, if set
	release chan struct{} // a call waits on it, if set
}

func (f *fakeUpstream) ReceiveWrite(ctx context.Context, partition string, rec cluster.WriteRecord) error {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.total == nil {
		f.total = cluster.CounterSet{}
	}
	f.total.Merge(rec.Counters)
	f.recs = append(f.recs, rec)
	return nil
}

func (f *fakeUpstream) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeUpstream) records() []cluster.WriteRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cluster.WriteRecord(nil), f.recs...)
}

func (f *fakeUpstream) totals() cluster.CounterSet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total.Clone()
}

type harness struct {
	shard    *Shard
	store    *storage.FaultyStore
	upstream *fakeUpstream
	clock    *testclock.FakeClock
}

func family(threshold int, timeout time.Duration) config.Family {
	return config.Family{
		ShardCount:      2,
		ShardThreshold:  threshold,
		ShardTimeout:    timeout,
		GlobalThreshold: 100,
		GlobalTimeout:   0,
	}
}

func newHarness(t *testing.T, fam config.Family) *harness {
	t.Helper()
	h := &harness{
		store:    storage.NewFaultyStore(storage.NewMemoryStore()),
		upstream: &fakeUpstream{},
		clock:    testclock.NewFakeClock(time.Unix(1700000000, 0)),
	}
	h.shard = h.open(t, fam)
	return h
}

func (h *harness) open(t *testing.T, fam config.Family) *Shard {
	t.Helper()
	s, err := New(Options{
		Identity: cluster.ShardIdentity("orders", 1),
		Family:   fam,
		Store:    h.store,
		Upstream: h.upstream,
		Clock:    h.clock,
		Log:      testr.New(t),
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// settleMailbox waits until every job queued so far has run.
func settleMailbox(t *testing.T, s *Shard) {
	t.Helper()
	require.NoError(t, s.box.Do(context.Background(), func(context.Context) error { return nil }))
}

func incr(t *testing.T, s *Shard, name string, amount int64) {
	t.Helper()
	id, err := s.Increment(context.Background(), name, amount)
	require.NoError(t, err)
	assert.Equal(t, "orders~shard1", id.Name())
}

// TestIncrementSums verifies the live value is the sum of all increments
// issued before a flush.
func TestIncrementSums(t *testing.T) {
	h := newHarness(t, family(100, 0))

	amounts := []int64{1, 5, 0, 12, 3}
	var want int64
	for _, a := range amounts {
		incr(t, h.shard, "clicks", a)
		want += a
	}

	assert.Equal(t, cluster.CounterSet{"clicks": want}, h.shard.Query())
	assert.Equal(t, StateAccumulating, h.shard.State())
	assert.Equal(t, len(amounts), h.shard.Stats().Pending)
	assert.Empty(t, h.upstream.records())
}

// TestIncrementRejectsMalformed verifies invalid requests mutate nothing.
func TestIncrementRejectsMalformed(t *testing.T) {
	h := newHarness(t, family(1, 0))

	tests := []struct {
		name   string
		deltas cluster.CounterSet
	}{
		{"empty name", cluster.CounterSet{"": 1}},
		{"negative amount", cluster.CounterSet{"a": -1}},
		{"no counters", cluster.CounterSet{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.shard.IncrementMany(context.Background(), tt.deltas)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	assert.Empty(t, h.shard.Query())
	assert.Empty(t, h.upstream.records())
	assert.Equal(t, StateIdle, h.shard.State())
	kvs, err := h.store.Scan("", storage.Ascending, 0)
	require.NoError(t, err)
	assert.Empty(t, kvs)
}

// TestIncrementRefusesOverflow verifies an increment that would pass
// MaxInt64 is refused before anything is mutated and the shard still loads.
func TestIncrementRefusesOverflow(t *testing.T) {
	h := newHarness(t, family(100, 0))
	incr(t, h.shard, "a", math.MaxInt64)

	_, err := h.shard.IncrementMany(context.Background(), cluster.CounterSet{"a": 1, "b": 1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.ErrorIs(t, err, cluster.ErrOverflow)
	assert.Equal(t, cluster.CounterSet{"a": math.MaxInt64}, h.shard.Query())
	assert.Equal(t, 1, h.shard.Stats().Pending)
	assert.Equal(t, uint64(1), h.shard.Stats().Ops.Increments)

	h.shard.Close()
	again := h.open(t, family(100, 0))
	assert.Equal(t, cluster.CounterSet{"a": math.MaxInt64}, again.Query())
}

// TestThresholdFlush verifies reaching the threshold flushes synchronously.
func TestThresholdFlush(t *testing.T) {
	h := newHarness(t, family(3, time.Minute))

	incr(t, h.shard, "a", 1)
	incr(t, h.shard, "a", 1)
	assert.Empty(t, h.upstream.records())
	incr(t, h.shard, "a", 1)

	assert.Empty(t, h.shard.Query(), "local counter is zero right after the flush")
	assert.Equal(t, StateIdle, h.shard.State())
	assert.Equal(t, cluster.CounterSet{"a": 3}, h.upstream.totals())

	recs := h.upstream.records()
	require.Len(t, recs, 1)
	assert.Equal(t, cluster.EventThresholdExceeded, recs[0].Event)
	assert.Equal(t, cluster.CmdFlushToGlobal, recs[0].Cmd)
	assert.Equal(t, "orders~shard1", recs[0].ShardName)
	assert.Equal(t, h.clock.Now().UnixMilli(), recs[0].Timestamp)

	// The threshold flush cancelled the inactivity timer.
	h.clock.Step(2 * time.Minute)
	settleMailbox(t, h.shard)
	assert.Len(t, h.upstream.records(), 1)

	kvs, err := h.store.Scan("", storage.Ascending, 0)
	require.NoError(t, err)
	assert.Empty(t, kvs, "cleared state is persisted")
}

// TestFailedFlushMergesBack verifies a rejected flush restores the exact
// pre-flush value.
func TestFailedFlushMergesBack(t *testing.T) {
	h := newHarness(t, family(100, 0))
	before := testutil.ToFloat64(metrics.Collectors.ShardMergeBacks)

	incr(t, h.shard, "a", 5)
	h.upstream.fail(errors.New("aggregator unavailable"))

	res, err := h.shard.Write(context.Background())
	assert.ErrorIs(t, err, ErrFlushFailed)
	assert.False(t, res.Flushed)

	assert.Equal(t, cluster.CounterSet{"a": 5}, h.shard.Query())
	assert.Equal(t, StateAccumulating, h.shard.State())
	assert.Equal(t, 1, h.shard.Stats().Pending)
	assert.Equal(t, uint64(1), h.shard.Stats().Ops.MergeBacks)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.Collectors.ShardMergeBacks))

	// The merged-back state is durable.
	h.shard.Close()
	again := h.open(t, family(100, 0))
	assert.Equal(t, cluster.CounterSet{"a": 5}, again.Query())

	// A later successful flush delivers each increment exactly once.
	h.upstream.fail(nil)
	res, err = again.Write(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Flushed)
	assert.Equal(t, cluster.CounterSet{"a": 5}, h.upstream.totals())
}

// TestFailedThresholdFlushIsSilent verifies the increment caller never sees a
// forwarding failure and that there is no immediate retry.
func TestFailedThresholdFlushIsSilent(t *testing.T) {
	h := newHarness(t, family(2, 0))
	h.upstream.fail(errors.New("down"))

	incr(t, h.shard, "a", 1)
	incr(t, h.shard, "a", 1)
	assert.Equal(t, cluster.CounterSet{"a": 2}, h.shard.Query())
	assert.Equal(t, uint64(1), h.shard.Stats().Ops.FailedFlushes)

	// The next breach retries.
	h.upstream.fail(nil)
	incr(t, h.shard, "b", 1)
	assert.Empty(t, h.shard.Query())
	assert.Equal(t, cluster.CounterSet{"a": 2, "b": 1}, h.upstream.totals())
}

// TestMergeBackKeepsConcurrentIncrements verifies increments queued behind a
// failing flush are summed with the restored snapshot.
func TestMergeBackKeepsConcurrentIncrements(t *testing.T) {
	h := newHarness(t, family(100, 0))
	incr(t, h.shard, "a", 5)

	h.upstream.entered = make(chan struct{}, 1)
	h.upstream.release = make(chan struct{})
	h.upstream.fail(errors.New("down"))

	writeErr := make(chan error, 1)
	go func() {
		_, err := h.shard.Write(context.Background())
		writeErr <- err
	}()
	<-h.upstream.entered

	// Mid-flush the shard reads empty and is not blocked by the flush.
	assert.Empty(t, h.shard.Query())
	assert.Equal(t, StateFlushing, h.shard.State())

	incrDone := make(chan error, 1)
	go func() {
		_, err := h.shard.Increment(context.Background(), "a", 2)
		incrDone <- err
	}()

	close(h.upstream.release)
	assert.ErrorIs(t, <-writeErr, ErrFlushFailed)
	require.NoError(t, <-incrDone)

	assert.Equal(t, cluster.CounterSet{"a": 7}, h.shard.Query())
	assert.Equal(t, 2, h.shard.Stats().Pending)
}

// TestAbortedFlushKeepsState verifies nothing is forwarded when the cleared
// state cannot be persisted.
func TestAbortedFlushKeepsState(t *testing.T) {
	h := newHarness(t, family(100, 0))
	incr(t, h.shard, "a", 4)

	h.store.Fail(storage.OpDeleteAll, nil)
	_, err := h.shard.Write(context.Background())
	assert.ErrorIs(t, err, ErrFlushFailed)

	assert.Empty(t, h.upstream.records())
	assert.Equal(t, cluster.CounterSet{"a": 4}, h.shard.Query())
	assert.Zero(t, h.shard.Stats().Ops.MergeBacks)
}

// TestIncrementPersistFailure verifies a failed persist rejects the
// increment without changing the live state.
func TestIncrementPersistFailure(t *testing.T) {
	h := newHarness(t, family(100, 0))
	incr(t, h.shard, "a", 1)

	h.store.Fail(storage.OpApply, nil)
	_, err := h.shard.Increment(context.Background(), "a", 1)
	assert.ErrorIs(t, err, storage.ErrInjected)
	assert.Equal(t, cluster.CounterSet{"a": 1}, h.shard.Query())
}

// TestDirtyStateRewritten verifies a lost merge-back persist is repaired by
// the next successful write.
func TestDirtyStateRewritten(t *testing.T) {
	h := newHarness(t, family(100, 0))
	incr(t, h.shard, "a", 3)
	incr(t, h.shard, "b", 2)

	h.upstream.fail(errors.New("down"))
	h.store.Fail(storage.OpApply, nil)
	_, err := h.shard.Write(context.Background())
	assert.ErrorIs(t, err, ErrFlushFailed)

	h.store.Heal()
	incr(t, h.shard, "c", 1)

	h.shard.Close()
	again := h.open(t, family(100, 0))
	assert.Equal(t, cluster.CounterSet{"a": 3, "b": 2, "c": 1}, again.Query())
	assert.Equal(t, 3, again.Stats().Pending)
}

// TestInactivityFlush verifies one increment followed by a wait longer than
// the timeout causes exactly one flush.
func TestInactivityFlush(t *testing.T) {
	h := newHarness(t, family(100, 10*time.Second))
	incr(t, h.shard, "a", 2)

	h.clock.Step(9 * time.Second)
	settleMailbox(t, h.shard)
	assert.Empty(t, h.upstream.records())

	h.clock.Step(2 * time.Second)
	settleMailbox(t, h.shard)
	recs := h.upstream.records()
	require.Len(t, recs, 1)
	assert.Equal(t, cluster.EventInactivityTimeout, recs[0].Event)

	h.clock.Step(time.Minute)
	settleMailbox(t, h.shard)
	assert.Len(t, h.upstream.records(), 1, "no duplicate flush from a stale timer")
	assert.Empty(t, h.shard.Query())
}

// TestInactivityTimerRearms verifies each increment restarts the idle period.
func TestInactivityTimerRearms(t *testing.T) {
	h := newHarness(t, family(100, 10*time.Second))

	incr(t, h.shard, "a", 1)
	h.clock.Step(6 * time.Second)
	incr(t, h.shard, "a", 1)
	h.clock.Step(6 * time.Second)
	settleMailbox(t, h.shard)
	assert.Empty(t, h.upstream.records())

	h.clock.Step(5 * time.Second)
	settleMailbox(t, h.shard)
	require.Len(t, h.upstream.records(), 1)
	assert.Equal(t, cluster.CounterSet{"a": 2}, h.upstream.totals())
}

// TestZeroTimeoutDisablesTimer verifies nothing flushes without a threshold
// breach when the timeout is 0.
func TestZeroTimeoutDisablesTimer(t *testing.T) {
	h := newHarness(t, family(100, 0))
	incr(t, h.shard, "a", 1)

	h.clock.Step(24 * time.Hour)
	settleMailbox(t, h.shard)
	assert.Empty(t, h.upstream.records())
	assert.False(t, h.shard.trigger.Pending())
}

// TestExplicitWrite verifies the flushed and nothing-to-flush results.
func TestExplicitWrite(t *testing.T) {
	h := newHarness(t, family(100, 10*time.Second))

	res, err := h.shard.Write(context.Background())
	require.NoError(t, err)
	assert.False(t, res.Flushed)
	assert.Empty(t, h.upstream.records())

	incr(t, h.shard, "a", 1)
	incr(t, h.shard, "b", 4)
	res, err = h.shard.Write(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Flushed)

	recs := h.upstream.records()
	require.Len(t, recs, 1)
	assert.Equal(t, cluster.EventExplicitRequest, recs[0].Event)
	if diff := cmp.Diff(cluster.CounterSet{"a": 1, "b": 4}, recs[0].Counters); diff != "" {
		t.Errorf("flushed counters mismatch (-want +got):\n%s", diff)
	}

	// The explicit write cancelled the pending timer.
	h.clock.Step(time.Minute)
	settleMailbox(t, h.shard)
	assert.Len(t, h.upstream.records(), 1)

	stats := h.shard.Stats()
	assert.Equal(t, uint64(2), stats.Ops.Increments)
	assert.Equal(t, uint64(1), stats.Ops.Flushes)
	assert.Equal(t, "orders~shard1", stats.Name)
}

// TestIncrementMany verifies a batch counts as one request.
func TestIncrementMany(t *testing.T) {
	h := newHarness(t, family(2, 0))

	_, err := h.shard.IncrementMany(context.Background(), cluster.CounterSet{"a": 2, "b": 3})
	require.NoError(t, err)
	assert.Equal(t, cluster.CounterSet{"a": 2, "b": 3}, h.shard.Query())
	assert.Equal(t, 1, h.shard.Stats().Pending)

	_, err = h.shard.IncrementMany(context.Background(), cluster.CounterSet{"a": 1})
	require.NoError(t, err)
	assert.Equal(t, cluster.CounterSet{"a": 3, "b": 3}, h.upstream.totals())
}

// TestRestartRecoversBufferedCounts verifies state is loaded before the
// first message and that the recovered counts get an idle timer.
func TestRestartRecoversBufferedCounts(t *testing.T) {
	fam := family(100, 10*time.Second)
	h := newHarness(t, fam)
	incr(t, h.shard, "a", 2)
	incr(t, h.shard, "b", 1)
	h.shard.Close()

	again := h.open(t, fam)
	assert.Equal(t, cluster.CounterSet{"a": 2, "b": 1}, again.Query())
	assert.Equal(t, 2, again.Stats().Pending)
	assert.Equal(t, StateAccumulating, again.State())

	h.clock.Step(11 * time.Second)
	settleMailbox(t, again)
	assert.Equal(t, cluster.CounterSet{"a": 2, "b": 1}, h.upstream.totals())
}

// TestNewValidates tests constructor checks
func TestNewValidates(t *testing.T) {
	good := Options{
		Identity: cluster.ShardIdentity("p", 0),
		Family:   family(1, 0),
		Store:    storage.NewMemoryStore(),
		Upstream: &fakeUpstream{},
	}

	tests := []struct {
		name   string
		mutate func(o *Options)
	}{
		{"global role", func(o *Options) { o.Identity = cluster.GlobalIdentity("p") }},
		{"index out of range", func(o *Options) { o.Identity = cluster.ShardIdentity("p", 2) }},
		{"empty partition", func(o *Options) { o.Identity = cluster.ShardIdentity("", 0) }},
		{"missing threshold", func(o *Options) { o.Family.ShardThreshold = 0 }},
		{"no store", func(o *Options) { o.Store = nil }},
		{"no upstream", func(o *Options) { o.Upstream = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := good
			tt.mutate(&opts)
			_, err := New(opts)
			assert.Error(t, err)
		})
	}

	st := storage.NewMemoryStore()
	require.NoError(t, st.Put(counterPrefix+"a", []byte("-3")))
	opts := good
	opts.Store = st
	_, err := New(opts)
	assert.Error(t, err, "corrupt state is rejected")

	s, err := New(good)
	require.NoError(t, err)
	s.Close()
}
