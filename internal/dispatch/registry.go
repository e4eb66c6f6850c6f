package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/go-logr/logr"
	"go.uber.org/multierr"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/dreamware/tally/internal/cluster"
	"github.com/dreamware/tally/internal/config"
	"github.com/dreamware/tally/internal/global"
	"github.com/dreamware/tally/internal/mirror"
	"github.com/dreamware/tally/internal/shard"
	"github.com/dreamware/tally/internal/storage"
)

var (
	// ErrInvalidShard is returned for a shard index outside [0, ShardCount).
	ErrInvalidShard = errors.New("invalid shard index")

	// ErrInvalidPartition is returned for a partition name that cannot
	// address an instance.
	ErrInvalidPartition = errors.New("invalid partition")

	// ErrClosed is returned when an instance would have to be created after
	// Close.
	ErrClosed = errors.New("registry closed")
)

const numStripes = 32

// Options configures a Registry.
type Options struct {
	// Family is the flush policy of every partition the registry serves.
	Family config.Family

	// Provider opens the durable store of each instance by name.
	Provider storage.Provider

	// Mirror is where aggregators publish their counters.
	Mirror mirror.Store

	// Remote, when set, receives every shard flush in place of the local
	// aggregators. Used when the aggregators live in another process.
	Remote shard.Upstream

	// Clock defaults to the real clock.
	Clock clock.WithDelayedExecution
	Log   logr.Logger
}

// stripe guards the instances whose names hash to it. Creation happens
// under the stripe lock so each name is built exactly once.
type stripe struct {
	mu      sync.Mutex
	shards  map[string]*shard.Shard
	globals map[string]*global.Global
}

// Registry maps instance names to live actors, creating them on first use.
//
// The registry is the only component that knows how names are formed:
//
//	┌─────────────────────────────────────────┐
//	│               Registry                  │
//	├─────────────────────────────────────────┤
//	│  stripes[xxhash(name) % 32]             │
//	│    shards:  "p~shard3" → *shard.Shard   │
//	│    globals: "p~global" → *global.Global │
//	├─────────────────────────────────────────┤
//	│  (partition, index) → name → instance   │
//	│  ("metrics", 3) → "metrics~shard3"      │
//	└─────────────────────────────────────────┘
//
// Shards flush to the registry, which routes the record to the partition's
// aggregator (or to Options.Remote). Aggregators query shards through the
// registry as well, so neither actor holds a reference to the other.
//
// Concurrency Model:
//   - Lookups and creations for different stripes never contend
//   - An instance is published only after its state has been loaded
//   - No stripe lock is held while an instance handles a message
type Registry struct {
	family   config.Family
	provider storage.Provider
	mirror   mirror.Store
	remote   shard.Upstream
	clock    clock.WithDelayedExecution
	base     logr.Logger // handed to instances
	log      logr.Logger

	stripes [numStripes]stripe
	closed  atomic.Bool
}

// NewRegistry validates the family and returns an empty registry.
//
// Parameters:
//   - opts: Family, Provider and Mirror are required. Mirror may be nil when
//     Remote is set, since no aggregator is then created locally on the
//     flush path; a Global call still needs it.
//
// Returns:
//   - *Registry ready to resolve names
//   - error when the family is invalid or a required collaborator is missing
func NewRegistry(opts Options) (*Registry, error) {
	if err := opts.Family.Validate(); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	if opts.Provider == nil {
		return nil, errors.New("dispatch: store provider is required")
	}
	if opts.Mirror == nil && opts.Remote == nil {
		return nil, errors.New("dispatch: mirror is required without a remote aggregator")
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	r := &Registry{
		family:   opts.Family,
		provider: opts.Provider,
		mirror:   opts.Mirror,
		remote:   opts.Remote,
		clock:    opts.Clock,
		base:     opts.Log,
		log:      opts.Log.WithName("dispatch"),
	}
	for i := range r.stripes {
		r.stripes[i].shards = make(map[string]*shard.Shard)
		r.stripes[i].globals = make(map[string]*global.Global)
	}
	return r, nil
}

// Family returns the flush policy the registry was built with.
func (r *Registry) Family() config.Family { return r.family }

func (r *Registry) stripeFor(name string) *stripe {
	return &r.stripes[xxhash.Sum64String(name)%numStripes]
}

// ShardIdentity validates a (partition, index) pair and returns the identity
// it addresses.
func (r *Registry) ShardIdentity(partition string, index int) (cluster.Identity, error) {
	if err := cluster.GlobalIdentity(partition).Validate(); err != nil {
		return cluster.Identity{}, fmt.Errorf("%w: %v", ErrInvalidPartition, err)
	}
	if index < 0 || index >= r.family.ShardCount {
		return cluster.Identity{}, fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidShard, index, r.family.ShardCount)
	}
	return cluster.ShardIdentity(partition, index), nil
}

// PickShard returns a uniformly random shard index for callers that do not
// name one.
func (r *Registry) PickShard() int {
	return rand.IntN(r.family.ShardCount)
}

// Shard resolves the shard at index of partition, creating and loading it
// on first use.
//
// Parameters:
//   - ctx: currently unused
//   - partition: partition name, non-empty and without '~'
//   - index: shard index in [0, ShardCount)
//
// Returns:
//   - *shard.Shard, the single live instance for that name
//   - ErrInvalidShard or ErrInvalidPartition for a bad address
//   - ErrClosed when the instance does not exist yet and Close was called
//   - any error from opening or loading the instance's store
//
// Thread Safety:
// Safe for concurrent use. Concurrent first calls for one name build one
// instance; the others wait on the stripe lock and receive it.
func (r *Registry) Shard(ctx context.Context, partition string, index int) (*shard.Shard, error) {
	id, err := r.ShardIdentity(partition, index)
	if err != nil {
		return nil, err
	}
	name := id.Name()
	st := r.stripeFor(name)

	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.shards[name]; ok {
		return s, nil
	}
	if r.closed.Load() {
		return nil, ErrClosed
	}

	store, err := r.provider.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", name, err)
	}
	s, err := shard.New(shard.Options{
		Identity: id,
		Family:   r.family,
		Store:    store,
		Upstream: r,
		Clock:    r.clock,
		Log:      r.base,
	})
	if err != nil {
		return nil, err
	}
	st.shards[name] = s
	r.log.V(1).Info("instance created", "instance", name)
	return s, nil
}

// Global resolves the aggregator of partition, creating and loading it on
// first use. Errors follow Shard.
func (r *Registry) Global(ctx context.Context, partition string) (*global.Global, error) {
	id := cluster.GlobalIdentity(partition)
	if err := id.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPartition, err)
	}
	name := id.Name()
	st := r.stripeFor(name)

	st.mu.Lock()
	defer st.mu.Unlock()
	if g, ok := st.globals[name]; ok {
		return g, nil
	}
	if r.closed.Load() {
		return nil, ErrClosed
	}
	if r.mirror == nil {
		return nil, fmt.Errorf("dispatch: no local aggregator for %s, flushes go to the remote", name)
	}

	store, err := r.provider.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", name, err)
	}
	g, err := global.New(global.Options{
		Identity: id,
		Family:   r.family,
		Store:    store,
		Mirror:   r.mirror,
		Shards:   r,
		Clock:    r.clock,
		Log:      r.base,
	})
	if err != nil {
		return nil, err
	}
	st.globals[name] = g
	r.log.V(1).Info("instance created", "instance", name)
	return g, nil
}

// ReceiveWrite routes a shard flush to the partition's aggregator. It makes
// the registry the Upstream of every shard it creates.
func (r *Registry) ReceiveWrite(ctx context.Context, partition string, rec cluster.WriteRecord) error {
	if r.remote != nil {
		return r.remote.ReceiveWrite(ctx, partition, rec)
	}
	g, err := r.Global(ctx, partition)
	if err != nil {
		return err
	}
	return g.ReceiveWrite(ctx, rec)
}

// QueryShard reads one shard's live counters for an aggregator.
func (r *Registry) QueryShard(ctx context.Context, partition string, index int) (cluster.CounterSet, error) {
	s, err := r.Shard(ctx, partition, index)
	if err != nil {
		return nil, err
	}
	return s.Query(), nil
}

// Instances returns the names of every live instance, sorted.
func (r *Registry) Instances() []string {
	var names []string
	for i := range r.stripes {
		st := &r.stripes[i]
		st.mu.Lock()
		for name := range st.shards {
			names = append(names, name)
		}
		for name := range st.globals {
			names = append(names, name)
		}
		st.mu.Unlock()
	}
	slices.Sort(names)
	return names
}

// Close stops every instance, then the store provider and the mirror. Shards are
// drained first so a flush already queued can still reach an existing
// aggregator. After Close no new instance is created.
func (r *Registry) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	var shards []*shard.Shard
	var globals []*global.Global
	for i := range r.stripes {
		st := &r.stripes[i]
		st.mu.Lock()
		for _, s := range st.shards {
			shards = append(shards, s)
		}
		for _, g := range st.globals {
			globals = append(globals, g)
		}
		st.mu.Unlock()
	}

	for _, s := range shards {
		s.Close()
	}
	for _, g := range globals {
		g.Close()
	}

	errs := r.provider.Close()
	if c, ok := r.mirror.(io.Closer); ok {
		errs = multierr.Append(errs, c.Close())
	}
	r.log.Info("registry closed", "shards", len(shards), "globals", len(globals))
	return errs
}
