package mirror

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// CachedReader serves mirror reads from a TTL cache. Snapshots it returns
// may be up to ttl older than the backend.
type CachedReader struct {
	backend Reader
	cache   *ttlcache.Cache[string, Snapshot]
	stop    sync.Once
}

// NewCachedReader caches reads of backend for ttl. A zero ttl disables the
// cache.
func NewCachedReader(backend Reader, ttl time.Duration) *CachedReader {
	c := &CachedReader{backend: backend}
	if ttl > 0 {
		c.cache = ttlcache.New(
			ttlcache.WithTTL[string, Snapshot](ttl),
			ttlcache.WithDisableTouchOnHit[string, Snapshot](),
		)
		go c.cache.Start()
	}
	return c
}

func (c *CachedReader) Read(ctx context.Context, partition string) (Snapshot, error) {
	if c.cache == nil {
		return c.backend.Read(ctx, partition)
	}
	if item := c.cache.Get(partition); item != nil {
		snap := item.Value()
		snap.Counters = snap.Counters.Clone()
		return snap, nil
	}
	snap, err := c.backend.Read(ctx, partition)
	if err != nil {
		return Snapshot{}, err
	}
	c.cache.Set(partition, snap, ttlcache.DefaultTTL)
	out := snap
	out.Counters = snap.Counters.Clone()
	return out, nil
}

// Close stops the expiry loop.
func (c *CachedReader) Close() {
	if c.cache != nil {
		c.stop.Do(c.cache.Stop)
	}
}
