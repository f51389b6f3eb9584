package bot

import (
	"context"
	"log/slog"
	"sync"

	"github.com/townshq/botfather/internal/tenant"
)

// Builder constructs a live instance from a stored record.
type Builder interface {
	Build(ctx context.Context, rec tenant.Record) (*Instance, error)
}

// Cache memoizes one live instance per tenant for the process lifetime.
// Concurrent first requests for the same tenant share a single in-flight
// build instead of racing duplicate sessions. Entries have no TTL; Invalidate
// is the only way to force a rebuild.
type Cache struct {
	store   tenant.Store
	builder Builder
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	ready chan struct{}
	inst  *Instance
	err   error
}

// NewCache creates an empty cache backed by the given store and builder.
func NewCache(log *slog.Logger, store tenant.Store, builder Builder) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		store:   store,
		builder: builder,
		logger:  log.With(slog.String("service", "cache")),
		entries: map[string]*cacheEntry{},
	}
}

// GetOrCreate returns the cached instance for address, building it from the
// stored record on first use. An unknown tenant yields tenant.ErrNotFound.
// Failed builds are not cached; the next request tries again.
func (c *Cache) GetOrCreate(ctx context.Context, address string) (*Instance, error) {
	c.mu.Lock()
	if e, ok := c.entries[address]; ok {
		c.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return e.inst, e.err
	}
	e := &cacheEntry{ready: make(chan struct{})}
	c.entries[address] = e
	c.mu.Unlock()

	e.inst, e.err = c.build(ctx, address)
	close(e.ready)

	if e.err != nil {
		c.mu.Lock()
		// Only drop our own failed entry; Invalidate may have already
		// replaced it.
		if c.entries[address] == e {
			delete(c.entries, address)
		}
		c.mu.Unlock()
	}
	return e.inst, e.err
}

func (c *Cache) build(ctx context.Context, address string) (*Instance, error) {
	rec, err := c.store.Get(ctx, address)
	if err != nil {
		return nil, err
	}
	inst, err := c.builder.Build(ctx, rec)
	if err != nil {
		return nil, err
	}
	c.logger.Info("tenant instance built", slog.String("tenant", address), slog.Int("channels", len(inst.Channels)))
	return inst, nil
}

// Invalidate drops the cached instance for address so the next request
// rebuilds from storage. Returns whether an entry existed.
func (c *Cache) Invalidate(address string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[address]; !ok {
		return false
	}
	delete(c.entries, address)
	return true
}

// Len returns the number of cached entries, including in-flight builds.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
