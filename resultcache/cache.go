// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package resultcache holds query results for a short TTL. Concurrent
// requests for the same key share one load, and a weighted semaphore bounds
// how many loads run against the query engine at once.
package resultcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

type Config struct {
	// Name labels log lines and metrics.
	Name string
	TTL  time.Duration
	// Capacity bounds the number of entries; 0 means unbounded.
	Capacity uint64
	// MaxConcurrentLoads bounds loads in flight across all keys.
	MaxConcurrentLoads int64
	// LoadTimeout bounds a load once it has started, independent of the
	// callers waiting on it. 0 means no bound.
	LoadTimeout time.Duration
}

// Stats is a point-in-time snapshot of cache activity.
type Stats struct {
	Entries  int   `json:"entries"`
	Hits     int64 `json:"hits"`
	Misses   int64 `json:"misses"`
	Loads    int64 `json:"loads"`
	Errors   int64 `json:"errors"`
	Inflight int64 `json:"inflight"`
}

// errAbandoned ends a flight whose callers all left before it got a slot.
var errAbandoned = errors.New("load abandoned before a query slot was free")

// flight tracks the callers waiting on one key. ctx is cancelled when the
// last of them leaves.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

type Cache struct {
	name        string
	ttl         time.Duration
	loadTimeout time.Duration

	items *ttlcache.Cache[string, any]
	group singleflight.Group
	slots *semaphore.Weighted

	mu      sync.Mutex
	flights map[string]*flight

	hits     atomic.Int64
	misses   atomic.Int64
	loads    atomic.Int64
	errors   atomic.Int64
	inflight atomic.Int64

	instruments *instruments
}

func New(cfg Config) *Cache {
	if cfg.MaxConcurrentLoads < 1 {
		cfg.MaxConcurrentLoads = 1
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}

	opts := []ttlcache.Option[string, any]{
		ttlcache.WithTTL[string, any](cfg.TTL),
		ttlcache.WithDisableTouchOnHit[string, any](),
	}
	if cfg.Capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, any](cfg.Capacity))
	}

	return &Cache{
		name:        cfg.Name,
		ttl:         cfg.TTL,
		loadTimeout: cfg.LoadTimeout,
		items:       ttlcache.New(opts...),
		slots:       semaphore.NewWeighted(cfg.MaxConcurrentLoads),
		flights:     map[string]*flight{},
		instruments: newInstruments(cfg.Name),
	}
}

// Start runs the expiry loop until ctx is done.
func (c *Cache) Start(ctx context.Context) {
	go c.items.Start()
	<-ctx.Done()
	c.items.Stop()
}

// Get returns the value stored under key, calling load on a miss. The value
// must have type V; a different type under the same key is an error.
func Get[V any](ctx context.Context, c *Cache, key string, load func(context.Context) (V, error)) (V, error) {
	var zero V
	v, err := c.get(ctx, key, func(ctx context.Context) (any, error) {
		return load(ctx)
	})
	if err != nil {
		return zero, err
	}
	typed, ok := v.(V)
	if !ok {
		return zero, fmt.Errorf("cache %s: key %q holds %T, want %T", c.name, key, v, zero)
	}
	return typed, nil
}

func (c *Cache) lookup(key string) (any, bool) {
	item := c.items.Get(key)
	if item == nil || item.IsExpired() {
		return nil, false
	}
	return item.Value(), true
}

func (c *Cache) get(ctx context.Context, key string, load func(context.Context) (any, error)) (any, error) {
	if v, ok := c.lookup(key); ok {
		c.hits.Add(1)
		c.instruments.request(ctx, true)
		return v, nil
	}
	c.misses.Add(1)
	c.instruments.request(ctx, false)

	for {
		f := c.join(ctx, key)
		ch := c.group.DoChan(key, func() (any, error) {
			// A flight that finished between our lookup and DoChan has already
			// stored the value.
			if v, ok := c.lookup(key); ok {
				return v, nil
			}
			return c.load(f, key, load)
		})

		select {
		case <-ctx.Done():
			c.leave(key, f)
			return nil, ctx.Err()
		case res := <-ch:
			c.leave(key, f)
			// We joined a flight its earlier callers had already given up on.
			if errors.Is(res.Err, errAbandoned) && ctx.Err() == nil {
				continue
			}
			return res.Val, res.Err
		}
	}
}

func (c *Cache) join(ctx context.Context, key string) *flight {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.flights[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		c.flights[key] = f
	}
	f.waiters++
	return f
}

func (c *Cache) leave(key string, f *flight) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if c.flights[key] == f {
		delete(c.flights, key)
	}
}

// load waits for a query slot only while some caller still wants the result.
// Once it holds a slot it runs detached from the callers, bounded by
// loadTimeout, so callers that give up do not fail the ones still waiting.
func (c *Cache) load(f *flight, key string, load func(context.Context) (any, error)) (any, error) {
	waitStart := time.Now()
	if err := c.slots.Acquire(f.ctx, 1); err != nil {
		slog.Debug("Cache load abandoned", slog.String("cache", c.name), slog.String("key", key))
		return nil, errAbandoned
	}
	defer c.slots.Release(1)

	ctx := context.WithoutCancel(f.ctx)
	if c.loadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.loadTimeout)
		defer cancel()
	}
	c.instruments.slotWait(ctx, time.Since(waitStart))

	c.loads.Add(1)
	c.inflight.Add(1)
	defer c.inflight.Add(-1)

	start := time.Now()
	v, err := load(ctx)
	if err != nil {
		c.errors.Add(1)
		c.instruments.loadError(ctx)
		slog.Warn("Cache load failed",
			slog.String("cache", c.name),
			slog.String("key", key),
			slog.Duration("duration", time.Since(start)),
			slog.Any("error", err))
		return nil, err
	}

	c.items.Set(key, v, ttlcache.DefaultTTL)
	slog.Debug("Cache load stored",
		slog.String("cache", c.name),
		slog.String("key", key),
		slog.Duration("duration", time.Since(start)))
	return v, nil
}

// ExpiresIn reports how long the entry under key stays fresh. It returns
// false when there is no live entry.
func (c *Cache) ExpiresIn(key string) (time.Duration, bool) {
	item := c.items.Get(key)
	if item == nil || item.IsExpired() {
		return 0, false
	}
	return time.Until(item.ExpiresAt()), true
}

func (c *Cache) TTL() time.Duration { return c.ttl }

func (c *Cache) Delete(key string) {
	c.items.Delete(key)
}

// Purge drops every entry. Loads in flight still store their result.
func (c *Cache) Purge() {
	c.items.DeleteAll()
	slog.Info("Cache purged", slog.String("cache", c.name))
}

func (c *Cache) Len() int {
	return c.items.Len()
}

func (c *Cache) Stats() Stats {
	return Stats{
		Entries:  c.items.Len(),
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Loads:    c.loads.Load(),
		Errors:   c.errors.Load(),
		Inflight: c.inflight.Load(),
	}
}
