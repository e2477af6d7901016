package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"jan-server/services/model-gateway/internal/infrastructure/metrics"
)

// RebuildFunc recomputes a cache value from the source of truth. An alias so
// callers declaring the bare func type (the catalog's cache interface) are
// satisfied by methods taking RebuildFunc.
type RebuildFunc = func(ctx context.Context) ([]byte, error)

// RebuildError is surfaced only when a rebuild fails and no stale fallback
// exists.
type RebuildError struct {
	Key string
	Err error
}

func (e *RebuildError) Error() string {
	return fmt.Sprintf("rebuild cache key %s: %v", e.Key, e.Err)
}

func (e *RebuildError) Unwrap() error { return e.Err }

// Options tunes the tiered cache's background behavior.
type Options struct {
	// RevalidateInterval rate-limits stale-triggered background refreshes to
	// one attempt per key per interval.
	RevalidateInterval time.Duration
	// RefreshCheckInterval is the hot-key refresher's poll cadence.
	RefreshCheckInterval time.Duration
	// RebuildLockTTL bounds how long the cross-process rebuild lock is held.
	RebuildLockTTL time.Duration
}

func DefaultOptions() Options {
	return Options{
		RevalidateInterval:   30 * time.Second,
		RefreshCheckInterval: 15 * time.Second,
		RebuildLockTTL:       30 * time.Second,
	}
}

// refreshFraction of a hot key's TTL after which the background refresher
// rebuilds it, so steady-load reads rarely take the miss path.
const refreshFraction = 0.9

type hotKey struct {
	ttl      time.Duration
	staleTTL time.Duration
	rebuild  RebuildFunc
}

// TieredCache layers a shared/distributed store over a local in-process
// store with stampede-protected rebuild and stale-while-revalidate
// semantics. Invalidation always clears every tier.
type TieredCache struct {
	shared SharedStore
	local  *LocalStore
	opts   Options
	group  singleflight.Group
	now    func() time.Time
	log    zerolog.Logger

	revalMu        sync.Mutex
	lastRevalidate map[string]time.Time

	hotMu   sync.Mutex
	hotKeys map[string]hotKey
}

func NewTieredCache(shared SharedStore, local *LocalStore, opts Options, log zerolog.Logger) *TieredCache {
	return &TieredCache{
		shared:         shared,
		local:          local,
		opts:           opts,
		now:            time.Now,
		log:            log,
		lastRevalidate: make(map[string]time.Time),
		hotKeys:        make(map[string]hotKey),
	}
}

// Get reads through the tiers without rebuilding: shared first, then local.
// No mirroring happens here; Get has no TTLs to write with. GetOrRebuild is
// the mirroring path.
func (c *TieredCache) Get(ctx context.Context, key string) (value []byte, found, isStale bool) {
	if val, ok, err := c.shared.Get(ctx, key); err == nil && ok {
		metrics.RecordCacheHit("shared", false)
		return val, true, false
	} else if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("shared cache read failed, falling back to local tier")
	}

	if val, ok, stale := c.local.Get(key); ok {
		metrics.RecordCacheHit("local", stale)
		return val, true, stale
	}

	metrics.RecordCacheMiss()
	return nil, false, false
}

// Set writes the value into both tiers. The shared tier expires at ttl; the
// local tier keeps serving the stale window beyond it.
func (c *TieredCache) Set(ctx context.Context, key string, value []byte, ttl, staleTTL time.Duration) error {
	c.local.Set(key, value, ttl, staleTTL)
	if err := c.shared.Set(ctx, key, value, ttl); err != nil {
		return fmt.Errorf("set shared tier: %w", err)
	}
	return nil
}

// Invalidate clears the key from every tier in one call. Both deletions are
// always attempted; partial invalidation that leaves one tier serving old
// data is a correctness bug.
func (c *TieredCache) Invalidate(ctx context.Context, key string) error {
	c.local.Delete(key)

	c.revalMu.Lock()
	delete(c.lastRevalidate, key)
	c.revalMu.Unlock()

	if err := c.shared.Delete(ctx, key); err != nil {
		return errors.Join(fmt.Errorf("invalidate shared tier for %s", key), err)
	}
	return nil
}

// GetOrRebuild returns the cached value, rebuilding at most once across all
// concurrent callers of the same key. Stale local hits return immediately
// and schedule a single rate-limited background revalidation. A failed
// rebuild falls back to a stale value when one exists.
func (c *TieredCache) GetOrRebuild(ctx context.Context, key string, rebuild RebuildFunc, ttl, staleTTL time.Duration) ([]byte, error) {
	if val, ok, err := c.shared.Get(ctx, key); err == nil && ok {
		metrics.RecordCacheHit("shared", false)
		c.local.Set(key, val, ttl, staleTTL)
		return val, nil
	} else if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("shared cache read failed, falling back to local tier")
	}

	if val, ok, stale := c.local.Get(key); ok {
		metrics.RecordCacheHit("local", stale)
		if stale {
			c.scheduleRevalidation(key, rebuild, ttl, staleTTL)
		}
		return val, nil
	}

	metrics.RecordCacheMiss()

	// Miss everywhere: exactly one caller rebuilds; the rest block on the
	// singleflight group and share its result or error.
	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.rebuildLocked(ctx, key, rebuild, ttl, staleTTL)
	})
	if err != nil {
		// Stale fallback: prefer serving old data over propagating.
		if val, ok, _ := c.local.Get(key); ok {
			c.log.Warn().Err(err).Str("key", key).Msg("rebuild failed, serving stale value")
			return val, nil
		}
		return nil, err
	}
	return result.([]byte), nil
}

// rebuildLocked holds the cross-process lock, re-checks both tiers (another
// process may have just populated them), then executes the rebuild and
// populates both tiers.
func (c *TieredCache) rebuildLocked(ctx context.Context, key string, rebuild RebuildFunc, ttl, staleTTL time.Duration) ([]byte, error) {
	release, err := c.shared.Lock(ctx, "cache:lock:"+key, c.opts.RebuildLockTTL)
	if err != nil {
		return nil, &RebuildError{Key: key, Err: fmt.Errorf("acquire rebuild lock: %w", err)}
	}
	defer release()

	if val, ok, err := c.shared.Get(ctx, key); err == nil && ok {
		c.local.Set(key, val, ttl, staleTTL)
		return val, nil
	}
	if val, ok, stale := c.local.Get(key); ok && !stale {
		return val, nil
	}

	val, err := rebuild(ctx)
	if err != nil {
		metrics.RecordCacheRebuild("error")
		return nil, &RebuildError{Key: key, Err: err}
	}
	metrics.RecordCacheRebuild("success")

	if err := c.Set(ctx, key, val, ttl, staleTTL); err != nil {
		c.log.Error().Err(err).Str("key", key).Msg("populate cache tiers after rebuild")
	}
	return val, nil
}

// scheduleRevalidation starts at most one background refresh per key per
// RevalidateInterval, regardless of how many concurrent callers saw the
// stale value.
func (c *TieredCache) scheduleRevalidation(key string, rebuild RebuildFunc, ttl, staleTTL time.Duration) {
	now := c.now()

	c.revalMu.Lock()
	if last, ok := c.lastRevalidate[key]; ok && now.Sub(last) < c.opts.RevalidateInterval {
		c.revalMu.Unlock()
		return
	}
	c.lastRevalidate[key] = now
	c.revalMu.Unlock()

	metrics.RecordCacheRevalidation()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.RebuildLockTTL)
		defer cancel()
		if _, err := c.rebuildLocked(ctx, key, rebuild, ttl, staleTTL); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("background revalidation failed")
		}
	}()
}

// RegisterHotKey enrolls a key in the background refresher so it is rebuilt
// before its fresh TTL elapses.
func (c *TieredCache) RegisterHotKey(key string, ttl, staleTTL time.Duration, rebuild RebuildFunc) {
	c.hotMu.Lock()
	defer c.hotMu.Unlock()
	c.hotKeys[key] = hotKey{ttl: ttl, staleTTL: staleTTL, rebuild: rebuild}
}

// RunRefresher periodically rebuilds registered hot keys at 90% of their
// TTL. Runs on dedicated worker capacity, never the request pool. Blocks
// until ctx is done.
func (c *TieredCache) RunRefresher(ctx context.Context) error {
	ticker := time.NewTicker(c.opts.RefreshCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.refreshHotKeys(ctx)
		}
	}
}

func (c *TieredCache) refreshHotKeys(ctx context.Context) {
	c.hotMu.Lock()
	keys := make(map[string]hotKey, len(c.hotKeys))
	for k, v := range c.hotKeys {
		keys[k] = v
	}
	c.hotMu.Unlock()

	now := c.now()
	for key, hk := range keys {
		createdAt, ok := c.local.CreatedAt(key)
		refreshAt := createdAt.Add(time.Duration(refreshFraction * float64(hk.ttl)))
		if ok && now.Before(refreshAt) {
			continue
		}

		refreshCtx, cancel := context.WithTimeout(ctx, c.opts.RebuildLockTTL)
		if _, err := c.rebuildForRefresh(refreshCtx, key, hk); err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("hot key refresh failed")
		}
		cancel()
	}
}

// rebuildForRefresh bypasses the freshness re-check so an about-to-expire
// value is replaced rather than reused.
func (c *TieredCache) rebuildForRefresh(ctx context.Context, key string, hk hotKey) ([]byte, error) {
	result, err, _ := c.group.Do(key, func() (interface{}, error) {
		release, err := c.shared.Lock(ctx, "cache:lock:"+key, c.opts.RebuildLockTTL)
		if err != nil {
			return nil, &RebuildError{Key: key, Err: fmt.Errorf("acquire rebuild lock: %w", err)}
		}
		defer release()

		val, err := hk.rebuild(ctx)
		if err != nil {
			metrics.RecordCacheRebuild("error")
			return nil, &RebuildError{Key: key, Err: err}
		}
		metrics.RecordCacheRebuild("success")
		if err := c.Set(ctx, key, val, hk.ttl, hk.staleTTL); err != nil {
			c.log.Error().Err(err).Str("key", key).Msg("populate cache tiers after refresh")
		}
		return val, nil
	})
	if err != nil {
		return nil, err
	}
	return result.([]byte), nil
}
