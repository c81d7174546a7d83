// Package cache keeps exercise videos available offline, keyed by their
// remote identifier.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/matheus3301/fieldsync/internal/bus"
	"github.com/matheus3301/fieldsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrCorrupt is returned when a cached blob no longer matches its checksum.
var ErrCorrupt = errors.New("cached video is corrupt")

// Fetcher downloads a video by remote id. *remote.HTTPClient satisfies it.
type Fetcher interface {
	FetchVideo(ctx context.Context, id string) ([]byte, error)
}

// Entry is what a caller needs to choose evictions.
type Entry struct {
	ID       string    `json:"id"`
	Size     int64     `json:"size"`
	CachedAt time.Time `json:"cachedAt"`
}

// Cache stores video blobs in the profile database.
type Cache struct {
	db      *store.DB
	fetcher Fetcher
	bus     *bus.Bus
	logger  *zap.Logger
	budget  atomic.Int64
	policy  atomic.Pointer[EvictionPolicy]
	fetches singleflight.Group
	now     func() time.Time
}

// New creates a cache. A budget of zero or less disables automatic eviction.
func New(db *store.DB, fetcher Fetcher, b *bus.Bus, logger *zap.Logger, budget int64) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		db:      db,
		fetcher: fetcher,
		bus:     b,
		logger:  logger,
		now:     time.Now,
	}
	c.budget.Store(budget)
	c.SetPolicy(OldestFirst)
	return c
}

// SetBudget changes the byte budget EnsureCached enforces.
func (c *Cache) SetBudget(n int64) {
	old := c.budget.Swap(n)
	if old != n {
		c.logger.Info("cache budget changed",
			zap.String("from", humanize.Bytes(uint64(max(old, 0)))),
			zap.String("to", humanize.Bytes(uint64(max(n, 0)))))
	}
}

// Budget returns the configured byte budget.
func (c *Cache) Budget() int64 {
	return c.budget.Load()
}

// ApplyBudget sets a new budget and evicts right away if the cache no
// longer fits. It is how a config reload takes effect.
func (c *Cache) ApplyBudget(ctx context.Context, n int64) ([]string, error) {
	c.SetBudget(n)
	if n <= 0 {
		return nil, nil
	}
	return c.enforce(ctx, n, c.Policy(), "")
}

// SetPolicy replaces the eviction policy used by EnsureCached and
// ApplyBudget. It is safe to call while the cache is in use.
func (c *Cache) SetPolicy(p EvictionPolicy) {
	if p == nil {
		p = OldestFirst
	}
	c.policy.Store(&p)
}

// Policy returns the current eviction policy.
func (c *Cache) Policy() EvictionPolicy {
	return *c.policy.Load()
}

// CacheVideo stores blob under id, replacing any previous copy.
func (c *Cache) CacheVideo(ctx context.Context, id string, blob []byte) error {
	if id == "" {
		return errors.New("video id is required")
	}
	err := c.db.PutVideo(ctx, &store.VideoEntry{
		ID:       id,
		Blob:     blob,
		Size:     int64(len(blob)),
		Checksum: checksum(blob),
		CachedAt: c.now(),
	})
	if err != nil {
		return err
	}
	c.emit(bus.CacheStored, Entry{ID: id, Size: int64(len(blob))})
	return nil
}

// GetVideo returns the cached blob, or nil if id is not cached.
func (c *Cache) GetVideo(ctx context.Context, id string) ([]byte, error) {
	v, err := c.db.GetVideo(ctx, id)
	if err != nil || v == nil {
		return nil, err
	}
	if checksum(v.Blob) != v.Checksum {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, id)
	}
	return v.Blob, nil
}

// IsVideoCached reports whether id is cached.
func (c *Cache) IsVideoCached(ctx context.Context, id string) (bool, error) {
	return c.db.VideoExists(ctx, id)
}

// GetCacheSize returns the total cached bytes.
func (c *Cache) GetCacheSize(ctx context.Context) (int64, error) {
	return c.db.VideoCacheSize(ctx)
}

// ClearCache removes every cached video.
func (c *Cache) ClearCache(ctx context.Context) error {
	if err := c.db.ClearVideos(ctx); err != nil {
		return err
	}
	c.emit(bus.CacheCleared, nil)
	return nil
}

// Entries lists cached videos, oldest first.
func (c *Cache) Entries(ctx context.Context) ([]Entry, error) {
	videos, err := c.db.ListVideos(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, len(videos))
	for i, v := range videos {
		out[i] = Entry{ID: v.ID, Size: v.Size, CachedAt: v.CachedAt}
	}
	return out, nil
}

// Remove evicts one video. Returns false if it was not cached.
func (c *Cache) Remove(ctx context.Context, id string) (bool, error) {
	n, err := c.db.DeleteVideos(ctx, id)
	if err != nil {
		return false, err
	}
	if n > 0 {
		c.emit(bus.CacheEvicted, []string{id})
	}
	return n > 0, nil
}

// EnsureCached returns the blob for id, downloading and storing it first if
// needed. Concurrent requests for the same id share one download. A corrupt
// copy is replaced.
func (c *Cache) EnsureCached(ctx context.Context, id string) ([]byte, error) {
	blob, err := c.GetVideo(ctx, id)
	if err != nil && !errors.Is(err, ErrCorrupt) {
		return nil, err
	}
	if blob != nil {
		return blob, nil
	}
	if c.fetcher == nil {
		return nil, fmt.Errorf("fetch video %s: no fetcher configured", id)
	}

	v, err, _ := c.fetches.Do(id, func() (any, error) {
		// A flight that just finished may have stored it.
		if blob, err := c.GetVideo(ctx, id); err == nil && blob != nil {
			return blob, nil
		}
		blob, err := c.fetcher.FetchVideo(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("fetch video %s: %w", id, err)
		}
		if err := c.CacheVideo(ctx, id, blob); err != nil {
			return nil, err
		}
		c.logger.Info("video cached", zap.String("video_id", id), zap.String("size", humanize.Bytes(uint64(len(blob)))))
		if budget := c.Budget(); budget > 0 {
			if _, err := c.enforce(ctx, budget, c.Policy(), id); err != nil {
				c.logger.Warn("cache eviction failed", zap.Error(err))
			}
		}
		return blob, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Enforce evicts what policy selects until the cache fits budget. It returns
// the evicted ids.
func (c *Cache) Enforce(ctx context.Context, budget int64, policy EvictionPolicy) ([]string, error) {
	return c.enforce(ctx, budget, policy, "")
}

func (c *Cache) enforce(ctx context.Context, budget int64, policy EvictionPolicy, keep string) ([]string, error) {
	if policy == nil {
		policy = OldestFirst
	}
	entries, err := c.Entries(ctx)
	if err != nil {
		return nil, err
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	if total <= budget {
		return nil, nil
	}

	var victims []string
	for _, id := range policy(entries, total, budget) {
		if id != keep {
			victims = append(victims, id)
		}
	}
	if len(victims) == 0 {
		return nil, nil
	}
	if _, err := c.db.DeleteVideos(ctx, victims...); err != nil {
		return nil, err
	}
	c.logger.Info("cache evicted",
		zap.Int("count", len(victims)),
		zap.String("budget", humanize.Bytes(uint64(max(budget, 0)))))
	c.emit(bus.CacheEvicted, victims)
	return victims, nil
}

func (c *Cache) emit(kind string, payload any) {
	if c.bus != nil {
		c.bus.Emit(kind, payload)
	}
}

func checksum(blob []byte) string {
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:])
}
