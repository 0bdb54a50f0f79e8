package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	JourneyTTL      = 6 * time.Hour
	ServerTTL       = 12 * time.Hour
	DispatchPostTTL = 12 * time.Hour
)

// Cache maps a primary key (stable entity id) to the latest frame,
// with one secondary key per entry derived from the stored frame. A
// redis mirror makes the cache rehydratable across restarts; pass a
// nil client to run purely in memory (tests).
//
// The cache never publishes: producers publish on the bus after Set,
// and bus consumers apply UpdateLocal/RemoveLocalByPrimary.
type Cache struct {
	name      string
	ttl       time.Duration
	rdb       *redis.Client
	secondary func(*Frame) string

	mu          sync.RWMutex
	byPrimary   map[string]*entry
	bySecondary map[string]string
}

type entry struct {
	frame   *Frame
	expires time.Time
}

func NewCache(rdb *redis.Client, name string, ttl time.Duration, secondary func(*Frame) string) *Cache {
	return &Cache{
		name:        name,
		ttl:         ttl,
		rdb:         rdb,
		secondary:   secondary,
		byPrimary:   map[string]*entry{},
		bySecondary: map[string]string{},
	}
}

func (c *Cache) key(primary string) string {
	return c.name + ":" + primary
}

// NextTimestamp stamps a frame about to be written: wall clock millis,
// bumped past the cached frame's timestamp so it acts as a per-key
// sequence number.
func (c *Cache) NextTimestamp(primary string) int64 {
	ts := time.Now().UnixMilli()
	if cur, ok := c.FindByPrimary(primary); ok && cur.Timestamp >= ts {
		ts = cur.Timestamp + 1
	}
	return ts
}

// Set upserts by primary key, refreshes the TTL and updates the
// secondary index, then mirrors the frame to redis.
func (c *Cache) Set(ctx context.Context, f *Frame) error {
	primary := f.ID.Data.String()

	c.mu.Lock()
	c.storeLocked(primary, f)
	c.mu.Unlock()

	if c.rdb == nil {
		return nil
	}
	raw, err := f.Encode()
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if err := c.rdb.Set(ctx, c.key(primary), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("mirroring frame: %w", err)
	}
	return nil
}

func (c *Cache) storeLocked(primary string, f *Frame) {
	if old, ok := c.byPrimary[primary]; ok {
		delete(c.bySecondary, c.secondary(old.frame))
	}
	c.byPrimary[primary] = &entry{frame: f, expires: time.Now().Add(c.ttl)}
	c.bySecondary[c.secondary(f)] = primary
}

func (c *Cache) FindByPrimary(primary string) (*Frame, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byPrimary[primary]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.frame, true
}

func (c *Cache) FindBySecondary(secondary string) (*Frame, bool) {
	c.mu.RLock()
	primary, ok := c.bySecondary[secondary]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return c.FindByPrimary(primary)
}

// FindBySecondaryNotIn returns every live frame whose secondary key is
// absent from keep. Used to detect upstream disappearances.
func (c *Cache) FindBySecondaryNotIn(keep map[string]bool) []*Frame {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now()
	var out []*Frame
	for secondary, primary := range c.bySecondary {
		if keep[secondary] {
			continue
		}
		if e, ok := c.byPrimary[primary]; ok && now.Before(e.expires) {
			out = append(out, e.frame)
		}
	}
	return out
}

// RemoveByPrimary drops the entry and its secondary index, locally and
// from redis.
func (c *Cache) RemoveByPrimary(ctx context.Context, primary string) error {
	c.RemoveLocalByPrimary(primary)
	if c.rdb == nil {
		return nil
	}
	if err := c.rdb.Del(ctx, c.key(primary)).Err(); err != nil {
		return fmt.Errorf("removing mirrored frame: %w", err)
	}
	return nil
}

// Snapshot returns all current frames.
func (c *Cache) Snapshot() []*Frame {
	c.mu.RLock()
	defer c.mu.RUnlock()
	now := time.Now()
	out := make([]*Frame, 0, len(c.byPrimary))
	for _, e := range c.byPrimary {
		if now.Before(e.expires) {
			out = append(out, e.frame)
		}
	}
	return out
}

// PullFromStorage rehydrates the in-memory index from redis. Must run
// before any bus subscription delivers updates. Idempotent; a no-op
// without a redis client.
func (c *Cache) PullFromStorage(ctx context.Context) error {
	if c.rdb == nil {
		return nil
	}
	iter := c.rdb.Scan(ctx, 0, c.name+":*", 0).Iterator()
	for iter.Next(ctx) {
		raw, err := c.rdb.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		} else if err != nil {
			return fmt.Errorf("reading %s: %w", iter.Val(), err)
		}
		f, err := Decode(raw)
		if err != nil {
			return fmt.Errorf("decoding %s: %w", iter.Val(), err)
		}
		c.UpdateLocal(f)
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scanning %s: %w", c.name, err)
	}
	return nil
}

// UpdateLocal applies a frame received over the bus. Frames not newer
// than the cached one are dropped, so a producer's own publishes loop
// back harmlessly.
func (c *Cache) UpdateLocal(f *Frame) {
	primary := f.ID.Data.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.byPrimary[primary]; ok && cur.frame.Timestamp >= f.Timestamp {
		return
	}
	c.storeLocked(primary, f)
}

// RemoveLocal applies a tombstone received over the bus. The entry is
// kept when the cached frame is newer than the tombstone, so a
// reordered late removal cannot drop a fresher update.
func (c *Cache) RemoveLocal(f *Frame) {
	primary := f.ID.Data.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	old, ok := c.byPrimary[primary]
	if !ok || old.frame.Timestamp > f.Timestamp {
		return
	}
	delete(c.bySecondary, c.secondary(old.frame))
	delete(c.byPrimary, primary)
}

// RemoveLocalByPrimary drops an entry without touching redis.
func (c *Cache) RemoveLocalByPrimary(primary string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.byPrimary[primary]; ok {
		delete(c.bySecondary, c.secondary(old.frame))
		delete(c.byPrimary, primary)
	}
}
