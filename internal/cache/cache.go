// Package cache implements the persistent fingerprint cache that sits
// between the batch orchestrator and the prediction oracle. Entries are
// stored as JSON envelopes in a pluggable backend; expiry and corruption
// policy live here so every backend behaves the same.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"varanno/internal/observability"
	"varanno/internal/stats"
)

// Store is the storage backend contract. Values are opaque bytes keyed
// by "<model>/<fingerprint>". Backends with native expiry also receive
// the ttl hint; the envelope carries the authoritative deadline.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// PurgeModel removes every entry stored under the model prefix and
	// reports how many were dropped.
	PurgeModel(ctx context.Context, model string) (int, error)
	Close() error
}

// BatchGetter is an optional Store capability: fetch many keys in one
// round trip. LookupMany falls back to per-key Gets without it.
type BatchGetter interface {
	GetMany(ctx context.Context, keys []string) (map[string][]byte, error)
}

// BatchPutter is an optional Store capability: write many values in one
// round trip.
type BatchPutter interface {
	PutMany(ctx context.Context, kv map[string][]byte, ttl time.Duration) error
}

// Sweeper is an optional Store capability: drop expired and corrupt
// entries eagerly instead of waiting for read-time eviction.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Entry is the stored envelope around one oracle payload.
type Entry struct {
	Key       string          `json:"key"`
	Model     string          `json:"model"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Expired reports whether the entry is past its deadline at now.
func (e *Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.After(now)
}

type Config struct {
	TTL           time.Duration
	MaxEntryBytes int
}

// Cache is the policy layer over a Store. A nil Store disables caching:
// every lookup misses and every store is a no-op.
type Cache struct {
	store    Store
	ttl      time.Duration
	maxEntry int
	now      func() time.Time
	tracker  *stats.Tracker
	log      zerolog.Logger
}

func New(store Store, cfg Config, tracker *stats.Tracker, log zerolog.Logger) *Cache {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if tracker == nil {
		tracker = stats.New()
	}
	return &Cache{
		store:    store,
		ttl:      ttl,
		maxEntry: cfg.MaxEntryBytes,
		now:      time.Now,
		tracker:  tracker,
		log:      log,
	}
}

// Lookup returns the cached payload for key. Storage errors, corrupt
// envelopes and expired entries all count as misses; a lookup can
// degrade the run but never fail it.
func (c *Cache) Lookup(ctx context.Context, key string) (json.RawMessage, bool) {
	if c.store == nil {
		c.miss(1)
		return nil, false
	}
	start := time.Now()
	raw, ok, err := c.store.Get(ctx, key)
	observability.ObserveCacheOp("get", err, time.Since(start).Seconds())
	if err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("cache read failed, treating as miss")
		c.miss(1)
		return nil, false
	}
	if !ok {
		c.miss(1)
		return nil, false
	}
	payload, ok := c.decode(ctx, key, raw)
	if !ok {
		c.miss(1)
		return nil, false
	}
	c.hit(1)
	return payload, true
}

// LookupMany resolves a set of keys at once, using the backend's batch
// read when it has one. Only hits appear in the returned map.
func (c *Cache) LookupMany(ctx context.Context, keys []string) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(keys))
	if c.store == nil || len(keys) == 0 {
		c.miss(len(keys))
		return out
	}

	bg, ok := c.store.(BatchGetter)
	if !ok {
		for _, k := range keys {
			if payload, hit := c.Lookup(ctx, k); hit {
				out[k] = payload
			}
		}
		return out
	}

	start := time.Now()
	raws, err := bg.GetMany(ctx, keys)
	observability.ObserveCacheOp("mget", err, time.Since(start).Seconds())
	if err != nil {
		c.log.Warn().Err(err).Int("keys", len(keys)).Msg("cache batch read failed, treating all as misses")
		c.miss(len(keys))
		return out
	}
	for _, k := range keys {
		raw, found := raws[k]
		if !found {
			continue
		}
		if payload, valid := c.decode(ctx, k, raw); valid {
			out[k] = payload
		}
	}
	c.hit(len(out))
	c.miss(len(keys) - len(out))
	return out
}

// Store writes one fresh payload under key. Failures are logged and
// swallowed: a broken cache slows the run down, it must not stop it.
func (c *Cache) Store(ctx context.Context, model, key string, payload json.RawMessage) {
	if c.store == nil {
		return
	}
	data, ok := c.encode(model, key, payload)
	if !ok {
		return
	}
	start := time.Now()
	err := c.store.Put(ctx, key, data, c.ttl)
	observability.ObserveCacheOp("put", err, time.Since(start).Seconds())
	if err != nil {
		c.tracker.IncCacheWriteError()
		c.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
}

// StoreMany writes a set of fresh payloads, using the backend's batch
// write when it has one.
func (c *Cache) StoreMany(ctx context.Context, model string, kv map[string]json.RawMessage) {
	if c.store == nil || len(kv) == 0 {
		return
	}
	bp, ok := c.store.(BatchPutter)
	if !ok {
		for k, v := range kv {
			c.Store(ctx, model, k, v)
		}
		return
	}

	enc := make(map[string][]byte, len(kv))
	for k, v := range kv {
		if data, ok := c.encode(model, k, v); ok {
			enc[k] = data
		}
	}
	if len(enc) == 0 {
		return
	}
	start := time.Now()
	err := bp.PutMany(ctx, enc, c.ttl)
	observability.ObserveCacheOp("mput", err, time.Since(start).Seconds())
	if err != nil {
		c.tracker.IncCacheWriteError()
		c.log.Warn().Err(err).Int("keys", len(enc)).Msg("cache batch write failed")
	}
}

func (c *Cache) encode(model, key string, payload json.RawMessage) ([]byte, bool) {
	now := c.now()
	data, err := json.Marshal(Entry{
		Key:       key,
		Model:     model,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	})
	if err != nil {
		c.tracker.IncCacheWriteError()
		c.log.Warn().Err(err).Str("key", key).Msg("cache entry encode failed")
		return nil, false
	}
	if c.maxEntry > 0 && len(data) > c.maxEntry {
		c.tracker.IncCacheWriteSkip()
		c.log.Warn().Str("key", key).Int("bytes", len(data)).Int("limit", c.maxEntry).
			Msg("cache entry exceeds size limit, not stored")
		return nil, false
	}
	return data, true
}

// decode validates one raw envelope. Corrupt and expired entries are
// deleted best-effort so they stop occupying space.
func (c *Cache) decode(ctx context.Context, key string, raw []byte) (json.RawMessage, bool) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.log.Warn().Err(err).Str("key", key).Msg("corrupt cache entry, dropping")
		c.deleteQuietly(ctx, key)
		return nil, false
	}
	if e.Expired(c.now()) {
		c.tracker.IncCacheExpired()
		c.deleteQuietly(ctx, key)
		return nil, false
	}
	return e.Payload, true
}

func (c *Cache) deleteQuietly(ctx context.Context, key string) {
	start := time.Now()
	err := c.store.Delete(ctx, key)
	observability.ObserveCacheOp("del", err, time.Since(start).Seconds())
	if err != nil {
		c.log.Debug().Err(err).Str("key", key).Msg("cache delete failed")
	}
}

func (c *Cache) hit(n int) {
	if n > 0 {
		c.tracker.AddCacheHits(n)
		observability.AddCacheHits(n)
	}
}

func (c *Cache) miss(n int) {
	if n > 0 {
		c.tracker.AddCacheMisses(n)
		observability.AddCacheMisses(n)
	}
}
