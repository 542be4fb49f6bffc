package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

var lookupCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cargo_rank",
		Subsystem: "cache",
		Name:      "lookups_total",
		Help:      "Total number of cache lookups by service and outcome.",
	},
	[]string{"service", "status"},
)

type Options struct {
	// IgnoreCached makes positive entries read as misses and lets Put overwrite them.
	IgnoreCached bool
	Now          func() time.Time
}

// Cache layers entry semantics (freshness, negative markers, immutability)
// over a Store. It is safe for concurrent use.
type Cache struct {
	store        Store
	ignoreCached bool
	now          func() time.Time
	locks        sync.Map
}

func New(store Store, opts Options) *Cache {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Cache{
		store:        store,
		ignoreCached: opts.IgnoreCached,
		now:          now,
	}
}

func (c *Cache) Now() time.Time {
	return c.now()
}

// Get never fails: unreadable, corrupt or expired entries are reported as Miss.
func (c *Cache) Get(key Key) Lookup {
	lookup := c.get(key)
	if lookup.Status == Hit && c.ignoreCached {
		lookup = Lookup{Status: Miss}
	}
	lookupCounter.WithLabelValues(key.Service, lookup.Status.String()).Inc()
	return lookup
}

func (c *Cache) get(key Key) Lookup {
	entry, err := c.load(key)
	if err != nil {
		if !errors.Is(err, ErrNotExist) {
			log.Debug().Err(err).Str("key", key.String()).Msg("discarding unreadable cache entry")
		}
		return Lookup{Status: Miss}
	}
	if entry.Expired(c.now()) {
		return Lookup{Status: Miss}
	}
	if entry.Negative != nil {
		return Lookup{Status: NegativeHit, Entry: entry}
	}
	return Lookup{Status: Hit, Entry: entry}
}

func (c *Cache) load(key Key) (Entry, error) {
	data, err := c.store.Load(key)
	if err != nil {
		return Entry{}, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, fmt.Errorf("corrupt cache entry: %w", err)
	}
	if err := entry.validate(); err != nil {
		return Entry{}, fmt.Errorf("corrupt cache entry: %w", err)
	}
	return entry, nil
}

// Put durably writes entry under key. An existing fresh entry is left in
// place unless the cache ignores cached data; in that case it is overwritten.
func (c *Cache) Put(key Key, entry Entry) error {
	if err := entry.validate(); err != nil {
		return fmt.Errorf("refusing to cache %s: %w", key, err)
	}

	mu := c.lock(key)
	mu.Lock()
	defer mu.Unlock()

	if !c.ignoreCached {
		if existing, err := c.load(key); err == nil && !existing.Expired(c.now()) {
			return nil
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry %s: %w", key, err)
	}
	if err := c.store.Save(key, data); err != nil {
		return fmt.Errorf("failed to write cache entry %s: %w", key, err)
	}
	return nil
}

// PutValue caches v positively.
func (c *Cache) PutValue(key Key, v any, ttl time.Duration) error {
	entry, err := PositiveEntry(v, c.now(), ttl)
	if err != nil {
		return err
	}
	return c.Put(key, entry)
}

// PutNegative caches a negative marker.
func (c *Cache) PutNegative(key Key, reason Reason, detail string, ttl time.Duration) error {
	return c.Put(key, NegativeEntry(reason, detail, c.now(), ttl))
}

func (c *Cache) Close() error {
	return c.store.Close()
}

func (c *Cache) lock(key Key) *sync.Mutex {
	mu, _ := c.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}
