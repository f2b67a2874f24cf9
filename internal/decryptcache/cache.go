// Package decryptcache memoizes envelope decryption across the connections of a process.
package decryptcache

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/chat"
	"github.com/MarcoPoloResearchLab/roomrelay/backend/internal/seal"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultMaxEntries = 50000
	defaultTTL        = 5 * time.Minute
)

// Observer receives cache instrumentation events. *metrics.Recorder satisfies it.
type Observer interface {
	CacheHit()
	CacheMiss()
	Decrypted()
}

// Config bounds the cache.
type Config struct {
	MaxEntries int
	TTL        time.Duration
	Observer   Observer
}

// Cache is keyed by the raw serialized envelope. Entries are evicted least-recently-used
// and expire a fixed TTL after insertion regardless of reads.
type Cache struct {
	entries  *expirable.LRU[string, chat.Frame]
	observer Observer
}

// New constructs a Cache.
func New(cfg Config) *Cache {
	size := cfg.MaxEntries
	if size <= 0 {
		size = defaultMaxEntries
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{
		entries:  expirable.NewLRU[string, chat.Frame](size, nil, ttl),
		observer: cfg.Observer,
	}
}

// Get returns the cached plaintext for raw.
func (c *Cache) Get(raw []byte) (chat.Frame, bool) {
	frame, ok := c.entries.Get(string(raw))
	if !ok {
		return chat.Frame{}, false
	}
	return frame.Clone(), true
}

// Put stores the plaintext for raw.
func (c *Cache) Put(raw []byte, frame chat.Frame) {
	c.entries.Add(string(raw), frame.Clone())
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Open returns the plaintext of a sealed envelope, decrypting under key on a miss.
// Unencrypted frames are rejected and never cached.
func (c *Cache) Open(raw []byte, key chat.RoomKey) (chat.Frame, error) {
	if frame, ok := c.Get(raw); ok {
		c.notify(Observer.CacheHit)
		return frame, nil
	}
	c.notify(Observer.CacheMiss)
	envelope, err := seal.ParseEnvelope(raw)
	if err != nil {
		return chat.Frame{}, err
	}
	if !envelope.Encrypted {
		return chat.Frame{}, fmt.Errorf("%w: control frames are not cacheable", chat.ErrDecrypt)
	}
	frame, err := seal.OpenEnvelope(envelope, key)
	c.notify(Observer.Decrypted)
	if err != nil {
		return chat.Frame{}, err
	}
	c.Put(raw, frame)
	return frame, nil
}

func (c *Cache) notify(event func(Observer)) {
	if c.observer != nil {
		event(c.observer)
	}
}
