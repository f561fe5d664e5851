package model

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

// Key identifies one constructed provider instance. Two requests with equal
// keys share the instance.
type Key struct {
	Provider     string
	Model        string
	Device       string
	ComputeType  string
	Language     string
	VAD          bool
	ChunkSeconds int
}

// KeyFor derives the cache key for provider under cfg.
func KeyFor(provider string, cfg asr.Config) Key {
	return Key{
		Provider:     provider,
		Model:        cfg.ModelName,
		Device:       cfg.Device,
		ComputeType:  cfg.ComputeType,
		Language:     cfg.Language,
		VAD:          cfg.VADEnabled,
		ChunkSeconds: cfg.ChunkSeconds,
	}
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s/%s/vad=%v/chunk=%d",
		k.Provider, k.Model, k.Device, k.ComputeType, k.Language, k.VAD, k.ChunkSeconds)
}

// BuildFunc constructs a provider for key.
type BuildFunc func(key Key) (asr.Provider, error)

// entry is one constructed provider and the number of holders.
type entry struct {
	key  Key
	p    asr.Provider
	refs int
}

// Cache holds constructed providers by [Key]. Construction is serialised so
// concurrent first requests for a key build it once. Every provider handed
// out is reference counted: an evicted provider stays loaded until its last
// holder releases it. It is safe for concurrent use.
type Cache struct {
	build BuildFunc

	mu      sync.Mutex
	entries map[Key]*entry
	// retired holds evicted entries that are still referenced.
	retired []*entry
}

// NewCache returns an empty cache that constructs missing entries with build.
func NewCache(build BuildFunc) *Cache {
	return &Cache{build: build, entries: make(map[Key]*entry)}
}

// Get returns the cached provider for key, building it on first use. The
// caller holds a reference until it calls [Cache.Release].
func (c *Cache) Get(key Key) (asr.Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		e.refs++
		return e.p, nil
	}
	p, err := c.build(key)
	if err != nil {
		return nil, fmt.Errorf("model: build %s: %w", key, err)
	}
	c.entries[key] = &entry{key: key, p: p, refs: 1}
	slog.Debug("model: provider constructed", "key", key.String())
	return p, nil
}

// Retain takes another reference to p, which must have come from
// [Cache.Get].
func (c *Cache) Retain(p asr.Provider) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, _ := c.findLocked(p)
	if e == nil {
		return errors.New("model: retain: provider not cached")
	}
	e.refs++
	return nil
}

// Release drops one reference to p. An evicted provider is unloaded with its
// last reference.
func (c *Cache) Release(p asr.Provider) error {
	c.mu.Lock()
	e, retired := c.findLocked(p)
	if e == nil {
		c.mu.Unlock()
		return nil
	}
	e.refs = max(e.refs-1, 0)
	last := retired && e.refs == 0
	if last {
		c.retired = slices.DeleteFunc(c.retired, func(r *entry) bool { return r == e })
	}
	c.mu.Unlock()

	if !last {
		return nil
	}
	slog.Info("model: last holder released evicted provider", "key", e.key.String())
	return unload(e)
}

// Evict removes key from the cache. Its provider is unloaded at once when
// nothing holds it, otherwise when the last holder releases it.
func (c *Cache) Evict(key Key) error {
	c.mu.Lock()
	e, ok := c.entries[key]
	delete(c.entries, key)
	if ok && e.refs > 0 {
		c.retired = append(c.retired, e)
		c.mu.Unlock()
		slog.Info("model: provider evicted while in use", "key", key.String(), "holders", e.refs)
		return nil
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return unload(e)
}

// findLocked locates the entry holding p and reports whether it was evicted.
func (c *Cache) findLocked(p asr.Provider) (*entry, bool) {
	for _, e := range c.entries {
		if e.p == p {
			return e, false
		}
	}
	for _, e := range c.retired {
		if e.p == p {
			return e, true
		}
	}
	return nil, false
}

func unload(e *entry) error {
	if err := e.p.Unload(); err != nil {
		return fmt.Errorf("model: unload %s: %w", e.key, err)
	}
	return nil
}

// Len returns the number of cached providers, not counting evicted ones that
// are still held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Held returns the number of references to p.
func (c *Cache) Held(p asr.Provider) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, _ := c.findLocked(p); e != nil {
		return e.refs
	}
	return 0
}

// Close unloads every provider, held or not.
func (c *Cache) Close() error {
	c.mu.Lock()
	all := c.retired
	for _, e := range c.entries {
		all = append(all, e)
	}
	c.entries = make(map[Key]*entry)
	c.retired = nil
	c.mu.Unlock()

	var errs []error
	for _, e := range all {
		if err := unload(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
