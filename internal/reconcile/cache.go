// Package reconcile merges incoming facts with previously persisted
// entities. A Cache holds the in-progress builder for each natural key
// seen during a run; checking a key out gives the caller exclusive
// ownership of its builder until it is returned.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/endeavourhealth/transforms/internal/entity"
	"github.com/endeavourhealth/transforms/internal/identity"
)

// ErrDoubleCheckout is the panic value raised when a key is checked out
// while a previous checkout of it is still outstanding.
var ErrDoubleCheckout = errors.New("entity already checked out")

// Scope describes how long a cache's entries live.
type Scope int

const (
	// ScopeRun entries live until the run finalizes.
	ScopeRun Scope = iota
	// ScopeFile entries are cleared once the stage reading the file ends.
	ScopeFile
)

func (s Scope) String() string {
	if s == ScopeFile {
		return "file"
	}
	return "run"
}

// Finder loads a previously persisted entity by natural key.
type Finder interface {
	Find(ctx context.Context, entityType string, key identity.NaturalKey) (*entity.Entity, bool, error)
}

// Stats counts how checkouts were satisfied.
type Stats struct {
	Hits    int // served from memory
	Loaded  int // hydrated from the store
	Created int // brand new entities
}

// Cache is owned by one run and is not safe for concurrent use.
type Cache struct {
	entityType string
	source     string
	scope      Scope
	finder     Finder
	ids        *identity.Synthesizer

	entries map[identity.NaturalKey]*entity.Builder
	out     map[identity.NaturalKey]struct{}
	stats   Stats
}

func New(entityType, source string, scope Scope, finder Finder, ids *identity.Synthesizer) *Cache {
	return &Cache{
		entityType: entityType,
		source:     source,
		scope:      scope,
		finder:     finder,
		ids:        ids,
		entries:    make(map[identity.NaturalKey]*entity.Builder),
		out:        make(map[identity.NaturalKey]struct{}),
	}
}

func (c *Cache) EntityType() string { return c.entityType }

func (c *Cache) Scope() Scope { return c.scope }

// Checkout hands out the builder for key, removing it from the cache.
// A key not in memory is looked up in the store; a key the store has
// never seen gets a new builder with a freshly assigned global identity.
func (c *Cache) Checkout(ctx context.Context, key identity.NaturalKey) (*entity.Builder, error) {
	if key.IsZero() {
		return nil, fmt.Errorf("checkout %s: empty natural key", c.entityType)
	}
	if _, busy := c.out[key]; busy {
		panic(fmt.Errorf("%w: %s %s", ErrDoubleCheckout, c.entityType, key))
	}

	if b, ok := c.entries[key]; ok {
		delete(c.entries, key)
		c.out[key] = struct{}{}
		c.stats.Hits++
		return b, nil
	}

	e, found, err := c.finder.Find(ctx, c.entityType, key)
	if err != nil {
		return nil, fmt.Errorf("checkout %s %s: %w", c.entityType, key, err)
	}

	var b *entity.Builder
	if found {
		b = entity.Hydrate(*e)
		c.stats.Loaded++
	} else {
		id, err := c.ids.ResolveOrAssign(ctx, c.source, c.entityType, key)
		if err != nil {
			return nil, fmt.Errorf("checkout %s %s: %w", c.entityType, key, err)
		}
		b = entity.NewBuilder(c.entityType, c.source, id, key)
		c.stats.Created++
	}

	c.out[key] = struct{}{}
	return b, nil
}

// Return puts a checked-out builder back as the latest version for key.
func (c *Cache) Return(key identity.NaturalKey, b *entity.Builder) {
	delete(c.out, key)
	if b == nil {
		delete(c.entries, key)
		return
	}
	c.entries[key] = b
}

// Remove evicts key; the next checkout reloads it from the store.
func (c *Cache) Remove(key identity.NaturalKey) {
	delete(c.out, key)
	delete(c.entries, key)
}

// Clear drops every entry and outstanding checkout.
func (c *Cache) Clear() {
	clear(c.entries)
	clear(c.out)
}

// Len returns the number of resident entries.
func (c *Cache) Len() int { return len(c.entries) }

// CheckedOut returns the number of outstanding checkouts.
func (c *Cache) CheckedOut() int { return len(c.out) }

func (c *Cache) Contains(key identity.NaturalKey) bool {
	_, ok := c.entries[key]
	return ok
}

// Keys returns resident keys in sorted order.
func (c *Cache) Keys() []identity.NaturalKey {
	keys := make([]identity.NaturalKey, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Drain removes and returns every resident builder in key order.
func (c *Cache) Drain() []*entity.Builder {
	keys := c.Keys()
	out := make([]*entity.Builder, 0, len(keys))
	for _, k := range keys {
		out = append(out, c.entries[k])
		delete(c.entries, k)
	}
	return out
}

func (c *Cache) Stats() Stats { return c.stats }
