package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/endeavourhealth/transforms/internal/dispatch"
	"github.com/endeavourhealth/transforms/internal/entity"
	"github.com/endeavourhealth/transforms/internal/identity"
	"github.com/endeavourhealth/transforms/internal/metrics"
	"github.com/endeavourhealth/transforms/internal/reconcile"
)

// EntityStore persists canonical entities. Save must be an idempotent
// upsert keyed by the entity's global identity.
type EntityStore interface {
	reconcile.Finder
	Save(ctx context.Context, e entity.Entity) error
}

// LookupStore receives derived lookup records in batches.
type LookupStore = dispatch.BatchStore[entity.LookupRecord]

// ErrOutputInPreTransform is returned when a pre-transform stage tries to
// persist an entity or emit a lookup record.
var ErrOutputInPreTransform = errors.New("pre-transform stages cannot produce output")

// RunContext is the state owned by one run: reconciliation caches, lookup
// tables built by pre-transform stages, the identity memo and the lookup
// dispatcher. Stages receive it explicitly; nothing is shared between runs.
type RunContext struct {
	RunID  string
	Source string
	Org    string

	store      EntityStore
	ids        *identity.Synthesizer
	dispatcher *dispatch.Dispatcher[entity.LookupRecord]
	logger     *slog.Logger
	now        func() time.Time

	caches  map[string]*reconcile.Cache
	lookups map[string]map[string]string
	saved   map[string]int
	stage   *Stage
}

func newRunContext(runID, source string, store EntityStore, ids *identity.Synthesizer,
	d *dispatch.Dispatcher[entity.LookupRecord], logger *slog.Logger) *RunContext {
	return &RunContext{
		RunID:      runID,
		Source:     source,
		store:      store,
		ids:        ids,
		dispatcher: d,
		logger:     logger,
		now:        time.Now,
		caches:     make(map[string]*reconcile.Cache),
		lookups:    make(map[string]map[string]string),
		saved:      make(map[string]int),
	}
}

func (rc *RunContext) Logger() *slog.Logger { return rc.logger }

func (rc *RunContext) Identities() *identity.Synthesizer { return rc.ids }

// Stage returns the stage currently executing.
func (rc *RunContext) Stage() *Stage { return rc.stage }

// Cache returns the run-scoped cache for entityType, creating it on first use.
func (rc *RunContext) Cache(entityType string) *reconcile.Cache {
	return rc.ScopedCache(entityType, reconcile.ScopeRun)
}

// ScopedCache returns the cache for entityType, creating it with scope on
// first use. File-scoped caches are flushed and cleared when the stage that
// is running ends.
func (rc *RunContext) ScopedCache(entityType string, scope reconcile.Scope) *reconcile.Cache {
	if c, ok := rc.caches[entityType]; ok {
		return c
	}
	c := reconcile.New(entityType, rc.Source, scope, rc.store, rc.ids)
	rc.caches[entityType] = c
	return c
}

// Update checks key out, applies fn and returns the builder to the cache.
// If fn fails the builder is restored to its state before the call.
func (rc *RunContext) Update(ctx context.Context, entityType string, key identity.NaturalKey, fn func(*entity.Builder) error) error {
	c := rc.Cache(entityType)
	b, err := c.Checkout(ctx, key)
	if err != nil {
		return err
	}

	before := b.Clone()
	if err := fn(b); err != nil {
		c.Return(key, before)
		return err
	}
	c.Return(key, b)
	return nil
}

// Commit checks key out, applies fn and persists the result immediately.
// The entity leaves the cache; a later checkout reloads it from the store.
func (rc *RunContext) Commit(ctx context.Context, entityType string, key identity.NaturalKey, fn func(*entity.Builder) error) error {
	c := rc.Cache(entityType)
	b, err := c.Checkout(ctx, key)
	if err != nil {
		return err
	}

	before := b.Clone()
	if err := fn(b); err != nil {
		c.Return(key, before)
		return err
	}
	if err := rc.Save(ctx, b); err != nil {
		c.Return(key, before)
		return err
	}
	c.Remove(key)
	return nil
}

// Save persists b if it has unsaved changes.
func (rc *RunContext) Save(ctx context.Context, b *entity.Builder) error {
	if rc.stage != nil && rc.stage.Kind == PreTransform {
		return fmt.Errorf("stage %s: save %s: %w", rc.stage.Name, b.Type(), ErrOutputInPreTransform)
	}
	if !b.IsDirty() {
		return nil
	}

	e := b.Build()
	e.Version = b.Version() + 1
	e.UpdatedAt = rc.now().UTC()
	if err := rc.store.Save(ctx, e); err != nil {
		return fmt.Errorf("save %s %s: %w", e.Type, e.Key, err)
	}
	b.MarkSaved(e.Version)

	rc.saved[e.Type]++
	metrics.EntitiesSaved.WithLabelValues(rc.Source, e.Type).Inc()
	return nil
}

// SetLookup records key -> value in a named lookup table.
func (rc *RunContext) SetLookup(table, key, value string) {
	t, ok := rc.lookups[table]
	if !ok {
		t = make(map[string]string)
		rc.lookups[table] = t
	}
	t[key] = value
}

// Lookup reads a lookup table entry.
func (rc *RunContext) Lookup(table, key string) (string, bool) {
	v, ok := rc.lookups[table][key]
	return v, ok
}

// LookupLen returns the size of a lookup table.
func (rc *RunContext) LookupLen(table string) int { return len(rc.lookups[table]) }

// Emit queues a derived lookup record for the auxiliary store.
func (rc *RunContext) Emit(ctx context.Context, rec entity.LookupRecord) error {
	if rc.stage != nil && rc.stage.Kind == PreTransform {
		return fmt.Errorf("stage %s: emit %s: %w", rc.stage.Name, rec.Kind, ErrOutputInPreTransform)
	}
	if rec.Source == "" {
		rec.Source = rc.Source
	}
	return rc.dispatcher.Submit(ctx, rec)
}

// Saved returns the number of entities persisted per entity type.
func (rc *RunContext) Saved() map[string]int {
	out := make(map[string]int, len(rc.saved))
	for k, v := range rc.saved {
		out[k] = v
	}
	return out
}

// flush persists every resident builder of the caches with the given scope
// and clears them.
func (rc *RunContext) flush(ctx context.Context, scope reconcile.Scope) error {
	for _, name := range rc.cacheNames() {
		c := rc.caches[name]
		if c.Scope() != scope {
			continue
		}
		for _, b := range c.Drain() {
			if err := rc.Save(ctx, b); err != nil {
				return err
			}
		}
		c.Clear()
	}
	return nil
}

// clearAll drops every cache, lookup table and memoised identity.
func (rc *RunContext) clearAll() {
	for _, c := range rc.caches {
		c.Clear()
	}
	clear(rc.caches)
	clear(rc.lookups)
	rc.ids.Reset()
}

func (rc *RunContext) cacheNames() []string {
	names := make([]string, 0, len(rc.caches))
	for n := range rc.caches {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// resident returns how many builders are held across all caches.
func (rc *RunContext) resident() int {
	n := 0
	for _, c := range rc.caches {
		n += c.Len() + c.CheckedOut()
	}
	return n
}
