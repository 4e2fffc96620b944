// Package memstore is a goroutine-safe in-memory implementation of every
// store the pipeline writes to. It backs tests and dry runs.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/endeavourhealth/transforms/internal/entity"
	"github.com/endeavourhealth/transforms/internal/identity"
	"github.com/endeavourhealth/transforms/internal/store"
)

type typedKey struct {
	entityType string
	key        identity.NaturalKey
}

type mappingKey struct {
	source, entityType string
	key                identity.NaturalKey
}

type lookupKey struct {
	source, kind, key string
}

// Store keeps entities, identity mappings, lookup records and run history.
type Store struct {
	mu       sync.RWMutex
	byID     map[identity.GlobalID]entity.Entity
	byKey    map[typedKey]identity.GlobalID
	mappings map[mappingKey]identity.GlobalID
	lookups  map[lookupKey]entity.LookupRecord
	runs     map[string]store.RunRecord
	saves    int
}

func New() *Store {
	return &Store{
		byID:     make(map[identity.GlobalID]entity.Entity),
		byKey:    make(map[typedKey]identity.GlobalID),
		mappings: make(map[mappingKey]identity.GlobalID),
		lookups:  make(map[lookupKey]entity.LookupRecord),
		runs:     make(map[string]store.RunRecord),
	}
}

// Find looks an entity up by natural key, falling back to global id.
func (s *Store) Find(_ context.Context, entityType string, key identity.NaturalKey) (*entity.Entity, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[typedKey{entityType, key}]
	if !ok {
		id = identity.GlobalID(key)
	}
	e, ok := s.byID[id]
	if !ok || e.Type != entityType {
		return nil, false, nil
	}
	out := e.Clone()
	return &out, true, nil
}

// Save upserts by global id.
func (s *Store) Save(_ context.Context, e entity.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[e.ID] = e.Clone()
	s.byKey[typedKey{e.Type, e.Key}] = e.ID
	s.saves++
	return nil
}

// Entities returns every stored entity of a type ordered by natural key.
func (s *Store) Entities(entityType string) []entity.Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []entity.Entity
	for _, e := range s.byID {
		if e.Type == entityType {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Count returns the number of stored entities of a type.
func (s *Store) Count(entityType string) int {
	return len(s.Entities(entityType))
}

// Saves returns how many Save calls have been made.
func (s *Store) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

func (s *Store) Resolve(_ context.Context, sourceSystem, entityType string, key identity.NaturalKey) (identity.GlobalID, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.mappings[mappingKey{sourceSystem, entityType, key}]
	return id, ok, nil
}

func (s *Store) Assign(_ context.Context, sourceSystem, entityType string, key identity.NaturalKey) (identity.GlobalID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mk := mappingKey{sourceSystem, entityType, key}
	if id, ok := s.mappings[mk]; ok {
		return id, nil
	}
	id := identity.NewGlobalID()
	s.mappings[mk] = id
	return id, nil
}

// Mappings returns the number of assigned identities.
func (s *Store) Mappings() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.mappings)
}

// SaveBatch upserts lookup records keyed by source, kind and key.
func (s *Store) SaveBatch(_ context.Context, batch []entity.LookupRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range batch {
		s.lookups[lookupKey{rec.Source, rec.Kind, rec.Key}] = rec
	}
	return nil
}

// Lookups returns stored lookup records of one kind ordered by key.
func (s *Store) Lookups(kind string) []entity.LookupRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []entity.LookupRecord
	for k, rec := range s.lookups {
		if k.kind == kind {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (s *Store) RecordRun(_ context.Context, rec store.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[rec.ID] = rec
	return nil
}

func (s *Store) GetRun(_ context.Context, id string) (store.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[id]
	if !ok {
		return store.RunRecord{}, store.ErrNotFound
	}
	return rec, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(_ context.Context, limit int) ([]store.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.RunRecord, 0, len(s.runs))
	for _, rec := range s.runs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PurgeRunsBefore deletes runs that finished before cutoff.
func (s *Store) PurgeRunsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.runs {
		if rec.FinishedAt.Before(cutoff) {
			delete(s.runs, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) Close() error { return nil }
