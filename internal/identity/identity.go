// Package identity turns source-system natural keys into stable global
// identities.
package identity

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// NaturalKey identifies an entity within its source system.
type NaturalKey string

// KeyOf builds a natural key from a primary and optional secondary
// identifier: "primary" when secondary is empty, else "primary:secondary".
// Identifiers are used as given; mappers pass reader.Cell values, which are
// already trimmed.
func KeyOf(primary, secondary string) NaturalKey {
	if secondary == "" {
		return NaturalKey(primary)
	}
	return NaturalKey(primary + ":" + secondary)
}

func (k NaturalKey) String() string { return string(k) }

func (k NaturalKey) IsZero() bool { return k == "" }

// GlobalID is the system-wide identity of an output entity.
type GlobalID string

func (g GlobalID) String() string { return string(g) }

// NewGlobalID mints a random identity. Only mapping services should call it.
func NewGlobalID() GlobalID {
	return GlobalID(uuid.NewString())
}

// MappingService persists natural key to global identity assignments.
// Implementations must be safe for concurrent use and Assign must be
// idempotent: concurrent calls for the same key return the same identity.
type MappingService interface {
	Resolve(ctx context.Context, sourceSystem, entityType string, key NaturalKey) (GlobalID, bool, error)
	Assign(ctx context.Context, sourceSystem, entityType string, key NaturalKey) (GlobalID, error)
}

type memoKey struct {
	source, entityType string
	key                NaturalKey
}

// Synthesizer fronts a MappingService with a per-run memo. It is owned by a
// single run and is not safe for concurrent use.
type Synthesizer struct {
	svc  MappingService
	memo map[memoKey]GlobalID
}

func NewSynthesizer(svc MappingService) *Synthesizer {
	return &Synthesizer{svc: svc, memo: make(map[memoKey]GlobalID)}
}

// Resolve returns the identity already assigned to key, if any.
func (s *Synthesizer) Resolve(ctx context.Context, sourceSystem, entityType string, key NaturalKey) (GlobalID, bool, error) {
	mk := memoKey{sourceSystem, entityType, key}
	if id, ok := s.memo[mk]; ok {
		return id, true, nil
	}
	id, ok, err := s.svc.Resolve(ctx, sourceSystem, entityType, key)
	if err != nil {
		return "", false, fmt.Errorf("resolve %s %s: %w", entityType, key, err)
	}
	if ok {
		s.memo[mk] = id
	}
	return id, ok, nil
}

// Assign returns the identity for key, creating one if needed.
func (s *Synthesizer) Assign(ctx context.Context, sourceSystem, entityType string, key NaturalKey) (GlobalID, error) {
	if key.IsZero() {
		return "", fmt.Errorf("assign %s: empty natural key", entityType)
	}
	mk := memoKey{sourceSystem, entityType, key}
	if id, ok := s.memo[mk]; ok {
		return id, nil
	}
	id, err := s.svc.Assign(ctx, sourceSystem, entityType, key)
	if err != nil {
		return "", fmt.Errorf("assign %s %s: %w", entityType, key, err)
	}
	s.memo[mk] = id
	return id, nil
}

// ResolveOrAssign is Resolve falling back to Assign.
func (s *Synthesizer) ResolveOrAssign(ctx context.Context, sourceSystem, entityType string, key NaturalKey) (GlobalID, error) {
	id, ok, err := s.Resolve(ctx, sourceSystem, entityType, key)
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}
	return s.Assign(ctx, sourceSystem, entityType, key)
}

// Len returns the number of memoised identities.
func (s *Synthesizer) Len() int { return len(s.memo) }

// Reset drops the memo.
func (s *Synthesizer) Reset() { clear(s.memo) }
