package identity

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMappings struct {
	ids     map[string]GlobalID
	resolve int
	assign  int
	fail    error
}

func newFakeMappings() *fakeMappings {
	return &fakeMappings{ids: make(map[string]GlobalID)}
}

func (f *fakeMappings) k(source, entityType string, key NaturalKey) string {
	return source + "|" + entityType + "|" + string(key)
}

func (f *fakeMappings) Resolve(_ context.Context, source, entityType string, key NaturalKey) (GlobalID, bool, error) {
	f.resolve++
	if f.fail != nil {
		return "", false, f.fail
	}
	id, ok := f.ids[f.k(source, entityType, key)]
	return id, ok, nil
}

func (f *fakeMappings) Assign(_ context.Context, source, entityType string, key NaturalKey) (GlobalID, error) {
	f.assign++
	if f.fail != nil {
		return "", f.fail
	}
	k := f.k(source, entityType, key)
	if id, ok := f.ids[k]; ok {
		return id, nil
	}
	id := NewGlobalID()
	f.ids[k] = id
	return id, nil
}

func TestKeyOf(t *testing.T) {
	tests := []struct {
		primary, secondary string
		want               NaturalKey
	}{
		{"P1", "", "P1"},
		{"P1", "E7", "P1:E7"},
		{" P1 ", "", " P1 "},
		{"P1", "  ", "P1:  "},
		{"", "", ""},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%q/%q", tt.primary, tt.secondary), func(t *testing.T) {
			got := KeyOf(tt.primary, tt.secondary)
			if got != tt.want {
				t.Errorf("KeyOf(%q, %q) = %q, want %q", tt.primary, tt.secondary, got, tt.want)
			}
			if tt.secondary == "" && got != NaturalKey(tt.primary) {
				t.Errorf("KeyOf(%q, \"\") = %q, want the bare primary", tt.primary, got)
			}
			if again := KeyOf(tt.primary, tt.secondary); again != got {
				t.Errorf("KeyOf is not repeatable: %q then %q", got, again)
			}
		})
	}
}

func TestSynthesizer_ResolveOrAssign(t *testing.T) {
	ctx := context.Background()
	svc := newFakeMappings()
	s := NewSynthesizer(svc)

	_, ok, err := s.Resolve(ctx, "acme", "Patient", "P1")
	require.NoError(t, err)
	assert.False(t, ok)

	first, err := s.ResolveOrAssign(ctx, "acme", "Patient", "P1")
	require.NoError(t, err)
	assert.NotEmpty(t, first)

	second, err := s.ResolveOrAssign(ctx, "acme", "Patient", "P1")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, svc.assign, "memo avoids a second round trip")

	other, err := s.Assign(ctx, "acme", "Episode", "P1")
	require.NoError(t, err)
	assert.NotEqual(t, first, other, "entity type is part of the identity")
}

func TestSynthesizer_ReusesExistingMapping(t *testing.T) {
	ctx := context.Background()
	svc := newFakeMappings()
	existing, err := svc.Assign(ctx, "acme", "Patient", "P9")
	require.NoError(t, err)

	s := NewSynthesizer(svc)
	got, err := s.ResolveOrAssign(ctx, "acme", "Patient", "P9")
	require.NoError(t, err)
	assert.Equal(t, existing, got)

	s.Reset()
	assert.Equal(t, 0, s.Len())
}

func TestSynthesizer_Errors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	svc := newFakeMappings()
	svc.fail = boom
	s := NewSynthesizer(svc)

	_, err := s.ResolveOrAssign(ctx, "acme", "Patient", "P1")
	assert.ErrorIs(t, err, boom)

	_, err = s.Assign(ctx, "acme", "Patient", "")
	assert.Error(t, err)
}
