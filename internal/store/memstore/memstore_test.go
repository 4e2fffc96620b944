package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/endeavourhealth/transforms/internal/entity"
	"github.com/endeavourhealth/transforms/internal/identity"
	"github.com/endeavourhealth/transforms/internal/store"
)

func TestStore_SaveAndFind(t *testing.T) {
	ctx := context.Background()
	s := New()

	e := entity.Entity{Type: "Patient", ID: "g1", Key: "P1", Fields: map[string]entity.Field{"surname": {Value: "Smith"}}}
	require.NoError(t, s.Save(ctx, e))

	got, ok, err := s.Find(ctx, "Patient", "P1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Smith", got.Fields["surname"].Value)

	byID, ok, err := s.Find(ctx, "Patient", "g1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, identity.NaturalKey("P1"), byID.Key)

	_, ok, err = s.Find(ctx, "Episode", "P1")
	require.NoError(t, err)
	assert.False(t, ok)

	got.Fields["surname"] = entity.Field{Value: "changed"}
	again, _, _ := s.Find(ctx, "Patient", "P1")
	assert.Equal(t, "Smith", again.Fields["surname"].Value, "callers get copies")
}

func TestStore_AssignIsIdempotentUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	s := New()

	ids := make([]identity.GlobalID, 20)
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := s.Assign(ctx, "acme", "Patient", "P1")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, s.Mappings())

	resolved, ok, err := s.Resolve(ctx, "acme", "Patient", "P1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, ids[0], resolved)
}

func TestStore_LookupsUpsert(t *testing.T) {
	ctx := context.Background()
	s := New()

	require.NoError(t, s.SaveBatch(ctx, []entity.LookupRecord{
		{Source: "acme", Kind: "code", Key: "B", Value: "1"},
		{Source: "acme", Kind: "code", Key: "A", Value: "1"},
	}))
	require.NoError(t, s.SaveBatch(ctx, []entity.LookupRecord{
		{Source: "acme", Kind: "code", Key: "A", Value: "2"},
	}))

	got := s.Lookups("code")
	require.Len(t, got, 2)
	assert.Equal(t, "A", got[0].Key)
	assert.Equal(t, "2", got[0].Value)
}

func TestStore_RunHistory(t *testing.T) {
	ctx := context.Background()
	s := New()
	now := time.Now()

	require.NoError(t, s.RecordRun(ctx, store.RunRecord{ID: "old", StartedAt: now.Add(-48 * time.Hour), FinishedAt: now.Add(-47 * time.Hour)}))
	require.NoError(t, s.RecordRun(ctx, store.RunRecord{ID: "new", StartedAt: now, FinishedAt: now}))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "new", runs[0].ID)

	n, err := s.PurgeRunsBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetRun(ctx, "old")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
