// Package pgstore persists entities, identity mappings, lookup records and
// run history in PostgreSQL.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/endeavourhealth/transforms/internal/entity"
	"github.com/endeavourhealth/transforms/internal/identity"
	"github.com/endeavourhealth/transforms/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Config holds connection pool settings.
type Config struct {
	URL             string
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Store is a PostgreSQL-backed store. It is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects a pool, verifies it and applies the schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = int32(cfg.MinConns)
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := New(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing pool. The schema is not applied.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates missing tables and indexes. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Find looks an entity up by natural key, falling back to global id.
func (s *Store) Find(ctx context.Context, entityType string, key identity.NaturalKey) (*entity.Entity, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, entity_type, source, natural_key, fields, children, version, updated_at
		FROM entities
		WHERE entity_type = $1 AND (natural_key = $2 OR id = $2)
		ORDER BY (natural_key = $2) DESC, updated_at DESC
		LIMIT 1`, entityType, string(key))

	var (
		e        entity.Entity
		id, nk   string
		fields   []byte
		children []byte
	)
	err := row.Scan(&id, &e.Type, &e.Source, &nk, &fields, &children, &e.Version, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find %s %s: %w", entityType, key, err)
	}

	e.ID = identity.GlobalID(id)
	e.Key = identity.NaturalKey(nk)
	if err := json.Unmarshal(fields, &e.Fields); err != nil {
		return nil, false, fmt.Errorf("decode fields of %s %s: %w", entityType, key, err)
	}
	if err := json.Unmarshal(children, &e.Children); err != nil {
		return nil, false, fmt.Errorf("decode children of %s %s: %w", entityType, key, err)
	}
	return &e, true, nil
}

// Save upserts by global id.
func (s *Store) Save(ctx context.Context, e entity.Entity) error {
	fields, err := json.Marshal(e.Fields)
	if err != nil {
		return fmt.Errorf("encode fields of %s %s: %w", e.Type, e.Key, err)
	}
	children := e.Children
	if children == nil {
		children = []entity.ChildRef{}
	}
	childJSON, err := json.Marshal(children)
	if err != nil {
		return fmt.Errorf("encode children of %s %s: %w", e.Type, e.Key, err)
	}
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO entities (id, entity_type, source, natural_key, fields, children, version, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			entity_type = EXCLUDED.entity_type,
			source      = EXCLUDED.source,
			natural_key = EXCLUDED.natural_key,
			fields      = EXCLUDED.fields,
			children    = EXCLUDED.children,
			version     = EXCLUDED.version,
			updated_at  = EXCLUDED.updated_at`,
		string(e.ID), e.Type, e.Source, string(e.Key), fields, childJSON, e.Version, updated)
	if err != nil {
		return fmt.Errorf("save %s %s: %w", e.Type, e.Key, err)
	}
	return nil
}

func (s *Store) Resolve(ctx context.Context, sourceSystem, entityType string, key identity.NaturalKey) (identity.GlobalID, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT global_id FROM identity_mappings
		WHERE source_system = $1 AND entity_type = $2 AND natural_key = $3`,
		sourceSystem, entityType, string(key)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve %s %s: %w", entityType, key, err)
	}
	return identity.GlobalID(id), true, nil
}

// Assign inserts a fresh identity unless one exists, then reads back the
// winner, so concurrent callers agree on a single id.
func (s *Store) Assign(ctx context.Context, sourceSystem, entityType string, key identity.NaturalKey) (identity.GlobalID, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO identity_mappings (source_system, entity_type, natural_key, global_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING`,
		sourceSystem, entityType, string(key), identity.NewGlobalID().String())
	if err != nil {
		return "", fmt.Errorf("assign %s %s: %w", entityType, key, err)
	}

	id, ok, err := s.Resolve(ctx, sourceSystem, entityType, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("assign %s %s: mapping vanished after insert", entityType, key)
	}
	return id, nil
}

// SaveBatch upserts lookup records in one transaction.
func (s *Store) SaveBatch(ctx context.Context, batch []entity.LookupRecord) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // No-op if already committed

	b := &pgx.Batch{}
	for _, rec := range batch {
		gid := pgtype.Text{String: rec.ID.String(), Valid: rec.ID != ""}
		b.Queue(`
			INSERT INTO lookup_records (source, kind, key, value, global_id, updated_at)
			VALUES ($1, $2, $3, $4, $5, now())
			ON CONFLICT (source, kind, key) DO UPDATE SET
				value      = EXCLUDED.value,
				global_id  = EXCLUDED.global_id,
				updated_at = EXCLUDED.updated_at`,
			rec.Source, rec.Kind, rec.Key, rec.Value, gid)
	}
	if err := tx.SendBatch(ctx, b).Close(); err != nil {
		return fmt.Errorf("save %d lookup records: %w", len(batch), err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Lookups returns stored lookup records of one kind ordered by key.
func (s *Store) Lookups(ctx context.Context, kind string) ([]entity.LookupRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT source, kind, key, value, global_id
		FROM lookup_records WHERE kind = $1 ORDER BY key`, kind)
	if err != nil {
		return nil, fmt.Errorf("list lookups %s: %w", kind, err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (entity.LookupRecord, error) {
		var (
			rec entity.LookupRecord
			gid pgtype.Text
		)
		err := row.Scan(&rec.Source, &rec.Kind, &rec.Key, &rec.Value, &gid)
		rec.ID = identity.GlobalID(gid.String)
		return rec, err
	})
}

func (s *Store) RecordRun(ctx context.Context, rec store.RunRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO run_history (id, source, org, state, files, records, failed, saved, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			state       = EXCLUDED.state,
			files       = EXCLUDED.files,
			records     = EXCLUDED.records,
			failed      = EXCLUDED.failed,
			saved       = EXCLUDED.saved,
			error       = EXCLUDED.error,
			finished_at = EXCLUDED.finished_at`,
		rec.ID, rec.Source, rec.Org, rec.State, rec.Files, rec.Records, rec.Failed, rec.Saved,
		pgtype.Text{String: rec.Error, Valid: rec.Error != ""},
		pgtype.Timestamptz{Time: rec.StartedAt, Valid: true},
		pgtype.Timestamptz{Time: rec.FinishedAt, Valid: true})
	if err != nil {
		return fmt.Errorf("record run %s: %w", rec.ID, err)
	}
	return nil
}

const runColumns = `id, source, org, state, files, records, failed, saved, error, started_at, finished_at`

func scanRun(row pgx.Row) (store.RunRecord, error) {
	var (
		rec      store.RunRecord
		errText  pgtype.Text
		started  pgtype.Timestamptz
		finished pgtype.Timestamptz
	)
	err := row.Scan(&rec.ID, &rec.Source, &rec.Org, &rec.State, &rec.Files, &rec.Records,
		&rec.Failed, &rec.Saved, &errText, &started, &finished)
	rec.Error = errText.String
	rec.StartedAt = started.Time
	rec.FinishedAt = finished.Time
	return rec, err
}

func (s *Store) GetRun(ctx context.Context, id string) (store.RunRecord, error) {
	rec, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM run_history WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.RunRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.RunRecord{}, fmt.Errorf("get run %s: %w", id, err)
	}
	return rec, nil
}

// ListRuns returns the most recent runs first. A limit of zero or less
// returns every run.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]store.RunRecord, error) {
	var lim pgtype.Int8
	if limit > 0 {
		lim = pgtype.Int8{Int64: int64(limit), Valid: true}
	}
	rows, err := s.pool.Query(ctx, `SELECT `+runColumns+` FROM run_history ORDER BY started_at DESC LIMIT $1`, lim)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.RunRecord, error) {
		return scanRun(row)
	})
}

// PurgeRunsBefore deletes runs that finished before cutoff.
func (s *Store) PurgeRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM run_history WHERE finished_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge runs: %w", err)
	}
	return tag.RowsAffected(), nil
}
