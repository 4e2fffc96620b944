// Package sqlitestore is a single-file SQLite implementation of the entity,
// identity, lookup and run history stores, for local runs and small
// deployments.
package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/endeavourhealth/transforms/internal/entity"
	"github.com/endeavourhealth/transforms/internal/identity"
	"github.com/endeavourhealth/transforms/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Store provides durable storage in SQLite with WAL mode.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and the schema automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//
// Safe to call repeatedly on the same file.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Find looks an entity up by natural key, falling back to global id.
func (s *Store) Find(ctx context.Context, entityType string, key identity.NaturalKey) (*entity.Entity, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, entity_type, source, natural_key, fields, children, version, updated_at
		FROM entities
		WHERE entity_type = ?1 AND (natural_key = ?2 OR id = ?2)
		ORDER BY (natural_key = ?2) DESC, updated_at DESC
		LIMIT 1`, entityType, string(key))

	var (
		e                entity.Entity
		id, nk           string
		fields, children string
		updated          int64
	)
	err := row.Scan(&id, &e.Type, &e.Source, &nk, &fields, &children, &e.Version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("find %s %s: %w", entityType, key, err)
	}

	e.ID = identity.GlobalID(id)
	e.Key = identity.NaturalKey(nk)
	e.UpdatedAt = fromNanos(updated)
	if err := json.Unmarshal([]byte(fields), &e.Fields); err != nil {
		return nil, false, fmt.Errorf("decode fields of %s %s: %w", entityType, key, err)
	}
	if err := json.Unmarshal([]byte(children), &e.Children); err != nil {
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
		updated = time.Now()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entities (id, entity_type, source, natural_key, fields, children, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			entity_type = excluded.entity_type,
			source      = excluded.source,
			natural_key = excluded.natural_key,
			fields      = excluded.fields,
			children    = excluded.children,
			version     = excluded.version,
			updated_at  = excluded.updated_at`,
		string(e.ID), e.Type, e.Source, string(e.Key), string(fields), string(childJSON), e.Version, nanos(updated))
	if err != nil {
		return fmt.Errorf("save %s %s: %w", e.Type, e.Key, err)
	}
	return nil
}

func (s *Store) Resolve(ctx context.Context, sourceSystem, entityType string, key identity.NaturalKey) (identity.GlobalID, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT global_id FROM identity_mappings
		WHERE source_system = ? AND entity_type = ? AND natural_key = ?`,
		sourceSystem, entityType, string(key)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve %s %s: %w", entityType, key, err)
	}
	return identity.GlobalID(id), true, nil
}

// Assign inserts a fresh identity unless one exists, then reads back the
// stored one.
func (s *Store) Assign(ctx context.Context, sourceSystem, entityType string, key identity.NaturalKey) (identity.GlobalID, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO identity_mappings (source_system, entity_type, natural_key, global_id, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		sourceSystem, entityType, string(key), identity.NewGlobalID().String(), time.Now().UnixNano())
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // No-op if already committed

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO lookup_records (source, kind, key, value, global_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (source, kind, key) DO UPDATE SET
			value      = excluded.value,
			global_id  = excluded.global_id,
			updated_at = excluded.updated_at`)
	if err != nil {
		return fmt.Errorf("prepare lookup upsert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UnixNano()
	for _, rec := range batch {
		gid := sql.NullString{String: rec.ID.String(), Valid: rec.ID != ""}
		if _, err := stmt.ExecContext(ctx, rec.Source, rec.Kind, rec.Key, rec.Value, gid, now); err != nil {
			return fmt.Errorf("save lookup %s/%s: %w", rec.Kind, rec.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Lookups returns stored lookup records of one kind ordered by key.
func (s *Store) Lookups(ctx context.Context, kind string) ([]entity.LookupRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT source, kind, key, value, global_id
		FROM lookup_records WHERE kind = ? ORDER BY key`, kind)
	if err != nil {
		return nil, fmt.Errorf("list lookups %s: %w", kind, err)
	}
	defer rows.Close()

	var out []entity.LookupRecord
	for rows.Next() {
		var (
			rec entity.LookupRecord
			gid sql.NullString
		)
		if err := rows.Scan(&rec.Source, &rec.Kind, &rec.Key, &rec.Value, &gid); err != nil {
			return nil, err
		}
		rec.ID = identity.GlobalID(gid.String)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) RecordRun(ctx context.Context, rec store.RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_history (id, source, org, state, files, records, failed, saved, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state       = excluded.state,
			files       = excluded.files,
			records     = excluded.records,
			failed      = excluded.failed,
			saved       = excluded.saved,
			error       = excluded.error,
			finished_at = excluded.finished_at`,
		rec.ID, rec.Source, rec.Org, rec.State, rec.Files, rec.Records, rec.Failed, rec.Saved,
		sql.NullString{String: rec.Error, Valid: rec.Error != ""},
		nanos(rec.StartedAt), nanos(rec.FinishedAt))
	if err != nil {
		return fmt.Errorf("record run %s: %w", rec.ID, err)
	}
	return nil
}

const runColumns = `id, source, org, state, files, records, failed, saved, error, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (store.RunRecord, error) {
	var (
		rec               store.RunRecord
		errText           sql.NullString
		started, finished int64
	)
	err := row.Scan(&rec.ID, &rec.Source, &rec.Org, &rec.State, &rec.Files, &rec.Records,
		&rec.Failed, &rec.Saved, &errText, &started, &finished)
	rec.Error = errText.String
	rec.StartedAt = fromNanos(started)
	rec.FinishedAt = fromNanos(finished)
	return rec, err
}

func (s *Store) GetRun(ctx context.Context, id string) (store.RunRecord, error) {
	rec, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM run_history WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
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
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM run_history ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []store.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PurgeRunsBefore deletes runs that finished before cutoff.
func (s *Store) PurgeRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM run_history WHERE finished_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge runs: %w", err)
	}
	return res.RowsAffected()
}
