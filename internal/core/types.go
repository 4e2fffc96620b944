package core

import (
	"context"
	"time"

	"github.com/endeavourhealth/transforms/internal/identity"
	"github.com/endeavourhealth/transforms/internal/pipeline"
	"github.com/endeavourhealth/transforms/internal/store"
)

// RunHistory persists run summaries.
type RunHistory interface {
	RecordRun(ctx context.Context, rec store.RunRecord) error
	GetRun(ctx context.Context, id string) (store.RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]store.RunRecord, error)
	PurgeRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Store is the persistence a Service needs. memstore, pgstore and
// sqlitestore all satisfy it.
type Store interface {
	pipeline.EntityStore
	identity.MappingService
	pipeline.LookupStore
	RunHistory
	Close() error
}

// RunRequest describes one batch of extract files to ingest.
type RunRequest struct {
	Source string   `json:"source"`
	Org    string   `json:"org,omitempty"`
	Files  []string `json:"files"`
	// Restrict limits content types to the listed 1-based record numbers.
	Restrict map[string][]int `json:"restrict,omitempty"`
}

// RunProgress is the latest known state of an active run.
type RunProgress struct {
	RunID       string         `json:"run_id"`
	Source      string         `json:"source"`
	State       pipeline.State `json:"state"`
	Stage       string         `json:"stage,omitempty"`
	RecordsRead int            `json:"records_read"`
	Failed      int            `json:"failed"`
	Error       string         `json:"error,omitempty"`
}

// Done reports whether the run has reached a terminal state.
func (p RunProgress) Done() bool { return p.State.Terminal() }

// ProgressCallback is called on every progress update of a synchronous run.
type ProgressCallback func(RunProgress)

// SniffResult lists the schema versions a file's header is compatible with.
type SniffResult struct {
	File        string   `json:"file"`
	Source      string   `json:"source"`
	ContentType string   `json:"content_type"`
	Versions    []string `json:"versions"`
}
