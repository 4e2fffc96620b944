// Package pipeline runs an ordered plan of stages over one batch of
// extract files from a single source system.
//
// A run moves through these states:
//
//	Discovering -> Opening -> PreTransforming -> Transforming -> Finalizing -> Closed
//
// Any fatal error sends the run through Finalizing to Failed instead of
// Closed. Finalizing always runs: readers are closed and caches cleared on
// every exit path. A failed run waits for lookup batches already in flight
// but never sends its partial batch.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/endeavourhealth/transforms/internal/dispatch"
	"github.com/endeavourhealth/transforms/internal/entity"
	"github.com/endeavourhealth/transforms/internal/identity"
	"github.com/endeavourhealth/transforms/internal/logging"
	"github.com/endeavourhealth/transforms/internal/metrics"
	"github.com/endeavourhealth/transforms/internal/reader"
	"github.com/endeavourhealth/transforms/internal/reconcile"
)

// State is a run's lifecycle position.
type State int

const (
	Discovering State = iota
	Opening
	PreTransforming
	Transforming
	Finalizing
	Closed
	Failed
)

var stateNames = [...]string{
	Discovering:     "discovering",
	Opening:         "opening",
	PreTransforming: "pre-transforming",
	Transforming:    "transforming",
	Finalizing:      "finalizing",
	Closed:          "closed",
	Failed:          "failed",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Terminal reports whether a run in this state has finished.
func (s State) Terminal() bool { return s == Closed || s == Failed }

// ProgressInterval is how many records a stage reads between progress
// callbacks.
const ProgressInterval = 1000

// Progress is reported on every state change and periodically while a
// stage reads records.
type Progress struct {
	RunID       string `json:"run_id"`
	State       State  `json:"state"`
	Stage       string `json:"stage,omitempty"`
	RecordsRead int    `json:"records_read"`
	Failed      int    `json:"failed"`
}

// Deps are the collaborators a run writes through.
type Deps struct {
	Entities   EntityStore
	Identities identity.MappingService
	Lookups    LookupStore
}

// Options tune a pipeline.
type Options struct {
	// BatchSize is the number of lookup records per dispatched batch.
	BatchSize int
	// Workers bounds concurrent lookup batch saves.
	Workers int
	// Restrict limits content types to the listed 1-based record numbers.
	Restrict map[string][]int
	// Progress, when set, receives progress updates from the run goroutine.
	Progress func(Progress)
}

// Pipeline runs a plan for one source system. A Pipeline is reusable; each
// call to Run gets its own RunContext.
type Pipeline struct {
	source  string
	plan    *Plan
	readers *ReaderRegistry
	deps    Deps
	opts    Options
}

func New(source string, plan *Plan, readers *ReaderRegistry, deps Deps, opts Options) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	return &Pipeline{source: source, plan: plan, readers: readers, deps: deps, opts: opts}
}

// StageResult summarises one executed stage.
type StageResult struct {
	Name        string        `json:"name"`
	Kind        string        `json:"kind"`
	ContentType string        `json:"content_type"`
	File        string        `json:"file"`
	Version     string        `json:"version"`
	Policy      string        `json:"policy"`
	Read        int           `json:"read"`
	Mapped      int           `json:"mapped"`
	Failed      int           `json:"failed"`
	Duration    time.Duration `json:"duration"`
}

// RunResult describes a finished run. It is returned even when Run fails.
type RunResult struct {
	RunID          string          `json:"run_id"`
	Source         string          `json:"source"`
	Org            string          `json:"org"`
	State          State           `json:"state"`
	Transitions    []State         `json:"transitions"`
	Stages         []StageResult   `json:"stages"`
	Failures       []RecordFailure `json:"failures,omitempty"`
	Saved          map[string]int  `json:"saved"`
	Ignored        []string        `json:"ignored,omitempty"`
	LookupBatches  int             `json:"lookup_batches"`
	LookupsWritten int64           `json:"lookups_written"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     time.Time       `json:"finished_at"`
	Error          string          `json:"error,omitempty"`
}

// Duration is the wall time of the run.
func (r *RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

type run struct {
	p       *Pipeline
	ctx     context.Context
	rc      *RunContext
	d       *dispatch.Dispatcher[entity.LookupRecord]
	files   map[string]FileName
	readers map[string]*reader.Reader
	order   []*reader.Reader
	result  *RunResult
	logger  *slog.Logger
	stage   string
	read    int
	failed  int
}

// Run executes the plan over paths. The returned result is always non-nil.
// The error is nil on success, the first fatal error, or an
// *AggregateError listing tolerated record failures.
func (p *Pipeline) Run(ctx context.Context, runID string, paths []string) (result *RunResult, err error) {
	ctx = logging.WithRunID(ctx, runID)
	logger := logging.WithFields(ctx, "source", p.source)

	d := dispatch.New[entity.LookupRecord](p.deps.Lookups, p.opts.BatchSize, p.opts.Workers)
	r := &run{
		p:       p,
		ctx:     ctx,
		d:       d,
		rc:      newRunContext(runID, p.source, p.deps.Entities, identity.NewSynthesizer(p.deps.Identities), d, logger),
		readers: make(map[string]*reader.Reader),
		logger:  logger,
		result: &RunResult{
			RunID:     runID,
			Source:    p.source,
			StartedAt: time.Now().UTC(),
			Saved:     map[string]int{},
		},
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("run %s: panic in stage %s: %v", runID, r.stage, rec)
		}
		err = r.teardown(err)
		result = r.result
	}()

	if err := r.discover(paths); err != nil {
		return nil, err
	}
	if err := r.open(); err != nil {
		return nil, err
	}
	if err := r.execute(); err != nil {
		return nil, err
	}
	return r.result, nil
}

func (r *run) transition(s State) {
	r.result.State = s
	r.result.Transitions = append(r.result.Transitions, s)
	r.logger.Info("run state", "state", s.String())
	r.report()
}

func (r *run) report() {
	if r.p.opts.Progress == nil {
		return
	}
	r.p.opts.Progress(Progress{
		RunID:       r.rc.RunID,
		State:       r.result.State,
		Stage:       r.stage,
		RecordsRead: r.read,
		Failed:      r.failed,
	})
}

func (r *run) discover(paths []string) error {
	r.transition(Discovering)

	files, ignored, err := Discover(paths, r.p.readers, r.p.plan.ContentTypes())
	r.result.Ignored = ignored
	for _, path := range ignored {
		r.logger.Debug("ignoring non-csv file", "path", path)
	}
	if err != nil {
		return err
	}

	r.files = files
	for _, fn := range files {
		r.rc.Org = fn.Org
		r.result.Org = fn.Org
		break
	}
	return nil
}

func (r *run) open() error {
	r.transition(Opening)

	for _, in := range r.p.plan.ContentTypes() {
		fn, ok := r.files[canonicalOr(r.p.readers, in.ContentType)]
		if !ok {
			return &FileNotFoundError{ContentType: in.ContentType, Stage: in.Stage}
		}
		factory, ok := r.p.readers.Factory(in.ContentType)
		if !ok {
			return &FileNotFoundError{ContentType: in.ContentType, Stage: in.Stage}
		}

		rd, err := factory(fn.Path)
		if err != nil {
			return fmt.Errorf("open %s: %w", in.ContentType, err)
		}
		r.readers[strings.ToLower(in.ContentType)] = rd
		r.order = append(r.order, rd)

		if nums := r.restriction(in.ContentType); len(nums) > 0 {
			rd.RestrictTo(nums...)
		}
		if err := rd.OpenAndValidate(); err != nil {
			return err
		}
		r.logger.Info("opened file",
			"content_type", in.ContentType,
			"file", rd.Name(),
			"version", rd.Definition().Version)
	}
	return nil
}

func (r *run) restriction(contentType string) []int {
	for ct, nums := range r.p.opts.Restrict {
		if strings.EqualFold(ct, contentType) {
			return nums
		}
	}
	return nil
}

func canonicalOr(reg *ReaderRegistry, contentType string) string {
	if c, ok := reg.Canonical(contentType); ok {
		return c
	}
	return contentType
}

func (r *run) execute() error {
	for i, st := range r.p.plan.stages {
		if i == 0 && st.Kind == PreTransform {
			r.transition(PreTransforming)
		}
		if st.Kind == Transform && r.result.State != Transforming {
			r.transition(Transforming)
		}
		if err := r.runStage(&r.p.plan.stages[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) runStage(st *Stage) error {
	ctx := r.ctx
	rd := r.readers[strings.ToLower(st.ContentType)]
	def := rd.Definition()

	policy := st.Policy
	if policy == PolicyDefault {
		policy = Critical
		if def.Tolerant {
			policy = Tolerant
		}
	}

	r.stage = st.Name
	r.rc.stage = st
	defer func() { r.rc.stage = nil }()

	sr := StageResult{
		Name:        st.Name,
		Kind:        st.Kind.String(),
		ContentType: st.ContentType,
		File:        rd.Name(),
		Version:     def.Version,
		Policy:      policy.String(),
	}
	start := time.Now()
	logger := r.logger.With("stage", st.Name, "content_type", st.ContentType, "policy", policy.String())
	logger.Info("stage started", "file", rd.Name())

	defer func() {
		sr.Duration = time.Since(start)
		r.result.Stages = append(r.result.Stages, sr)
	}()

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("stage %s cancelled after record %d: %w", st.Name, sr.Read, err)
		}
		if !rd.Next() {
			break
		}

		rec := rd.Record()
		sr.Read++
		r.read++
		metrics.RecordsRead.WithLabelValues(r.p.source, st.ContentType).Inc()

		res := r.mapRecord(ctx, st, rec)
		switch res.Outcome() {
		case OutcomeOK:
			sr.Mapped++
		case OutcomeFatal:
			return &RecordError{Stage: st.Name, Coord: rec.Coordinate(), Err: res.Err()}
		case OutcomeRecoverable:
			sr.Failed++
			r.failed++
			metrics.RecordFailures.WithLabelValues(r.p.source, st.ContentType, policy.String()).Inc()
			if policy == Critical {
				return &RecordError{Stage: st.Name, Coord: rec.Coordinate(), Err: res.Err()}
			}
			logger.Warn("record failed, continuing",
				"file", rec.Coordinate().File,
				"record", rec.Number(),
				"line", rec.Line(),
				"error", res.Err())
			r.result.Failures = append(r.result.Failures, RecordFailure{
				Stage:       st.Name,
				ContentType: st.ContentType,
				Coord:       rec.Coordinate(),
				Reason:      res.Err().Error(),
			})
		}

		if sr.Read%ProgressInterval == 0 {
			r.report()
		}
	}
	if err := rd.Err(); err != nil {
		return fmt.Errorf("stage %s: %w", st.Name, err)
	}

	if st.After != nil {
		if err := st.After(ctx, r.rc); err != nil {
			return fmt.Errorf("stage %s: %w", st.Name, err)
		}
	}
	if err := r.rc.flush(ctx, reconcile.ScopeFile); err != nil {
		return fmt.Errorf("stage %s: %w", st.Name, err)
	}

	logger.Info("stage complete", "read", sr.Read, "mapped", sr.Mapped, "failed", sr.Failed)
	r.report()
	return nil
}

func (r *run) mapRecord(ctx context.Context, st *Stage, rec reader.ParsedRecord) Result {
	if err := rec.Malformed(); err != nil {
		return Fail(err)
	}
	return st.Map(ctx, r.rc, rec)
}

// teardown runs on every exit path. Resident entities and the partial lookup
// batch are persisted only when the run succeeded. Run state is always
// cleared and readers closed.
func (r *run) teardown(err error) error {
	r.stage = ""
	r.transition(Finalizing)

	// A cancelled run still needs a live context to drain and persist.
	ctx := context.WithoutCancel(r.ctx)

	if err == nil {
		if ferr := r.rc.flush(ctx, reconcile.ScopeRun); ferr != nil {
			err = fmt.Errorf("finalize: %w", ferr)
		}
	} else if n := r.rc.resident(); n > 0 {
		r.logger.Warn("discarding unsaved entities after failure", "entities", n)
	}

	if err == nil {
		err = r.d.Drain(ctx)
	} else {
		// In-flight batches finish; the partial batch from the failed run is dropped.
		dropped, derr := r.d.Abandon()
		if dropped > 0 {
			r.logger.Warn("discarding unsent lookups after failure", "lookups", dropped)
		}
		if derr != nil {
			r.logger.Error("lookup dispatch failed during teardown", "error", derr)
		}
	}
	r.result.LookupBatches = r.d.BatchesDispatched()
	r.result.LookupsWritten = r.d.Saved()
	r.result.Saved = r.rc.Saved()
	r.rc.clearAll()

	for _, rd := range r.order {
		if cerr := rd.Close(); cerr != nil {
			r.logger.Warn("close reader", "file", rd.Name(), "error", cerr)
		}
	}

	if err == nil && len(r.result.Failures) > 0 {
		err = &AggregateError{Failures: r.result.Failures}
	}

	r.result.FinishedAt = time.Now().UTC()
	outcome := "succeeded"
	if err != nil {
		outcome = "failed"
		r.result.Error = err.Error()
		if errors.Is(err, context.Canceled) {
			outcome = "cancelled"
		}
		r.logger.Error("run failed", "error", err)
		r.transition(Failed)
	} else {
		r.transition(Closed)
	}
	metrics.Runs.WithLabelValues(r.p.source, outcome).Inc()
	metrics.RunDuration.WithLabelValues(r.p.source).Observe(r.result.Duration().Seconds())
	return err
}
