package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/endeavourhealth/transforms/internal/metrics"
	"github.com/endeavourhealth/transforms/internal/pipeline"
	"github.com/endeavourhealth/transforms/internal/reader"
	"github.com/endeavourhealth/transforms/internal/store"
)

// ErrRunNotFound is returned for a run id the service is not tracking.
var ErrRunNotFound = errors.New("run not found")

// DefaultRunTimeout bounds a single asynchronous run.
const DefaultRunTimeout = 30 * time.Minute

// DefaultCleanupDelay is how long a finished run stays queryable in memory.
const DefaultCleanupDelay = 5 * time.Minute

// ServiceConfig tunes a Service. Zero values select defaults.
type ServiceConfig struct {
	BatchSize         int
	Workers           int
	MaxConcurrentRuns int
	MaxWaitTime       time.Duration
	RunTimeout        time.Duration
	CleanupDelay      time.Duration

	// Encoding, when set, overrides the character set of every file read.
	Encoding string
}

// Service runs pipelines for registered sources and tracks their progress.
type Service struct {
	store   Store
	limiter *RunLimiter
	cfg     ServiceConfig

	mu   sync.RWMutex
	runs map[string]*activeRun
}

type activeRun struct {
	ID     string
	Source string
	Cancel context.CancelFunc
	Result *pipeline.RunResult
	Err    error
	Done   chan struct{}

	ListenerMu sync.Mutex
	Progress   RunProgress
	Listeners  []chan RunProgress
}

// NewService creates a Service over st.
func NewService(st Store, cfg ServiceConfig) *Service {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if cfg.CleanupDelay <= 0 {
		cfg.CleanupDelay = DefaultCleanupDelay
	}
	return &Service{
		store:   st,
		limiter: NewRunLimiter(cfg.MaxConcurrentRuns, cfg.MaxWaitTime),
		cfg:     cfg,
		runs:    make(map[string]*activeRun),
	}
}

// Store returns the store runs write through.
func (s *Service) Store() Store { return s.store }

// ListSources returns information about all registered sources.
func (s *Service) ListSources() []SourceInfo {
	defs := All()
	infos := make([]SourceInfo, len(defs))
	for i, def := range defs {
		infos[i] = def.Info
	}
	return infos
}

// StartRun begins an asynchronous run and returns its id immediately.
// Use SubscribeProgress or GetRunResult to follow it.
//
// Returns ErrTooManyRuns if no run slot frees up within the wait time.
func (s *Service) StartRun(ctx context.Context, req RunRequest) (string, error) {
	def, err := s.prepare(req)
	if err != nil {
		return "", err
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		return "", err
	}

	runID := uuid.New().String()
	runCtx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)

	run := &activeRun{
		ID:     runID,
		Source: def.Info.Key,
		Cancel: cancel,
		Done:   make(chan struct{}),
		Progress: RunProgress{
			RunID:  runID,
			Source: def.Info.Key,
			State:  pipeline.Discovering,
		},
	}

	s.mu.Lock()
	s.runs[runID] = run
	s.mu.Unlock()

	slog.Info("run started",
		"run_id", runID,
		"source", def.Info.Key,
		"files", len(req.Files),
		"client_ip", ClientIPFromContext(ctx),
		"user_agent", UserAgentFromContext(ctx),
	)

	go func() {
		defer s.limiter.Release()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("panic in run", "run_id", runID, "source", def.Info.Key, "panic", r)
				run.finish(nil, fmt.Errorf("internal error: %v", r))
				s.cleanup(runID, s.cfg.CleanupDelay)
			}
		}()

		res, err := s.execute(runCtx, runID, def, req, run.update)
		run.finish(res, err)
		s.cleanup(runID, s.cfg.CleanupDelay)
	}()

	return runID, nil
}

// Run executes a request synchronously on the caller's goroutine. It still
// takes a run slot so it competes fairly with asynchronous runs.
func (s *Service) Run(ctx context.Context, req RunRequest, progress ProgressCallback) (*pipeline.RunResult, error) {
	def, err := s.prepare(req)
	if err != nil {
		return nil, err
	}
	if err := s.limiter.Acquire(ctx); err != nil {
		return nil, err
	}
	defer s.limiter.Release()

	return s.execute(ctx, uuid.New().String(), def, req, progress)
}

// prepare resolves the source and checks the batch's organisation before a
// slot is taken.
func (s *Service) prepare(req RunRequest) (SourceDefinition, error) {
	def, err := Lookup(req.Source)
	if err != nil {
		return SourceDefinition{}, err
	}
	if req.Org == "" {
		return def, nil
	}
	for _, path := range req.Files {
		fn, ok := pipeline.ParseFileName(path)
		if ok && !strings.EqualFold(fn.Org, req.Org) {
			return SourceDefinition{}, &pipeline.FileFormatError{
				File:   path,
				Reason: fmt.Sprintf("organisation %s does not match requested %s", fn.Org, req.Org),
			}
		}
	}
	return def, nil
}

func (s *Service) execute(ctx context.Context, runID string, def SourceDefinition, req RunRequest, progress ProgressCallback) (*pipeline.RunResult, error) {
	metrics.ActiveRuns.Inc()
	defer metrics.ActiveRuns.Dec()

	readers := def.Readers()
	if s.cfg.Encoding != "" {
		opts := append(slices.Clone(def.ReaderOptions), reader.WithEncoding(s.cfg.Encoding))
		readers = pipeline.RegistryFromCatalogue(def.Catalogue, opts...)
	}

	p := pipeline.New(def.Info.Key, def.Plan, readers, pipeline.Deps{
		Entities:   s.store,
		Identities: s.store,
		Lookups:    s.store,
	}, pipeline.Options{
		BatchSize: s.cfg.BatchSize,
		Workers:   s.cfg.Workers,
		Restrict:  req.Restrict,
		Progress: func(p pipeline.Progress) {
			if progress != nil {
				progress(RunProgress{
					RunID:       p.RunID,
					Source:      def.Info.Key,
					State:       p.State,
					Stage:       p.Stage,
					RecordsRead: p.RecordsRead,
					Failed:      p.Failed,
				})
			}
		},
	})

	res, err := p.Run(ctx, runID, req.Files)

	// History is written even when the caller has gone away.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if herr := s.store.RecordRun(hctx, runRecord(res)); herr != nil {
		slog.Error("record run history", "run_id", runID, "error", herr)
	}
	return res, err
}

func runRecord(res *pipeline.RunResult) store.RunRecord {
	rec := store.RunRecord{
		ID:         res.RunID,
		Source:     res.Source,
		Org:        res.Org,
		State:      res.State.String(),
		Error:      res.Error,
		StartedAt:  res.StartedAt,
		FinishedAt: res.FinishedAt,
	}
	files := make(map[string]struct{})
	for _, st := range res.Stages {
		files[st.File] = struct{}{}
		rec.Records += st.Read
		rec.Failed += st.Failed
	}
	rec.Files = len(files)
	for _, n := range res.Saved {
		rec.Saved += n
	}
	return rec
}

// Sniff reports which schema versions of contentType the file's header
// is compatible with.
func (s *Service) Sniff(source, contentType, path string) (SniffResult, error) {
	def, err := Lookup(source)
	if err != nil {
		return SniffResult{}, err
	}
	canonical, ok := def.Catalogue.Canonical(contentType)
	if !ok {
		return SniffResult{}, &pipeline.FileFormatError{File: path, Reason: "unknown content type " + contentType}
	}
	matches, err := reader.DetectCompatibleVersions(path, def.Catalogue.Versions(canonical))
	if err != nil {
		return SniffResult{}, err
	}
	result := SniffResult{File: path, Source: def.Info.Key, ContentType: canonical, Versions: []string{}}
	for _, m := range matches {
		result.Versions = append(result.Versions, m.Version)
	}
	return result, nil
}

func (s *Service) lookupRun(runID string) (*activeRun, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return run, nil
}

// SubscribeProgress returns a channel that receives progress updates.
// The channel is closed when the run completes.
func (s *Service) SubscribeProgress(runID string) (<-chan RunProgress, error) {
	run, err := s.lookupRun(runID)
	if err != nil {
		return nil, err
	}

	ch := make(chan RunProgress, 16)

	run.ListenerMu.Lock()
	defer run.ListenerMu.Unlock()

	ch <- run.Progress
	if run.Progress.Done() {
		close(ch)
		return ch, nil
	}
	run.Listeners = append(run.Listeners, ch)
	return ch, nil
}

// GetRunProgress returns the current progress without blocking.
func (s *Service) GetRunProgress(runID string) (RunProgress, error) {
	run, err := s.lookupRun(runID)
	if err != nil {
		return RunProgress{}, err
	}
	run.ListenerMu.Lock()
	defer run.ListenerMu.Unlock()
	return run.Progress, nil
}

// GetRunResult blocks until the run completes or ctx is done, then returns
// its result and error.
func (s *Service) GetRunResult(ctx context.Context, runID string) (*pipeline.RunResult, error) {
	run, err := s.lookupRun(runID)
	if err != nil {
		return nil, err
	}
	select {
	case <-run.Done:
		return run.Result, run.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CancelRun cancels an in-progress run.
func (s *Service) CancelRun(runID string) error {
	run, err := s.lookupRun(runID)
	if err != nil {
		return err
	}
	run.Cancel()
	return nil
}

// RunLimiterStatus reports run slot usage.
func (s *Service) RunLimiterStatus() RunLimiterStatus {
	return s.limiter.Status()
}

// WaitForRuns blocks until every active run has finished or ctx is done.
func (s *Service) WaitForRuns(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

// RunHistory lists the most recent persisted runs.
func (s *Service) RunHistory(ctx context.Context, limit int) ([]store.RunRecord, error) {
	return s.store.ListRuns(ctx, limit)
}

// GetRunRecord returns a persisted run summary.
func (s *Service) GetRunRecord(ctx context.Context, runID string) (store.RunRecord, error) {
	rec, err := s.store.GetRun(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		return store.RunRecord{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return rec, err
}

// update records p and fans it out to listeners. Slow listeners miss
// intermediate updates.
func (run *activeRun) update(p RunProgress) {
	run.ListenerMu.Lock()
	defer run.ListenerMu.Unlock()

	run.Progress = p
	for _, ch := range run.Listeners {
		select {
		case ch <- p:
		default:
		}
	}
}

// finish publishes the terminal progress, closes listeners and releases
// GetRunResult waiters.
func (run *activeRun) finish(res *pipeline.RunResult, err error) {
	run.ListenerMu.Lock()
	run.Result = res
	run.Err = err
	if res != nil {
		run.Progress.State = res.State
	} else {
		run.Progress.State = pipeline.Failed
	}
	if err != nil {
		run.Progress.Error = FormatUserError(err)
	}
	for _, ch := range run.Listeners {
		select {
		case ch <- run.Progress:
		default:
		}
		close(ch)
	}
	run.Listeners = nil
	run.ListenerMu.Unlock()

	close(run.Done)
}

// cleanup removes the run from tracking after a delay.
func (s *Service) cleanup(runID string, delay time.Duration) {
	time.AfterFunc(delay, func() {
		s.mu.Lock()
		delete(s.runs, runID)
		s.mu.Unlock()
	})
}
