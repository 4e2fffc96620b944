package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/endeavourhealth/transforms/internal/core"
	"github.com/endeavourhealth/transforms/internal/pipeline"
)

// maxBodySize bounds JSON request bodies; runs name files, they do not carry them.
const maxBodySize = 1 << 20

const defaultHistoryLimit = 50

type healthResponse struct {
	Status  string                `json:"status"`
	Sources int                   `json:"sources"`
	Runs    core.RunLimiterStatus `json:"runs"`
}

type sniffRequest struct {
	Source      string `json:"source"`
	ContentType string `json:"content_type"`
	File        string `json:"file"`
}

type runResultResponse struct {
	RunID  string              `json:"run_id"`
	State  pipeline.State      `json:"state"`
	Result *pipeline.RunResult `json:"result,omitempty"`
	Error  *ErrorResponse      `json:"error,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Sources: core.SourceCount(),
		Runs:    s.service.RunLimiterStatus(),
	})
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ListSources())
}

// handleSniff reports which schema versions a file's header matches.
func (s *Server) handleSniff(w http.ResponseWriter, r *http.Request) {
	var req sniffRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Source == "" || req.ContentType == "" || req.File == "" {
		respondBadRequest(w, r, "source, content_type and file are required")
		return
	}

	path, err := s.resolveFile(req.File)
	if err != nil {
		respondBadRequest(w, r, err.Error())
		return
	}

	result, err := s.service.Sniff(req.Source, req.ContentType, path)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	result.File = req.File
	writeJSON(w, http.StatusOK, result)
}

// handleStartRun starts an asynchronous run and returns its id.
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req core.RunRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Source == "" {
		respondBadRequest(w, r, "source is required")
		return
	}
	if len(req.Files) == 0 {
		respondBadRequest(w, r, "at least one file is required")
		return
	}

	for i, name := range req.Files {
		path, err := s.resolveFile(name)
		if err != nil {
			respondBadRequest(w, r, err.Error())
			return
		}
		req.Files[i] = path
	}

	ctx := WithRequestMetadata(r.Context(), r)
	runID, err := s.service.StartRun(ctx, req)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}

	w.Header().Set("Location", "/api/runs/"+runID)
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

// handleListRuns returns persisted run summaries, newest first.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", defaultHistoryLimit)
	runs, err := s.service.RunHistory(r.Context(), limit)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// handleGetRun returns live progress for a tracked run, falling back to
// the persisted summary once the run has been evicted from memory.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	progress, err := s.service.GetRunProgress(runID)
	if err == nil {
		writeJSON(w, http.StatusOK, progress)
		return
	}
	if !errors.Is(err, core.ErrRunNotFound) {
		respondError(w, r, err, 0)
		return
	}

	rec, err := s.service.GetRunRecord(r.Context(), runID)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleRunResult waits for the run to finish and returns its result.
// With ?wait=false an unfinished run answers 202 with its progress.
func (s *Server) handleRunResult(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	progress, err := s.service.GetRunProgress(runID)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}
	if !progress.Done() && r.URL.Query().Get("wait") == "false" {
		writeJSON(w, http.StatusAccepted, progress)
		return
	}

	result, runErr := s.service.GetRunResult(r.Context(), runID)
	if r.Context().Err() != nil {
		return // client went away
	}

	resp := runResultResponse{RunID: runID, State: pipeline.Failed, Result: result}
	if result != nil {
		resp.State = result.State
	}
	if runErr != nil {
		msg := core.MapError(runErr)
		resp.Error = &ErrorResponse{Error: msg.Message, Message: msg.Message, Action: msg.Action, Code: msg.Code}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRunProgress streams run progress via Server-Sent Events until the
// run finishes or the client disconnects.
func (s *Server) handleRunProgress(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	progressCh, err := s.service.SubscribeProgress(runID)
	if err != nil {
		respondError(w, r, err, 0)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, r, errors.New("streaming not supported"), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	eventID := 0
	for {
		select {
		case progress, ok := <-progressCh:
			if !ok {
				// Channel closed - run finished
				fmt.Fprintf(w, "event: complete\ndata: {}\n\n")
				flusher.Flush()
				return
			}

			eventID++
			data, _ := json.Marshal(progress)
			fmt.Fprintf(w, "id: %d\nevent: progress\ndata: %s\n\n", eventID, data)
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// handleCancelRun cancels an in-progress run. Cancellation is asynchronous;
// poll the run or its result to see it land.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if err := s.service.CancelRun(runID); err != nil {
		respondError(w, r, err, 0)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// resolveFile maps a requested file name onto the input directory and
// refuses anything that escapes it.
func (s *Server) resolveFile(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("empty file name")
	}

	root, err := filepath.Abs(s.inputDir)
	if err != nil {
		return "", fmt.Errorf("input directory: %w", err)
	}

	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(root, path)
	}
	path = filepath.Clean(path)

	rel, err := filepath.Rel(root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("file %q is outside the input directory", name)
	}
	return path, nil
}

// decodeBody reads a size-limited JSON body into v, rejecting unknown
// fields. It writes the error response itself and reports success.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		respondBadRequest(w, r, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// parseIntParam parses a positive integer query parameter with a default value.
func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(val)
	if err != nil || i < 1 {
		return defaultVal
	}
	return i
}

