// Package store holds the types shared by the entity store implementations.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// RunRecord is the persisted summary of one pipeline run.
type RunRecord struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Org        string    `json:"org"`
	State      string    `json:"state"`
	Files      int       `json:"files"`
	Records    int       `json:"records"`
	Failed     int       `json:"failed"`
	Saved      int       `json:"saved"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}
