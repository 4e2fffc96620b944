// Package entity holds the canonical output model and the mutable builder
// used to stage changes to it during a run.
package entity

import (
	"maps"
	"slices"
	"time"

	"github.com/endeavourhealth/transforms/internal/identity"
	"github.com/endeavourhealth/transforms/internal/reader"
)

// Field is one attribute of an entity together with the source cell that
// last set it. Null fields were present in the source but empty.
type Field struct {
	Value  string            `json:"value"`
	Null   bool              `json:"null,omitempty"`
	Source reader.Coordinate `json:"source"`
}

// ChildRef links an entity to another entity it owns or references.
type ChildRef struct {
	Type string            `json:"type"`
	ID   identity.GlobalID `json:"id"`
}

// Entity is the persisted form of a canonical record.
type Entity struct {
	Type      string              `json:"type"`
	ID        identity.GlobalID   `json:"id"`
	Key       identity.NaturalKey `json:"key"`
	Source    string              `json:"source"`
	Fields    map[string]Field    `json:"fields"`
	Children  []ChildRef          `json:"children,omitempty"`
	Version   int                 `json:"version"`
	UpdatedAt time.Time           `json:"updated_at"`
}

// Clone returns a deep copy.
func (e Entity) Clone() Entity {
	out := e
	out.Fields = maps.Clone(e.Fields)
	out.Children = slices.Clone(e.Children)
	return out
}

// LookupRecord is a derived key/value fact destined for the auxiliary
// lookup store, e.g. which codes a source system has used.
type LookupRecord struct {
	Source string
	Kind   string
	Key    string
	Value  string
	ID     identity.GlobalID
}
