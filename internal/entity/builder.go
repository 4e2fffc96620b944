package entity

import (
	"maps"
	"slices"

	"github.com/endeavourhealth/transforms/internal/identity"
	"github.com/endeavourhealth/transforms/internal/reader"
)

// Builder stages changes to one entity. A builder has exactly one writer at
// a time; the reconciliation cache enforces that.
type Builder struct {
	e        Entity
	base     *Entity // last persisted state, nil for new entities
	hydrated bool
	dirty    bool
}

// NewBuilder starts an entity that has never been persisted.
func NewBuilder(entityType, source string, id identity.GlobalID, key identity.NaturalKey) *Builder {
	return &Builder{
		e: Entity{
			Type:   entityType,
			ID:     id,
			Key:    key,
			Source: source,
			Fields: make(map[string]Field),
		},
		dirty: true,
	}
}

// Hydrate starts from a previously persisted entity.
func Hydrate(e Entity) *Builder {
	b := &Builder{e: e.Clone(), hydrated: true}
	if b.e.Fields == nil {
		b.e.Fields = make(map[string]Field)
	}
	base := b.e.Clone()
	b.base = &base
	return b
}

func (b *Builder) Type() string { return b.e.Type }
func (b *Builder) ID() identity.GlobalID { return b.e.ID }
func (b *Builder) Key() identity.NaturalKey { return b.e.Key }
func (b *Builder) Version() int { return b.e.Version }
func (b *Builder) Fields() map[string]Field { return b.e.Fields }

// IsNew reports whether the entity was not found in the store.
func (b *Builder) IsNew() bool { return !b.hydrated }

// IsDirty reports whether the entity differs from its last persisted state.
// Changes that were later reverted do not count.
func (b *Builder) IsDirty() bool {
	if !b.dirty {
		return false
	}
	if b.base == nil {
		return true
	}
	return !maps.Equal(b.base.Fields, b.e.Fields) || !slices.Equal(b.base.Children, b.e.Children)
}

// Set copies a cell into a field, recording its provenance.
func (b *Builder) Set(name string, c reader.Cell) {
	b.put(name, Field{Value: c.String(), Null: c.IsEmpty(), Source: c.Coordinate()})
}

// SetValue sets a derived value, attributing it to src.
func (b *Builder) SetValue(name, value string, src reader.Coordinate) {
	b.put(name, Field{Value: value, Source: src})
}

func (b *Builder) put(name string, f Field) {
	if old, ok := b.e.Fields[name]; ok && old == f {
		return
	}
	b.e.Fields[name] = f
	b.dirty = true
}

// Unset removes a field.
func (b *Builder) Unset(name string) {
	if _, ok := b.e.Fields[name]; ok {
		delete(b.e.Fields, name)
		b.dirty = true
	}
}

// Get returns a field.
func (b *Builder) Get(name string) (Field, bool) {
	f, ok := b.e.Fields[name]
	return f, ok
}

// Value returns a field's value, or "" when unset or null.
func (b *Builder) Value(name string) string {
	return b.e.Fields[name].Value
}

// AddChild records a reference once.
func (b *Builder) AddChild(ref ChildRef) {
	if slices.Contains(b.e.Children, ref) {
		return
	}
	b.e.Children = append(b.e.Children, ref)
	b.dirty = true
}

// RemoveChild drops a reference.
func (b *Builder) RemoveChild(ref ChildRef) {
	i := slices.Index(b.e.Children, ref)
	if i < 0 {
		return
	}
	b.e.Children = slices.Delete(b.e.Children, i, i+1)
	b.dirty = true
}

func (b *Builder) Children() []ChildRef { return slices.Clone(b.e.Children) }

// Build returns a snapshot of the entity.
func (b *Builder) Build() Entity {
	return b.e.Clone()
}

// Clone returns an independent copy of the builder, state flags included.
func (b *Builder) Clone() *Builder {
	return &Builder{e: b.e.Clone(), base: b.base, hydrated: b.hydrated, dirty: b.dirty}
}

// MarkSaved records that the current state was persisted as version.
func (b *Builder) MarkSaved(version int) {
	b.e.Version = version
	base := b.e.Clone()
	b.base = &base
	b.hydrated = true
	b.dirty = false
}
