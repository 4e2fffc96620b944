package core

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/endeavourhealth/transforms/internal/pipeline"
	"github.com/endeavourhealth/transforms/internal/reader"
	"github.com/endeavourhealth/transforms/internal/schema"
)

// ErrUnknownSource is returned for a source key nothing registered.
var ErrUnknownSource = errors.New("unknown source")

// SourceInfo is the display information for a source system.
type SourceInfo struct {
	Key          string   `json:"key"`          // "acme"
	Label        string   `json:"label"`        // "Acme GP Clinical"
	Prefix       string   `json:"prefix"`       // file name prefix, "ACME"
	Description  string   `json:"description,omitempty"`
	ContentTypes []string `json:"content_types"`
}

// SourceDefinition is everything needed to run one source system's extracts.
type SourceDefinition struct {
	Info      SourceInfo
	Catalogue *schema.Catalogue
	Plan      *pipeline.Plan
	// ReaderOptions apply to every reader opened for this source.
	ReaderOptions []reader.Option
}

// Readers builds a reader registry over the source's catalogue.
func (d SourceDefinition) Readers() *pipeline.ReaderRegistry {
	return pipeline.RegistryFromCatalogue(d.Catalogue, d.ReaderOptions...)
}

var (
	registry   = make(map[string]SourceDefinition)
	registryMu sync.RWMutex
)

func normaliseKey(key string) string { return strings.ToLower(strings.TrimSpace(key)) }

// Register adds a source definition. It panics on a duplicate key or a
// definition without a catalogue or plan; registration happens in init.
func Register(def SourceDefinition) {
	registryMu.Lock()
	defer registryMu.Unlock()

	key := normaliseKey(def.Info.Key)
	if key == "" {
		panic("source registered without a key")
	}
	if _, exists := registry[key]; exists {
		panic(fmt.Sprintf("source already registered: %s", key))
	}
	if def.Catalogue == nil || def.Plan == nil {
		panic(fmt.Sprintf("source %s needs a catalogue and a plan", key))
	}

	def.Info.Key = key
	if len(def.Info.ContentTypes) == 0 {
		def.Info.ContentTypes = def.Catalogue.ContentTypes()
	}
	registry[key] = def
}

// ReplaceCatalogue swaps the catalogue of the source named by cat.Source,
// typically with one loaded from a deployment's YAML file. The new catalogue
// must still describe every content type the source's plan reads.
func ReplaceCatalogue(cat *schema.Catalogue) error {
	registryMu.Lock()
	defer registryMu.Unlock()

	key := normaliseKey(cat.Source)
	def, ok := registry[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSource, cat.Source)
	}
	for _, in := range def.Plan.ContentTypes() {
		if _, ok := cat.Canonical(in.ContentType); !ok {
			return fmt.Errorf("catalogue for %s has no %s definitions (needed by stage %s)",
				key, in.ContentType, in.Stage)
		}
	}

	def.Catalogue = cat
	def.Info.ContentTypes = cat.ContentTypes()
	registry[key] = def
	return nil
}

// Get returns the source registered under key, ignoring case.
func Get(key string) (SourceDefinition, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	def, ok := registry[normaliseKey(key)]
	return def, ok
}

// Lookup is Get with an ErrUnknownSource error.
func Lookup(key string) (SourceDefinition, error) {
	def, ok := Get(key)
	if !ok {
		return SourceDefinition{}, fmt.Errorf("%w: %s", ErrUnknownSource, key)
	}
	return def, nil
}

// All returns every registered source sorted by key.
func All() []SourceDefinition {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]SourceDefinition, 0, len(registry))
	for _, def := range registry {
		result = append(result, def)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Info.Key < result[j].Info.Key
	})
	return result
}

// SourceCount returns the number of registered sources.
func SourceCount() int {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return len(registry)
}

// Clear removes all registered sources.
// Primarily useful for testing.
func Clear() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = make(map[string]SourceDefinition)
}
