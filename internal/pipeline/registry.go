package pipeline

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/endeavourhealth/transforms/internal/reader"
	"github.com/endeavourhealth/transforms/internal/schema"
)

// ReaderFactory builds an unopened reader for a discovered file.
type ReaderFactory func(path string) (*reader.Reader, error)

// ReaderRegistry maps content types, case-insensitively, to reader
// factories. It is built once per source system.
type ReaderRegistry struct {
	mu        sync.RWMutex
	factories map[string]ReaderFactory
	names     map[string]string
}

func NewReaderRegistry() *ReaderRegistry {
	return &ReaderRegistry{
		factories: make(map[string]ReaderFactory),
		names:     make(map[string]string),
	}
}

// Register adds a factory. Registering a content type twice panics.
func (r *ReaderRegistry) Register(contentType string, f ReaderFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(contentType)
	if _, exists := r.factories[key]; exists {
		panic(fmt.Sprintf("reader already registered: %s", contentType))
	}
	r.factories[key] = f
	r.names[key] = contentType
}

// Canonical returns the registered spelling of a content type.
func (r *ReaderRegistry) Canonical(contentType string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[strings.ToLower(contentType)]
	return name, ok
}

// Factory returns the factory for a content type.
func (r *ReaderRegistry) Factory(contentType string) (ReaderFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[strings.ToLower(contentType)]
	return f, ok
}

// ContentTypes returns the registered content types, sorted.
func (r *ReaderRegistry) ContentTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// RegistryFromCatalogue registers a version-sniffing factory for every
// content type in cat.
func RegistryFromCatalogue(cat *schema.Catalogue, opts ...reader.Option) *ReaderRegistry {
	reg := NewReaderRegistry()
	for _, ct := range cat.ContentTypes() {
		reg.Register(ct, SniffingFactory(cat, ct, opts...))
	}
	return reg
}

// SniffingFactory picks the file's version by matching its header against
// every known version of the content type. When several versions match the
// most recently declared one wins. When none match, the reader is bound to
// the latest version so that opening it reports the schema mismatch.
func SniffingFactory(cat *schema.Catalogue, contentType string, opts ...reader.Option) ReaderFactory {
	return func(path string) (*reader.Reader, error) {
		versions := cat.Versions(contentType)
		if len(versions) == 0 {
			return nil, fmt.Errorf("no schema versions for %s", contentType)
		}

		matches, err := reader.DetectCompatibleVersions(path, versions)
		if err != nil {
			return nil, err
		}

		def := versions[len(versions)-1]
		if len(matches) > 0 {
			def = matches[len(matches)-1]
		}
		if len(matches) > 1 {
			slog.Debug("several schema versions match, using latest",
				"content_type", contentType, "version", def.Version, "matches", len(matches))
		}
		return reader.New(path, def, opts...), nil
	}
}
