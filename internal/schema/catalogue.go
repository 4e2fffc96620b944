// Package schema describes the versioned column layouts of source extract files.
//
// A source system publishes one file per content type per extract. Each content
// type can exist in several historic versions, each with its own ordered column
// list. A Catalogue holds every known version for one source system and is
// normally loaded from YAML:
//
//	source: acme
//	content_types:
//	  - name: Patient
//	    tolerant: true
//	    versions:
//	      - version: "1"
//	        columns: [PatientGuid, Forenames, Surname]
package schema

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definition is one version of one content type.
type Definition struct {
	Source      string
	ContentType string
	Version     string
	Columns     []string

	// Tolerant marks files whose record failures are isolated and reported
	// at the end of the run instead of aborting it.
	Tolerant bool

	// Delimiter is the field separator. Zero means comma.
	Delimiter rune

	// Encoding names the legacy character set of the file (e.g. "windows-1252").
	// Empty means UTF-8.
	Encoding string
}

// String returns "<contentType> v<version>".
func (d Definition) String() string {
	return d.ContentType + " v" + d.Version
}

// Catalogue is the set of known definitions for one source system.
type Catalogue struct {
	Source string

	// keyed by lowercased content type, versions in declaration order
	byType map[string][]Definition
	order  []string
}

// New returns an empty catalogue for a source system.
func New(source string) *Catalogue {
	return &Catalogue{
		Source: source,
		byType: make(map[string][]Definition),
	}
}

// Add registers a definition. Adding the same content type and version twice
// is an error.
func (c *Catalogue) Add(def Definition) error {
	if def.ContentType == "" {
		return fmt.Errorf("schema %s: content type is required", c.Source)
	}
	if len(def.Columns) == 0 {
		return fmt.Errorf("schema %s: %s has no columns", c.Source, def)
	}

	key := strings.ToLower(def.ContentType)
	for _, existing := range c.byType[key] {
		if existing.Version == def.Version {
			return fmt.Errorf("schema %s: %s already defined", c.Source, def)
		}
	}

	def.Source = c.Source
	if _, ok := c.byType[key]; !ok {
		c.order = append(c.order, def.ContentType)
	}
	c.byType[key] = append(c.byType[key], def)
	return nil
}

// Lookup returns the definition for a content type and version.
// Content types are matched case-insensitively.
func (c *Catalogue) Lookup(contentType, version string) (Definition, bool) {
	for _, def := range c.byType[strings.ToLower(contentType)] {
		if def.Version == version {
			return def, true
		}
	}
	return Definition{}, false
}

// Versions returns every definition of a content type in declaration order.
func (c *Catalogue) Versions(contentType string) []Definition {
	defs := c.byType[strings.ToLower(contentType)]
	out := make([]Definition, len(defs))
	copy(out, defs)
	return out
}

// Latest returns the most recently declared version of a content type.
func (c *Catalogue) Latest(contentType string) (Definition, bool) {
	defs := c.byType[strings.ToLower(contentType)]
	if len(defs) == 0 {
		return Definition{}, false
	}
	return defs[len(defs)-1], true
}

// ContentTypes returns the declared content type names, sorted.
func (c *Catalogue) ContentTypes() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	sort.Strings(out)
	return out
}

// Canonical returns the declared spelling of a content type, matched
// case-insensitively.
func (c *Catalogue) Canonical(contentType string) (string, bool) {
	defs := c.byType[strings.ToLower(contentType)]
	if len(defs) == 0 {
		return "", false
	}
	return defs[0].ContentType, true
}

type catalogueFile struct {
	Source       string            `yaml:"source"`
	Delimiter    string            `yaml:"delimiter"`
	Encoding     string            `yaml:"encoding"`
	ContentTypes []contentTypeFile `yaml:"content_types"`
}

type contentTypeFile struct {
	Name      string        `yaml:"name"`
	Tolerant  bool          `yaml:"tolerant"`
	Delimiter string        `yaml:"delimiter"`
	Encoding  string        `yaml:"encoding"`
	Versions  []versionFile `yaml:"versions"`
}

type versionFile struct {
	Version string   `yaml:"version"`
	Columns []string `yaml:"columns"`
}

// Parse decodes a YAML catalogue.
func Parse(data []byte) (*Catalogue, error) {
	var f catalogueFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalogue: %w", err)
	}
	if f.Source == "" {
		return nil, fmt.Errorf("parse catalogue: source is required")
	}

	c := New(f.Source)
	for _, ct := range f.ContentTypes {
		delim, err := parseDelimiter(firstNonEmpty(ct.Delimiter, f.Delimiter))
		if err != nil {
			return nil, fmt.Errorf("parse catalogue: %s: %w", ct.Name, err)
		}
		for _, v := range ct.Versions {
			def := Definition{
				ContentType: ct.Name,
				Version:     v.Version,
				Columns:     v.Columns,
				Tolerant:    ct.Tolerant,
				Delimiter:   delim,
				Encoding:    firstNonEmpty(ct.Encoding, f.Encoding),
			}
			if err := c.Add(def); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// Load reads a YAML catalogue from disk.
func Load(path string) (*Catalogue, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalogue: %w", err)
	}
	return Parse(data)
}

func parseDelimiter(s string) (rune, error) {
	switch s {
	case "", ",":
		return ',', nil
	case "\\t", "tab":
		return '\t', nil
	}
	r := []rune(s)
	if len(r) != 1 {
		return 0, fmt.Errorf("delimiter %q must be a single character", s)
	}
	return r[0], nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
