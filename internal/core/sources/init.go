// Package sources registers every source system definition with the core
// registry. Import it for its side effects.
package sources

// Each source file registers itself from init().
