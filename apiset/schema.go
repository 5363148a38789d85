// Package apiset models the Windows API-set naming layer that virtualizes
// DLL names (api-ms-win-core-...) onto concrete provider DLLs. The real
// schema lives in an OS-maintained database; this package only defines
// the query interface the analyzer consumes plus a small static
// implementation callers can populate for testing or offline analysis.
package apiset

import "strings"

// Schema is queried by the Export and Import parsers for every forward
// string and every imported library name; names it does not know are kept.
// It is supplied by the embedding application; this package never bundles
// a real API-set manifest, the same way the analyzer never bundles a
// Windows side-by-side resolver.
type Schema interface {
	// Present reports whether consumer forwards provider to some concrete
	// DLL.
	Present(consumer, provider string) bool

	// Resolve returns the concrete provider library for a virtual one.
	// provider and the returned library are both extension-stripped,
	// lowercase DLL base names.
	Resolve(consumer, provider string) (library string, ok bool)
}

// entry is one (consumer, virtual provider) -> concrete library mapping.
type entry struct {
	consumer string
	provider string
}

// StaticSchema is a map-backed Schema, populated ahead of time from a
// serialized API-set manifest or by tests.
type StaticSchema struct {
	m map[entry]string
}

// NewStaticSchema returns an empty StaticSchema ready for Add calls.
func NewStaticSchema() *StaticSchema {
	return &StaticSchema{m: make(map[entry]string)}
}

// Add registers consumer forwarding provider (an api-ms-win-* style name,
// without extension) to library (a concrete DLL name, without extension).
// An empty consumer matches any consumer, modeling a schema-wide mapping
// with no per-importer scoping.
func (s *StaticSchema) Add(consumer, provider, library string) {
	s.m[entry{strings.ToLower(consumer), strings.ToLower(provider)}] = strings.ToLower(library)
}

// Present implements Schema.
func (s *StaticSchema) Present(consumer, provider string) bool {
	_, ok := s.Resolve(consumer, provider)
	return ok
}

// Resolve implements Schema.
func (s *StaticSchema) Resolve(consumer, provider string) (string, bool) {
	provider = strings.ToLower(provider)
	if lib, ok := s.m[entry{strings.ToLower(consumer), provider}]; ok {
		return lib, true
	}
	if lib, ok := s.m[entry{"", provider}]; ok {
		return lib, true
	}
	return "", false
}
