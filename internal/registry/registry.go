// Package registry is the built-in library index the resolver consults for
// registry-sourced dependencies: a fixed table mapping a well-known library
// name to its coordinate template, with an opaque fallback for names it
// doesn't recognise (registry publishing itself is out of scope; konvoy
// only needs a deterministic coordinate string to fold into the lockfile).
package registry

import "fmt"

// builtin lists konvoy's first-party libraries, the only ones with a
// curated coordinate distinct from the default template.
var builtin = map[string]string{
	"konvoy-stdlib-extras": "io.konvoy.lib:stdlib-extras",
	"konvoy-coroutines":    "io.konvoy.lib:coroutines",
	"konvoy-serialization": "io.konvoy.lib:serialization",
}

// Index is the default, in-memory RegistryIndex implementation.
type Index struct{}

// New returns the built-in index.
func New() *Index { return &Index{} }

// Coordinate resolves name/version to a coordinate template string.
func (i *Index) Coordinate(name, version string) (string, error) {
	if template, ok := builtin[name]; ok {
		return fmt.Sprintf("%s:%s", template, version), nil
	}
	return fmt.Sprintf("io.konvoy.lib:%s:%s", name, version), nil
}
