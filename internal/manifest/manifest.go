// Package manifest implements the project declaration (konvoy.toml): its
// data model, strict TOML decode with unknown-key rejection, validation,
// and the canonical re-serialisation that feeds the cache key.
package manifest

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver"
	"github.com/mitchellh/mapstructure"
	toml "github.com/pelletier/go-toml/v2"

	"github.com/arncore/konvoy/internal/errs"
)

// Kind is the package kind: binary or library.
type Kind string

const (
	Binary  Kind = "binary"
	Library Kind = "library"
)

// SourceExtension is the backend language's source file suffix.
const SourceExtension = "kt"

var identifierRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*$`)

// DependencySpec is a dependency's variant source: exactly one of Path or
// Version is set.
type DependencySpec struct {
	Path    string `toml:"path,omitempty"`
	Version string `toml:"version,omitempty"`
}

// IsPath reports whether this spec names a path dependency.
func (d DependencySpec) IsPath() bool { return d.Path != "" }

// IsRegistry reports whether this spec names a registry dependency.
func (d DependencySpec) IsRegistry() bool { return d.Version != "" }

// PluginSpec names a compiler-plugin coordinate by version.
type PluginSpec struct {
	Version string `toml:"version"`
}

// NamedDependency pairs a dependency name with its spec; Manifest keeps
// these sorted by name so processing order is deterministic regardless of
// the order keys appeared in the source TOML.
type NamedDependency struct {
	Name string
	Spec DependencySpec
}

// NamedPlugin pairs a plugin name with its spec.
type NamedPlugin struct {
	Name string
	Spec PluginSpec
}

// Manifest is the parsed, validated project declaration.
type Manifest struct {
	Name           string
	Kind           Kind
	Version        string
	EntryPoint     string
	ToolchainVersion string
	LinterVersion  string
	Dependencies   []NamedDependency
	Plugins        []NamedPlugin
}

// rawManifest mirrors the on-disk TOML shape for strict decoding.
type rawManifest struct {
	Package struct {
		Name    string `toml:"name"`
		Kind    string `toml:"kind"`
		Version string `toml:"version,omitempty"`
		Entry   string `toml:"entry,omitempty"`
	} `toml:"package"`
	Toolchain struct {
		Kotlin string `toml:"kotlin"`
		Detekt string `toml:"detekt,omitempty"`
	} `toml:"toolchain"`
	Dependencies map[string]DependencySpec `toml:"dependencies,omitempty"`
	Plugins      map[string]PluginSpec     `toml:"plugins,omitempty"`
}

// Parse decodes and validates manifest bytes, rejecting unknown top-level
// or per-section keys. The TOML tree is decoded twice over: go-toml/v2
// first unmarshals the raw bytes into a generic tree, then mapstructure
// decodes that tree into rawManifest with ErrorUnused set, so a typo'd key
// anywhere in the file (not just at the top level) is rejected.
func Parse(data []byte) (*Manifest, error) {
	var tree map[string]interface{}
	if err := toml.Unmarshal(data, &tree); err != nil {
		return nil, errs.Wrap(errs.ManifestInvalid, err, "invalid manifest")
	}

	var raw rawManifest
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused: true,
		TagName:     "toml",
		Result:      &raw,
	})
	if err != nil {
		return nil, errs.Wrap(errs.ManifestInvalid, err, "building manifest decoder")
	}
	if err := decoder.Decode(tree); err != nil {
		return nil, errs.Wrap(errs.ManifestInvalid, err, "invalid manifest")
	}

	m := &Manifest{
		Name:             raw.Package.Name,
		Kind:             Kind(raw.Package.Kind),
		Version:          raw.Package.Version,
		EntryPoint:       raw.Package.Entry,
		ToolchainVersion: raw.Toolchain.Kotlin,
		LinterVersion:    raw.Toolchain.Detekt,
	}

	for name, spec := range raw.Dependencies {
		m.Dependencies = append(m.Dependencies, NamedDependency{Name: name, Spec: spec})
	}
	sort.Slice(m.Dependencies, func(i, j int) bool { return m.Dependencies[i].Name < m.Dependencies[j].Name })

	for name, spec := range raw.Plugins {
		m.Plugins = append(m.Plugins, NamedPlugin{Name: name, Spec: spec})
	}
	sort.Slice(m.Plugins, func(i, j int) bool { return m.Plugins[i].Name < m.Plugins[j].Name })

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate applies every structural invariant named in the data model.
func (m *Manifest) Validate() error {
	if !identifierRe.MatchString(m.Name) {
		return errs.New(errs.ManifestInvalid, "package name %q is not a valid identifier", m.Name)
	}
	switch m.Kind {
	case Binary, Library:
	default:
		return errs.New(errs.ManifestInvalid, "package kind must be \"binary\" or \"library\", got %q", m.Kind)
	}
	if m.Kind == Library {
		if m.Version == "" {
			return errs.New(errs.ManifestInvalid, "library %q must declare package.version", m.Name)
		}
		if _, err := semver.NewVersion(m.Version); err != nil {
			return errs.Wrap(errs.ManifestInvalid, err, "package %q has an invalid semantic version %q", m.Name, m.Version)
		}
	}
	if m.Kind == Binary {
		if m.EntryPoint == "" {
			return errs.New(errs.ManifestInvalid, "binary %q must declare package.entry", m.Name)
		}
		if !strings.HasSuffix(m.EntryPoint, "."+SourceExtension) {
			return errs.New(errs.ManifestInvalid, "entry point %q must end in .%s", m.EntryPoint, SourceExtension)
		}
	}
	if m.ToolchainVersion == "" {
		return errs.New(errs.ManifestInvalid, "toolchain.kotlin must be set")
	}

	seen := make(map[string]bool, len(m.Dependencies))
	for _, dep := range m.Dependencies {
		if dep.Name == m.Name {
			return errs.New(errs.ManifestInvalid, "dependency %q cannot reference its own package", dep.Name)
		}
		if seen[dep.Name] {
			return errs.New(errs.ManifestInvalid, "duplicate dependency name %q", dep.Name)
		}
		seen[dep.Name] = true
		if dep.Spec.IsPath() == dep.Spec.IsRegistry() {
			return errs.New(errs.ManifestInvalid, "dependency %q must set exactly one of path or version", dep.Name)
		}
	}

	seenPlugins := make(map[string]bool, len(m.Plugins))
	for _, p := range m.Plugins {
		if seenPlugins[p.Name] {
			return errs.New(errs.ManifestInvalid, "duplicate plugin name %q", p.Name)
		}
		seenPlugins[p.Name] = true
	}
	return nil
}

// CanonicalText renders a deterministic serialisation of the manifest:
// package keys in a fixed order and dependencies and plugins sorted by name,
// regardless of original file order or whitespace. This is
// the text that feeds into the cache key, not the raw file bytes, so
// formatting-only edits to konvoy.toml never invalidate the cache.
func (m *Manifest) CanonicalText() (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "[package]\n")
	fmt.Fprintf(&b, "name = %q\n", m.Name)
	fmt.Fprintf(&b, "kind = %q\n", m.Kind)
	if m.Version != "" {
		fmt.Fprintf(&b, "version = %q\n", m.Version)
	}
	if m.EntryPoint != "" {
		fmt.Fprintf(&b, "entry = %q\n", m.EntryPoint)
	}
	fmt.Fprintf(&b, "\n[toolchain]\n")
	fmt.Fprintf(&b, "kotlin = %q\n", m.ToolchainVersion)
	if m.LinterVersion != "" {
		fmt.Fprintf(&b, "detekt = %q\n", m.LinterVersion)
	}
	for _, dep := range m.Dependencies {
		fmt.Fprintf(&b, "\n[dependencies.%s]\n", dep.Name)
		if dep.Spec.IsPath() {
			fmt.Fprintf(&b, "path = %q\n", dep.Spec.Path)
		} else {
			fmt.Fprintf(&b, "version = %q\n", dep.Spec.Version)
		}
	}
	for _, p := range m.Plugins {
		fmt.Fprintf(&b, "\n[plugins.%s]\n", p.Name)
		fmt.Fprintf(&b, "version = %q\n", p.Spec.Version)
	}
	return b.String(), nil
}

// Marshal serialises the manifest back to TOML bytes, used by `init` to
// scaffold a new project and by round-trip tests.
func (m *Manifest) Marshal() ([]byte, error) {
	text, err := m.CanonicalText()
	if err != nil {
		return nil, err
	}
	return []byte(text), nil
}
