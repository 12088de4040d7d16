// Package lockfile implements the durable build summary (konvoy.lock): its
// data model, deterministic TOML codec, and the reconciliation rules the
// orchestrator applies when writing it back after a build.
package lockfile

import (
	"fmt"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/arncore/konvoy/internal/errs"
)

// ToolchainLock records what the provisioner last observed for the backend
// compiler and linter.
type ToolchainLock struct {
	CompilerVersion string `toml:"compiler_version"`
	CompilerSHA256  string `toml:"compiler_sha256,omitempty"`
	RuntimeSHA256   string `toml:"runtime_sha256,omitempty"`
	LinterVersion   string `toml:"linter_version,omitempty"`
	LinterSHA256    string `toml:"linter_sha256,omitempty"`
}

// SourceKind distinguishes a dependency-lock's source variant.
type SourceKind string

const (
	SourcePath     SourceKind = "path"
	SourceRegistry SourceKind = "registry"
)

// DependencySource is the variant recorded for a dependency lock: a Path
// source needs nothing beyond the relative path it was resolved from; a
// Registry source carries the coordinate template and the per-target
// hashes resolved by `update`.
type DependencySource struct {
	Kind SourceKind

	// Path variant.
	Path string

	// Registry variant.
	Version            string
	CoordinateTemplate string
	TargetHashes       map[string]string
}

// DependencyLock is one dependency's locked state: its source, and a single
// digest over either its source tree (path deps) or its resolved per-target
// hashes (registry deps).
type DependencyLock struct {
	Name   string
	Source DependencySource
	Digest string
}

// PluginLock records a resolved compiler-plugin coordinate.
type PluginLock struct {
	Name    string
	Version string
}

// Lockfile is the full durable summary, always held with Dependencies and
// Plugins sorted lexicographically by name.
type Lockfile struct {
	Toolchain    *ToolchainLock
	Dependencies []DependencyLock
	Plugins      []PluginLock
}

// Default returns the empty lockfile used when no konvoy.lock is present.
func Default() *Lockfile {
	return &Lockfile{}
}

type rawDependencySource struct {
	Path         string            `toml:"path,omitempty"`
	Version      string            `toml:"version,omitempty"`
	Coordinate   string            `toml:"coordinate,omitempty"`
	TargetHashes map[string]string `toml:"target_hashes,omitempty"`
}

type rawDependencyLock struct {
	Name   string              `toml:"name"`
	Source rawDependencySource `toml:"source"`
	Digest string              `toml:"digest"`
}

type rawPluginLock struct {
	Name    string `toml:"name"`
	Version string `toml:"version"`
}

type rawLockfile struct {
	Toolchain    *ToolchainLock      `toml:"toolchain,omitempty"`
	Dependencies []rawDependencyLock `toml:"dependency,omitempty"`
	Plugins      []rawPluginLock     `toml:"plugin,omitempty"`
}

// Parse decodes lockfile bytes. An absent file should be represented by the
// caller as Default(), not by calling Parse on empty bytes.
func Parse(data []byte) (*Lockfile, error) {
	dec := toml.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()

	var raw rawLockfile
	if err := dec.Decode(&raw); err != nil {
		return nil, errs.Wrap(errs.LockfileInvalid, err, "invalid lockfile")
	}

	lf := &Lockfile{Toolchain: raw.Toolchain}
	for _, d := range raw.Dependencies {
		src := DependencySource{
			Path:               d.Source.Path,
			Version:            d.Source.Version,
			CoordinateTemplate: d.Source.Coordinate,
			TargetHashes:       d.Source.TargetHashes,
		}
		if d.Source.Path != "" {
			src.Kind = SourcePath
		} else {
			src.Kind = SourceRegistry
		}
		lf.Dependencies = append(lf.Dependencies, DependencyLock{
			Name:   d.Name,
			Source: src,
			Digest: d.Digest,
		})
	}
	for _, p := range raw.Plugins {
		lf.Plugins = append(lf.Plugins, PluginLock{Name: p.Name, Version: p.Version})
	}
	lf.sortInPlace()
	return lf, nil
}

func (lf *Lockfile) sortInPlace() {
	sort.Slice(lf.Dependencies, func(i, j int) bool { return lf.Dependencies[i].Name < lf.Dependencies[j].Name })
	sort.Slice(lf.Plugins, func(i, j int) bool { return lf.Plugins[i].Name < lf.Plugins[j].Name })
}

// CanonicalText renders the deterministic TOML form used both for the
// on-disk file and for cache-key purposes. Entries are always emitted in
// lexicographic-by-name order.
func (lf *Lockfile) CanonicalText() string {
	lf.sortInPlace()
	var b strings.Builder
	if lf.Toolchain != nil {
		fmt.Fprintf(&b, "[toolchain]\n")
		fmt.Fprintf(&b, "compiler_version = %q\n", lf.Toolchain.CompilerVersion)
		if lf.Toolchain.CompilerSHA256 != "" {
			fmt.Fprintf(&b, "compiler_sha256 = %q\n", lf.Toolchain.CompilerSHA256)
		}
		if lf.Toolchain.RuntimeSHA256 != "" {
			fmt.Fprintf(&b, "runtime_sha256 = %q\n", lf.Toolchain.RuntimeSHA256)
		}
		if lf.Toolchain.LinterVersion != "" {
			fmt.Fprintf(&b, "linter_version = %q\n", lf.Toolchain.LinterVersion)
		}
		if lf.Toolchain.LinterSHA256 != "" {
			fmt.Fprintf(&b, "linter_sha256 = %q\n", lf.Toolchain.LinterSHA256)
		}
	}
	for _, d := range lf.Dependencies {
		fmt.Fprintf(&b, "\n[[dependency]]\n")
		fmt.Fprintf(&b, "name = %q\n", d.Name)
		fmt.Fprintf(&b, "digest = %q\n", d.Digest)
		switch d.Source.Kind {
		case SourcePath:
			fmt.Fprintf(&b, "source.path = %q\n", d.Source.Path)
		case SourceRegistry:
			fmt.Fprintf(&b, "source.version = %q\n", d.Source.Version)
			if d.Source.CoordinateTemplate != "" {
				fmt.Fprintf(&b, "source.coordinate = %q\n", d.Source.CoordinateTemplate)
			}
			if len(d.Source.TargetHashes) > 0 {
				keys := make([]string, 0, len(d.Source.TargetHashes))
				for k := range d.Source.TargetHashes {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(&b, "source.target_hashes.%s = %q\n", k, d.Source.TargetHashes[k])
				}
			}
		}
	}
	for _, p := range lf.Plugins {
		fmt.Fprintf(&b, "\n[[plugin]]\n")
		fmt.Fprintf(&b, "name = %q\n", p.Name)
		fmt.Fprintf(&b, "version = %q\n", p.Version)
	}
	return b.String()
}

// Marshal renders the lockfile as the bytes written to konvoy.lock.
func (lf *Lockfile) Marshal() []byte {
	return []byte(lf.CanonicalText())
}

// DependencyByName returns the locked entry for name, if any.
func (lf *Lockfile) DependencyByName(name string) (DependencyLock, bool) {
	for _, d := range lf.Dependencies {
		if d.Name == name {
			return d, true
		}
	}
	return DependencyLock{}, false
}

// Equal reports whether two lockfiles serialise to byte-identical text, the
// comparison the pre-stabilisation fixpoint and locked-mode checks rely on.
func Equal(a, b *Lockfile) bool {
	if a == nil {
		a = Default()
	}
	if b == nil {
		b = Default()
	}
	return a.CanonicalText() == b.CanonicalText()
}

// Clone returns a deep-enough copy for the orchestrator to mutate while
// building the "would write" lockfile during pre-stabilisation.
func (lf *Lockfile) Clone() *Lockfile {
	out := &Lockfile{}
	if lf.Toolchain != nil {
		tc := *lf.Toolchain
		out.Toolchain = &tc
	}
	for _, d := range lf.Dependencies {
		cp := d
		if d.Source.TargetHashes != nil {
			cp.Source.TargetHashes = make(map[string]string, len(d.Source.TargetHashes))
			for k, v := range d.Source.TargetHashes {
				cp.Source.TargetHashes[k] = v
			}
		}
		out.Dependencies = append(out.Dependencies, cp)
	}
	out.Plugins = append(out.Plugins, lf.Plugins...)
	return out
}
