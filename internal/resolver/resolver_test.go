package resolver

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arncore/konvoy/internal/lockfile"
	"github.com/arncore/konvoy/internal/manifest"
	"github.com/arncore/konvoy/internal/registry"
)

func writeProject(t *testing.T, dir, name, kind, version string, deps map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	var depsBlock string
	for depName, path := range deps {
		depsBlock += fmt.Sprintf("\n[dependencies.%s]\npath = %q\n", depName, path)
	}
	body := fmt.Sprintf("[package]\nname = %q\nkind = %q\n", name, kind)
	if version != "" {
		body += fmt.Sprintf("version = %q\n", version)
	}
	if kind == "binary" {
		body += "entry = \"main.kt\"\n"
	}
	body += "\n[toolchain]\nkotlin = \"1.9.0\"\n"
	body += depsBlock
	require.NoError(t, os.WriteFile(filepath.Join(dir, "konvoy.toml"), []byte(body), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "lib.kt"), []byte("fun x() {}"), 0o644))
}

func TestResolveSingleProjectNoDeps(t *testing.T) {
	root := t.TempDir()
	writeProject(t, root, "app", "binary", "", nil)

	m, err := manifest.Parse(mustRead(t, filepath.Join(root, "konvoy.toml")))
	require.NoError(t, err)

	r := New(lockfile.Default(), manifest.SourceExtension, registry.New())
	graph, err := r.Resolve(root, m)
	require.NoError(t, err)
	require.Len(t, graph.Nodes, 1)
	require.Equal(t, "app", graph.Nodes[0].Name)
}

func TestResolveLinearPathDependency(t *testing.T) {
	root := t.TempDir()
	libDir := filepath.Join(root, "..", "mylib")
	writeProject(t, libDir, "mylib", "library", "1.0.0", nil)
	writeProject(t, root, "app", "binary", "", map[string]string{"mylib": "../mylib"})

	m, err := manifest.Parse(mustRead(t, filepath.Join(root, "konvoy.toml")))
	require.NoError(t, err)

	r := New(lockfile.Default(), manifest.SourceExtension, registry.New())
	graph, err := r.Resolve(root, m)
	require.NoError(t, err)
	require.Len(t, graph.Nodes, 2)
	require.Equal(t, "mylib", graph.Nodes[0].Name)
	require.Equal(t, "app", graph.Nodes[1].Name)
}

func TestResolveDiamondDependencyDeduplicates(t *testing.T) {
	root := t.TempDir()
	base := filepath.Join(root, "..", "base")
	writeProject(t, base, "base", "library", "1.0.0", nil)

	left := filepath.Join(root, "..", "left")
	writeProject(t, left, "left", "library", "1.0.0", map[string]string{"base": "../base"})

	right := filepath.Join(root, "..", "right")
	writeProject(t, right, "right", "library", "1.0.0", map[string]string{"base": "../base"})

	writeProject(t, root, "app", "binary", "", map[string]string{"left": "../left", "right": "../right"})

	m, err := manifest.Parse(mustRead(t, filepath.Join(root, "konvoy.toml")))
	require.NoError(t, err)

	r := New(lockfile.Default(), manifest.SourceExtension, registry.New())
	graph, err := r.Resolve(root, m)
	require.NoError(t, err)

	names := make([]string, 0, len(graph.Nodes))
	for _, n := range graph.Nodes {
		names = append(names, n.Name)
	}
	require.Equal(t, 4, len(names), "base should appear exactly once despite two paths to it: %v", names)
	require.Equal(t, "app", names[len(names)-1])
}

func TestResolveCycleIsReported(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "..", "a")
	b := filepath.Join(root, "..", "b")
	writeProject(t, a, "a", "library", "1.0.0", map[string]string{"b": "../b"})
	writeProject(t, b, "b", "library", "1.0.0", map[string]string{"a": "../a"})
	writeProject(t, root, "app", "binary", "", map[string]string{"a": "../a"})

	m, err := manifest.Parse(mustRead(t, filepath.Join(root, "konvoy.toml")))
	require.NoError(t, err)

	r := New(lockfile.Default(), manifest.SourceExtension, registry.New())
	_, err = r.Resolve(root, m)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cycle")
}

func TestResolveRejectsNonLibraryDependency(t *testing.T) {
	root := t.TempDir()
	dep := filepath.Join(root, "..", "dep")
	writeProject(t, dep, "dep", "binary", "", nil)
	writeProject(t, root, "app", "binary", "", map[string]string{"dep": "../dep"})

	m, err := manifest.Parse(mustRead(t, filepath.Join(root, "konvoy.toml")))
	require.NoError(t, err)

	r := New(lockfile.Default(), manifest.SourceExtension, registry.New())
	_, err = r.Resolve(root, m)
	require.Error(t, err)
}

func TestResolveRejectsExcessiveParentTraversal(t *testing.T) {
	root := t.TempDir()
	deep := filepath.Join(root, "a", "b", "c", "d")
	writeProject(t, deep, "app", "binary", "", map[string]string{"x": "../../../../../x"})

	m, err := manifest.Parse(mustRead(t, filepath.Join(deep, "konvoy.toml")))
	require.NoError(t, err)

	r := New(lockfile.Default(), manifest.SourceExtension, registry.New())
	_, err = r.Resolve(deep, m)
	require.Error(t, err)
}

func TestResolveRejectsMismatchedToolchainVersion(t *testing.T) {
	root := t.TempDir()
	dep := filepath.Join(root, "..", "dep")
	require.NoError(t, os.MkdirAll(dep, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dep, "konvoy.toml"), []byte(
		"[package]\nname = \"dep\"\nkind = \"library\"\nversion = \"1.0.0\"\n\n[toolchain]\nkotlin = \"1.8.0\"\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dep, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dep, "src", "lib.kt"), []byte("fun y() {}"), 0o644))

	writeProject(t, root, "app", "binary", "", map[string]string{"dep": "../dep"})

	m, err := manifest.Parse(mustRead(t, filepath.Join(root, "konvoy.toml")))
	require.NoError(t, err)

	r := New(lockfile.Default(), manifest.SourceExtension, registry.New())
	_, err = r.Resolve(root, m)
	require.Error(t, err)
	require.Contains(t, err.Error(), "toolchain")
}

func TestResolveRegistryDependencyUsesLockedHashes(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(root, 0o755))
	body := "[package]\nname = \"app\"\nkind = \"binary\"\nentry = \"main.kt\"\n\n[toolchain]\nkotlin = \"1.9.0\"\n\n[dependencies.konvoy-coroutines]\nversion = \"1.2.0\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "konvoy.toml"), []byte(body), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "main.kt"), []byte("fun main() {}"), 0o644))

	lf := lockfile.Default()
	lf.Dependencies = append(lf.Dependencies, lockfile.DependencyLock{
		Name: "konvoy-coroutines",
		Source: lockfile.DependencySource{
			Kind:         lockfile.SourceRegistry,
			Version:      "1.2.0",
			TargetHashes: map[string]string{"linux_x64": "abc", "macos_arm64": "def"},
		},
	})

	m, err := manifest.Parse(mustRead(t, filepath.Join(root, "konvoy.toml")))
	require.NoError(t, err)

	r := New(lf, manifest.SourceExtension, registry.New())
	graph, err := r.Resolve(root, m)
	require.NoError(t, err)
	require.Len(t, graph.Nodes, 2)
	require.Equal(t, "konvoy-coroutines", graph.Nodes[0].Name)
	require.True(t, graph.Nodes[0].IsRegistry)
	require.NotEmpty(t, graph.Nodes[0].SourceHash)
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}
