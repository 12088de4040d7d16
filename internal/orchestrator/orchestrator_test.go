package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arncore/konvoy/internal/logger"
)

func fakeCompilerScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-compiler")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func writeBinaryProject(t *testing.T, dir, toolchainVersion, mainBody string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	body := "[package]\nname = \"app\"\nkind = \"binary\"\nentry = \"main.kt\"\n\n[toolchain]\nkotlin = \"" + toolchainVersion + "\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, ManifestFile), []byte(body), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.kt"), []byte(mainBody), 0o644))
}

func newTestOrchestrator(compilerPath string) *Orchestrator {
	return &Orchestrator{
		Log:                  logger.Silent(),
		CompilerPathOverride: compilerPath,
	}
}

func TestBuildThenRebuildHitsCache(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake compiler is a shell script")
	}
	root := t.TempDir()
	writeBinaryProject(t, root, "1.9.0", "fun main() {}")
	compilerPath := fakeCompilerScript(t, `out=""
while [ "$#" -gt 0 ]; do
  if [ "$1" = "-o" ]; then out="$2"; fi
  shift
done
echo "binary" > "$out"
`)

	o := newTestOrchestrator(compilerPath)
	first, err := o.Build(context.Background(), root, Options{})
	require.NoError(t, err)
	require.Equal(t, Fresh, first.Status)

	second, err := o.Build(context.Background(), root, Options{})
	require.NoError(t, err)
	require.Equal(t, Cached, second.Status)
	require.Equal(t, first.OutputPath, second.OutputPath)

	data, err := os.ReadFile(second.OutputPath)
	require.NoError(t, err)
	require.Equal(t, "binary\n", string(data))
}

func TestBuildWritesLockfileAfterFirstBuild(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake compiler is a shell script")
	}
	root := t.TempDir()
	writeBinaryProject(t, root, "1.9.0", "fun main() {}")
	compilerPath := fakeCompilerScript(t, `out=""
while [ "$#" -gt 0 ]; do
  if [ "$1" = "-o" ]; then out="$2"; fi
  shift
done
echo "binary" > "$out"
`)

	o := newTestOrchestrator(compilerPath)
	_, err := o.Build(context.Background(), root, Options{})
	require.NoError(t, err)

	lockPath := filepath.Join(root, LockFile)
	_, statErr := os.Stat(lockPath)
	require.NoError(t, statErr)
}

func TestBuildFailsWithCompilationError(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake compiler is a shell script")
	}
	root := t.TempDir()
	writeBinaryProject(t, root, "1.9.0", "fun main() {}")
	compilerPath := fakeCompilerScript(t, `echo "src/main.kt:1: error: boom" 1>&2
exit 1
`)

	o := newTestOrchestrator(compilerPath)
	_, err := o.Build(context.Background(), root, Options{})
	require.Error(t, err)
}

func TestCleanRemovesBuildDirectory(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, BuildLayoutDir, "build"), 0o755))
	require.NoError(t, Clean(root))
	_, err := os.Stat(filepath.Join(root, BuildLayoutDir))
	require.True(t, os.IsNotExist(err))
}

func TestDoctorReportsManifestPresence(t *testing.T) {
	root := t.TempDir()
	report, err := Doctor(root)
	require.NoError(t, err)
	require.False(t, report.ManifestPresent)

	writeBinaryProject(t, root, "1.9.0", "fun main() {}")
	report, err = Doctor(root)
	require.NoError(t, err)
	require.True(t, report.ManifestPresent)
	require.NotEmpty(t, report.HostTarget)
}

func TestLockedModeFailsWithoutExistingLockfile(t *testing.T) {
	root := t.TempDir()
	writeBinaryProject(t, root, "1.9.0", "fun main() {}")
	o := newTestOrchestrator("/nonexistent/compiler")
	_, err := o.Build(context.Background(), root, Options{Locked: true})
	require.Error(t, err)
}

func TestLintFailsWhenLinterNotConfigured(t *testing.T) {
	root := t.TempDir()
	writeBinaryProject(t, root, "1.9.0", "fun main() {}")
	o := newTestOrchestrator("/nonexistent/compiler")
	_, err := o.Lint(context.Background(), root, "", Options{})
	require.Error(t, err)
}

func TestUpdateRejectsLockedMode(t *testing.T) {
	root := t.TempDir()
	writeBinaryProject(t, root, "1.9.0", "fun main() {}")
	o := newTestOrchestrator("/nonexistent/compiler")
	_, err := o.Update(context.Background(), root, Options{Locked: true})
	require.Error(t, err)
}

func TestUpdateIsNoopWithNoRegistryDependencies(t *testing.T) {
	root := t.TempDir()
	writeBinaryProject(t, root, "1.9.0", "fun main() {}")
	o := newTestOrchestrator("/nonexistent/compiler")
	result, err := o.Update(context.Background(), root, Options{})
	require.NoError(t, err)
	require.Equal(t, 0, result.Updated)
}
