package lint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"
)

func fakeJava(t *testing.T, script string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-java")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755))
	return path
}

func TestBuildArgsWithoutConfig(t *testing.T) {
	args := buildArgs(Invocation{JarPath: "detekt.jar", SourcesDir: "src"})
	require.Equal(t, []string{"-jar", "detekt.jar", "--input", "src"}, args)
}

func TestBuildArgsWithConfig(t *testing.T) {
	args := buildArgs(Invocation{JarPath: "detekt.jar", SourcesDir: "src", ConfigPath: "detekt.yml"})
	require.Equal(t, []string{"-jar", "detekt.jar", "--input", "src", "--config", "detekt.yml"}, args)
}

func TestParseFindingsExtractsRuleAndSeverity(t *testing.T) {
	text := "src/main.kt:10:5: Function name should match pattern [FunctionNaming]\n" +
		"unrelated banner line\n" +
		"src/main.kt:22:1: Unsafe cast [UnsafeCastError]\n"

	findings := parseFindings(text)
	require.Len(t, findings, 2)

	require.Equal(t, "src/main.kt", findings[0].File)
	require.Equal(t, 10, findings[0].Line)
	require.Equal(t, 5, findings[0].Column)
	require.Equal(t, "FunctionNaming", findings[0].RuleID)
	require.Equal(t, SeverityWarning, findings[0].Severity)

	require.Equal(t, "UnsafeCastError", findings[1].RuleID)
	require.Equal(t, SeverityError, findings[1].Severity)
}

func TestCountErrors(t *testing.T) {
	findings := []Finding{
		{Severity: SeverityError},
		{Severity: SeverityWarning},
		{Severity: SeverityError},
	}
	require.Equal(t, 2, CountErrors(findings))
}

func TestRunParsesStdoutFindings(t *testing.T) {
	path := fakeJava(t, `echo "src/main.kt:3:1: Unused import [UnusedImport]"
exit 0
`)
	res, err := Run(context.Background(), hclog.NewNullLogger(), Invocation{
		JavaPath:   path,
		JarPath:    "detekt.jar",
		SourcesDir: "src",
	})
	require.NoError(t, err)
	require.Equal(t, 0, res.ExitCode)
	require.Len(t, res.Findings, 1)
	require.Equal(t, "UnusedImport", res.Findings[0].RuleID)
}

func TestRunReportsNonZeroExitWithoutError(t *testing.T) {
	path := fakeJava(t, `echo "src/main.kt:1:1: boom [SomeError]"
exit 2
`)
	res, err := Run(context.Background(), hclog.NewNullLogger(), Invocation{
		JavaPath:   path,
		JarPath:    "detekt.jar",
		SourcesDir: "src",
	})
	require.NoError(t, err)
	require.Equal(t, 2, res.ExitCode)
	require.Equal(t, 1, CountErrors(res.Findings))
}

func TestRunFailsWhenJavaMissing(t *testing.T) {
	_, err := Run(context.Background(), hclog.NewNullLogger(), Invocation{
		JavaPath:   filepath.Join(t.TempDir(), "does-not-exist"),
		JarPath:    "detekt.jar",
		SourcesDir: "src",
	})
	require.Error(t, err)
}

func TestRenderFormatsFinding(t *testing.T) {
	f := Finding{Severity: SeverityWarning, File: "src/a.kt", Line: 5, Column: 2, Message: "unused", RuleID: "UnusedImport"}
	require.Equal(t, "src/a.kt:5:2: warning: unused [UnusedImport]", Render(f))
}

func TestDownloadURLJoinsVersionAndBase(t *testing.T) {
	require.Equal(t, "https://dl.example.org/dist/detekt/1.2.3/detekt.jar", DownloadURL("https://dl.example.org/dist/", "1.2.3"))
}

func TestEnsureSkipsDownloadWhenJarAlreadyPresent(t *testing.T) {
	root := t.TempDir()
	versionDir := filepath.Join(root, "detekt", "1.2.3")
	require.NoError(t, os.MkdirAll(versionDir, 0o775))
	jarPath := filepath.Join(versionDir, jarName)
	require.NoError(t, os.WriteFile(jarPath, []byte("existing"), 0o644))

	got, freshSHA, err := Ensure(context.Background(), root, "https://unreachable.invalid", "1.2.3", false)
	require.NoError(t, err)
	require.Equal(t, jarPath, got)
	require.Empty(t, freshSHA)
}
