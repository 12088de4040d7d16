// Package lint adapts the static-analysis tool as a subprocess: it ensures
// the tool jar is installed under the per-user tools root, builds its
// argument list, runs it via the provisioned Java runtime, and parses its
// finding stream. Grounded on internal/compiler's subprocess-invocation
// pattern and internal/toolchain's download-then-install algorithm,
// generalised from "run the backend compiler" to "run the linter jar".
package lint

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/arncore/konvoy/internal/download"
	"github.com/arncore/konvoy/internal/errs"
	"github.com/arncore/konvoy/internal/toolchain"
)

// jarName is the installed tool's fixed filename within its version
// directory.
const jarName = "detekt.jar"

// DownloadURL constructs the linter jar's download URL for a version, from
// the same baseURL the compiler/runtime tarballs come from.
func DownloadURL(baseURL, version string) string {
	return fmt.Sprintf("%s/detekt/%s/%s", strings.TrimRight(baseURL, "/"), version, jarName)
}

// Ensure installs the linter jar under toolsRoot/detekt/<version>/ if it
// isn't already present, returning its path and, when this call performed a
// fresh download, the jar's SHA-256 for the lockfile.
func Ensure(ctx context.Context, toolsRoot, baseURL, version string, verbose bool) (jarPath, freshSHA string, err error) {
	versionDir := filepath.Join(toolsRoot, "detekt", version)
	jarPath = filepath.Join(versionDir, jarName)

	if _, statErr := os.Stat(jarPath); statErr == nil {
		return jarPath, "", nil
	}

	if err := os.MkdirAll(versionDir, 0o775); err != nil {
		return "", "", errs.IO(versionDir, err)
	}

	res, err := download.ToFile(ctx, DownloadURL(baseURL, version), jarPath, verbose, func(downloaded, total int64) {})
	if err != nil {
		return "", "", errs.Wrap(errs.ToolchainDownload, err, "downloading detekt %s", version)
	}

	return jarPath, res.SHA256, nil
}

// Fingerprint returns the installed jar's content hash, for lockfile
// comparison against a previously recorded linter_sha256.
func Fingerprint(jarPath string) (string, error) {
	return toolchain.FileFingerprint(jarPath)
}

// Severity is a finding's severity level, as detekt reports it.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is one parsed line of the linter's output.
type Finding struct {
	Severity Severity
	File     string
	Line     int
	Column   int
	RuleID   string
	Message  string
}

// Invocation describes a single linter run.
type Invocation struct {
	JavaPath   string
	JarPath    string
	ConfigPath string // optional; empty means the tool's own defaults
	SourcesDir string
}

// Result is what a linter invocation produced.
type Result struct {
	ExitCode int
	Findings []Finding
	Stdout   string
	Stderr   string
}

// findingLine matches "<file>:<line>:<col>: <message> [<RuleID>]", detekt's
// plain-text reporter convention.
var findingLine = regexp.MustCompile(`^(.+?):(\d+):(\d+):\s*(.*)\s*\[([A-Za-z0-9_]+)\]\s*$`)

// Run invokes the linter, returning its parsed findings regardless of exit
// code; only a failure to start the subprocess itself is an error. A
// nonzero exit with no parsed findings still yields a (possibly empty)
// Result, matching the compiler's "exit code isn't failure on its own"
// treatment.
func Run(ctx context.Context, log hclog.Logger, inv Invocation) (*Result, error) {
	args := buildArgs(inv)
	cmd := exec.CommandContext(ctx, inv.JavaPath, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug("invoking linter", "path", inv.JavaPath, "args", args)

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errorsAs(err, &exitErr) {
			return nil, errs.Wrap(errs.CompilerExec, err, "executing linter %s", inv.JavaPath)
		}
		exitCode = exitErr.ExitCode()
	}

	findings := parseFindings(stdout.String())
	findings = append(findings, parseFindings(stderr.String())...)

	return &Result{
		ExitCode: exitCode,
		Findings: findings,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// buildArgs assembles the linter's CLI flags: -jar <tool>, --input <sources>,
// and --config <path> when a config is given.
func buildArgs(inv Invocation) []string {
	args := []string{"-jar", inv.JarPath, "--input", inv.SourcesDir}
	if inv.ConfigPath != "" {
		args = append(args, "--config", inv.ConfigPath)
	}
	return args
}

// parseFindings scans text line-by-line for detekt's
// "<file>:<line>:<col>: <message> [<RuleID>]" convention, treating every
// matched line as a warning-severity finding (detekt has no distinct "info"
// level in its plain-text reporter; rules configured as errors still print
// the same shape, so severity is determined by rule configuration out of
// scope here and defaults to warning unless the rule ID carries the
// project's "Error" naming convention).
func parseFindings(text string) []Finding {
	var findings []Finding
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		m := findingLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		lineNum, _ := strconv.Atoi(m[2])
		col, _ := strconv.Atoi(m[3])
		severity := SeverityWarning
		if strings.HasSuffix(m[5], "Error") {
			severity = SeverityError
		}
		findings = append(findings, Finding{
			Severity: severity,
			File:     m[1],
			Line:     lineNum,
			Column:   col,
			Message:  m[4],
			RuleID:   m[5],
		})
	}
	return findings
}

// CountErrors returns how many findings are severity error.
func CountErrors(findings []Finding) int {
	n := 0
	for _, f := range findings {
		if f.Severity == SeverityError {
			n++
		}
	}
	return n
}

// Render formats a finding the way konvoy prints it to the user.
func Render(f Finding) string {
	return fmt.Sprintf("%s:%d:%d: %s: %s [%s]", f.File, f.Line, f.Column, f.Severity, f.Message, f.RuleID)
}

func errorsAs(err error, target **exec.ExitError) bool {
	if e, ok := err.(*exec.ExitError); ok {
		*target = e
		return true
	}
	return false
}
