// Package compiler adapts the backend compiler as a subprocess: it builds
// the argument list for a single invocation (program/library, target,
// profile, library paths, test-runner flag), runs it, and parses its
// diagnostic stream. Grounded on the teacher's internal/process child
// wrapper, but deliberately much simpler: konvoy invokes the compiler once
// per build step and waits for it to exit, it never manages a long-lived
// supervised process, so the daemon-style restart/signal/splay machinery in
// process.Child has no home here (see DESIGN.md).
package compiler

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/arncore/konvoy/internal/errs"
	"github.com/arncore/konvoy/internal/target"
)

// OutputKind is the kind of artifact the compiler should produce.
type OutputKind string

const (
	Program OutputKind = "program"
	Library OutputKind = "library"
)

// Severity is a diagnostic's severity level.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// Diagnostic is one parsed line of compiler output.
type Diagnostic struct {
	Severity Severity
	File     string
	Line     int
	Message  string
}

// Invocation describes a single compiler run.
type Invocation struct {
	CompilerPath string
	RuntimeHome  string // optional; empty when the compiler doesn't need it
	Sources      []string
	OutputPath   string
	Target       target.Triple
	Release      bool
	Kind         OutputKind
	LibraryPaths []string
	TestRunner   bool
}

// Result is what a compiler invocation produced.
type Result struct {
	ExitCode    int
	Diagnostics []Diagnostic
	Stdout      string
	Stderr      string
}

// diagnosticLine matches "<file>:<line>: <severity>: <message>", the
// convention the backend compiler's CLI front end uses.
var diagnosticLine = regexp.MustCompile(`^(.+?):(\d+):\s*(error|warning|info):\s*(.*)$`)

// Run invokes the compiler, returning its parsed diagnostics regardless of
// exit code; only a failure to start the subprocess itself is an error.
func Run(ctx context.Context, log hclog.Logger, inv Invocation) (*Result, error) {
	args := buildArgs(inv)
	cmd := exec.CommandContext(ctx, inv.CompilerPath, args...)
	if inv.RuntimeHome != "" {
		cmd.Env = append(cmd.Environ(), "JAVA_HOME="+inv.RuntimeHome)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug("invoking compiler", "path", inv.CompilerPath, "args", args)

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errorsAs(err, &exitErr) {
			return nil, errs.Wrap(errs.CompilerExec, err, "executing compiler %s", inv.CompilerPath)
		}
		exitCode = exitErr.ExitCode()
	}

	diags := parseDiagnostics(stderr.String())
	diags = append(diags, parseDiagnostics(stdout.String())...)

	return &Result{
		ExitCode:    exitCode,
		Diagnostics: diags,
		Stdout:      stdout.String(),
		Stderr:      stderr.String(),
	}, nil
}

// buildArgs assembles the compiler's CLI flags. The exact flag spelling is
// the compiler's own (out of scope per §6); this mirrors the common
// Kotlin/Native front-end convention of -target, -g/-opt, -produce, -o, -l
// and -Xtest-runner.
func buildArgs(inv Invocation) []string {
	var args []string
	args = append(args, "-target", inv.Target.CompilerArg)

	if inv.Release {
		args = append(args, "-opt")
	} else {
		args = append(args, "-g")
	}

	switch inv.Kind {
	case Program:
		args = append(args, "-produce", "program")
	case Library:
		args = append(args, "-produce", "library")
	}

	args = append(args, "-o", inv.OutputPath)

	for _, lp := range inv.LibraryPaths {
		args = append(args, "-l", lp)
	}

	if inv.TestRunner {
		args = append(args, "-Xtest-runner")
	}

	args = append(args, inv.Sources...)
	return args
}

// parseDiagnostics scans text line-by-line for the compiler's
// "<file>:<line>: <severity>: <message>" convention, ignoring lines that
// don't match (informational banners, build tool noise).
func parseDiagnostics(text string) []Diagnostic {
	var diags []Diagnostic
	scanner := bufio.NewScanner(strings.NewReader(text))
	for scanner.Scan() {
		line := scanner.Text()
		m := diagnosticLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		lineNum, _ := strconv.Atoi(m[2])
		diags = append(diags, Diagnostic{
			Severity: Severity(m[3]),
			File:     m[1],
			Line:     lineNum,
			Message:  m[4],
		})
	}
	return diags
}

// CountErrors returns how many diagnostics are severity "error".
func CountErrors(diags []Diagnostic) int {
	n := 0
	for _, d := range diags {
		if d.Severity == SeverityError {
			n++
		}
	}
	return n
}

// Render formats a diagnostic the way konvoy prints it to the user.
func Render(d Diagnostic) string {
	if d.File == "" {
		return fmt.Sprintf("%s: %s", d.Severity, d.Message)
	}
	return fmt.Sprintf("%s:%d: %s: %s", d.File, d.Line, d.Severity, d.Message)
}

func errorsAs(err error, target **exec.ExitError) bool {
	if e, ok := err.(*exec.ExitError); ok {
		*target = e
		return true
	}
	return false
}
