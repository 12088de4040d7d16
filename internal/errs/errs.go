// Package errs defines the tagged error kinds produced by the konvoy build
// engine. Every fatal condition named in the engine's design surfaces as one
// of these kinds so that internal/cmd can render a single "error: <message>"
// line and pick an exit code.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind tags an Error with the condition that produced it.
type Kind string

// The fixed set of error kinds the engine can produce.
const (
	ManifestInvalid            Kind = "manifest-invalid"
	LockfileInvalid             Kind = "lockfile-invalid"
	LockfileOutOfDate           Kind = "lockfile-out-of-date"
	DependencyCycle              Kind = "dependency-cycle"
	DependencyNotFound            Kind = "dependency-not-found"
	DependencyNotLibrary          Kind = "dependency-not-library"
	DependencyToolchainMismatch   Kind = "dependency-toolchain-mismatch"
	DependencyPathEscape          Kind = "dependency-path-escape"
	DependencyHashMismatch        Kind = "dependency-hash-mismatch"
	UnsupportedHost               Kind = "unsupported-host"
	ToolchainDownload             Kind = "toolchain-download"
	ToolchainExtract              Kind = "toolchain-extract"
	ToolchainTarballHashMismatch  Kind = "toolchain-tarball-hash-mismatch"
	ToolchainCorrupt              Kind = "toolchain-corrupt"
	ToolchainPathTraversal        Kind = "toolchain-path-traversal"
	NoSources                     Kind = "no-sources"
	NoTestSources                 Kind = "no-test-sources"
	CompilerExec                  Kind = "compiler-exec"
	CompilationFailed             Kind = "compilation-failed"
	IOError                       Kind = "io"
	ArtifactHashMismatch          Kind = "artifact-hash-mismatch"
	LinterNotConfigured           Kind = "linter-not-configured"
	LintFailed                    Kind = "lint-failed"
)

// Error is the engine's error envelope: a Kind plus a human-readable message
// and, where relevant, a wrapped cause. It carries just enough context to
// render a useful message, per the engine's error propagation policy.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Count is populated for CompilationFailed to report the diagnostic
	// count in the rendered message.
	Count int
}

func (e *Error) Error() string {
	if e.Kind == CompilationFailed {
		return fmt.Sprintf("%s (%d diagnostic(s))", e.Message, e.Count)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind, wrapping cause with a stack
// trace via github.com/pkg/errors so the cause can be inspected if needed.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Cause:   errors.WithStack(cause),
	}
}

// CompilationFailure builds the special-cased compilation-failed error,
// which carries a diagnostic count rather than a plain message suffix.
func CompilationFailure(count int) *Error {
	return &Error{Kind: CompilationFailed, Message: "compilation failed", Count: count}
}

// IO wraps a filesystem error with the offending path.
func IO(path string, cause error) *Error {
	return Wrap(IOError, cause, "io error at %s", path)
}

// Is reports whether err is an *Error of the given kind, looking through
// wrapped causes.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
