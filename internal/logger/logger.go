// Package logger is konvoy's user-facing diagnostic stream: colored status
// lines backed by hclog for structured/leveled logging underneath, in the
// style of the teacher's internal/logger.
package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
	"github.com/hashicorp/go-hclog"
	"github.com/mattn/go-isatty"
)

// IsTTY reports whether stdout is an interactive terminal.
var IsTTY = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())

var successPrefix = color.New(color.Bold, color.FgGreen, color.ReverseVideo).Sprint(" OK ")
var warningPrefix = color.New(color.Bold, color.FgYellow, color.ReverseVideo).Sprint(" WARN ")
var errorPrefix = color.New(color.Bold, color.FgRed, color.ReverseVideo).Sprint(" ERROR ")

// Logger is the interface the engine's subsystems depend on, so tests can
// substitute a silent implementation.
type Logger interface {
	Printf(format string, args ...interface{})
	Successf(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Hclog() hclog.Logger
}

type consoleLogger struct {
	out  io.Writer
	hlog hclog.Logger
}

// New builds a Logger writing status lines to stdout and structured debug
// logs to stderr at the given verbosity count (0, 1, 2, 3+ mapping to
// off/info/debug/trace, matching the teacher's -v/-vv/-vvv convention).
func New(verbosity int) Logger {
	level := hclog.NoLevel
	switch {
	case verbosity == 1:
		level = hclog.Info
	case verbosity == 2:
		level = hclog.Debug
	case verbosity >= 3:
		level = hclog.Trace
	}
	output := io.Discard
	if level != hclog.NoLevel {
		output = os.Stderr
	}
	return &consoleLogger{
		out: os.Stdout,
		hlog: hclog.New(&hclog.LoggerOptions{
			Name:   "konvoy",
			Level:  level,
			Output: output,
			Color:  hclog.AutoColor,
		}),
	}
}

func (l *consoleLogger) Printf(format string, args ...interface{}) {
	fmt.Fprintln(l.out, fmt.Sprintf(format, args...))
}

func (l *consoleLogger) Successf(format string, args ...interface{}) {
	fmt.Fprintf(l.out, "%s%s\n", successPrefix, color.GreenString(" "+format, args...))
}

func (l *consoleLogger) Warnf(format string, args ...interface{}) {
	fmt.Fprintf(l.out, "%s%s\n", warningPrefix, color.YellowString(" "+format, args...))
	l.hlog.Warn(fmt.Sprintf(format, args...))
}

func (l *consoleLogger) Errorf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "%s%s\n", errorPrefix, color.RedString(" "+format, args...))
	l.hlog.Error(fmt.Sprintf(format, args...))
}

func (l *consoleLogger) Hclog() hclog.Logger { return l.hlog }

// Silent returns a Logger that writes nowhere, used in tests.
func Silent() Logger {
	return &consoleLogger{out: io.Discard, hlog: hclog.NewNullLogger()}
}
