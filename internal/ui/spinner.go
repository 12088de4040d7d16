// Package ui holds terminal presentation helpers that sit in front of
// internal/logger's status lines: a spinner for long-running, mostly-silent
// operations (toolchain provisioning) where individual progress lines would
// be noisy. Grounded on the teacher's internal/ui/spinner.go, generalised
// from its async-task indicator to konvoy's single provisioning spinner.
package ui

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
)

// startStopper is the interface Spinner drives, so tests can substitute a
// no-op implementation.
type startStopper interface {
	Start()
	Stop()
}

// Spinner indicates an asynchronous operation is in progress, replaced by a
// final status line when it completes.
type Spinner struct {
	spin startStopper
}

// NewSpinner returns a spinner writing to w. In CI (detected via the CI
// environment variable) the refresh interval is slowed drastically, since a
// fast-refreshing spinner just adds noise to captured logs.
func NewSpinner(w io.Writer) *Spinner {
	interval := 125 * time.Millisecond
	if os.Getenv("CI") == "true" {
		interval = 30 * time.Second
	}
	s := spinner.New(spinner.CharSets[11], interval, spinner.WithHiddenCursor(true))
	s.Writer = w
	s.Color("faint")
	return &Spinner{spin: s}
}

// Start begins the spinner, suffixed with label.
func (s *Spinner) Start(label string) {
	s.suffix(fmt.Sprintf(" %s", label))
	s.spin.Start()
}

// Stop halts the spinner, replacing it with a final label.
func (s *Spinner) Stop(label string) {
	s.finalMSG(label)
	s.spin.Stop()
}

func (s *Spinner) lock() {
	if sp, ok := s.spin.(*spinner.Spinner); ok {
		sp.Lock()
	}
}

func (s *Spinner) unlock() {
	if sp, ok := s.spin.(*spinner.Spinner); ok {
		sp.Unlock()
	}
}

func (s *Spinner) suffix(label string) {
	s.lock()
	defer s.unlock()
	if sp, ok := s.spin.(*spinner.Spinner); ok {
		sp.Suffix = label
	}
}

func (s *Spinner) finalMSG(label string) {
	s.lock()
	defer s.unlock()
	if sp, ok := s.spin.(*spinner.Spinner); ok {
		sp.FinalMSG = label
	}
}
