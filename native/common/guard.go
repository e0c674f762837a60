package common

import (
	"errors"
	"fmt"
	"strings"
)

var ErrModulePaused = errors.New("module paused")

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return fmt.Errorf("%w: %s", ErrModulePaused, module)
	}
	return nil
}

// Precondition is a validation step evaluated before an operation touches
// any state.
type Precondition func() error

// Paused adapts Guard into a Precondition.
func Paused(p PauseView, module string) Precondition {
	return func() error { return Guard(p, module) }
}

// Check evaluates conditions in order and returns the first failure. Nil
// entries are skipped.
func Check(conditions ...Precondition) error {
	for _, cond := range conditions {
		if cond == nil {
			continue
		}
		if err := cond(); err != nil {
			return err
		}
	}
	return nil
}

// StaticPauses is a fixed set of paused modules, keyed case-insensitively.
type StaticPauses map[string]bool

// NewStaticPauses marks every listed module as paused.
func NewStaticPauses(modules ...string) StaticPauses {
	out := make(StaticPauses, len(modules))
	for _, m := range modules {
		if trimmed := strings.ToLower(strings.TrimSpace(m)); trimmed != "" {
			out[trimmed] = true
		}
	}
	return out
}

func (s StaticPauses) IsPaused(module string) bool {
	return s[strings.ToLower(strings.TrimSpace(module))]
}
