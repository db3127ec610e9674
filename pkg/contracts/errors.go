package contracts

import (
	"errors"
	"fmt"
)

var (
	// ErrBudgetExceeded halts a batch once today's spend reaches the daily cap.
	ErrBudgetExceeded = errors.New("BudgetExceeded")
	// ErrKillSwitchActive halts a batch before any work starts.
	ErrKillSwitchActive = errors.New("KillSwitchActive")
	// ErrEmptyTranscript marks a battle whose synthesis produced no text.
	ErrEmptyTranscript = errors.New("EmptyTranscriptError")
	// ErrNotFound is returned by stores for unknown ids.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned for review moves that are not allowed.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// ProviderError wraps a failed LLM, voice, or judge call.
type ProviderError struct {
	Provider string
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("ProviderError: %s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed store write or read.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("PersistenceError: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// IsHalt reports whether err stops the whole training loop rather than a
// single battle.
func IsHalt(err error) bool {
	return errors.Is(err, ErrBudgetExceeded) || errors.Is(err, ErrKillSwitchActive)
}
