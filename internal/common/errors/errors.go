// Package errors provides the kind-tagged error taxonomy for the Liminal core.
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Error kinds as constants. Every user-visible failure carries one of these
// stable tags plus a human string.
const (
	KindParse       = "PARSE_ERROR"
	KindSpawn       = "SPAWN_ERROR"
	KindLease       = "LEASE_ERROR"
	KindRouter      = "ROUTER_ERROR"
	KindTurnTimeout = "TURN_TIMEOUT"
	KindAgentCrash  = "AGENT_CRASH"
	KindInvariant   = "INVARIANT"
)

// Director process exit codes.
const (
	ExitSuccess              = 0
	ExitParseError           = 2
	ExitEscalationUnresolved = 3
	ExitInvariant            = 4
	ExitSpawnFailure         = 5
	ExitCancelled            = 130
)

// CoreError is an error with a stable kind tag and optional wrapped cause.
type CoreError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *CoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *CoreError) Unwrap() error {
	return e.Err
}

// Parse creates a runbook parse error. Fatal pre-execution.
func Parse(message string) *CoreError {
	return &CoreError{Kind: KindParse, Message: message}
}

// Parsef creates a formatted runbook parse error.
func Parsef(format string, args ...any) *CoreError {
	return &CoreError{Kind: KindParse, Message: fmt.Sprintf(format, args...)}
}

// Spawn creates a child-start error. Per-turn fatal.
func Spawn(message string, err error) *CoreError {
	return &CoreError{Kind: KindSpawn, Message: message, Err: err}
}

// Lease creates a lease arbitration error.
func Lease(message string) *CoreError {
	return &CoreError{Kind: KindLease, Message: message}
}

// Router creates a routing error.
func Router(message string) *CoreError {
	return &CoreError{Kind: KindRouter, Message: message}
}

// TurnTimeout creates a turn-budget error. Execution continues.
func TurnTimeout(message string) *CoreError {
	return &CoreError{Kind: KindTurnTimeout, Message: message}
}

// AgentCrash creates an unexpected-child-death error.
func AgentCrash(message string) *CoreError {
	return &CoreError{Kind: KindAgentCrash, Message: message}
}

// Invariant creates an internal contract violation. The director halts with
// exit code 4 on this kind; nothing else may abort the process.
func Invariant(message string) *CoreError {
	return &CoreError{Kind: KindInvariant, Message: message}
}

// KindOf returns the kind tag of err, or the empty string for untagged errors.
func KindOf(err error) string {
	var coreErr *CoreError
	if errors.As(err, &coreErr) {
		return coreErr.Kind
	}
	return ""
}

// IsKind checks whether err carries the given kind tag.
func IsKind(err error, kind string) bool {
	return KindOf(err) == kind
}

// Wrap wraps an existing error with additional context, preserving the kind
// tag when one is present.
func Wrap(err error, message string) *CoreError {
	if err == nil {
		return nil
	}

	var coreErr *CoreError
	if errors.As(err, &coreErr) {
		return &CoreError{
			Kind:    coreErr.Kind,
			Message: fmt.Sprintf("%s: %s", message, coreErr.Message),
			Err:     err,
		}
	}

	return &CoreError{Kind: KindInvariant, Message: message, Err: err}
}

// ExitCode maps an error to the director process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	switch KindOf(err) {
	case KindParse:
		return ExitParseError
	case KindSpawn:
		return ExitSpawnFailure
	case KindInvariant:
		return ExitInvariant
	}
	if errors.Is(err, context.Canceled) {
		return ExitCancelled
	}
	return ExitInvariant
}
