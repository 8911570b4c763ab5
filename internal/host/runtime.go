package host

import (
	"context"
	"io"

	v1 "github.com/liminal/liminal/pkg/api/v1"
)

// ProcessSpec describes a child to start.
type ProcessSpec struct {
	Argv       []string
	WorkingDir string
	Env        []string
	Limits     v1.ResourceLimits
	Cols       int
	Rows       int
}

// ExitStatus is the terminal state of a child process.
type ExitStatus struct {
	Code   int
	Signal string // non-empty when the child died on a signal
	Err    error
}

// Process is a started child with combined terminal-style I/O.
type Process interface {
	io.ReadWriteCloser

	// PID returns the OS process id, or 0 when the backend has none.
	PID() int

	// Terminate requests a graceful stop.
	Terminate() error

	// Kill stops the child immediately.
	Kill() error

	// Wait blocks until the child exits and reaps it. Safe to call once.
	Wait() ExitStatus
}

// Runtime starts agent children. The local runtime uses a PTY pair; the
// container runtime starts the child inside a container and is the only
// backend that fully enforces ResourceLimits.
type Runtime interface {
	Start(ctx context.Context, spec ProcessSpec) (Process, error)
}
