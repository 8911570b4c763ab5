package host

import (
	"context"
	"os"
	"os/exec"
	"syscall"
)

// LocalRuntime starts agent children directly on the host inside a PTY pair.
// Resource limits are recorded but not enforced here; the container runtime
// covers full enforcement.
type LocalRuntime struct{}

// NewLocalRuntime creates the PTY-backed runtime.
func NewLocalRuntime() *LocalRuntime { return &LocalRuntime{} }

// Start launches the child in a PTY at the given dimensions.
func (r *LocalRuntime) Start(ctx context.Context, spec ProcessSpec) (Process, error) {
	// Background lifecycle: the child outlives the spawn call and is managed
	// through Terminate/Kill/Wait, not context cancellation.
	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	if spec.WorkingDir != "" {
		cmd.Dir = spec.WorkingDir
	}
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	ptmx, err := startPTYWithSize(cmd, spec.Cols, spec.Rows)
	if err != nil {
		return nil, err
	}

	return &localProcess{cmd: cmd, ptmx: ptmx}, nil
}

// localProcess wraps an exec.Cmd attached to a PTY master.
type localProcess struct {
	cmd  *exec.Cmd
	ptmx PtyHandle
}

func (p *localProcess) Read(b []byte) (int, error)  { return p.ptmx.Read(b) }
func (p *localProcess) Write(b []byte) (int, error) { return p.ptmx.Write(b) }
func (p *localProcess) Close() error                { return p.ptmx.Close() }

func (p *localProcess) PID() int {
	if p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

func (p *localProcess) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *localProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Wait reaps the child and translates the OS exit state.
// cmd.Wait is intentionally unbounded: reaping must happen to avoid
// zombies, and stuck children are handled via Terminate/Kill.
func (p *localProcess) Wait() ExitStatus {
	err := p.cmd.Wait()
	if err == nil {
		return ExitStatus{Code: 0}
	}

	if exitErr, ok := err.(*exec.ExitError); ok {
		if waitStatus, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if waitStatus.Signaled() {
				sig := waitStatus.Signal()
				return ExitStatus{Code: 128 + int(sig), Signal: sig.String(), Err: err}
			}
			return ExitStatus{Code: waitStatus.ExitStatus(), Err: err}
		}
		return ExitStatus{Code: 1, Err: err}
	}
	return ExitStatus{Code: 1, Err: err}
}
