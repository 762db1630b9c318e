package streaming

import (
	"fmt"
	"io"
	"os/exec"
)

// Runner abstracts subprocess spawning so supervisors can be exercised in
// tests without a transcoder binary installed.
type Runner interface {
	Start(name string, args []string) (Process, error)
}

// Process is one running subprocess. Exit, diagnostic output and kill are
// independent signals; each may fire without the others.
type Process interface {
	// Wait blocks until the process exits and returns its exit error.
	Wait() error
	// Kill sends a forced termination signal. Best effort.
	Kill() error
	// Stderr is the process's line-buffered diagnostic stream.
	Stderr() io.Reader
}

// ExecRunner spawns real subprocesses.
type ExecRunner struct{}

func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Start(name string, args []string) (Process, error) {
	cmd := exec.Command(name, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	return &execProcess{cmd: cmd, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr io.Reader
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProcess) Stderr() io.Reader {
	return p.stderr
}
