package pull

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/containerd/errdefs"
)

// Command is one invocation of an external tool.
type Command struct {
	Path string
	Args []string
	// Env is appended to the agent's own environment.
	Env []string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// CommandRunner runs external tools and returns their combined output.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, c Command) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Path, c.Args...) //nolint:gosec
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	return cmd.CombinedOutput()
}

// CommandError is returned when an external tool exits unsuccessfully.
type CommandError struct {
	// Op is what the agent was doing ("pull", "unpack").
	Op       string
	Command  string
	ExitCode int
	Output   string
	Err      error

	// Cleanup is set when removing the staging directory after the failure
	// also failed.
	Cleanup     error
	CleanupPath string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("failed to %s image: %v", e.Op, e.Err)
	if out := lastLine(e.Output); out != "" {
		msg += ": " + out
	}
	if e.Cleanup != nil {
		msg += fmt.Sprintf(" and clean up of temporary container directory %s failed: %v", e.CleanupPath, e.Cleanup)
	}
	return msg
}

// Unwrap exposes both the process error and the unknown-failure class.
func (e *CommandError) Unwrap() []error {
	return []error{e.Err, errdefs.ErrUnknown}
}

func newCommandError(op string, cmd Command, out []byte, err error) *CommandError {
	ce := &CommandError{
		Op:       op,
		Command:  cmd.String(),
		ExitCode: -1,
		Output:   string(out),
		Err:      err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		ce.ExitCode = exitErr.ExitCode()
	}
	return ce
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return s
}
