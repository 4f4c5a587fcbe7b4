package driver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandExecutor abstracts process execution so the kind driver can be
// tested without the real binaries.
type CommandExecutor interface {
	// Run executes name with args, feeding stdin when non-empty, and returns
	// stdout. A non-zero exit is returned as a *CommandError carrying stderr.
	Run(ctx context.Context, stdin string, name string, args ...string) (string, error)
}

// CommandError is returned when an external command fails.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Command, e.Err)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// OSExecutor runs commands on the host.
type OSExecutor struct{}

func (OSExecutor) Run(ctx context.Context, stdin string, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}

	cmdErr := &CommandError{
		Command:  name + " " + strings.Join(args, " "),
		ExitCode: -1,
		Stderr:   stderr.String(),
		Err:      err,
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		cmdErr.ExitCode = exitErr.ExitCode()
	}
	if ctx.Err() != nil {
		cmdErr.Err = ctx.Err()
	}
	return stdout.String(), cmdErr
}
