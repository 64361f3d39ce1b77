package conditions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// maxCapturedBytes caps the raw output held in memory per stream before truncation.
const maxCapturedBytes = 1 << 20

// ExecInvoker runs verification tools as local processes.
type ExecInvoker struct {
	// WorkDir is used when the invocation does not carry one.
	WorkDir string
	// Env is appended to the current process environment.
	Env []string
}

// Invoke parses inv.Tool as shell words, appends inv.Args and runs the result.
func (x *ExecInvoker) Invoke(ctx context.Context, inv Invocation) (*ToolResult, error) {
	argv, err := SplitCommand(inv.Tool)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrVerificationTool, err)
	}
	argv = append(argv, inv.Args...)

	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = inv.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = x.WorkDir
	}
	cmd.Env = append(append(os.Environ(), x.Env...), inv.Env...)
	cmd.WaitDelay = 2 * time.Second

	stdout := NewBoundedBuffer(maxCapturedBytes)
	stderr := NewBoundedBuffer(maxCapturedBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	runErr := cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("%w: %s", ErrVerificationTimeout, argv[0])
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	res := &ToolResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr == nil {
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	if errors.Is(runErr, exec.ErrNotFound) {
		res.ExitCode = 127
		res.Stderr = runErr.Error()
		return res, nil
	}
	return nil, fmt.Errorf("%w: %s: %v", ErrVerificationTool, argv[0], runErr)
}

// LookPath reports whether the executable of a command line can be found.
func LookPath(line string) (string, error) {
	argv, err := SplitCommand(line)
	if err != nil {
		return "", err
	}
	return exec.LookPath(argv[0])
}
