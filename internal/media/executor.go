package media

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"

	"github.com/pnats2avhd/processing-chain/pkg/logger"
)

// Runner executes external-processor commands. In dry-run mode planned
// invocations are logged but never started; in verbose mode stderr is
// tee'd to the terminal in real time, otherwise it is captured silently
// for failure diagnostics.
type Runner struct {
	log     logger.Logger
	dryRun  bool
	verbose bool
}

func NewRunner(log logger.Logger, dryRun, verbose bool) *Runner {
	return &Runner{log: log, dryRun: dryRun, verbose: verbose}
}

func (r *Runner) DryRun() bool {
	return r.dryRun
}

// Run executes one command to completion. Cancellation of ctx kills the
// process.
func (r *Runner) Run(ctx context.Context, cmd Command) error {
	if r.dryRun {
		r.log.Infof("%s", cmd)
		return nil
	}
	r.log.Infof("starting command: %s", cmd.Name)
	r.log.Debugf("starting command: %s", cmd)

	c := exec.CommandContext(ctx, cmd.Program, cmd.Args...)

	var stdoutBuf, stderrBuf bytes.Buffer
	c.Stdout = &stdoutBuf
	if r.verbose {
		c.Stderr = io.MultiWriter(&stderrBuf, os.Stderr)
	} else {
		c.Stderr = &stderrBuf
	}

	if err := c.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return &ProcessFailure{
			Command:  cmd.String(),
			ExitCode: exitCode,
			Stdout:   stdoutBuf.String(),
			Stderr:   stderrBuf.String(),
		}
	}
	return nil
}

// Output executes a command and returns its stdout. Probe invocations are
// read-only, so they are not gated by dry-run; callers decide.
func (r *Runner) Output(ctx context.Context, cmd Command) ([]byte, error) {
	c := exec.CommandContext(ctx, cmd.Program, cmd.Args...)
	var stdoutBuf, stderrBuf bytes.Buffer
	c.Stdout = &stdoutBuf
	c.Stderr = &stderrBuf
	if err := c.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return nil, &ProcessFailure{
			Command:  cmd.String(),
			ExitCode: exitCode,
			Stdout:   stdoutBuf.String(),
			Stderr:   stderrBuf.String(),
		}
	}
	return stdoutBuf.Bytes(), nil
}
