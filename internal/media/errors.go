package media

import "fmt"

// ProcessFailure reports a non-zero exit of an external media processor,
// with captured output for diagnostics.
type ProcessFailure struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
}

func (e *ProcessFailure) Error() string {
	return fmt.Sprintf("external process failed (exit %d): %s", e.ExitCode, e.Command)
}
