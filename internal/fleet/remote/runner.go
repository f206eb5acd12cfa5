// Package remote drives WireGuard hosts over SSH: reading peer config
// files, freezing routes and rotating client keys.
package remote

import (
	"context"
	"errors"
	"fmt"
)

// Runner executes shell commands on a remote host. Implementations apply
// their own per-command timeout.
type Runner interface {
	Run(ctx context.Context, command string) (string, error)
	Close() error
}

// ExitError reports a command that ran but returned a non-zero status.
type ExitError struct {
	Status int
	Output string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with status %d", e.Status)
}

// ExitStatus extracts the exit status from a command error, if it carries
// one.
func ExitStatus(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Status, true
	}
	return 0, false
}
