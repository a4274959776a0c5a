// Package exec runs shell commands on behalf of workers and blocker checks.
package exec

import (
	"context"
)

// Command describes one shell invocation.
type Command struct {
	// Script is passed to "sh -c".
	Script string
	// Dir is the working directory; empty means the current one.
	Dir string
	// Env is appended to the current process environment.
	Env []string
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	// Output is combined stdout and stderr.
	Output []byte
	// ExitCode is the process exit status.
	ExitCode int
}

// CommandRunner runs shell commands. A non-zero exit status is reported in
// Result, not as an error; errors mean the command could not run or was
// interrupted.
type CommandRunner interface {
	RunShell(ctx context.Context, cmd Command) (*Result, error)
}
