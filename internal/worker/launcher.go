package worker

import (
	"fmt"
	"io"
	"os"
)

// Start methods for worker processes.
const (
	StartMethodSpawn = "spawn"
	StartMethodFork  = "fork"
)

// ValidateStartMethod reports whether method can be used to start worker
// processes. Only spawn is available: a fresh executable is started and
// receives its work over stdin.
func ValidateStartMethod(method string) error {
	switch method {
	case "", StartMethodSpawn:
		return nil
	case StartMethodFork:
		return fmt.Errorf("subprocess start method %q is not supported, use %q", method, StartMethodSpawn)
	}
	return fmt.Errorf("unknown subprocess start method %q", method)
}

// Launcher describes how to start a worker process.
type Launcher struct {
	// Path is the executable to run.
	Path string
	// Args are passed to the executable.
	Args []string
	// Env is appended to the parent's environment.
	Env []string
	// Stderr receives the child's log output. Defaults to os.Stderr.
	Stderr io.Writer
}

// DefaultLauncher re-executes the running binary with the worker subcommand.
func DefaultLauncher() (Launcher, error) {
	exe, err := os.Executable()
	if err != nil {
		return Launcher{}, fmt.Errorf("resolve executable: %w", err)
	}
	return Launcher{Path: exe, Args: []string{"worker"}}, nil
}
