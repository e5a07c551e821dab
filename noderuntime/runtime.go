package noderuntime

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when the container or network an operation
// refers to does not exist.
var ErrNotFound = errors.New("runtime object not found")

// RunSpec describes a node instance to create and start.
type RunSpec struct {
	Handle   string
	Hostname string
	Image    string
	Network  string

	// Ports maps host ports to container ports.
	Ports []PortMapping
	Env   map[string]string

	// Volumes maps host paths or named volumes to container paths.
	Volumes map[string]string

	// Entrypoint overrides the image entrypoint when non-empty.
	Entrypoint string
	Command    []string

	ShmSize string
}

type PortMapping struct {
	Host      int
	Container int
}

type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runtime is the boundary to the system that hosts node instances. All
// calls are synchronous.
type Runtime interface {
	CreateNetwork(ctx context.Context, name string) error
	RemoveNetwork(ctx context.Context, name string) error

	// Run creates and starts an instance, returning its handle.
	Run(ctx context.Context, spec RunSpec) (string, error)
	Start(ctx context.Context, handle string) error
	Stop(ctx context.Context, handle string) error
	Restart(ctx context.Context, handle string) error
	Remove(ctx context.Context, handle string) error

	// Exec runs cmd inside the instance and waits for it. A non-zero exit
	// code is reported in the result, not as an error.
	Exec(ctx context.Context, handle string, cmd []string) (ExecResult, error)

	// ExecDetached starts cmd inside the instance without waiting for it.
	ExecDetached(ctx context.Context, handle string, cmd []string) error

	CopyIn(ctx context.Context, handle, localPath, remotePath string) error
	IsRunning(ctx context.Context, handle string) (bool, error)
}

// ExecOK runs cmd and turns a non-zero exit code into an error carrying
// the command's stderr.
func ExecOK(ctx context.Context, rt Runtime, handle string, cmd []string) (ExecResult, error) {
	res, err := rt.Exec(ctx, handle, cmd)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, fmt.Errorf("command %q in %s exited with code %d: %s", cmd, handle, res.ExitCode, res.Stderr)
	}
	return res, nil
}

// WaitOptions bounds a readiness poll.
type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
}

// WaitUntil polls check until it reports true, the timeout elapses or ctx
// is cancelled. Errors from check are treated as "not yet" and the last
// one is included in the timeout error.
func WaitUntil(ctx context.Context, opts WaitOptions, check func(ctx context.Context) (bool, error)) error {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	var lastErr error
	for {
		ok, err := check(ctx)
		if err == nil && ok {
			return nil
		}
		if err != nil {
			lastErr = err
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("not ready after %s: %w (last error: %v)", opts.Timeout, ctx.Err(), lastErr)
			}
			return fmt.Errorf("not ready after %s: %w", opts.Timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// WaitRunning polls IsRunning until the instance is up.
func WaitRunning(ctx context.Context, rt Runtime, handle string, opts WaitOptions) error {
	return WaitUntil(ctx, opts, func(ctx context.Context) (bool, error) {
		return rt.IsRunning(ctx, handle)
	})
}

// WaitExec polls cmd inside the instance until it exits with code zero.
func WaitExec(ctx context.Context, rt Runtime, handle string, cmd []string, opts WaitOptions) error {
	return WaitUntil(ctx, opts, func(ctx context.Context) (bool, error) {
		res, err := rt.Exec(ctx, handle, cmd)
		if err != nil {
			return false, err
		}
		return res.ExitCode == 0, nil
	})
}
