package noderuntime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// commandRunner runs an external command and reports its output and exit
// code. err is only set when the command could not be run at all.
type commandRunner func(ctx context.Context, name string, args ...string) (stdout, stderr string, exitCode int, err error)

func runCommand(ctx context.Context, name string, args ...string) (string, string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), stderr.String(), exitErr.ExitCode(), nil
	}
	if err != nil {
		return stdout.String(), stderr.String(), -1, err
	}
	return stdout.String(), stderr.String(), 0, nil
}

// Docker implements Runtime by invoking the docker CLI.
type Docker struct {
	binary string
	run    commandRunner
}

var _ Runtime = (*Docker)(nil)

func NewDocker(binary string) *Docker {
	if binary == "" {
		binary = "docker"
	}
	return &Docker{binary: binary, run: runCommand}
}

func isNotFound(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such container") ||
		strings.Contains(s, "no such object") ||
		(strings.Contains(s, "network") && strings.Contains(s, "not found"))
}

// docker runs a docker subcommand that must succeed.
func (d *Docker) docker(ctx context.Context, args ...string) (string, error) {
	stdout, stderr, code, err := d.run(ctx, d.binary, args...)
	if err != nil {
		return "", fmt.Errorf("docker %s: %w", args[0], err)
	}
	if code != 0 {
		if isNotFound(stderr) {
			return "", fmt.Errorf("docker %s: %w: %s", args[0], ErrNotFound, strings.TrimSpace(stderr))
		}
		return "", fmt.Errorf("docker %s exited with code %d: %s", args[0], code, strings.TrimSpace(stderr))
	}
	return strings.TrimSpace(stdout), nil
}

func (d *Docker) CreateNetwork(ctx context.Context, name string) error {
	_, err := d.docker(ctx, "network", "create", name)
	return err
}

func (d *Docker) RemoveNetwork(ctx context.Context, name string) error {
	_, err := d.docker(ctx, "network", "rm", name)
	return err
}

func runArgs(spec RunSpec) []string {
	args := []string{"run", "-d", "--name", spec.Handle}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	if spec.Hostname != "" {
		args = append(args, "--hostname", spec.Hostname)
	}

	envKeys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		envKeys = append(envKeys, k)
	}
	sort.Strings(envKeys)
	for _, k := range envKeys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}

	for _, p := range spec.Ports {
		args = append(args, "-p", fmt.Sprintf("%d:%d", p.Host, p.Container))
	}

	volKeys := make([]string, 0, len(spec.Volumes))
	for k := range spec.Volumes {
		volKeys = append(volKeys, k)
	}
	sort.Strings(volKeys)
	for _, k := range volKeys {
		args = append(args, "-v", k+":"+spec.Volumes[k])
	}

	if spec.ShmSize != "" {
		args = append(args, "--shm-size", spec.ShmSize)
	}
	if spec.Entrypoint != "" {
		args = append(args, "--entrypoint", spec.Entrypoint)
	}

	args = append(args, spec.Image)
	return append(args, spec.Command...)
}

func (d *Docker) Run(ctx context.Context, spec RunSpec) (string, error) {
	if _, err := d.docker(ctx, runArgs(spec)...); err != nil {
		return "", err
	}
	return spec.Handle, nil
}

func (d *Docker) Start(ctx context.Context, handle string) error {
	_, err := d.docker(ctx, "start", handle)
	return err
}

func (d *Docker) Stop(ctx context.Context, handle string) error {
	_, err := d.docker(ctx, "stop", handle)
	return err
}

func (d *Docker) Restart(ctx context.Context, handle string) error {
	_, err := d.docker(ctx, "restart", handle)
	return err
}

func (d *Docker) Remove(ctx context.Context, handle string) error {
	_, err := d.docker(ctx, "rm", "-f", handle)
	return err
}

func (d *Docker) Exec(ctx context.Context, handle string, cmd []string) (ExecResult, error) {
	args := append([]string{"exec", handle}, cmd...)
	stdout, stderr, code, err := d.run(ctx, d.binary, args...)
	if err != nil {
		return ExecResult{}, fmt.Errorf("docker exec in %s: %w", handle, err)
	}
	if code != 0 && isNotFound(stderr) {
		return ExecResult{}, fmt.Errorf("docker exec in %s: %w", handle, ErrNotFound)
	}
	return ExecResult{ExitCode: code, Stdout: stdout, Stderr: stderr}, nil
}

func (d *Docker) ExecDetached(ctx context.Context, handle string, cmd []string) error {
	_, err := d.docker(ctx, append([]string{"exec", "-d", handle}, cmd...)...)
	return err
}

func (d *Docker) CopyIn(ctx context.Context, handle, localPath, remotePath string) error {
	_, err := d.docker(ctx, "cp", localPath, handle+":"+remotePath)
	return err
}

func (d *Docker) IsRunning(ctx context.Context, handle string) (bool, error) {
	out, err := d.docker(ctx, "inspect", "-f", "{{.State.Running}}", handle)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return out == "true", nil
}
