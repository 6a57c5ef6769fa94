// Package crun drives the underlying low-level OCI runtime. crun-vm only
// rewrites the bundle; creating, starting, and deleting the actual Linux
// container is delegated here.
package crun

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// Binary is the low-level runtime executable. Overridable for tests.
var Binary = "crun"

// GlobalOptions mirrors the OCI runtime CLI flags that precede the
// subcommand and must be forwarded on every delegated invocation.
type GlobalOptions struct {
	Debug         bool
	Log           string
	LogFormat     string
	Root          string
	SystemdCgroup bool
}

// Args reconstructs the global flag list.
func (g *GlobalOptions) Args() []string {
	var args []string
	if g.Debug {
		args = append(args, "--debug")
	}
	if g.Log != "" {
		args = append(args, "--log", g.Log)
	}
	if g.LogFormat != "" {
		args = append(args, "--log-format", g.LogFormat)
	}
	if g.Root != "" {
		args = append(args, "--root", g.Root)
	}
	if g.SystemdCgroup {
		args = append(args, "--systemd-cgroup")
	}
	return args
}

// CreateOptions mirrors the OCI runtime "create" subcommand flags.
type CreateOptions struct {
	Bundle        string
	ConsoleSocket string
	PidFile       string
	NoPivot       bool
	NoNewKeyring  bool
	PreserveFDs   int
	ContainerID   string
}

// Run invokes the underlying runtime with args, inheriting this process'
// standard streams. A non-zero exit is returned as the command error.
func Run(args []string) error {
	cmd := exec.Command(Binary, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s %v: %w", Binary, args, err)
	}
	return nil
}

// Create delegates container creation.
func Create(global *GlobalOptions, opts *CreateOptions) error {
	args := append(global.Args(), "create", "--bundle", opts.Bundle)

	if opts.ConsoleSocket != "" {
		args = append(args, "--console-socket", opts.ConsoleSocket)
	}
	if opts.NoPivot {
		args = append(args, "--no-pivot")
	}
	if opts.NoNewKeyring {
		args = append(args, "--no-new-keyring")
	}
	args = append(args, "--preserve-fds", strconv.Itoa(opts.PreserveFDs))
	if opts.PidFile != "" {
		args = append(args, "--pid-file", opts.PidFile)
	}

	args = append(args, opts.ContainerID)

	return Run(args)
}

// RootFS queries the underlying runtime for a container's root filesystem
// path via "state".
func RootFS(global *GlobalOptions, containerID string) (string, error) {
	args := append(global.Args(), "state", containerID)

	cmd := exec.Command(Binary, args...)
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("%s state %s: %w", Binary, containerID, err)
	}

	var state struct {
		RootFS string `json:"rootfs"`
	}
	if err := json.Unmarshal(output, &state); err != nil {
		return "", fmt.Errorf("parse %s state output: %w", Binary, err)
	}
	if state.RootFS == "" {
		return "", fmt.Errorf("%s state %s: no rootfs in output", Binary, containerID)
	}
	return state.RootFS, nil
}
