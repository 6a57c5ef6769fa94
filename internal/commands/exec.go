// Package commands implements the OCI runtime subcommands that need
// behavior beyond plain delegation to crun.
package commands

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/opencontainers/runtime-spec/specs-go"
	"github.com/spf13/pflag"

	"github.com/crun-vm/crun-vm/internal/crun"
	"github.com/crun-vm/crun-vm/internal/logging"
)

// execTimeoutEnv sets a default for how long exec waits for the guest to
// accept ssh connections, in seconds. Zero means wait forever.
const execTimeoutEnv = "CRUN_VM_EXEC_TIMEOUT"

// Exec rewrites the exec process config so the command runs inside the
// guest over ssh, then hands the unmodified argument vector to crun.
//
// The command users give is reinterpreted: --as picks the guest user
// (default root), --container escapes the guest and runs in the
// container itself, and --timeout bounds the wait for the guest's sshd.
func Exec(processPath string, rawArgs []string, logger *slog.Logger) error {
	logger = logging.Ensure(logger)
	if processPath == "" {
		return fmt.Errorf("exec requires --process; direct command syntax is not supported")
	}

	raw, err := os.ReadFile(processPath)
	if err != nil {
		return err
	}

	var process specs.Process
	if err := json.Unmarshal(raw, &process); err != nil {
		return fmt.Errorf("parse process config %s: %w", processPath, err)
	}

	command, err := buildGuestCommand(process.Args)
	if err != nil {
		return err
	}
	process.Args = command

	// the process would otherwise carry the label of the rootfs the
	// engine prepared, not the one the container actually runs with
	process.SelinuxLabel = ""

	updated, err := json.Marshal(&process)
	if err != nil {
		return err
	}
	if err := os.WriteFile(processPath, updated, 0o644); err != nil {
		return err
	}

	logger.Debug("rewrote exec process config", "path", processPath, "command", command)
	return crun.Run(rawArgs)
}

func buildGuestCommand(original []string) ([]string, error) {
	var (
		user        string
		inContainer bool
		timeout     int
	)

	flags := pflag.NewFlagSet("exec", pflag.ContinueOnError)
	flags.StringVar(&user, "as", "root", "")
	flags.BoolVar(&inContainer, "container", false, "")
	flags.IntVar(&timeout, "timeout", -1, "")
	flags.SetInterspersed(false)

	if err := flags.Parse(original); err != nil {
		return nil, fmt.Errorf("parse exec command options: %w", err)
	}
	command := flags.Args()

	if inContainer && flags.Changed("as") {
		return nil, fmt.Errorf("--container and --as are mutually exclusive")
	}

	if timeout < 0 {
		timeout = 0
		if env := os.Getenv(execTimeoutEnv); env != "" {
			parsed, err := strconv.Atoi(env)
			if err != nil {
				return nil, fmt.Errorf("env var %s has invalid value %q", execTimeoutEnv, env)
			}
			timeout = parsed
		}
	}

	// engines prepend an empty string when the user gives no command
	if len(command) > 0 && command[0] == "" {
		command = command[1:]
	}

	if inContainer {
		if len(command) == 0 {
			command = []string{"/bin/bash"}
		}
		return command, nil
	}

	return append([]string{"/crun-vm/exec.sh", strconv.Itoa(timeout), user}, command...), nil
}
