// crun-vm is an OCI runtime that runs VM images under container engines
// by rewriting the bundle to boot a VM and delegating to crun.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crun-vm/crun-vm/internal/commands"
	"github.com/crun-vm/crun-vm/internal/create"
	"github.com/crun-vm/crun-vm/internal/crun"
	"github.com/crun-vm/crun-vm/internal/logging"
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelWarn)
	if os.Getenv("CRUN_VM_DEBUG") != "" {
		levelVar.Set(slog.LevelDebug)
	}

	// stdout belongs to the OCI protocol; everything we say goes to stderr
	slog.SetDefault(logging.NewCLI(os.Stderr, &levelVar))

	rawArgs := os.Args[1:]

	// only create, exec, and delete get special treatment; every other
	// subcommand is crun's business
	switch peekSubcommand(rawArgs) {
	case "create", "exec", "delete":
	default:
		exitAfter(crun.Run(rawArgs))
	}

	root := newRootCommand(&levelVar, rawArgs)
	exitAfter(root.Execute())
}

func exitAfter(err error) {
	if err == nil {
		os.Exit(0)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// crun already reported the failure on stderr
		os.Exit(exitErr.ExitCode())
	}

	slog.Error("command execution failed", "error", err)
	os.Exit(1)
}

// globalFlagsWithValue are the OCI runtime global flags that consume the
// following argument when not given as --flag=value.
var globalFlagsWithValue = map[string]bool{
	"--log":        true,
	"--log-format": true,
	"--root":       true,
}

// peekSubcommand finds the subcommand without committing to a full parse,
// so unknown subcommands can be forwarded to crun untouched.
func peekSubcommand(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if !strings.HasPrefix(arg, "-") {
			return arg
		}
		if globalFlagsWithValue[arg] {
			i++
		}
	}
	return ""
}

func newRootCommand(levelVar *slog.LevelVar, rawArgs []string) *cobra.Command {
	var global crun.GlobalOptions

	root := &cobra.Command{
		Use:           "crun-vm",
		Short:         "An OCI runtime that runs VM images inside containers",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().BoolVar(&global.Debug, "debug", false, "Enable debug output")
	root.PersistentFlags().StringVar(&global.Log, "log", "", "Log file path or \"journald:\" destination")
	root.PersistentFlags().StringVar(&global.LogFormat, "log-format", "", "Log format (text or json)")
	root.PersistentFlags().StringVar(&global.Root, "root", "", "Root directory for container state")
	root.PersistentFlags().BoolVar(&global.SystemdCgroup, "systemd-cgroup", false, "Use systemd for cgroup management")

	root.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if global.Debug {
			levelVar.Set(slog.LevelDebug)
		}
		if global.LogFormat == "json" {
			slog.SetDefault(logging.New(logging.ModeJSON, os.Stderr, levelVar))
		}
	}

	root.AddCommand(
		newCreateCommand(&global),
		newExecCommand(rawArgs),
		newDeleteCommand(&global, rawArgs),
	)
	return root
}

func newCreateCommand(global *crun.GlobalOptions) *cobra.Command {
	var opts crun.CreateOptions

	cmd := &cobra.Command{
		Use:   "create <container-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Create a container that boots the VM image it carries",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ContainerID = args[0]
			if opts.Bundle == "" {
				return fmt.Errorf("--bundle is required")
			}
			return create.Create(global, &opts, slog.Default().With("command", "create", "container", opts.ContainerID))
		},
	}

	cmd.Flags().StringVarP(&opts.Bundle, "bundle", "b", "", "Path to the bundle directory")
	cmd.Flags().StringVar(&opts.ConsoleSocket, "console-socket", "", "Socket to receive the console pty")
	cmd.Flags().StringVar(&opts.PidFile, "pid-file", "", "File to write the container process pid to")
	cmd.Flags().BoolVar(&opts.NoPivot, "no-pivot", false, "Use chroot instead of pivot_root")
	cmd.Flags().BoolVar(&opts.NoNewKeyring, "no-new-keyring", false, "Keep the calling process's session keyring")
	cmd.Flags().IntVar(&opts.PreserveFDs, "preserve-fds", 0, "Additional file descriptors to pass to the container")

	return cmd
}

func newExecCommand(rawArgs []string) *cobra.Command {
	var (
		processPath   string
		detach        bool
		consoleSocket string
		pidFile       string
		preserveFDs   int
	)

	cmd := &cobra.Command{
		Use:   "exec <container-id>",
		Args:  cobra.MinimumNArgs(1),
		Short: "Run a command inside the container's VM over ssh",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 1 {
				return fmt.Errorf("exec requires --process; direct command syntax is not supported")
			}
			return commands.Exec(processPath, rawArgs, slog.Default().With("command", "exec", "container", args[0]))
		},
	}

	cmd.Flags().StringVarP(&processPath, "process", "p", "", "Path to the process config")
	cmd.Flags().BoolVarP(&detach, "detach", "d", false, "Detach from the exec'd process")
	cmd.Flags().StringVar(&consoleSocket, "console-socket", "", "Socket to receive the console pty")
	cmd.Flags().StringVar(&pidFile, "pid-file", "", "File to write the exec'd process pid to")
	cmd.Flags().IntVar(&preserveFDs, "preserve-fds", 0, "Pass additional file descriptors to the process")

	return cmd
}

func newDeleteCommand(global *crun.GlobalOptions, rawArgs []string) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete <container-id>",
		Args:  cobra.ExactArgs(1),
		Short: "Delete a container and tear down its VM image mounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return commands.Delete(global, args[0], rawArgs, slog.Default().With("command", "delete", "container", args[0]))
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Delete the container even if it is still running")

	return cmd
}
