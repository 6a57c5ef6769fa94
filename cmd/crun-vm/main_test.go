package main

import "testing"

func TestExecCommand_AcceptsEngineFlags(t *testing.T) {
	// engines invoke exec with the full crun flag surface; cobra must not
	// reject any of it before we forward to the guest
	cmd := newExecCommand(nil)
	args := []string{
		"--process", "/run/process.json",
		"--detach",
		"--console-socket", "/run/console.sock",
		"--pid-file", "/run/exec.pid",
		"--preserve-fds", "2",
	}
	if err := cmd.ParseFlags(args); err != nil {
		t.Fatalf("exec flags rejected: %v", err)
	}
	if got, err := cmd.Flags().GetInt("preserve-fds"); err != nil || got != 2 {
		t.Fatalf("preserve-fds = %d, %v", got, err)
	}
}
