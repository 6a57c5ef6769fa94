package crun

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGlobalOptions_Args(t *testing.T) {
	global := GlobalOptions{
		Debug:         true,
		Log:           "/run/log.txt",
		LogFormat:     "json",
		Root:          "/run/crun",
		SystemdCgroup: true,
	}

	got := strings.Join(global.Args(), " ")
	want := "--debug --log /run/log.txt --log-format json --root /run/crun --systemd-cgroup"
	if got != want {
		t.Fatalf("unexpected global args:\n got: %q\nwant: %q", got, want)
	}

	if args := (&GlobalOptions{}).Args(); len(args) != 0 {
		t.Fatalf("expected no args for zero options, got %v", args)
	}
}

// stubCrun installs a fake runtime binary on PATH that logs its argument
// vector and prints the given stdout.
func stubCrun(t *testing.T, stdout string) string {
	t.Helper()

	binDir := t.TempDir()
	logPath := filepath.Join(binDir, "invocations.log")

	script := fmt.Sprintf("#!/bin/sh\necho \"$@\" >> %q\nprintf '%%s' '%s'\n", logPath, stdout)
	if err := os.WriteFile(filepath.Join(binDir, "crun"), []byte(script), 0o755); err != nil {
		t.Fatalf("write crun stub: %v", err)
	}

	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return logPath
}

func readInvocation(t *testing.T, logPath string) string {
	t.Helper()
	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read invocation log: %v", err)
	}
	return strings.TrimSpace(string(data))
}

func TestCreate_ArgumentOrder(t *testing.T) {
	logPath := stubCrun(t, "")

	global := &GlobalOptions{Root: "/run/crun", SystemdCgroup: true}
	opts := &CreateOptions{
		Bundle:        "/run/bundle",
		ConsoleSocket: "/run/console.sock",
		PidFile:       "/run/pid",
		NoPivot:       true,
		ContainerID:   "my-container",
	}

	if err := Create(global, opts); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	got := readInvocation(t, logPath)
	want := "--root /run/crun --systemd-cgroup create" +
		" --bundle /run/bundle --console-socket /run/console.sock --no-pivot" +
		" --preserve-fds 0 --pid-file /run/pid my-container"
	if got != want {
		t.Fatalf("unexpected create invocation:\n got: %q\nwant: %q", got, want)
	}
}

func TestRootFS(t *testing.T) {
	stubCrun(t, `{"ociVersion": "1.0.2", "id": "my-container", "rootfs": "/run/bundle/crun-vm-x/root"}`)

	rootfs, err := RootFS(&GlobalOptions{}, "my-container")
	if err != nil {
		t.Fatalf("RootFS returned error: %v", err)
	}
	if rootfs != "/run/bundle/crun-vm-x/root" {
		t.Fatalf("unexpected rootfs %q", rootfs)
	}
}

func TestRootFS_MissingRootfsField(t *testing.T) {
	stubCrun(t, `{"id": "my-container"}`)

	if _, err := RootFS(&GlobalOptions{}, "my-container"); err == nil {
		t.Fatalf("expected an error for state output without rootfs")
	}
}
