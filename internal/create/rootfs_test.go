package create

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFirstRunGuard_MarksExactlyOnce(t *testing.T) {
	privateDir := t.TempDir()
	guard := newFirstRunGuard(privateDir)

	first, err := guard.CheckAndMark()
	if err != nil {
		t.Fatalf("CheckAndMark returned error: %v", err)
	}
	if !first {
		t.Fatalf("expected the first call to report a first run")
	}

	again, err := guard.CheckAndMark()
	if err != nil {
		t.Fatalf("CheckAndMark returned error: %v", err)
	}
	if again {
		t.Fatalf("expected subsequent calls to report a repeat run")
	}
}

func TestIsBootableContainer(t *testing.T) {
	root := t.TempDir()
	if isBootableContainer(root) {
		t.Fatalf("expected a plain rootfs not to be bootable")
	}

	if err := os.MkdirAll(filepath.Join(root, "usr/lib/bootc"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if !isBootableContainer(root) {
		t.Fatalf("expected a rootfs with usr/lib/bootc to be bootable")
	}
}

func TestIsPrivileged(t *testing.T) {
	state := testSpecState(t, configWithMounts(``))
	if isPrivileged(state) {
		t.Fatalf("expected a default container not to be privileged")
	}

	// allow-all device rule without a seccomp profile is how --privileged
	// manifests in the config
	state.oci.PushDeviceCgroupRule("a", 0, 0, "rwm")
	if !isPrivileged(state) {
		t.Fatalf("expected an allow-all device rule without seccomp to read as privileged")
	}
}

func TestSetupContainerRoot_PrintModes(t *testing.T) {
	state := testSpecState(t, configWithMounts(``))

	if err := setupContainerRoot(state, &CustomOptions{PrintLibvirtXML: true}, false); err != nil {
		t.Fatalf("setupContainerRoot returned error: %v", err)
	}

	args := state.oci.ProcessArgs()
	if len(args) != 2 || args[0] != "cat" || args[1] != "/crun-vm/domain.xml" {
		t.Fatalf("unexpected print-mode args: %v", args)
	}

	for _, name := range []string{"entrypoint.sh", "exec.sh"} {
		info, err := os.Stat(filepath.Join(state.root, "crun-vm", name))
		if err != nil {
			t.Fatalf("expected %s to be installed: %v", name, err)
		}
		if info.Mode().Perm() != 0o555 {
			t.Fatalf("expected %s to be executable, mode %v", name, info.Mode())
		}
	}
}

func TestSetupContainerRoot_EntrypointArgs(t *testing.T) {
	state := testSpecState(t, configWithMounts(``))

	if err := setupContainerRoot(state, &CustomOptions{}, true); err != nil {
		t.Fatalf("setupContainerRoot returned error: %v", err)
	}

	args := state.oci.ProcessArgs()
	if len(args) != 3 || args[0] != "/crun-vm/entrypoint.sh" || args[1] != "podman" || args[2] != "true" {
		t.Fatalf("unexpected entrypoint args: %v", args)
	}
}
