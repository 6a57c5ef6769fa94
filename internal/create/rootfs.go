package create

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/crun-vm/crun-vm/internal/oci"
)

//go:embed scripts/entrypoint.sh
var entrypointScript []byte

//go:embed scripts/exec.sh
var execScript []byte

// specState carries the per-container paths and spec handle that every
// setup step needs.
type specState struct {
	oci          *oci.Spec
	bundle       string
	containerID  string
	engine       Engine
	privateDir   string // bundle/crun-vm-<id>
	root         string // privateDir/root, the rootfs we hand to crun
	originalRoot string // the rootfs the engine prepared
	mountLabel   string
}

func newSpecState(spec *oci.Spec, bundle, containerID string, engine Engine) *specState {
	privateDir := filepath.Join(bundle, "crun-vm-"+containerID)
	return &specState{
		oci:          spec,
		bundle:       bundle,
		containerID:  containerID,
		engine:       engine,
		privateDir:   privateDir,
		root:         filepath.Join(privateDir, "root"),
		originalRoot: spec.RootPath(bundle),
		mountLabel:   spec.MountLabel(),
	}
}

// FirstRunGuard detects whether create has already run for this
// container. Engines restart containers by calling create again with the
// same bundle, and most of the setup below must only happen once.
type FirstRunGuard struct {
	path string
}

func newFirstRunGuard(privateDir string) FirstRunGuard {
	return FirstRunGuard{path: filepath.Join(privateDir, "created")}
}

// CheckAndMark returns true exactly once per bundle.
func (g FirstRunGuard) CheckAndMark() (bool, error) {
	f, err := os.OpenFile(g.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("mark container as created: %w", err)
	}
	return true, f.Close()
}

// setupContainerRoot swaps the engine's rootfs for our own empty one and
// points the container's process at the VM supervisor entrypoint. The
// engine's rootfs (holding the VM image) stays reachable through
// originalRoot.
func setupContainerRoot(spec *specState, opts *CustomOptions, bootable bool) error {
	if err := os.MkdirAll(spec.root, 0o755); err != nil {
		return err
	}

	// this isn't the root the engine prepared, so it carries no SELinux
	// context yet
	if spec.mountLabel != "" {
		if err := setFileContext(spec.root, spec.mountLabel); err != nil {
			return err
		}
	}

	spec.oci.SetRoot(spec.root, false)

	scriptsDir := filepath.Join(spec.root, "crun-vm")
	if err := os.MkdirAll(scriptsDir, 0o755); err != nil {
		return err
	}
	for name, content := range map[string][]byte{
		"entrypoint.sh": entrypointScript,
		"exec.sh":       execScript,
	} {
		if err := os.WriteFile(filepath.Join(scriptsDir, name), content, 0o555); err != nil {
			return err
		}
	}

	var args []string
	switch {
	case opts.PrintLibvirtXML:
		args = []string{"cat", "/crun-vm/domain.xml"}
	case opts.PrintConfigJSON:
		args = []string{"cat", "/crun-vm/config.json"}
	default:
		args = []string{"/crun-vm/entrypoint.sh", spec.engine.String(), fmt.Sprint(bootable)}
	}
	spec.oci.SetProcess(".", args)

	return nil
}

func setFileContext(path, context string) error {
	if err := unix.Setxattr(path, "security.selinux", []byte(context), 0); err != nil {
		return fmt.Errorf("set SELinux context of %s: %w", path, err)
	}
	return nil
}

// systemMountPaths are host paths bind mounted into the container for
// the entrypoint's tools (virsh, virtiofsd, passt and their
// dependencies), since our rootfs starts out empty.
var systemMountPaths = []string{"/bin", "/dev/log", "/etc/pam.d", "/lib", "/lib64", "/usr"}

// setupExtraMounts gives the container read-only views of
// systemMountPaths. Engines may invoke create repeatedly for a single
// container, so paths already in the mount table are left alone.
func setupExtraMounts(spec *specState) error {
	present := make(map[string]bool)
	for _, mount := range spec.oci.Mounts() {
		present[mount.Destination] = true
	}
	for _, path := range systemMountPaths {
		if !present[path] {
			spec.oci.PushBindMount(path, path, true)
		}
	}

	// libvirt needs to resolve users
	if err := os.MkdirAll(filepath.Join(spec.root, "etc"), 0o755); err != nil {
		return err
	}
	for _, name := range []string{"passwd", "group"} {
		if err := copyFile("/etc/"+name, filepath.Join(spec.root, "etc", name)); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// setupSecurity relaxes the container just enough for libvirt, qemu, and
// passt to function.
func setupSecurity(spec *specState) {
	// CRI-O launches containers without CAP_SYS_CHROOT by default, and
	// passt's --sandbox=chroot needs it
	spec.oci.EnsureCapability("CAP_SYS_CHROOT")

	// Docker's default seccomp profile blocks system calls that passt
	// and virtiofsd require
	spec.oci.PrependSeccompAllow("mount", "pivot_root", "umount2", "unshare")

	// qemu needs more file descriptors than most engines grant
	spec.oci.SetRlimit("RLIMIT_NOFILE", 262144, 262144)

	// the cgroup limits sized for a container process would starve the
	// VM; vCPU and memory sizing below already reflects them
	spec.oci.StripResourceLimits()
}

// isPrivileged reports whether the container was launched with
// --privileged, which defeats the isolation the VM setup relies on.
func isPrivileged(spec *specState) bool {
	allowsAll := false
	for _, rule := range spec.oci.DeviceCgroupRules() {
		if rule.Allow && rule.Type == "a" {
			allowsAll = true
		}
	}
	return allowsAll && !spec.oci.HasSeccompProfile()
}

// isBootableContainer reports whether the engine's rootfs holds a
// bootable container image (a full OS tree built with bootc) rather than
// a VM image file.
func isBootableContainer(originalRoot string) bool {
	info, err := os.Stat(filepath.Join(originalRoot, "usr/lib/bootc"))
	return err == nil && info.IsDir()
}

// setupSSHKeyPair generates the key pair the exec path uses to reach the
// guest, placing it where the entrypoint and exec scripts expect it.
// Returns the public key.
func setupSSHKeyPair(spec *specState, random bool) (string, error) {
	sshDir := filepath.Join(spec.root, "root/.ssh")
	if err := os.MkdirAll(sshDir, 0o700); err != nil {
		return "", err
	}

	privateKey := filepath.Join(sshDir, "id_rsa")

	if !random {
		// reuse a persistent pair so repeated runs of the same image
		// keep a stable identity
		if err := installPersistentKeyPair(privateKey); err != nil {
			return "", err
		}
	}

	if _, err := os.Stat(privateKey); errors.Is(err, os.ErrNotExist) {
		cmd := exec.Command("ssh-keygen", "-q", "-f", privateKey, "-N", "")
		if out, err := cmd.CombinedOutput(); err != nil {
			return "", fmt.Errorf("ssh-keygen: %w: %s", err, strings.TrimSpace(string(out)))
		}
	}

	publicKey, err := os.ReadFile(privateKey + ".pub")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(publicKey)), nil
}

func installPersistentKeyPair(privateKey string) error {
	stateDir, err := persistentKeyDir()
	if err != nil {
		return err
	}
	persistent := filepath.Join(stateDir, "id_rsa")

	if _, err := os.Stat(persistent); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(stateDir, 0o700); err != nil {
			return err
		}
		cmd := exec.Command("ssh-keygen", "-q", "-f", persistent, "-N", "")
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("ssh-keygen: %w: %s", err, strings.TrimSpace(string(out)))
		}
	} else if err != nil {
		return err
	}

	if err := copyFile(persistent, privateKey); err != nil {
		return err
	}
	if err := os.Chmod(privateKey, 0o600); err != nil {
		return err
	}
	return copyFile(persistent+".pub", privateKey+".pub")
}

func persistentKeyDir() (string, error) {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "crun-vm"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local/share/crun-vm"), nil
}
