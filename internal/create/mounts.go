package create

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/opencontainers/runtime-spec/specs-go"
	"golang.org/x/sys/unix"
)

// VirtiofsMount is a directory shared with the guest over virtiofs.
type VirtiofsMount struct {
	PathInContainer string
	PathInGuest     string
}

// BlockDeviceMount is a file or block device exposed to the guest as a
// virtio disk.
type BlockDeviceMount struct {
	Format          string
	IsRegularFile   bool
	PathInContainer string
	PathInGuest     string
	Readonly        bool
}

// TmpfsMount is a tmpfs the guest mounts itself; nothing crosses the
// container boundary for these.
type TmpfsMount struct {
	PathInGuest string
}

// Mounts collects everything that must be plumbed from the container into
// the guest, by transport.
type Mounts struct {
	Virtiofs    []VirtiofsMount
	BlockDevice []BlockDeviceMount
	Tmpfs       []TmpfsMount
}

// mounts the engine manages for its own purposes; these never reach the
// guest
var passthroughMountDestinations = map[string]bool{
	"/proc":                  true,
	"/sys":                   true,
	"/sys/fs/cgroup":         true,
	"/etc/hostname":          true,
	"/etc/hosts":             true,
	"/etc/resolv.conf":       true,
	"/run/.containerenv":     true,
	"/run/secrets":           true,
	"/var/run/.containerenv": true,
}

// /crun-vm holds mounts a previous invocation already redirected;
// reclassifying them again would point them at a second-level redirect
var passthroughMountPrefixes = []string{
	"/dev",
	"/var/run/secrets",
	"/crun-vm",
}

func isPassthroughMount(destination string) bool {
	if passthroughMountDestinations[destination] {
		return true
	}
	// mounts the rewrite itself injects must never be pulled into the guest
	if slices.Contains(systemMountPaths, destination) {
		return true
	}
	for _, prefix := range passthroughMountPrefixes {
		if isPathPrefix(prefix, destination) {
			return true
		}
	}
	return false
}

// setupMounts walks the container's mount table and redirects every
// user-provided mount so it ends up in the guest rather than the
// container: bind-mounted directories become virtiofs shares, files and
// block devices become virtio disks, and tmpfs mounts move into the guest
// entirely.
func setupMounts(spec *specState) (*Mounts, error) {
	var (
		result    Mounts
		rewritten []specs.Mount
	)

	for _, mount := range spec.oci.Mounts() {
		if mount.Type != "bind" && mount.Type != "tmpfs" || isPassthroughMount(mount.Destination) {
			rewritten = append(rewritten, mount)
			continue
		}

		switch mount.Type {
		case "bind":
			info, err := os.Stat(mount.Source)
			if err != nil {
				return nil, fmt.Errorf("inspect mount source %s: %w", mount.Source, err)
			}

			switch {
			case info.IsDir():
				index := len(result.Virtiofs)
				redirected := fmt.Sprintf("/crun-vm/mounts/virtiofs/%d", index)

				if err := os.MkdirAll(filepath.Join(spec.root, redirected), 0o755); err != nil {
					return nil, err
				}

				result.Virtiofs = append(result.Virtiofs, VirtiofsMount{
					PathInContainer: redirected,
					PathInGuest:     mount.Destination,
				})

				mount.Destination = redirected
				rewritten = append(rewritten, mount)

			case info.Mode().IsRegular() || info.Mode()&os.ModeDevice != 0 && info.Mode()&os.ModeCharDevice == 0:
				entry, redirectedMount, err := redirectBlockMount(spec, mount, info.Mode().IsRegular(), len(result.BlockDevice))
				if err != nil {
					return nil, err
				}
				rewritten = append(rewritten, redirectedMount)
				result.BlockDevice = append(result.BlockDevice, entry)

			default:
				return nil, fmt.Errorf(
					"mount source %s: character devices, sockets, and fifos cannot be exposed to the guest",
					mount.Source)
			}

		case "tmpfs":
			// the guest mounts these itself; drop from the container
			result.Tmpfs = append(result.Tmpfs, TmpfsMount{PathInGuest: mount.Destination})
		}
	}

	spec.oci.SetMounts(rewritten)
	return &result, nil
}

func redirectBlockMount(
	spec *specState,
	mount specs.Mount,
	isRegular bool,
	index int,
) (BlockDeviceMount, specs.Mount, error) {
	redirected := fmt.Sprintf("/crun-vm/mounts/block/%d", index)

	entry := BlockDeviceMount{
		Format:          "raw",
		IsRegularFile:   isRegular,
		PathInContainer: redirected,
		PathInGuest:     mount.Destination,
		Readonly:        slices.Contains(mount.Options, "ro"),
	}

	if !isRegular {
		info, err := os.Stat(mount.Source)
		if err != nil {
			return BlockDeviceMount{}, mount, err
		}
		if err := allowBlockDevice(spec, info); err != nil {
			return BlockDeviceMount{}, mount, err
		}
	}

	mount.Destination = redirected
	return entry, mount, nil
}

// setupBlockDevices exposes the container's own block devices and
// --blockdev options to the guest as virtio disks.
func setupBlockDevices(spec *specState, opts *CustomOptions, mounts *Mounts) error {
	// devices the engine was asked to pass through (podman run --device)
	var remaining []specs.LinuxDevice
	for _, device := range spec.oci.LinuxDevices() {
		if device.Type != "b" {
			remaining = append(remaining, device)
			continue
		}

		index := len(mounts.BlockDevice)
		redirected := fmt.Sprintf("/crun-vm/mounts/block/%d", index)
		pathInRoot := filepath.Join(spec.root, redirected)

		if err := os.MkdirAll(filepath.Dir(pathInRoot), 0o755); err != nil {
			return err
		}

		mode := uint32(0o600)
		if device.FileMode != nil {
			mode = uint32(*device.FileMode)
		}
		// a node from a previous invocation of create may still be in
		// place; recreate it so mode and device numbers stay current
		if err := os.Remove(pathInRoot); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		dev := unix.Mkdev(uint32(device.Major), uint32(device.Minor))
		if err := unix.Mknod(pathInRoot, unix.S_IFBLK|mode, int(dev)); err != nil {
			return fmt.Errorf("mknod %s: %w", pathInRoot, err)
		}

		spec.oci.PushDeviceCgroupRule("b", device.Major, device.Minor, "rwm")

		mounts.BlockDevice = append(mounts.BlockDevice, BlockDeviceMount{
			Format:          "raw",
			PathInContainer: redirected,
			PathInGuest:     device.Path,
			Readonly:        mode&0o222 == 0,
		})
	}
	spec.oci.SetLinuxDevices(remaining)

	for _, blockdev := range opts.BlockDevs {
		info, err := os.Stat(blockdev.Source)
		if err != nil {
			return fmt.Errorf("inspect --blockdev source %s: %w", blockdev.Source, err)
		}

		isRegular := info.Mode().IsRegular()
		if !isRegular {
			if info.Mode()&os.ModeDevice == 0 || info.Mode()&os.ModeCharDevice != 0 {
				return fmt.Errorf("--blockdev source %s is neither a regular file nor a block device", blockdev.Source)
			}
			if err := allowBlockDevice(spec, info); err != nil {
				return err
			}
		}

		index := len(mounts.BlockDevice)
		redirected := fmt.Sprintf("/crun-vm/mounts/block/%d", index)
		spec.oci.PushBindMount(blockdev.Source, redirected, false)

		mounts.BlockDevice = append(mounts.BlockDevice, BlockDeviceMount{
			Format:          blockdev.Format,
			IsRegularFile:   isRegular,
			PathInContainer: redirected,
			PathInGuest:     blockdev.Target,
		})
	}

	return nil
}

// setupCharDevices bind mounts the character devices the VMM needs into
// the container and opens the device cgroup for them.
func setupCharDevices(spec *specState, emulated bool) error {
	devices := []string{"/dev/kvm"}

	if entries, err := os.ReadDir("/dev/vfio"); err == nil {
		for _, entry := range entries {
			if entry.Type()&os.ModeCharDevice != 0 {
				devices = append(devices, filepath.Join("/dev/vfio", entry.Name()))
			}
		}
	}

	for _, device := range devices {
		info, err := os.Stat(device)
		if err != nil {
			if device == "/dev/kvm" && emulated && os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("inspect %s: %w", device, err)
		}

		if err := allowCharDevice(spec, info); err != nil {
			return err
		}
		spec.oci.PushBindMount(device, device, false)
	}

	return nil
}

func allowBlockDevice(spec *specState, info os.FileInfo) error {
	return allowDevice(spec, info, "b")
}

func allowCharDevice(spec *specState, info os.FileInfo) error {
	return allowDevice(spec, info, "c")
}

func allowDevice(spec *specState, info os.FileInfo, typ string) error {
	stat, ok := info.Sys().(*unix.Stat_t)
	if !ok {
		return fmt.Errorf("no device numbers for %s", info.Name())
	}
	major := int64(unix.Major(uint64(stat.Rdev)))
	minor := int64(unix.Minor(uint64(stat.Rdev)))
	spec.oci.PushDeviceCgroupRule(typ, major, minor, "rwm")
	return nil
}
