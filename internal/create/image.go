package create

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

var (
	errNoFilesFound   = errors.New("no files found")
	errMultipleFiles  = errors.New("multiple files found")
	errNoVMImageFound = errors.New("container image must contain exactly one VM image file")
)

// containerImagePath is where the base VM image appears inside the
// container, regardless of where the container image actually placed it.
const containerImagePath = "/crun-vm/image/image"

// overlayImagePath is the container path of the qcow2 overlay backed by
// the base image; unused when running with --persistent.
const overlayImagePath = "/crun-vm/image-overlay.qcow2"

// VMImageInfo describes a disk image as reported by qemu-img.
type VMImageInfo struct {
	Path   string
	Size   uint64
	Format string
}

// vmImage is the outcome of image setup: the base image as seen from
// inside the container, plus the overlay path when one was created.
type vmImage struct {
	Base        VMImageInfo
	OverlayPath string // empty when --persistent
}

// FindSingleFileInDirs scans the given directories (non-recursively, in
// order) and returns the sole regular file found across all of them.
// Paths in ignore are skipped.
func FindSingleFileInDirs(dirs []string, ignore []string) (string, error) {
	var found string

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return "", fmt.Errorf("scan %s: %w", dir, err)
		}

		for _, entry := range entries {
			path := filepath.Join(dir, entry.Name())
			if slices.Contains(ignore, path) {
				continue
			}

			info, err := entry.Info()
			if err != nil {
				return "", fmt.Errorf("scan %s: %w", dir, err)
			}
			if !info.Mode().IsRegular() {
				continue
			}

			if found != "" {
				return "", errMultipleFiles
			}
			found = path
		}
	}

	if found == "" {
		return "", errNoFilesFound
	}
	return found, nil
}

// probeVMImage asks qemu-img for the image's virtual size and format.
func probeVMImage(path string) (VMImageInfo, error) {
	out, err := exec.Command("qemu-img", "info", "--output=json", path).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) != 0 {
			return VMImageInfo{}, fmt.Errorf("qemu-img info %s: %w: %s", path, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return VMImageInfo{}, fmt.Errorf("qemu-img info %s: %w", path, err)
	}

	var parsed struct {
		VirtualSize uint64 `json:"virtual-size"`
		Format      string `json:"format"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		return VMImageInfo{}, fmt.Errorf("qemu-img info %s: %w", path, err)
	}

	return VMImageInfo{Path: path, Size: parsed.VirtualSize, Format: parsed.Format}, nil
}

// createOverlayImage creates a qcow2 image at overlayPath backed by the
// base image. The backing path is not validated (-u) since it names the
// image's location inside the container, which doesn't exist yet.
func createOverlayImage(overlayPath string, base VMImageInfo) error {
	cmd := exec.Command(
		"qemu-img", "create",
		"-q",
		"-f", "qcow2",
		"-u",
		"-F", base.Format,
		"-b", base.Path,
		overlayPath,
		strconv.FormatUint(base.Size, 10),
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("qemu-img create %s: %w: %s", overlayPath, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// setupVMImage locates the VM image in the container's root, makes it
// appear at containerImagePath, and prepares either a throwaway overlay
// (the default) or direct writable access to the image (--persistent).
//
// In both cases the image's original directory ends up shadowed by an
// overlayfs mount so the file can be given the container's SELinux label
// without relabeling the underlying storage.
func setupVMImage(
	spec *specState,
	opts *CustomOptions,
) (*vmImage, error) {
	imagePath, err := FindSingleFileInDirs(
		[]string{spec.originalRoot, filepath.Join(spec.originalRoot, "disk")},
		[]string{
			filepath.Join(spec.originalRoot, ".dockerenv"),
			filepath.Join(spec.originalRoot, ".dockerinit"),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errNoVMImageFound, err)
	}

	info, err := probeVMImage(imagePath)
	if err != nil {
		return nil, err
	}

	if opts.Persistent {
		if err := setupPersistentImage(spec, imagePath); err != nil {
			return nil, err
		}
		info.Path = containerImagePath
		return &vmImage{Base: info}, nil
	}

	if err := setupEphemeralImage(spec, imagePath); err != nil {
		return nil, err
	}
	info.Path = containerImagePath

	// the overlayfs mount already shields the original from writes, but a
	// qcow2 overlay guarantees copy-on-write and page cache sharing even
	// on filesystems without reflinks
	hostOverlayPath := filepath.Join(spec.root, overlayImagePath)
	if err := createOverlayImage(hostOverlayPath, info); err != nil {
		return nil, err
	}

	return &vmImage{Base: info, OverlayPath: overlayImagePath}, nil
}

// setupEphemeralImage exposes the image read-only at containerImagePath.
// The image's own directory becomes the lower layer of an overlayfs mount
// at <root>/crun-vm/image, so the file can carry the container's SELinux
// context without touching the original, and any writes go to the upper
// layer under the bundle and die with the container.
func setupEphemeralImage(spec *specState, imagePath string) error {
	upperDir := filepath.Join(spec.privateDir, "image-upper")
	workDir := filepath.Join(spec.privateDir, "image-work")
	mountPoint := filepath.Join(spec.root, "crun-vm/image")

	for _, dir := range []string{upperDir, workDir, mountPoint} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	if err := mountImageOverlay(mountPoint, filepath.Dir(imagePath), upperDir, workDir, spec.mountLabel); err != nil {
		return err
	}

	return linkCanonicalImageName(mountPoint, filepath.Base(imagePath))
}

// setupPersistentImage exposes the image read-write at containerImagePath,
// writing through to the original file. The image's own directory serves as
// the overlay's upper layer so renames within it stay on one filesystem,
// and the image file itself is then bind-mounted over its overlay copy so
// writes reach the backing storage directly.
func setupPersistentImage(spec *specState, imagePath string) error {
	imageDir := filepath.Dir(imagePath)

	// workdir must share a filesystem with upperdir, so this lives next
	// to the image's directory rather than under the bundle
	privateDir := filepath.Join(
		filepath.Dir(imageDir),
		".crun-vm."+filepath.Base(imageDir)+".tmp",
	)
	lowerDir := filepath.Join(privateDir, "lower")
	workDir := filepath.Join(privateDir, "work")
	mountPoint := filepath.Join(spec.root, "crun-vm/image")

	for _, dir := range []string{lowerDir, workDir, mountPoint} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	if err := mountImageOverlay(mountPoint, lowerDir, imageDir, workDir, spec.mountLabel); err != nil {
		return err
	}

	// propagate writes but not removal, so engine cleanup can't delete
	// the user's file
	overlayImage := filepath.Join(mountPoint, filepath.Base(imagePath))
	if err := unix.Mount(imagePath, overlayImage, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind %s over %s: %w", imagePath, overlayImage, err)
	}

	return linkCanonicalImageName(mountPoint, filepath.Base(imagePath))
}

// linkCanonicalImageName makes the image reachable at the fixed name
// "image" inside the overlay regardless of its original file name. The
// symlink lands in the upper layer, never in the user's directory.
func linkCanonicalImageName(mountPoint, name string) error {
	if name == "image" {
		return nil
	}
	err := os.Symlink(name, filepath.Join(mountPoint, "image"))
	if err != nil && !errors.Is(err, os.ErrExist) {
		return err
	}
	return nil
}

func mountImageOverlay(mountPoint, lowerDir, upperDir, workDir, mountLabel string) error {
	options := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", lowerDir, upperDir, workDir)
	if mountLabel != "" {
		options += fmt.Sprintf(",context=%q", mountLabel)
	}

	if err := unix.Mount("overlay", mountPoint, "overlay", 0, options); err != nil {
		return fmt.Errorf("mount overlay at %s: %w", mountPoint, err)
	}
	return nil
}
