package create

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFindSingleFileInDirs_Single(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "fedora.qcow2")
	if err := os.WriteFile(image, []byte("qcow"), 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}

	found, err := FindSingleFileInDirs([]string{dir, filepath.Join(dir, "disk")}, nil)
	if err != nil {
		t.Fatalf("FindSingleFileInDirs returned error: %v", err)
	}
	if found != image {
		t.Fatalf("expected %q, got %q", image, found)
	}
}

func TestFindSingleFileInDirs_IgnoresListedFiles(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "fedora.qcow2")
	marker := filepath.Join(dir, ".dockerenv")
	for _, path := range []string{image, marker} {
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}

	found, err := FindSingleFileInDirs([]string{dir}, []string{marker})
	if err != nil {
		t.Fatalf("FindSingleFileInDirs returned error: %v", err)
	}
	if found != image {
		t.Fatalf("expected %q, got %q", image, found)
	}
}

func TestFindSingleFileInDirs_SkipsDirectoriesAndMissingDirs(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "subdir"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	image := filepath.Join(dir, "disk")
	if err := os.MkdirAll(image, 0o755); err != nil {
		t.Fatalf("mkdir disk: %v", err)
	}
	inner := filepath.Join(image, "vm.raw")
	if err := os.WriteFile(inner, nil, 0o644); err != nil {
		t.Fatalf("write image: %v", err)
	}

	found, err := FindSingleFileInDirs(
		[]string{dir, image, filepath.Join(dir, "no-such-dir")}, nil)
	if err != nil {
		t.Fatalf("FindSingleFileInDirs returned error: %v", err)
	}
	if found != inner {
		t.Fatalf("expected %q, got %q", inner, found)
	}
}

func TestFindSingleFileInDirs_Errors(t *testing.T) {
	empty := t.TempDir()
	if _, err := FindSingleFileInDirs([]string{empty}, nil); !errors.Is(err, errNoFilesFound) {
		t.Fatalf("expected errNoFilesFound, got %v", err)
	}

	crowded := t.TempDir()
	for _, name := range []string{"a.img", "b.img"} {
		if err := os.WriteFile(filepath.Join(crowded, name), nil, 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if _, err := FindSingleFileInDirs([]string{crowded}, nil); !errors.Is(err, errMultipleFiles) {
		t.Fatalf("expected errMultipleFiles, got %v", err)
	}
}

// stubQemuImg puts a fake qemu-img on PATH that answers `info` with the
// given JSON and records `create` invocations to a log file.
func stubQemuImg(t *testing.T, infoJSON string) string {
	t.Helper()

	binDir := t.TempDir()
	logPath := filepath.Join(binDir, "invocations.log")

	script := fmt.Sprintf(`#!/bin/sh
echo "$@" >> %q
case "$1" in
info) printf '%%s' '%s' ;;
esac
`, logPath, infoJSON)

	if err := os.WriteFile(filepath.Join(binDir, "qemu-img"), []byte(script), 0o755); err != nil {
		t.Fatalf("write qemu-img stub: %v", err)
	}

	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
	return logPath
}

func TestProbeVMImage(t *testing.T) {
	stubQemuImg(t, `{"virtual-size": 42949672960, "format": "qcow2", "actual-size": 12345}`)

	info, err := probeVMImage("/some/image.qcow2")
	if err != nil {
		t.Fatalf("probeVMImage returned error: %v", err)
	}
	if info.Size != 42949672960 {
		t.Fatalf("expected size 42949672960, got %d", info.Size)
	}
	if info.Format != "qcow2" {
		t.Fatalf("expected format qcow2, got %q", info.Format)
	}
	if info.Path != "/some/image.qcow2" {
		t.Fatalf("expected path to be preserved, got %q", info.Path)
	}
}

func TestProbeVMImage_ReportsStderr(t *testing.T) {
	binDir := t.TempDir()
	script := `#!/bin/sh
echo "qemu-img: Could not open image: Permission denied" >&2
exit 1
`
	if err := os.WriteFile(filepath.Join(binDir, "qemu-img"), []byte(script), 0o755); err != nil {
		t.Fatalf("write qemu-img stub: %v", err)
	}
	t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))

	_, err := probeVMImage("/some/image.qcow2")
	if err == nil {
		t.Fatalf("expected an error from a failing qemu-img")
	}
	if !strings.Contains(err.Error(), "Permission denied") {
		t.Fatalf("expected the error to carry qemu-img's stderr, got %q", err)
	}
}

func TestCreateOverlayImage_Invocation(t *testing.T) {
	logPath := stubQemuImg(t, `{}`)

	base := VMImageInfo{Path: "/crun-vm/image/image", Size: 1073741824, Format: "raw"}
	if err := createOverlayImage("/tmp/overlay.qcow2", base); err != nil {
		t.Fatalf("createOverlayImage returned error: %v", err)
	}

	log, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read invocation log: %v", err)
	}
	want := "create -q -f qcow2 -u -F raw -b /crun-vm/image/image /tmp/overlay.qcow2 1073741824\n"
	if string(log) != want {
		t.Fatalf("unexpected qemu-img invocation:\n got: %q\nwant: %q", log, want)
	}
}
