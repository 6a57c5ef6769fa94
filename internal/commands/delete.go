package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"github.com/crun-vm/crun-vm/internal/crun"
	"github.com/crun-vm/crun-vm/internal/logging"
)

// Delete removes the container through crun and then tears down the VM
// image mounts left in the bundle, so removing the state directory later
// doesn't run into busy mounts.
func Delete(global *crun.GlobalOptions, containerID string, rawArgs []string, logger *slog.Logger) error {
	logger = logging.Ensure(logger)

	// creation may have failed midway through, leaving no container state
	rootfs, err := crun.RootFS(global, containerID)
	if err != nil {
		logger.Debug("container state unavailable, skipping mount cleanup", "error", err)
		rootfs = ""
	}

	if err := crun.Run(rawArgs); err != nil {
		return err
	}

	if rootfs == "" {
		return nil
	}

	imageDir := filepath.Join(rootfs, "crun-vm/image")
	for _, path := range []string{filepath.Join(imageDir, "image"), imageDir} {
		if err := ensureUnmounted(path); err != nil {
			return err
		}
	}
	return nil
}

// ensureUnmounted unmounts path until nothing is mounted there. Bind and
// overlay mounts can stack, so one pass isn't enough; the iteration cap
// guards against racing mounters.
func ensureUnmounted(path string) error {
	for i := 0; i < 32; i++ {
		mounted, err := mountinfo.Mounted(path)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		} else if err != nil {
			return fmt.Errorf("inspect mounts at %s: %w", path, err)
		}
		if !mounted {
			return nil
		}
		if err := unix.Unmount(path, 0); err != nil {
			return fmt.Errorf("unmount %s: %w", path, err)
		}
	}
	return fmt.Errorf("unmount %s: mount table kept changing", path)
}
