// Package create implements the bundle rewriting that turns an ordinary
// container into one that boots a VM.
package create

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/crun-vm/crun-vm/internal/crun"
	"github.com/crun-vm/crun-vm/internal/logging"
	"github.com/crun-vm/crun-vm/internal/oci"
)

// Create rewrites the bundle at opts.Bundle so the container boots the VM
// image it carries, then delegates the actual container creation to crun.
//
// Engines call create more than once for the same container (for every
// restart), so everything that must happen exactly once is gated behind a
// first-run marker in the bundle.
func Create(global *crun.GlobalOptions, opts *crun.CreateOptions, logger *slog.Logger) error {
	logger = logging.Ensure(logger)
	configPath := filepath.Join(opts.Bundle, "config.json")

	ociSpec, err := oci.Load(configPath)
	if err != nil {
		return err
	}

	engine, err := DetectEngine(ociSpec, opts.ContainerID, opts.Bundle, ociSpec.RootPath(opts.Bundle))
	if err != nil {
		return err
	}
	logger.Debug("detected container engine", "engine", engine)

	customOpts, err := ParseCustomOptions(ociSpec, engine)
	if err != nil {
		return err
	}

	spec := newSpecState(ociSpec, opts.Bundle, opts.ContainerID, engine)

	if err := os.MkdirAll(spec.privateDir, 0o755); err != nil {
		return err
	}

	firstRun, err := newFirstRunGuard(spec.privateDir).CheckAndMark()
	if err != nil {
		return err
	}
	logger.Debug("rewriting bundle", "bundle", opts.Bundle, "firstRun", firstRun)

	if isPrivileged(spec) {
		return fmt.Errorf("privileged containers are not supported; run without --privileged")
	}

	bootable := isBootableContainer(spec.originalRoot)
	if bootable {
		if engine == EngineOther {
			return fmt.Errorf("bootable container images require a recognized container engine")
		}
		if customOpts.Emulated {
			return fmt.Errorf("--emulated is not supported with bootable container images")
		}
	}

	if err := setupContainerRoot(spec, customOpts, bootable); err != nil {
		return err
	}

	var image *vmImage
	switch {
	case !firstRun:
		// the image mounts from the first run are still in place, and the
		// domain XML consuming them is only generated once
	case bootable:
		// the entrypoint installs the OS tree into this image itself
		image = &vmImage{Base: VMImageInfo{Path: containerImagePath, Format: "raw"}}
	default:
		if image, err = setupVMImage(spec, customOpts); err != nil {
			return err
		}
	}

	mounts, err := setupMounts(spec)
	if err != nil {
		return err
	}
	if err := setupBlockDevices(spec, customOpts, mounts); err != nil {
		return err
	}
	if err := setupCharDevices(spec, customOpts.Emulated); err != nil {
		return err
	}
	if err := setupExtraMounts(spec); err != nil {
		return err
	}
	setupSecurity(spec)

	if err := ociSpec.Save(configPath); err != nil {
		return err
	}
	// to aid debugging
	if err := ociSpec.Save(filepath.Join(spec.root, "crun-vm/config.json")); err != nil {
		return err
	}

	if firstRun {
		publicKey, err := setupSSHKeyPair(spec, customOpts.RandomSSHKeyPair)
		if err != nil {
			return err
		}

		firstBoot := &FirstBootConfig{
			Hostname:  ociSpec.Hostname(),
			PublicKey: publicKey,
			Password:  customOpts.Password,
			Mounts:    mounts,
		}
		if err := firstBoot.ApplyToCloudInit(
			customOpts.CloudInit,
			filepath.Join(spec.root, "crun-vm/first-boot/cloud-init"),
		); err != nil {
			return err
		}
		if err := firstBoot.ApplyToIgnition(
			customOpts.Ignition,
			filepath.Join(spec.root, "crun-vm/first-boot/ignition.ign"),
		); err != nil {
			return err
		}

		if err := setupDomainXML(spec, image, mounts, customOpts); err != nil {
			return err
		}
	}

	logger.Debug("delegating to container runtime", "runtime", crun.Binary)
	return crun.Create(global, opts)
}
