package create

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/crun-vm/crun-vm/internal/oci"
)

// BlockDev is a --blockdev option: a host file or block device exposed to
// the guest as a virtio disk.
type BlockDev struct {
	Source string
	Target string
	Format string
}

// VFIOPCIAddress is a PCI device address decomposed from its sysfs path.
type VFIOPCIAddress struct {
	Domain   uint16
	Bus      uint8
	Slot     uint8
	Function uint8
}

// CustomOptions are the crun-vm flags smuggled in as the container's
// command-line arguments. The declared entrypoint is replaced, so those
// arguments carry no other meaning.
type CustomOptions struct {
	BlockDevs        []BlockDev
	Persistent       bool
	RandomSSHKeyPair bool
	Emulated         bool
	CloudInit        string
	Ignition         string
	Password         string
	MergeLibvirtXML  []string
	PrintLibvirtXML  bool
	PrintConfigJSON  bool
	VFIOPCI          []VFIOPCIAddress
	VFIOPCIMdev      []string
}

// entrypoint tokens users may leave in place; anything else that isn't
// flag-like is rejected to guide them toward clearing the entrypoint.
var ignoredEntrypointTokens = map[string]bool{
	"":              true,
	"no-entrypoint": true,
}

// ParseCustomOptions extracts crun-vm's flags from the spec's process
// argument vector and validates them against the engine's policy.
func ParseCustomOptions(spec *oci.Spec, engine Engine) (*CustomOptions, error) {
	args := spec.ProcessArgs()

	if len(args) > 0 && !strings.HasPrefix(strings.TrimSpace(args[0]), "-") {
		if !ignoredEntrypointTokens[strings.TrimSpace(args[0])] {
			return nil, fmt.Errorf(
				"unexpected entrypoint %q; crun-vm images must not set an entrypoint, and the container command must contain only crun-vm options",
				args[0])
		}
		args = args[1:]
	}

	var filtered []string
	for _, arg := range args {
		if strings.TrimSpace(arg) != "" {
			filtered = append(filtered, arg)
		}
	}

	var (
		opts      CustomOptions
		blockdevs []string
		vfioPCI   []string
		vfioMdev  []string
	)

	flags := pflag.NewFlagSet("crun-vm", pflag.ContinueOnError)
	flags.StringArrayVar(&blockdevs, "blockdev", nil, "")
	flags.BoolVar(&opts.Persistent, "persistent", false, "")
	flags.BoolVar(&opts.RandomSSHKeyPair, "random-ssh-key-pair", false, "")
	flags.BoolVar(&opts.Emulated, "emulated", false, "")
	flags.StringVar(&opts.CloudInit, "cloud-init", "", "")
	flags.StringVar(&opts.Ignition, "ignition", "", "")
	flags.StringVar(&opts.Password, "password", "", "")
	flags.StringArrayVar(&opts.MergeLibvirtXML, "merge-libvirt-xml", nil, "")
	flags.BoolVar(&opts.PrintLibvirtXML, "print-libvirt-xml", false, "")
	flags.BoolVar(&opts.PrintConfigJSON, "print-config-json", false, "")
	flags.StringArrayVar(&vfioPCI, "vfio-pci", nil, "")
	flags.StringArrayVar(&vfioMdev, "vfio-pci-mdev", nil, "")

	if err := flags.Parse(filtered); err != nil {
		return nil, fmt.Errorf("parse container command options: %w", err)
	}
	if extra := flags.Args(); len(extra) != 0 {
		return nil, fmt.Errorf("unexpected argument %q in container command", extra[0])
	}

	for _, raw := range blockdevs {
		dev, err := parseBlockDev(raw)
		if err != nil {
			return nil, err
		}
		opts.BlockDevs = append(opts.BlockDevs, dev)
	}

	if opts.PrintLibvirtXML && opts.PrintConfigJSON {
		return nil, fmt.Errorf("--print-libvirt-xml and --print-config-json are mutually exclusive")
	}

	if opts.Persistent && spec.RootReadonly() {
		return nil, fmt.Errorf("--persistent requires a writable container root (remove --read-only)")
	}

	if err := opts.validatePaths(); err != nil {
		return nil, err
	}

	policy := engine.policy()

	if !policy.allowVFIO && (len(vfioPCI) != 0 || len(vfioMdev) != 0) {
		return nil, fmt.Errorf("--vfio-pci and --vfio-pci-mdev are not supported under %s", engine)
	}

	if policy.remapPathsViaMounts {
		if err := opts.remapPathsToHost(spec); err != nil {
			return nil, err
		}
	}

	for _, path := range vfioPCI {
		addr, err := parseVFIOPCIPath(path)
		if err != nil {
			return nil, err
		}
		opts.VFIOPCI = append(opts.VFIOPCI, addr)
	}
	for _, path := range vfioMdev {
		id, err := parseVFIOMdevPath(path)
		if err != nil {
			return nil, err
		}
		opts.VFIOPCIMdev = append(opts.VFIOPCIMdev, id)
	}

	return &opts, nil
}

func parseBlockDev(raw string) (BlockDev, error) {
	var dev BlockDev

	for _, part := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(part, "=")
		if !found {
			return dev, fmt.Errorf("malformed --blockdev %q: expected source=,target=,format=", raw)
		}
		switch key {
		case "source":
			dev.Source = value
		case "target":
			dev.Target = value
		case "format":
			dev.Format = value
		default:
			return dev, fmt.Errorf("malformed --blockdev %q: unknown key %q", raw, key)
		}
	}

	if dev.Source == "" || dev.Target == "" || dev.Format == "" {
		return dev, fmt.Errorf("malformed --blockdev %q: source, target, and format are all required", raw)
	}
	return dev, nil
}

// validatePaths enforces absolute paths for every path-valued option.
// There is no reliable notion of a working directory across engines.
func (o *CustomOptions) validatePaths() error {
	check := func(flag, path string) error {
		if path != "" && !filepath.IsAbs(path) {
			return fmt.Errorf("path %q given to %s must be absolute", path, flag)
		}
		return nil
	}

	if err := check("--cloud-init", o.CloudInit); err != nil {
		return err
	}
	if err := check("--ignition", o.Ignition); err != nil {
		return err
	}
	for _, dev := range o.BlockDevs {
		if err := check("--blockdev", dev.Source); err != nil {
			return err
		}
		if err := check("--blockdev", dev.Target); err != nil {
			return err
		}
	}
	for _, path := range o.MergeLibvirtXML {
		if err := check("--merge-libvirt-xml", path); err != nil {
			return err
		}
	}
	return nil
}

// remapPathsToHost translates container-relative option paths into host
// paths using the spec's mount table. Under Kubernetes the paths users give
// refer to locations inside the pod, reachable on the host only through the
// bind mounts that put them there.
func (o *CustomOptions) remapPathsToHost(spec *oci.Spec) error {
	remap := func(path *string) error {
		if *path == "" {
			return nil
		}

		// longest destination prefix wins
		var (
			bestSource string
			bestDest   string
		)
		for _, m := range spec.Mounts() {
			if m.Source == "" {
				continue
			}
			if !isPathPrefix(m.Destination, *path) {
				continue
			}
			if len(m.Destination) > len(bestDest) {
				bestDest = m.Destination
				bestSource = m.Source
			}
		}
		if bestDest == "" {
			return fmt.Errorf("can't find %s: not reachable through any mount", *path)
		}

		relative := strings.TrimPrefix(strings.TrimPrefix(*path, bestDest), "/")
		hostPath, err := securejoin.SecureJoin(bestSource, relative)
		if err != nil {
			return fmt.Errorf("resolve %s under mount %s: %w", *path, bestDest, err)
		}
		if _, err := os.Stat(hostPath); err != nil {
			return fmt.Errorf("can't find %s: %w", *path, err)
		}

		*path = hostPath
		return nil
	}

	if err := remap(&o.CloudInit); err != nil {
		return err
	}
	if err := remap(&o.Ignition); err != nil {
		return err
	}
	for i := range o.BlockDevs {
		if err := remap(&o.BlockDevs[i].Source); err != nil {
			return err
		}
	}
	for i := range o.MergeLibvirtXML {
		if err := remap(&o.MergeLibvirtXML[i]); err != nil {
			return err
		}
	}
	return nil
}

func isPathPrefix(prefix, path string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return true
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

var vfioPCIPathPattern = regexp.MustCompile(
	`^/sys/devices/pci[0-9a-fA-F]{4}:[0-9a-fA-F]{2}` +
		`(?:/[0-9a-fA-F]{4}:[0-9a-fA-F]{2}:[0-9a-fA-F]{2}\.[0-9a-fA-F])*` +
		`/([0-9a-fA-F]{4}):([0-9a-fA-F]{2}):([0-9a-fA-F]{2})\.([0-9a-fA-F])$`)

func parseVFIOPCIPath(path string) (VFIOPCIAddress, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return VFIOPCIAddress{}, fmt.Errorf("resolve vfio-pci path %q: %w", path, err)
	}

	captures := vfioPCIPathPattern.FindStringSubmatch(resolved)
	if captures == nil {
		return VFIOPCIAddress{}, fmt.Errorf("%q is not a vfio-pci device sysfs path", path)
	}

	domain, _ := strconv.ParseUint(captures[1], 16, 16)
	bus, _ := strconv.ParseUint(captures[2], 16, 8)
	slot, _ := strconv.ParseUint(captures[3], 16, 8)
	function, _ := strconv.ParseUint(captures[4], 16, 8)

	return VFIOPCIAddress{
		Domain:   uint16(domain),
		Bus:      uint8(bus),
		Slot:     uint8(slot),
		Function: uint8(function),
	}, nil
}

func parseVFIOMdevPath(path string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("resolve vfio-pci mdev path %q: %w", path, err)
	}

	if !strings.HasPrefix(resolved, "/sys/devices/pci") {
		return "", fmt.Errorf("%q is not a vfio-pci mediated device sysfs path", path)
	}

	id, err := uuid.Parse(filepath.Base(resolved))
	if err != nil {
		return "", fmt.Errorf("%q is not a vfio-pci mediated device sysfs path: %w", path, err)
	}
	return id.String(), nil
}
