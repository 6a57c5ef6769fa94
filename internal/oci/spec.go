// Package oci wraps the OCI runtime spec document (config.json) behind a
// narrow mutation facade so pipeline stages don't reach into the raw
// structure from a dozen places.
package oci

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// Spec owns a loaded config.json document. All mutations go through its
// methods; the document is persisted once with Save.
type Spec struct {
	doc specs.Spec
}

// Load reads and decodes an OCI runtime spec from path.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load OCI spec %q: %w", path, err)
	}

	var doc specs.Spec
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse OCI spec %q: %w", path, err)
	}
	return &Spec{doc: doc}, nil
}

// Save encodes the spec back to path.
func (s *Spec) Save(path string) error {
	data, err := json.MarshalIndent(&s.doc, "", "\t")
	if err != nil {
		return fmt.Errorf("encode OCI spec: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("save OCI spec %q: %w", path, err)
	}
	return nil
}

func (s *Spec) Hostname() string { return s.doc.Hostname }

// RootPath returns the container root filesystem path, resolved against base
// when the spec carries a relative path.
func (s *Spec) RootPath(base string) string {
	if s.doc.Root == nil {
		return ""
	}
	path := s.doc.Root.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(base, path)
	}
	return path
}

func (s *Spec) RootReadonly() bool {
	return s.doc.Root != nil && s.doc.Root.Readonly
}

// SetRoot points the container root at a new directory.
func (s *Spec) SetRoot(path string, readonly bool) {
	s.doc.Root = &specs.Root{Path: path, Readonly: readonly}
}

// MountLabel returns the SELinux mount label, if any.
func (s *Spec) MountLabel() string {
	if s.doc.Linux == nil {
		return ""
	}
	return s.doc.Linux.MountLabel
}

func (s *Spec) ProcessArgs() []string {
	if s.doc.Process == nil {
		return nil
	}
	return s.doc.Process.Args
}

// SetProcess replaces the container entrypoint, clearing any Windows-style
// command line and resetting the working directory.
func (s *Spec) SetProcess(cwd string, args []string) {
	if s.doc.Process == nil {
		s.doc.Process = &specs.Process{}
	}
	s.doc.Process.Cwd = cwd
	s.doc.Process.CommandLine = ""
	s.doc.Process.Args = args
}

func (s *Spec) Mounts() []specs.Mount { return s.doc.Mounts }

func (s *Spec) SetMounts(mounts []specs.Mount) { s.doc.Mounts = mounts }

func (s *Spec) PushMount(m specs.Mount) { s.doc.Mounts = append(s.doc.Mounts, m) }

// PushBindMount appends a read-only or read-write bind mount of source onto
// destination.
func (s *Spec) PushBindMount(source, destination string, readonly bool) {
	options := []string{"bind", "rprivate"}
	if readonly {
		options = append(options, "ro")
	}
	s.PushMount(specs.Mount{
		Type:        "bind",
		Source:      source,
		Destination: destination,
		Options:     options,
	})
}

func (s *Spec) LinuxDevices() []specs.LinuxDevice {
	if s.doc.Linux == nil {
		return nil
	}
	return s.doc.Linux.Devices
}

func (s *Spec) SetLinuxDevices(devices []specs.LinuxDevice) {
	s.linux().Devices = devices
}

// PushDeviceCgroupRule allows access to a device through the container's
// device cgroup. Without such a rule the kernel denies the container access
// to device nodes even when they exist in its filesystem.
func (s *Spec) PushDeviceCgroupRule(typ string, major, minor int64, access string) {
	resources := s.resources()
	resources.Devices = append(resources.Devices, specs.LinuxDeviceCgroup{
		Allow:  true,
		Type:   typ,
		Major:  &major,
		Minor:  &minor,
		Access: access,
	})
}

// DeviceCgroupRules returns the device cgroup allow/deny list.
func (s *Spec) DeviceCgroupRules() []specs.LinuxDeviceCgroup {
	if s.doc.Linux == nil || s.doc.Linux.Resources == nil {
		return nil
	}
	return s.doc.Linux.Resources.Devices
}

// PrependSeccompAllow inserts an allow rule for the given syscalls ahead of
// the profile's existing rules, so it wins over any later blanket errno rule.
func (s *Spec) PrependSeccompAllow(names ...string) {
	linux := s.linux()
	if linux.Seccomp == nil {
		// no profile means everything is already allowed
		return
	}
	rule := specs.LinuxSyscall{
		Names:  names,
		Action: specs.ActAllow,
	}
	linux.Seccomp.Syscalls = append([]specs.LinuxSyscall{rule}, linux.Seccomp.Syscalls...)
}

// HasSeccompProfile reports whether a seccomp profile is configured at all.
func (s *Spec) HasSeccompProfile() bool {
	return s.doc.Linux != nil && s.doc.Linux.Seccomp != nil
}

// EnsureCapability adds cap to the bounding, effective, inheritable, and
// permitted sets.
func (s *Spec) EnsureCapability(cap string) {
	if s.doc.Process == nil {
		s.doc.Process = &specs.Process{}
	}
	if s.doc.Process.Capabilities == nil {
		s.doc.Process.Capabilities = &specs.LinuxCapabilities{}
	}
	caps := s.doc.Process.Capabilities
	for _, set := range []*[]string{&caps.Bounding, &caps.Effective, &caps.Inheritable, &caps.Permitted} {
		if !containsString(*set, cap) {
			*set = append(*set, cap)
		}
	}
}

// SetRlimit sets or replaces a process rlimit.
func (s *Spec) SetRlimit(typ string, hard, soft uint64) {
	if s.doc.Process == nil {
		s.doc.Process = &specs.Process{}
	}
	for i := range s.doc.Process.Rlimits {
		if s.doc.Process.Rlimits[i].Type == typ {
			s.doc.Process.Rlimits[i].Hard = hard
			s.doc.Process.Rlimits[i].Soft = soft
			return
		}
	}
	s.doc.Process.Rlimits = append(s.doc.Process.Rlimits, specs.POSIXRlimit{
		Type: typ,
		Hard: hard,
		Soft: soft,
	})
}

// CPUQuotaPeriod returns the cgroup CPU quota and period, zero when unset.
func (s *Spec) CPUQuotaPeriod() (quota int64, period uint64) {
	cpu := s.cpu()
	if cpu == nil {
		return 0, 0
	}
	if cpu.Quota != nil {
		quota = *cpu.Quota
	}
	if cpu.Period != nil {
		period = *cpu.Period
	}
	return quota, period
}

// CPUSet returns the cgroup cpuset string, empty when unset.
func (s *Spec) CPUSet() string {
	cpu := s.cpu()
	if cpu == nil {
		return ""
	}
	return cpu.Cpus
}

// MemoryLimit returns the cgroup memory limit in bytes, zero when unset.
func (s *Spec) MemoryLimit() int64 {
	if s.doc.Linux == nil || s.doc.Linux.Resources == nil || s.doc.Linux.Resources.Memory == nil {
		return 0
	}
	if s.doc.Linux.Resources.Memory.Limit == nil {
		return 0
	}
	return *s.doc.Linux.Resources.Memory.Limit
}

// StripResourceLimits clears the CPU and memory limits. They are consumed to
// size the VM and must not also throttle the outer container process.
func (s *Spec) StripResourceLimits() {
	if s.doc.Linux == nil || s.doc.Linux.Resources == nil {
		return
	}
	s.doc.Linux.Resources.CPU = nil
	s.doc.Linux.Resources.Memory = nil
}

func (s *Spec) linux() *specs.Linux {
	if s.doc.Linux == nil {
		s.doc.Linux = &specs.Linux{}
	}
	return s.doc.Linux
}

func (s *Spec) resources() *specs.LinuxResources {
	linux := s.linux()
	if linux.Resources == nil {
		linux.Resources = &specs.LinuxResources{}
	}
	return linux.Resources
}

func (s *Spec) cpu() *specs.LinuxCPU {
	if s.doc.Linux == nil || s.doc.Linux.Resources == nil {
		return nil
	}
	return s.doc.Linux.Resources.CPU
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
