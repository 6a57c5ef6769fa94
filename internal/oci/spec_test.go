package oci

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const minimalConfig = `{
	"ociVersion": "1.0.2",
	"hostname": "my-vm",
	"root": {"path": "rootfs"},
	"process": {"cwd": "/", "args": ["no-entrypoint"]},
	"linux": {
		"mountLabel": "system_u:object_r:container_file_t:s0:c1,c2",
		"resources": {
			"cpu": {"quota": 150000, "period": 100000, "cpus": "0-3"},
			"memory": {"limit": 1073741824}
		}
	}
}`

func loadTestSpec(t *testing.T) (*Spec, string) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(minimalConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	spec, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	return spec, path
}

func TestLoadSave_RoundTrip(t *testing.T) {
	spec, path := loadTestSpec(t)

	if spec.Hostname() != "my-vm" {
		t.Fatalf("expected hostname %q, got %q", "my-vm", spec.Hostname())
	}

	if err := spec.Save(path); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read saved config: %v", err)
	}
	if !strings.HasSuffix(string(data), "\n") {
		t.Fatalf("saved config must end with a newline")
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load after Save returned error: %v", err)
	}
	if reloaded.Hostname() != spec.Hostname() {
		t.Fatalf("hostname changed across save/load: %q vs %q", reloaded.Hostname(), spec.Hostname())
	}
}

func TestRootPath_ResolvesRelativeAgainstBundle(t *testing.T) {
	spec, _ := loadTestSpec(t)

	got := spec.RootPath("/run/bundle")
	if got != "/run/bundle/rootfs" {
		t.Fatalf("expected /run/bundle/rootfs, got %q", got)
	}

	spec.SetRoot("/elsewhere/root", false)
	if got := spec.RootPath("/run/bundle"); got != "/elsewhere/root" {
		t.Fatalf("expected absolute path to win, got %q", got)
	}
}

func TestSetProcess_ClearsCommandLine(t *testing.T) {
	spec, _ := loadTestSpec(t)
	spec.doc.Process.CommandLine = "legacy"

	spec.SetProcess(".", []string{"/crun-vm/entrypoint.sh", "podman", "false"})

	if spec.doc.Process.CommandLine != "" {
		t.Fatalf("expected command line to be cleared")
	}
	if spec.doc.Process.Cwd != "." {
		t.Fatalf("expected cwd %q, got %q", ".", spec.doc.Process.Cwd)
	}
	if len(spec.ProcessArgs()) != 3 || spec.ProcessArgs()[0] != "/crun-vm/entrypoint.sh" {
		t.Fatalf("unexpected args: %v", spec.ProcessArgs())
	}
}

func TestEnsureCapability_AddsToAllSets(t *testing.T) {
	spec, _ := loadTestSpec(t)

	spec.EnsureCapability("CAP_SYS_CHROOT")
	spec.EnsureCapability("CAP_SYS_CHROOT") // must not duplicate

	caps := spec.doc.Process.Capabilities
	if caps == nil {
		t.Fatalf("expected capabilities to be initialized")
	}
	for name, set := range map[string][]string{
		"bounding":    caps.Bounding,
		"effective":   caps.Effective,
		"inheritable": caps.Inheritable,
		"permitted":   caps.Permitted,
	} {
		count := 0
		for _, c := range set {
			if c == "CAP_SYS_CHROOT" {
				count++
			}
		}
		if count != 1 {
			t.Fatalf("expected CAP_SYS_CHROOT exactly once in %s set, found %d", name, count)
		}
	}
}

func TestPrependSeccompAllow_NoProfileIsNoop(t *testing.T) {
	spec, _ := loadTestSpec(t)

	spec.PrependSeccompAllow("mount", "unshare")

	if spec.HasSeccompProfile() {
		t.Fatalf("expected no seccomp profile to be created")
	}
}

func TestPrependSeccompAllow_AllowRuleComesFirst(t *testing.T) {
	spec, _ := loadTestSpec(t)
	spec.doc.Linux.Seccomp = &specs.LinuxSeccomp{
		DefaultAction: specs.ActErrno,
		Syscalls: []specs.LinuxSyscall{
			{Names: []string{"mount"}, Action: specs.ActErrno},
		},
	}

	spec.PrependSeccompAllow("mount", "pivot_root")

	syscalls := spec.doc.Linux.Seccomp.Syscalls
	if len(syscalls) != 2 {
		t.Fatalf("expected 2 syscall rules, got %d", len(syscalls))
	}
	if syscalls[0].Action != specs.ActAllow {
		t.Fatalf("expected allow rule to be first, got %v", syscalls[0].Action)
	}
	if len(syscalls[0].Names) != 2 {
		t.Fatalf("unexpected allowed syscalls: %v", syscalls[0].Names)
	}
}

func TestSetRlimit_ReplacesExisting(t *testing.T) {
	spec, _ := loadTestSpec(t)
	spec.doc.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 1024, Soft: 1024},
		{Type: "RLIMIT_NPROC", Hard: 64, Soft: 64},
	}

	spec.SetRlimit("RLIMIT_NOFILE", 262144, 262144)

	if len(spec.doc.Process.Rlimits) != 2 {
		t.Fatalf("expected 2 rlimits, got %d", len(spec.doc.Process.Rlimits))
	}
	for _, rl := range spec.doc.Process.Rlimits {
		if rl.Type == "RLIMIT_NOFILE" && rl.Hard != 262144 {
			t.Fatalf("expected RLIMIT_NOFILE hard limit 262144, got %d", rl.Hard)
		}
	}
}

func TestStripResourceLimits_KeepsCPUSetInfoQueryable(t *testing.T) {
	spec, _ := loadTestSpec(t)

	quota, period := spec.CPUQuotaPeriod()
	if quota != 150000 || period != 100000 {
		t.Fatalf("expected quota/period 150000/100000, got %d/%d", quota, period)
	}
	if spec.MemoryLimit() != 1073741824 {
		t.Fatalf("expected memory limit 1 GiB, got %d", spec.MemoryLimit())
	}
	if spec.CPUSet() != "0-3" {
		t.Fatalf("expected cpuset 0-3, got %q", spec.CPUSet())
	}

	spec.StripResourceLimits()

	quota, period = spec.CPUQuotaPeriod()
	if quota != 0 || period != 0 {
		t.Fatalf("expected limits to be stripped, got quota/period %d/%d", quota, period)
	}
	if spec.MemoryLimit() != 0 {
		t.Fatalf("expected memory limit to be stripped, got %d", spec.MemoryLimit())
	}
}

func TestPushBindMount_Options(t *testing.T) {
	spec, _ := loadTestSpec(t)

	spec.PushBindMount("/usr", "/usr", true)
	spec.PushBindMount("/tmp/disk", "/crun-vm/mounts/block/0", false)

	mounts := spec.Mounts()
	if len(mounts) != 2 {
		t.Fatalf("expected 2 mounts, got %d", len(mounts))
	}
	if !containsString(mounts[0].Options, "ro") {
		t.Fatalf("expected read-only bind mount, options: %v", mounts[0].Options)
	}
	if containsString(mounts[1].Options, "ro") {
		t.Fatalf("expected read-write bind mount, options: %v", mounts[1].Options)
	}
}

func TestPushDeviceCgroupRule(t *testing.T) {
	spec, _ := loadTestSpec(t)

	spec.PushDeviceCgroupRule("b", 252, 3, "rwm")

	rules := spec.DeviceCgroupRules()
	if len(rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(rules))
	}
	rule := rules[0]
	if !rule.Allow || rule.Type != "b" || *rule.Major != 252 || *rule.Minor != 3 {
		t.Fatalf("unexpected rule: %+v", rule)
	}
}
