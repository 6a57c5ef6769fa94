package create

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/crun-vm/crun-vm/internal/oci"
)

// Engine identifies the container engine that invoked the runtime. The
// classification gates path-resolution and validation rules downstream.
type Engine int

const (
	EngineOther Engine = iota
	EnginePodman
	EngineDocker
	EngineKubernetes
)

func (e Engine) String() string {
	switch e {
	case EnginePodman:
		return "podman"
	case EngineDocker:
		return "docker"
	case EngineKubernetes:
		return "kubernetes"
	default:
		return "unknown"
	}
}

// Command returns the engine's user-facing CLI command, empty when the
// engine has none (Kubernetes) or is unknown.
func (e Engine) Command() string {
	switch e {
	case EnginePodman:
		return "podman"
	case EngineDocker:
		return "docker"
	default:
		return ""
	}
}

// enginePolicy centralizes the engine-dependent decisions so components
// consult one table instead of re-testing the engine value everywhere.
type enginePolicy struct {
	// remapPathsViaMounts: user-supplied paths are container-relative and
	// must be translated to host paths through the spec's mount table.
	remapPathsViaMounts bool
	// allowVFIO: PCI/mdev passthrough options are accepted.
	allowVFIO bool
}

var enginePolicies = map[Engine]enginePolicy{
	EnginePodman:     {allowVFIO: true},
	EngineDocker:     {allowVFIO: true},
	EngineKubernetes: {remapPathsViaMounts: true},
	EngineOther:      {allowVFIO: true},
}

func (e Engine) policy() enginePolicy { return enginePolicies[e] }

const kubernetesSecretsDir = "/var/run/secrets/kubernetes.io"

const kubernetesHostsMarker = "Kubernetes-managed hosts file"

var podmanBundlePattern = regexp.MustCompile(`/overlay-containers/([^/]+)/userdata$`)

// DetectEngine classifies the invoking engine from the spec and the host
// filesystem. Checks are ordered; the first positive match wins and the
// fallback is the permissive EngineOther.
func DetectEngine(spec *oci.Spec, containerID, bundlePath, originalRootPath string) (Engine, error) {
	// Kubernetes (via CRI-O): a secrets mount or a managed /etc/hosts file.

	for _, m := range spec.Mounts() {
		if strings.HasPrefix(m.Destination, kubernetesSecretsDir) {
			return EngineKubernetes, nil
		}
	}

	managed, err := hasKubernetesManagedHosts(spec)
	if err != nil {
		return EngineOther, err
	}
	if managed {
		return EngineKubernetes, nil
	}

	// Docker leaves a marker file at the root of the container filesystem.

	if _, err := os.Stat(filepath.Join(originalRootPath, ".dockerenv")); err == nil {
		return EngineDocker, nil
	} else if !os.IsNotExist(err) {
		return EngineOther, fmt.Errorf("check for .dockerenv: %w", err)
	}

	// Podman: a .containerenv mount plus a container-store bundle path that
	// names the container we were invoked for.

	hasContainerEnv := false
	for _, m := range spec.Mounts() {
		if m.Destination == "/run/.containerenv" || m.Destination == "/var/run/.containerenv" {
			hasContainerEnv = true
			break
		}
	}

	if hasContainerEnv {
		if captures := podmanBundlePattern.FindStringSubmatch(bundlePath); captures != nil && captures[1] == containerID {
			return EnginePodman, nil
		}
	}

	return EngineOther, nil
}

func hasKubernetesManagedHosts(spec *oci.Spec) (bool, error) {
	for _, m := range spec.Mounts() {
		if m.Destination != "/etc/hosts" || m.Source == "" {
			continue
		}

		f, err := os.Open(m.Source)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return false, fmt.Errorf("read /etc/hosts source %q: %w", m.Source, err)
		}

		scanner := bufio.NewScanner(f)
		firstLine := ""
		if scanner.Scan() {
			firstLine = scanner.Text()
		}
		f.Close()

		if strings.Contains(firstLine, kubernetesHostsMarker) {
			return true, nil
		}
	}
	return false, nil
}
