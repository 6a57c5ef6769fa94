package create

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kdomanski/iso9660"
	"gopkg.in/yaml.v3"
)

// FirstBootConfig is everything injected into the guest on its first
// boot, over both the cloud-init and Ignition channels. The guest picks
// whichever its OS understands.
type FirstBootConfig struct {
	Hostname  string
	PublicKey string
	Password  string
	Mounts    *Mounts
}

// blockDeviceLinkTarget is the stable device alias the i-th virtio disk
// gets from its serial number.
func blockDeviceLinkTarget(i int) string {
	return fmt.Sprintf("/dev/disk/by-id/virtio-%s", blockDeviceSerial(i))
}

func blockDeviceSerial(i int) string {
	return fmt.Sprintf("crun-vm-block-%d", i)
}

func virtiofsTag(i int) string {
	return fmt.Sprintf("virtiofs-%d", i)
}

// ApplyToCloudInit builds the cloud-init datasource under outDir from
// the user's config directory (if any), augments user-data with the
// guest-side plumbing, and masters the cidata ISO the domain attaches.
func (c *FirstBootConfig) ApplyToCloudInit(userConfigDir, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return err
	}

	for _, name := range []string{"meta-data", "user-data", "vendor-data"} {
		outPath := filepath.Join(outDir, name)

		if userConfigDir != "" {
			userPath := filepath.Join(userConfigDir, name)
			if info, err := os.Stat(userPath); err == nil {
				if !info.Mode().IsRegular() {
					return fmt.Errorf("cloud-init: expected %s to be a regular file", name)
				}
				if err := copyFile(userPath, outPath); err != nil {
					return err
				}
				continue
			}
		}

		var defaults []byte
		if name == "user-data" {
			defaults = []byte("#cloud-config\n")
		}
		if err := os.WriteFile(outPath, defaults, 0o644); err != nil {
			return err
		}
	}

	userDataPath := filepath.Join(outDir, "user-data")
	if err := c.augmentUserData(userDataPath); err != nil {
		return err
	}

	return masterCloudInitISO(outDir)
}

func (c *FirstBootConfig) augmentUserData(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if line, _, _ := strings.Cut(string(raw), "\n"); strings.TrimSpace(line) != "#cloud-config" {
		return fmt.Errorf("cloud-init: expected shebang '#cloud-config' in user-data file")
	}

	var userData map[string]any
	if err := yaml.Unmarshal(raw, &userData); err != nil {
		return fmt.Errorf("cloud-init: invalid user-data file: %w", err)
	}
	if userData == nil {
		userData = map[string]any{}
	}

	mounts, err := sequenceEntry(userData, "mounts")
	if err != nil {
		return err
	}
	for i, mount := range c.Mounts.Virtiofs {
		mounts = append(mounts, []any{
			virtiofsTag(i), mount.PathInGuest, "virtiofs", "defaults", "0", "0",
		})
	}
	for _, mount := range c.Mounts.Tmpfs {
		mounts = append(mounts, []any{
			"tmpfs", mount.PathInGuest, "tmpfs", "defaults", "0", "0",
		})
	}
	userData["mounts"] = mounts

	if c.Hostname != "" {
		userData["preserve_hostname"] = false
		userData["prefer_fqdn_over_hostname"] = false
		userData["hostname"] = c.Hostname
	}

	keys, err := sequenceEntry(userData, "ssh_authorized_keys")
	if err != nil {
		return err
	}
	userData["ssh_authorized_keys"] = append(keys, c.PublicKey)

	if c.Password != "" {
		userData["password"] = c.Password
		chpasswd, err := mappingEntry(userData, "chpasswd")
		if err != nil {
			return err
		}
		chpasswd["expire"] = false
		userData["chpasswd"] = chpasswd
	}

	if err := c.addBlockDeviceAliases(userData); err != nil {
		return err
	}

	var out bytes.Buffer
	out.WriteString("#cloud-config\n")
	encoder := yaml.NewEncoder(&out)
	encoder.SetIndent(2)
	if err := encoder.Encode(userData); err != nil {
		return err
	}
	if err := encoder.Close(); err != nil {
		return err
	}

	return os.WriteFile(path, out.Bytes(), 0o644)
}

// addBlockDeviceAliases makes each virtio disk appear at the guest path
// the user asked for. Paths outside /dev get a plain symlink created at
// boot; paths under /dev need a udev rule, since udev owns that tree and
// would not preserve a symlink we create once.
func (c *FirstBootConfig) addBlockDeviceAliases(userData map[string]any) error {
	runcmd, err := sequenceEntry(userData, "runcmd")
	if err != nil {
		return err
	}

	var udevRules strings.Builder

	for i, dev := range c.Mounts.BlockDevice {
		if strings.HasPrefix(dev.PathInGuest, "/dev/") {
			fmt.Fprintf(&udevRules,
				"ENV{ID_SERIAL}==\"%s\", SYMLINK+=\"%s\"\n",
				blockDeviceSerial(i), strings.TrimPrefix(dev.PathInGuest, "/dev/"))
			continue
		}

		if parent := filepath.Dir(dev.PathInGuest); parent != "/" && parent != "." {
			runcmd = append(runcmd, []any{"mkdir", "-p", parent})
		}
		runcmd = append(runcmd, []any{
			"ln", "--symbolic", blockDeviceLinkTarget(i), dev.PathInGuest,
		})
	}

	if udevRules.Len() != 0 {
		files, err := sequenceEntry(userData, "write_files")
		if err != nil {
			return err
		}
		userData["write_files"] = append(files, map[string]any{
			"path":        "/etc/udev/rules.d/99-crun-vm.rules",
			"content":     udevRules.String(),
			"permissions": "0644",
		})
		runcmd = append(runcmd, []any{"udevadm", "control", "--reload"})
		runcmd = append(runcmd, []any{"udevadm", "trigger"})
	}

	userData["runcmd"] = runcmd
	return nil
}

func masterCloudInitISO(dir string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("cloud-init: master ISO: %w", err)
	}
	defer writer.Cleanup()

	for _, name := range []string{"meta-data", "user-data", "vendor-data"} {
		f, err := os.Open(filepath.Join(dir, name))
		if err != nil {
			return err
		}
		err = writer.AddFile(f, name)
		f.Close()
		if err != nil {
			return fmt.Errorf("cloud-init: master ISO: %w", err)
		}
	}

	out, err := os.Create(filepath.Join(dir, "cloud-init.iso"))
	if err != nil {
		return err
	}
	defer out.Close()

	if err := writer.WriteTo(out, "cidata"); err != nil {
		return fmt.Errorf("cloud-init: master ISO: %w", err)
	}
	return out.Close()
}

// ApplyToIgnition builds the Ignition config at outPath, mirroring the
// cloud-init augmentation for guests that consume Ignition instead.
func (c *FirstBootConfig) ApplyToIgnition(userConfigPath, outPath string) error {
	config := map[string]any{
		"ignition": map[string]any{"version": "3.0.0"},
	}

	if userConfigPath != "" {
		raw, err := os.ReadFile(userConfigPath)
		if err != nil {
			return err
		}
		config = nil
		if err := json.Unmarshal(raw, &config); err != nil {
			return fmt.Errorf("ignition: invalid config file: %w", err)
		}
		if config == nil {
			return fmt.Errorf("ignition: invalid config file")
		}
	}

	if err := c.addIgnitionAuthorizedKey(config); err != nil {
		return err
	}

	storage, err := mappingEntry(config, "storage")
	if err != nil {
		return err
	}
	config["storage"] = storage

	if c.Hostname != "" {
		files, err := sequenceEntry(storage, "files")
		if err != nil {
			return err
		}

		// drop any hostname the user's config sets; the engine-assigned
		// name wins
		kept := files[:0]
		for _, file := range files {
			if m, ok := file.(map[string]any); ok && m["path"] == "/etc/hostname" {
				continue
			}
			kept = append(kept, file)
		}

		storage["files"] = append(kept, map[string]any{
			"path":      "/etc/hostname",
			"mode":      420,
			"overwrite": true,
			"contents": map[string]any{
				"source": "data:," + c.Hostname,
			},
		})
	}

	links, err := sequenceEntry(storage, "links")
	if err != nil {
		return err
	}
	for i, dev := range c.Mounts.BlockDevice {
		links = append(links, map[string]any{
			"path":      dev.PathInGuest,
			"overwrite": true,
			"target":    blockDeviceLinkTarget(i),
			"hard":      false,
		})
	}
	storage["links"] = links

	systemd, err := mappingEntry(config, "systemd")
	if err != nil {
		return err
	}
	config["systemd"] = systemd

	units, err := sequenceEntry(systemd, "units")
	if err != nil {
		return err
	}
	for i, mount := range c.Mounts.Virtiofs {
		units = append(units, ignitionMountUnit(virtiofsTag(i), mount.PathInGuest, "virtiofs"))
	}
	for _, mount := range c.Mounts.Tmpfs {
		units = append(units, ignitionMountUnit("tmpfs", mount.PathInGuest, "tmpfs"))
	}
	systemd["units"] = units

	out, err := json.Marshal(config)
	if err != nil {
		return err
	}
	return os.WriteFile(outPath, out, 0o644)
}

func ignitionMountUnit(what, where, fstype string) map[string]any {
	// systemd insists on this unit file name format
	name := strings.ReplaceAll(strings.Trim(where, "/"), "/", "-") + ".mount"

	contents := fmt.Sprintf(
		"[Mount]\nWhat=%s\nWhere=%s\nType=%s\n\n[Install]\nWantedBy=local-fs.target\n",
		what, where, fstype)

	return map[string]any{
		"name":     name,
		"enabled":  true,
		"contents": contents,
	}
}

func (c *FirstBootConfig) addIgnitionAuthorizedKey(config map[string]any) error {
	passwd, err := mappingEntry(config, "passwd")
	if err != nil {
		return err
	}
	config["passwd"] = passwd

	users, err := sequenceEntry(passwd, "users")
	if err != nil {
		return err
	}

	var core map[string]any
	for _, user := range users {
		m, ok := user.(map[string]any)
		if !ok {
			return fmt.Errorf("ignition: invalid config file")
		}
		if m["name"] == "core" {
			core = m
			break
		}
	}
	if core == nil {
		core = map[string]any{"name": "core"}
		users = append(users, core)
	}

	keys, err := sequenceEntry(core, "sshAuthorizedKeys")
	if err != nil {
		return err
	}
	core["sshAuthorizedKeys"] = append(keys, c.PublicKey)

	passwd["users"] = users
	return nil
}

// sequenceEntry returns m[key] as a slice, treating a missing entry as
// empty and anything else as malformed input.
func sequenceEntry(m map[string]any, key string) ([]any, error) {
	value, ok := m[key]
	if !ok || value == nil {
		return nil, nil
	}
	seq, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("first-boot config: %q must be a list", key)
	}
	return seq, nil
}

// mappingEntry returns m[key] as a map, treating a missing entry as
// empty and anything else as malformed input.
func mappingEntry(m map[string]any, key string) (map[string]any, error) {
	value, ok := m[key]
	if !ok || value == nil {
		return map[string]any{}, nil
	}
	mapping, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("first-boot config: %q must be a mapping", key)
	}
	return mapping, nil
}
