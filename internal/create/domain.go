package create

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/beevik/etree"
	"github.com/c2h5oh/datasize"
)

// defaultMemorySize is used when the container carries no memory limit.
const defaultMemorySize = 2 * datasize.GB

// setupDomainXML writes the libvirt domain definition the entrypoint
// feeds to virsh, then folds in any --merge-libvirt-xml overlays.
func setupDomainXML(spec *specState, image *vmImage, mounts *Mounts, opts *CustomOptions) error {
	doc := buildDomainXML(spec, image, mounts, opts)

	for _, overlayPath := range opts.MergeLibvirtXML {
		if err := mergeDomainOverlay(doc, overlayPath); err != nil {
			return err
		}
	}

	doc.Indent(2)
	path := filepath.Join(spec.root, "crun-vm/domain.xml")
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := doc.WriteTo(f); err != nil {
		f.Close()
		return fmt.Errorf("write domain XML: %w", err)
	}
	if _, err := f.WriteString("\n"); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func buildDomainXML(spec *specState, image *vmImage, mounts *Mounts, opts *CustomOptions) *etree.Document {
	doc := etree.NewDocument()

	domain := doc.CreateElement("domain")
	if opts.Emulated {
		domain.CreateAttr("type", "qemu")
	} else {
		domain.CreateAttr("type", "kvm")
	}

	domain.CreateElement("name").SetText("domain")

	cpu := domain.CreateElement("cpu")
	if opts.Emulated {
		cpu.CreateAttr("mode", "host-model")
	} else {
		cpu.CreateAttr("mode", "host-passthrough")
	}

	vcpu := domain.CreateElement("vcpu")
	if set := spec.oci.CPUSet(); set != "" {
		vcpu.CreateAttr("cpuset", set)
	}
	vcpu.SetText(strconv.FormatUint(vcpuCount(spec), 10))

	memory := domain.CreateElement("memory")
	memory.CreateAttr("unit", "b")
	memory.SetText(strconv.FormatUint(memorySize(spec), 10))

	osType := domain.CreateElement("os").CreateElement("type")
	osType.CreateAttr("machine", "q35")
	osType.SetText("hvm")

	// fw_cfg requires ACPI
	domain.CreateElement("features").CreateElement("acpi")

	sysinfo := domain.CreateElement("sysinfo")
	sysinfo.CreateAttr("type", "fwcfg")
	entry := sysinfo.CreateElement("entry")
	entry.CreateAttr("name", "opt/com.coreos/config")
	entry.CreateAttr("file", "/crun-vm/first-boot/ignition.ign")

	if len(mounts.Virtiofs) != 0 {
		backing := domain.CreateElement("memoryBacking")
		backing.CreateElement("source").CreateAttr("type", "memfd")
		backing.CreateElement("access").CreateAttr("mode", "shared")
	}

	devices := domain.CreateElement("devices")

	serial := devices.CreateElement("serial")
	serial.CreateAttr("type", "pty")
	serial.CreateElement("target").CreateAttr("port", "0")

	console := devices.CreateElement("console")
	console.CreateAttr("type", "pty")
	consoleTarget := console.CreateElement("target")
	consoleTarget.CreateAttr("type", "serial")
	consoleTarget.CreateAttr("port", "0")

	// virtio disks are named vda, vdb, ... in attachment order
	nextDevIndex := 0
	nextDevName := func() string {
		name := fmt.Sprintf("vd%c", 'a'+nextDevIndex%26)
		nextDevIndex++
		return name
	}

	addBaseImageDisk(devices, image, nextDevName)

	for i, dev := range mounts.BlockDevice {
		disk := devices.CreateElement("disk")
		if dev.IsRegularFile {
			disk.CreateAttr("type", "file")
		} else {
			disk.CreateAttr("type", "block")
		}
		disk.CreateAttr("device", "disk")

		target := disk.CreateElement("target")
		target.CreateAttr("dev", nextDevName())
		target.CreateAttr("bus", "virtio")

		driver := disk.CreateElement("driver")
		driver.CreateAttr("name", "qemu")
		driver.CreateAttr("type", dev.Format)

		source := disk.CreateElement("source")
		if dev.IsRegularFile {
			source.CreateAttr("file", dev.PathInContainer)
		} else {
			source.CreateAttr("dev", dev.PathInContainer)
		}

		if dev.Readonly {
			disk.CreateElement("readonly")
		}

		disk.CreateElement("serial").SetText(blockDeviceSerial(i))
	}

	isoDisk := devices.CreateElement("disk")
	isoDisk.CreateAttr("type", "file")
	isoDisk.CreateAttr("device", "disk")
	isoDisk.CreateElement("source").CreateAttr("file", "/crun-vm/first-boot/cloud-init/cloud-init.iso")
	isoDriver := isoDisk.CreateElement("driver")
	isoDriver.CreateAttr("name", "qemu")
	isoDriver.CreateAttr("type", "raw")
	isoTarget := isoDisk.CreateElement("target")
	isoTarget.CreateAttr("dev", nextDevName())
	isoTarget.CreateAttr("bus", "virtio")

	iface := devices.CreateElement("interface")
	iface.CreateAttr("type", "user")
	iface.CreateElement("backend").CreateAttr("type", "passt")
	iface.CreateElement("model").CreateAttr("type", "virtio")
	iface.CreateElement("portForward").CreateAttr("proto", "tcp")
	iface.CreateElement("portForward").CreateAttr("proto", "udp")

	for i, mount := range mounts.Virtiofs {
		fs := devices.CreateElement("filesystem")
		fs.CreateAttr("type", "mount")
		fs.CreateElement("driver").CreateAttr("type", "virtiofs")
		binary := fs.CreateElement("binary")
		binary.CreateAttr("path", "/crun-vm/virtiofsd")
		binary.CreateElement("sandbox").CreateAttr("mode", "chroot")
		fs.CreateElement("source").CreateAttr("dir", mount.PathInContainer)
		fs.CreateElement("target").CreateAttr("dir", virtiofsTag(i))
	}

	for _, addr := range opts.VFIOPCI {
		hostdev := devices.CreateElement("hostdev")
		hostdev.CreateAttr("mode", "subsystem")
		hostdev.CreateAttr("type", "pci")
		hostdev.CreateAttr("managed", "yes")
		address := hostdev.CreateElement("source").CreateElement("address")
		address.CreateAttr("domain", fmt.Sprintf("0x%04x", addr.Domain))
		address.CreateAttr("bus", fmt.Sprintf("0x%02x", addr.Bus))
		address.CreateAttr("slot", fmt.Sprintf("0x%02x", addr.Slot))
		address.CreateAttr("function", fmt.Sprintf("0x%x", addr.Function))
	}

	for _, id := range opts.VFIOPCIMdev {
		hostdev := devices.CreateElement("hostdev")
		hostdev.CreateAttr("mode", "subsystem")
		hostdev.CreateAttr("type", "mdev")
		hostdev.CreateAttr("model", "vfio-pci")
		hostdev.CreateElement("source").CreateElement("address").CreateAttr("uuid", id)
	}

	return doc
}

// addBaseImageDisk attaches the VM image itself: through the qcow2
// overlay in the ephemeral case, directly in the persistent case.
func addBaseImageDisk(devices *etree.Element, image *vmImage, nextDevName func() string) {
	disk := devices.CreateElement("disk")
	disk.CreateAttr("type", "file")
	disk.CreateAttr("device", "disk")

	target := disk.CreateElement("target")
	target.CreateAttr("dev", nextDevName())
	target.CreateAttr("bus", "virtio")

	driver := disk.CreateElement("driver")
	driver.CreateAttr("name", "qemu")

	if image.OverlayPath == "" {
		driver.CreateAttr("type", image.Base.Format)
		disk.CreateElement("source").CreateAttr("file", image.Base.Path)
		return
	}

	driver.CreateAttr("type", "qcow2")
	disk.CreateElement("source").CreateAttr("file", image.OverlayPath)

	backing := disk.CreateElement("backingStore")
	backing.CreateAttr("type", "file")
	backing.CreateElement("format").CreateAttr("type", image.Base.Format)
	backing.CreateElement("source").CreateAttr("file", image.Base.Path)
	backing.CreateElement("backingStore")
}

// mergeDomainOverlay layers a user-provided libvirt XML fragment over the
// generated definition: attributes override, text replaces, and elements
// merge pairwise in document order, with unmatched overlay elements
// appended.
func mergeDomainOverlay(doc *etree.Document, overlayPath string) error {
	overlay := etree.NewDocument()
	if err := overlay.ReadFromFile(overlayPath); err != nil {
		return fmt.Errorf("read %s: %w", overlayPath, err)
	}

	root := overlay.Root()
	if root == nil || root.Tag != "domain" || root.Space != "" {
		return fmt.Errorf("%s: root element must be <domain>", overlayPath)
	}

	mergeElements(doc.Root(), root)
	return nil
}

func mergeElements(base, overlay *etree.Element) {
	for _, attr := range overlay.Attr {
		base.CreateAttr(attr.FullKey(), attr.Value)
	}

	if text := strings.TrimSpace(overlay.Text()); text != "" {
		base.SetText(text)
	}

	used := make(map[*etree.Element]bool)

	for _, overlayChild := range overlay.ChildElements() {
		var match *etree.Element
		for _, baseChild := range base.ChildElements() {
			if baseChild.Tag == overlayChild.Tag && baseChild.Space == overlayChild.Space && !used[baseChild] {
				match = baseChild
				break
			}
		}

		if match != nil {
			used[match] = true
			mergeElements(match, overlayChild)
		} else {
			base.AddChild(overlayChild.Copy())
		}
	}
}

func vcpuCount(spec *specState) uint64 {
	if quota, period := spec.oci.CPUQuotaPeriod(); quota > 0 && period > 0 {
		return (uint64(quota) + period - 1) / period
	}
	return uint64(runtime.NumCPU())
}

func memorySize(spec *specState) uint64 {
	if limit := spec.oci.MemoryLimit(); limit > 0 {
		return uint64(limit)
	}
	return defaultMemorySize.Bytes()
}
