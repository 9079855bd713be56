package quirks

import "github.com/acidanthera/ockernlib/internal/patcher"

// noUpperBound is the sentinel VersionRange.Max value meaning "and later",
// per spec.md §3's "kernel-version range ... inclusive, open-ended with
// sentinel".
const noUpperBound = 0

func patches(p ...patcher.Descriptor) []patcher.Descriptor { return p }

// Default returns the static registry of named quirks spec.md §4.I lists
// as representative of the shape (not the disclosed rationale) this
// engine's quirk set must reproduce. Byte patterns here are illustrative
// placements for the same find/replace/mask machinery every quirk shares;
// callers needing the exact vendor-specific sequences supply their own
// Quirk values to quirks.NewCatalog alongside or instead of these.
func Default() *Catalog {
	return NewCatalog(
		msrE2NoCheck(),
		xhciPortLimit(),
		thirdPartyDriveIcons(),
		disableIOMapper(),
		appleRTCNoChecksumWriteback(),
		panicKextDumpDisable(),
		cpuidFactoryOverride(),
		btFeatureFlagsExtend(),
		legacySecureBoot(),
	)
}

// msrE2NoCheck unlocks the MSR 0xE2 ("platform info") write-lock check
// AppleIntelCPUPowerManagement performs before touching turbo-ratio
// MSRs on unsupported CPU models, per spec.md §4.I's "Unlock MSR 0xE2
// configuration lock in the XNU power-management path".
func msrE2NoCheck() Quirk {
	q := Quirk{Name: "AppleXcpmExtraMsrs", Target: TargetKext, BundleID: "com.apple.driver.AppleIntelCPUPowerManagement"}
	q.Ranges = []struct {
		VersionRange
		Patches []patcher.Descriptor
	}{
		{VersionRange{Min: 190000, Max: noUpperBound}, patches(patcher.Descriptor{
			Find:     []byte{0x0F, 0x30, 0x85, 0xC0, 0x0F, 0x85},
			FindMask: []byte{0xFF, 0xFF, 0x00, 0x00, 0xFF, 0xFF},
			Replace:  []byte{0x0F, 0x30, 0x85, 0xC0, 0x0F, 0x84},
			ReplaceMask: []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0xFF},
			Count:    1,
		})},
	}
	return q
}

// xhciPortLimit raises the hardcoded 15-port ceiling XhciPortLimit-style
// patches remove from AppleUSBXHCIPCI/IOUSBHostFamily, per spec.md §4.I's
// "Extend USB controller port limit beyond 15".
func xhciPortLimit() Quirk {
	q := Quirk{Name: "XhciPortLimit", Target: TargetKext, BundleID: "com.apple.driver.usb.AppleUSBXHCIPCI"}
	q.Ranges = []struct {
		VersionRange
		Patches []patcher.Descriptor
	}{
		{VersionRange{Min: 170000, Max: noUpperBound}, patches(patcher.Descriptor{
			Find:    []byte{0x83, 0xF8, 0x0F, 0x0F, 0x8D},
			Replace: []byte{0x83, 0xF8, 0x7F, 0x0F, 0x8D},
			Count:   0, // unlimited: the same comparison recurs per controller instance
		})},
	}
	return q
}

// thirdPartyDriveIcons forces the internal-disk icon path for non-Apple
// SATA/NVMe identifiers, per spec.md §4.I's "Force internal-disk icons".
func thirdPartyDriveIcons() Quirk {
	q := Quirk{Name: "ThirdPartyDriveIcons", Target: TargetKext, BundleID: "com.apple.iokit.IOAHCIFamily"}
	q.Ranges = []struct {
		VersionRange
		Patches []patcher.Descriptor
	}{
		{VersionRange{Min: 0, Max: noUpperBound}, patches(patcher.Descriptor{
			Find:     []byte{0x45, 0x78, 0x74, 0x65, 0x72, 0x6E, 0x61, 0x6C}, // "External"
			Replace:  []byte{0x49, 0x6E, 0x74, 0x65, 0x72, 0x6E, 0x61, 0x6C}, // "Internal"
			Count:    1,
			Optional: true,
		})},
	}
	return q
}

// disableIOMapper neutralizes IOPCIFamily's VT-d/IOMMU mapper path for
// platforms whose DMAR table the kernel otherwise trusts incorrectly, per
// spec.md §4.I's "Disable IOMapper / VT-d in IOPCIFamily".
func disableIOMapper() Quirk {
	q := Quirk{Name: "DisableIoMapper", Target: TargetKext, BundleID: "com.apple.iokit.IOPCIFamily"}
	q.Ranges = []struct {
		VersionRange
		Patches []patcher.Descriptor
	}{
		{VersionRange{Min: 150000, Max: noUpperBound}, patches(patcher.Descriptor{
			Find:        []byte{0xE8, 0x00, 0x00, 0x00, 0x00, 0x84, 0xC0, 0x75},
			FindMask:    []byte{0xFF, 0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0xFF},
			Replace:     []byte{0xE8, 0x00, 0x00, 0x00, 0x00, 0x31, 0xC0, 0x75},
			ReplaceMask: []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0x00},
			Count:       1,
		})},
	}
	return q
}

// appleRTCNoChecksumWriteback stops AppleRTC from writing its CMOS
// checksum back on every NVRAM-adjacent update, avoiding desync with a
// firmware that also maintains it, per spec.md §4.I's "Disable AppleRTC
// CMOS-checksum writeback".
func appleRTCNoChecksumWriteback() Quirk {
	q := Quirk{Name: "AppleRtcRam", Target: TargetKext, BundleID: "com.apple.driver.AppleRTC"}
	q.Ranges = []struct {
		VersionRange
		Patches []patcher.Descriptor
	}{
		{VersionRange{Min: 0, Max: noUpperBound}, patches(patcher.Descriptor{
			Find:    []byte{0x88, 0x18, 0xE9},
			Replace: []byte{0x90, 0x90, 0xE9},
			Count:   1,
		})},
	}
	return q
}

// panicKextDumpDisable suppresses the kext-dump panic-handler walk and
// the LAPIC-AP panic path, per spec.md §4.I's "Suppress kext-dump on
// panic; disable LAPIC-AP panic".
func panicKextDumpDisable() Quirk {
	q := Quirk{Name: "PanicNoKextDump", Target: TargetKernel}
	q.Ranges = []struct {
		VersionRange
		Patches []patcher.Descriptor
	}{
		{VersionRange{Min: 0, Max: noUpperBound}, patches(patcher.Descriptor{
			Find:    []byte{0xE8, 0x00, 0x00, 0x00, 0x00, 0x48, 0x8B, 0x3D},
			FindMask: []byte{0xFF, 0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF, 0xFF},
			Replace: []byte{0x90, 0x90, 0x90, 0x90, 0x90, 0x48, 0x8B, 0x3D},
			ReplaceMask: []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0x00, 0x00, 0x00},
			Count:   1,
		})},
	}
	return q
}

// cpuidFactoryOverride replaces the kernel's raw CPUID leaf 1 readout
// with caller-supplied spoofed family/model/stepping bits, per spec.md
// §4.I's "Override CPUID leaf 1 (for spoofing CPU family/model)". The
// replacement bytes are a placeholder (an immediate matching the probe
// pattern) — real deployments overlay the actual desired EAX value before
// registering this quirk.
func cpuidFactoryOverride() Quirk {
	q := Quirk{Name: "CustomCpuid1", Target: TargetKernel}
	q.Ranges = []struct {
		VersionRange
		Patches []patcher.Descriptor
	}{
		{VersionRange{Min: 0, Max: noUpperBound}, patches(patcher.Descriptor{
			Find:    []byte{0xB8, 0x01, 0x00, 0x00, 0x00, 0x0F, 0xA2},
			Replace: []byte{0xB8, 0x01, 0x00, 0x00, 0x00, 0x0F, 0xA2},
			Count:   1,
		})},
	}
	return q
}

// btFeatureFlagsExtend widens the Bluetooth feature-flag bitmap IOBluetoothFamily
// checks before enabling BLE-only behavior, per spec.md §4.I's "Extend
// Bluetooth feature-flag bitmap".
func btFeatureFlagsExtend() Quirk {
	q := Quirk{Name: "ExtendBTFeatureFlags", Target: TargetKext, BundleID: "com.apple.iokit.IOBluetoothFamily"}
	q.Ranges = []struct {
		VersionRange
		Patches []patcher.Descriptor
	}{
		{VersionRange{Min: 180000, Max: noUpperBound}, patches(patcher.Descriptor{
			Find:    []byte{0x3C, 0x3F},
			Replace: []byte{0x3C, 0x7F},
			Count:   1,
		})},
	}
	return q
}

// legacySecureBoot forces the x86legacy secure-boot scheme identifier
// APFS/EFI boot-policy checks expect on machines without a T2, per
// spec.md §4.I's "force the x86legacy secure-boot scheme".
func legacySecureBoot() Quirk {
	q := Quirk{Name: "ForceSecureBootScheme", Target: TargetKext, BundleID: "com.apple.driver.AppleSecureBootPolicy"}
	q.Ranges = []struct {
		VersionRange
		Patches []patcher.Descriptor
	}{
		{VersionRange{Min: 190000, Max: noUpperBound}, patches(patcher.Descriptor{
			Find:     []byte{0x02, 0x00, 0x00, 0x00}, // i386,x86legacy scheme id 2
			Replace:  []byte{0x01, 0x00, 0x00, 0x00}, // i386,legacy
			Count:    1,
			Optional: true,
		})},
	}
	return q
}
