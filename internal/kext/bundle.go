// Package kext models a single kernel extension: the bundle metadata
// recorded in the prelinked info plist, and the in-memory kmod_info
// record the kernel itself reads. BundleInfo's shape and plist tags are
// adapted directly from cuishuang-ipsw/pkg/kernelcache/kext.go's CFBundle
// struct (narrowed to the fields spec.md §3's Kext Record names); KmodInfo
// is adapted from the same file's KmodInfoT.
package kext

import (
	"fmt"

	"github.com/acidanthera/ockernlib/internal/machobj"
)

// BundleInfo is the Go-struct view of a kext's Info.plist, marshaled
// through github.com/blacktop/go-plist (see DESIGN.md, SPEC_FULL.md §2).
// The byte-exact catalog DOM itself is owned by internal/plist; this
// struct is a read/write convenience layer over one dictionary entry.
type BundleInfo struct {
	ID      string `plist:"CFBundleIdentifier,omitempty"`
	Name    string `plist:"CFBundleName,omitempty"`
	Version string `plist:"CFBundleVersion,omitempty"`

	CompatibleVersion string `plist:"OSBundleCompatibleVersion,omitempty"`
	Executable        string `plist:"CFBundleExecutable,omitempty"`
	PackageType       string `plist:"CFBundlePackageType,omitempty"`

	OSBundleLibraries map[string]string `plist:"OSBundleLibraries,omitempty"`
	OSBundleRequired  string            `plist:"OSBundleRequired,omitempty"`
	OSKernelResource  bool              `plist:"OSKernelResource,omitempty"`

	// ExecutableLoadAddr is populated by the kext linker (component G)
	// once the kext's executable has been placed, and is absent from a
	// plist-only kext's dictionary. ModuleIndex is carried as decoded;
	// nothing in this module assigns it.
	ExecutableLoadAddr uint64 `plist:"_PrelinkExecutableLoadAddr,omitempty"`
	ModuleIndex        uint64 `plist:"ModuleIndex,omitempty"`
	BundlePath         string `plist:"_PrelinkBundlePath,omitempty"`
}

// KmodInfo is the kmod_info_t record XNU's prelinked-kernel loader reads
// for each resident kext, adapted field-for-field from cuishuang-ipsw's
// KmodInfoT.
type KmodInfo struct {
	NextAddr          uint64
	InfoVersion       int32
	ID                uint32
	Name              [64]byte
	Version           [64]byte
	ReferenceCount    int32
	ReferenceListAddr uint64
	Address           uint64
	Size              uint64
	HeaderSize        uint64
	StartAddr         uint64
	StopAddr          uint64
}

const KmodInfoSize = 8 + 4 + 4 + 64 + 64 + 4 + 8 + 8 + 8 + 8 + 8 + 8

func (i KmodInfo) String() string {
	return fmt.Sprintf("id: %#x, name: %s, version: %s, ref_cnt: %d, addr: %#x, size: %#x, start: %#x, stop: %#x",
		i.ID, cstring(i.Name[:]), cstring(i.Version[:]), i.ReferenceCount, i.Address, i.Size, i.StartAddr, i.StopAddr)
}

func cstring(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}

// Status is the Kext Record lifecycle state spec.md §3 names.
type Status int

const (
	StatusPending Status = iota
	StatusLinked
	StatusBlocked
)

func (s Status) String() string {
	switch s {
	case StatusLinked:
		return "Linked"
	case StatusBlocked:
		return "Blocked"
	default:
		return "Pending"
	}
}

// Record is the Kext Record spec.md §3 describes: the bundle metadata
// paired with the placement/linking state the resolver and linker track
// as a kext moves from "candidate" to "resident".
type Record struct {
	Bundle BundleInfo
	Kmod   KmodInfo

	// Resident is true once the kext's executable (if any) has been
	// placed into the working buffer and its catalog entry committed.
	Resident bool
	Status   Status

	// MachO is the borrowed Mach-O context aliased into the owning
	// Prelinked Context's working buffer, valid once Resident is true and
	// HasExecutable reports true. The synthetic "__kernel__" record holds
	// the outer image's context here even though HasExecutable reports
	// false for it.
	MachO *machobj.Context

	// LoadAddress/SourceAddress/Size are the virtual addresses spec.md §3
	// names; for a kext with no executable they remain zero.
	LoadAddress   uint64
	SourceAddress uint64
	Size          uint64

	// Dependencies lists the bundle-ids this record's OSBundleLibraries
	// resolved against, in closure order (kernel/root first). Populated by
	// the linker at link time. A kext naming itself never appears here: it
	// is not yet resident, so resolver.Closure reports it as a missing
	// dependency, and kextlink.Link also filters the kext's own id out.
	Dependencies []string

	// SegmentOffset/SegmentSize describe where this kext's __TEXT/__DATA
	// executable lives in the owning Prelinked Context's working buffer,
	// valid only when Bundle.Executable != "".
	SegmentOffset uint64
	SegmentSize   uint64
}

// HasExecutable reports whether this kext carries linked code, as opposed
// to a plist-only (personality/IOKit-matching) kext.
func (r *Record) HasExecutable() bool { return r.Bundle.Executable != "" }
