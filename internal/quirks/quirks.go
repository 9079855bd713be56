// Package quirks implements the static, named-quirk registry spec.md
// §4.I describes: a KernelQuirk or KextQuirk declares per-kernel-version
// Patch Descriptors, and the dispatcher selects the range containing the
// running kernel version. Grounded on spec.md §4.I's own representative
// list; kernel-version extraction is grounded on the __TEXT.__const scan
// on machobj's public surface (Context.DarwinVersionString).
package quirks

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/acidanthera/ockernlib/internal/patcher"
	"github.com/acidanthera/ockernlib/pkg/ockerr"
)

// Target distinguishes where a quirk's patches apply.
type Target int

const (
	TargetKernel Target = iota
	TargetKext
)

// VersionRange is an inclusive [Min, Max] Darwin kernel version range,
// encoded as spec.md §6 describes: major*10000 + minor*100 + patch.
// A zero Max means "no upper bound".
type VersionRange struct {
	Min, Max uint32
}

func (r VersionRange) Contains(v uint32) bool {
	if v < r.Min {
		return false
	}
	if r.Max != 0 && v > r.Max {
		return false
	}
	return true
}

// Quirk is one named, version-ranged patch bundle.
type Quirk struct {
	Name    string
	Target  Target
	BundleID string // only meaningful when Target == TargetKext
	Ranges  []struct {
		VersionRange
		Patches []patcher.Descriptor
	}
}

// PatchesFor returns the patch descriptors whose range contains version,
// or (nil, false) if no range covers it — an UnsupportedKernelVersion
// condition the caller may treat as non-fatal (spec.md §4.I).
func (q Quirk) PatchesFor(version uint32) ([]patcher.Descriptor, bool) {
	for _, r := range q.Ranges {
		if r.Contains(version) {
			return r.Patches, true
		}
	}
	return nil, false
}

var darwinVersionRe = regexp.MustCompile(`Darwin Kernel Version (\d+)\.(\d+)\.(\d+)`)

// ParseDarwinVersion extracts major.minor.patch from a sentinel string
// beginning with "Darwin Kernel Version" (as found in the kernel's
// __TEXT.__const) and encodes it per spec.md §6.
func ParseDarwinVersion(sentinel string) (uint32, error) {
	m := darwinVersionRe.FindStringSubmatch(sentinel)
	if m == nil {
		return 0, ockerr.New(ockerr.UnsupportedKernelVersion, "no Darwin Kernel Version sentinel found")
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	patch, _ := strconv.Atoi(m[3])
	return uint32(major*10000 + minor*100 + patch), nil
}

// Catalog is the static registry of quirks applied by name.
type Catalog struct {
	byName map[string]Quirk
}

func NewCatalog(quirks ...Quirk) *Catalog {
	c := &Catalog{byName: make(map[string]Quirk, len(quirks))}
	for _, q := range quirks {
		c.byName[q.Name] = q
	}
	return c
}

func (c *Catalog) Lookup(name string) (Quirk, bool) {
	q, ok := c.byName[name]
	return q, ok
}

func (c *Catalog) Names() []string {
	out := make([]string, 0, len(c.byName))
	for n := range c.byName {
		out = append(out, n)
	}
	return out
}

// Dispatch applies the named quirk's patches for the given kernel version
// against apply, a caller-supplied function performing one patch (e.g. a
// closure over ApplyGenericPatch bound to the right window/target).
func Dispatch(c *Catalog, name string, version uint32, apply func(patcher.Descriptor) error) error {
	q, ok := c.Lookup(name)
	if !ok {
		return ockerr.New(ockerr.InvalidState, "unknown quirk %q", name)
	}
	patches, ok := q.PatchesFor(version)
	if !ok {
		return ockerr.New(ockerr.UnsupportedKernelVersion, "quirk %q has no patch set for kernel version %s", name, formatVersion(version))
	}
	for i, p := range patches {
		if err := apply(p); err != nil {
			return fmt.Errorf("quirk %q patch %d: %w", name, i, err)
		}
	}
	return nil
}

func formatVersion(v uint32) string {
	return fmt.Sprintf("%d.%d.%d", v/10000, (v/100)%100, v%100)
}
