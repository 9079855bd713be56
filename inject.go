package ockernel

import (
	"sort"

	"github.com/acidanthera/ockernlib/internal/kext"
	"github.com/acidanthera/ockernlib/internal/kextlink"
	"github.com/acidanthera/ockernlib/internal/plist"
	"github.com/acidanthera/ockernlib/pkg/ockerr"
)

// PendingKext is one kext the caller asks InjectKext to place: its bundle
// metadata (as would sit in Info.plist) and its linked Mach-O executable,
// or a nil/empty Executable for a plist-only (personality-only) kext.
type PendingKext struct {
	Bundle     kext.BundleInfo
	Executable []byte
}

// InjectKext implements inject_kext (spec.md §4.E step 6, delegating to
// component G's kextlink.Link): it places Executable at the next free
// virtual address and file offset, resolves its dependency closure and
// vtables against everything resident so far (including kexts injected
// earlier in this same call sequence), binds its relocations, and adds
// its catalog entry to the working __PRELINK_INFO plist.
func (c *Context) InjectKext(p PendingKext) error {
	if c.state != statePrepared {
		return ockerr.New(ockerr.InvalidState, "inject_kext called before inject_prepare or after inject_complete")
	}

	mode := kextlink.ModeClassic
	if c.mode == ModeKernelCollection {
		mode = kextlink.ModeKernelCollection
	}

	res, err := kextlink.Link(kextlink.Request{
		Universe:        c.universe,
		ResidentVtables: c.residentVtables,
		Buffer:          c.buf,
		FileCursor:      c.fileCursor,
		VirtualEnd:      c.virtualEnd,
		Mode:            mode,
		Fixups:          c.outer.Fixups,
		Bundle:          p.Bundle,
		Executable:      p.Executable,
	})
	if err != nil {
		return err
	}

	c.fileCursor = res.NewFileCursor
	c.virtualEnd = res.NewVirtualEnd
	c.universe.Add(res.Record, res.MachO)
	if res.MachO != nil {
		c.contexts[res.Record.Bundle.ID] = res.MachO
	}

	c.infoArray.ArrayAppend(catalogEntryForRecord(res.Record))
	return nil
}

// catalogEntryForRecord renders a Kext Record's bundle metadata back into
// a _PrelinkInfoDictionary-shaped dict node, the inverse of
// recordFromCatalogEntry, per spec.md §4.D's round-trip law extended to
// newly injected entries.
func catalogEntryForRecord(rec *kext.Record) *plist.Node {
	d := plist.NewDict()
	b := rec.Bundle

	d.DictSet("CFBundleIdentifier", plist.NewString(b.ID))
	if b.Name != "" {
		d.DictSet("CFBundleName", plist.NewString(b.Name))
	}
	if b.Version != "" {
		d.DictSet("CFBundleVersion", plist.NewString(b.Version))
	}
	if b.CompatibleVersion != "" {
		d.DictSet("OSBundleCompatibleVersion", plist.NewString(b.CompatibleVersion))
	}
	if b.Executable != "" {
		d.DictSet("CFBundleExecutable", plist.NewString(b.Executable))
	}
	if b.BundlePath != "" {
		d.DictSet("_PrelinkBundlePath", plist.NewString(b.BundlePath))
	}
	if len(b.OSBundleLibraries) > 0 {
		libs := plist.NewDict()
		names := make([]string, 0, len(b.OSBundleLibraries))
		for name := range b.OSBundleLibraries {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			libs.DictSet(name, plist.NewString(b.OSBundleLibraries[name]))
		}
		d.DictSet("OSBundleLibraries", libs)
	}
	if rec.HasExecutable() {
		d.DictSet("_PrelinkExecutableLoadAddr", plist.NewInteger(int64(rec.LoadAddress), true))
		d.DictSet("_PrelinkExecutableSourceAddr", plist.NewInteger(int64(rec.SourceAddress), true))
		d.DictSet("_PrelinkExecutableSize", plist.NewInteger(int64(rec.Size), true))
	}
	return d
}
