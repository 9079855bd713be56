package ockernel

import (
	"github.com/acidanthera/ockernlib/internal/kext"
	"github.com/acidanthera/ockernlib/internal/patcher"
	"github.com/acidanthera/ockernlib/internal/quirks"
	"github.com/acidanthera/ockernlib/pkg/ockerr"
)

// ApplyPatch implements apply_generic_patch (spec.md §4.H) against the
// named resident kext's Mach-O (or "__kernel__" for the whole-kernel
// variant), delegating window resolution to patcher.ResolveWindow: a
// symbol-anchored Base/Limit when the descriptor names one, otherwise the
// kernel's whole __TEXT segment or, for a kext, its entire Mach-O, per
// PatcherInitContextFromBuffer/PatcherInitContextFromPrelinked's two call
// shapes in KextInject.c. It returns the number of replacements made;
// PatchNotFound (via ockerr.PatchError) unless d.Optional is set.
func (c *Context) ApplyPatch(bundleID string, d patcher.Descriptor) (int, error) {
	if c.state != statePrepared {
		return 0, ockerr.New(ockerr.InvalidState, "apply_patch called before inject_prepare or after inject_complete")
	}
	ctx, ok := c.contexts[bundleID]
	if !ok {
		return 0, ockerr.New(ockerr.InputMalformed, "patch target %q is not resident", bundleID)
	}
	wholeSegment := ""
	if bundleID == "__kernel__" {
		wholeSegment = "__TEXT"
	}
	win, err := patcher.ResolveWindow(ctx, d.Base, d.Limit, wholeSegment)
	if err != nil {
		return 0, err
	}
	// ctx.View.Bytes() aliases the same backing array as c.buf, rebased to
	// ctx's own start: win's offsets are relative to that start (as
	// ResolveWindow computes them via ctx.VAToFileOffset/SegmentNamed), so
	// the write must go through ctx's view, not c.buf directly.
	return patcher.ApplyGenericPatch(ctx.View.Bytes(), win, bundleID, d)
}

// BlockKext implements block_kext (spec.md §4.H): it locates bundleID's
// kmod_info start function and overwrites it so the kernel's loader sees
// an immediate non-zero return.
func (c *Context) BlockKext(bundleID string) error {
	if c.state != statePrepared {
		return ockerr.New(ockerr.InvalidState, "block_kext called before inject_prepare or after inject_complete")
	}
	rec, ok := c.universe.Get(bundleID)
	if !ok {
		return ockerr.New(ockerr.InputMalformed, "block_kext: %q is not resident", bundleID)
	}
	ctx, ok := c.contexts[bundleID]
	if !ok || !rec.HasExecutable() {
		return ockerr.New(ockerr.InputMalformed, "block_kext: %q has no executable", bundleID)
	}
	sym, ok := ctx.FindSymbol("_kmod_info")
	if !ok {
		return ockerr.New(ockerr.InputMalformed, "block_kext: %q has no kmod_info symbol", bundleID)
	}
	kmodOff, ok := ctx.VAToFileOffset(sym.Value)
	if !ok {
		return ockerr.New(ockerr.Overflow, "block_kext: kmod_info has no file mapping")
	}
	// StartAddr sits at a fixed offset within kmod_info_t (see kext.KmodInfo).
	const startAddrFieldOffset = 8 + 4 + 4 + 64 + 64 + 4 + 8 + 8 + 8 + 8
	startFieldOff := kmodOff + startAddrFieldOffset
	startVARaw, err := ctx.View.ReadUint64(int(startFieldOff))
	if err != nil {
		return ockerr.New(ockerr.Overflow, "block_kext: read kmod_info.start: %v", err)
	}
	startOff, ok := ctx.VAToFileOffset(startVARaw)
	if !ok {
		return ockerr.New(ockerr.Overflow, "block_kext: kmod_info.start has no file mapping")
	}
	if err := patcher.BlockKext(ctx.View.Bytes(), startOff); err != nil {
		return err
	}
	rec.Status = kext.StatusBlocked
	return nil
}

// ApplyQuirk implements spec.md §4.I's dispatcher: it looks up name in
// catalog, selects the patch set for the detected Darwin kernel version,
// and applies each descriptor against the quirk's declared target.
// UnsupportedKernelVersion is returned (and is non-fatal by convention,
// per spec.md §4.I) when no range in the quirk covers c.DarwinVersion().
func (c *Context) ApplyQuirk(catalog *quirks.Catalog, name string) (int, error) {
	if c.state != statePrepared {
		return 0, ockerr.New(ockerr.InvalidState, "apply_quirk called before inject_prepare or after inject_complete")
	}
	q, ok := catalog.Lookup(name)
	if !ok {
		return 0, ockerr.New(ockerr.InvalidState, "unknown quirk %q", name)
	}
	patches, ok := q.PatchesFor(c.darwinVersion)
	if !ok {
		return 0, ockerr.New(ockerr.UnsupportedKernelVersion, "quirk %q has no patch set for kernel version %d", name, c.darwinVersion)
	}

	target := "__kernel__"
	if q.Target == quirks.TargetKext {
		target = q.BundleID
	}

	total := 0
	for _, d := range patches {
		n, err := c.ApplyPatch(target, d)
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}
