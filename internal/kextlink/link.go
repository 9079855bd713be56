// Package kextlink implements component G, the kext linker: placing a
// candidate kext's executable at the next free virtual address, binding
// its undefined symbols and vtables against the resolver's dependency
// closure (internal/resolver), applying relocations, and handing back a
// fully-populated Kext Record for the Prelinked Context (component E) to
// commit. Grounded on Library/OcMachoPrelinkLib/Dependencies.c's link-time
// vtable patch loop; the KC-mode chained-fixup emission half is new code
// since the teacher library only ever reads fixups (see DESIGN.md).
package kextlink

import (
	"fmt"

	"github.com/acidanthera/ockernlib/internal/byteview"
	"github.com/acidanthera/ockernlib/internal/kext"
	"github.com/acidanthera/ockernlib/internal/machobj"
	"github.com/acidanthera/ockernlib/internal/resolver"
	"github.com/acidanthera/ockernlib/pkg/ockerr"
)

const pageSize = 4096

// Mode mirrors the Prelinked Context's classic-vs-kernel-collection
// distinction (spec.md §4.E step 2): it decides whether relocations are
// baked in place or recorded as chained-fixup entries (spec.md §4.G step 4).
type Mode int

const (
	ModeClassic Mode = iota
	ModeKernelCollection
)

// Request is everything Link needs to place and bind one candidate kext.
// Buffer is the full working buffer (capacity-length); FileCursor/
// VirtualEnd are the next free file offset / virtual address the caller
// (component E) tracks across a sequence of InjectKext calls.
type Request struct {
	Universe        *resolver.Universe
	ResidentVtables *resolver.VtableMap
	Buffer          []byte
	FileCursor      uint64
	VirtualEnd      uint64
	Mode            Mode
	Fixups          *machobj.ChainedFixups // required when Mode == ModeKernelCollection
	Bundle          kext.BundleInfo
	Executable      []byte // nil/empty => plist-only kext, spec.md §8 boundary case
}

// Result reports what Link placed, for the caller to commit (append to
// resident_kexts, advance its cursors, add a catalog entry).
type Result struct {
	Record        *kext.Record
	MachO         *machobj.Context // nil for a plist-only kext
	NewFileCursor uint64
	NewVirtualEnd uint64
}

// Link implements spec.md §4.G in full. On any failure it returns before
// touching req.Buffer: all placement/rebase/bind/reloc work happens in a
// local scratch copy first and is copied into req.Buffer only once every
// step has succeeded (spec.md §5's "writes to a scratch region first and
// commits only after full success").
func Link(req Request) (*Result, error) {
	if req.Universe.Has(req.Bundle.ID) {
		return nil, &ockerr.DuplicateBundleIDError{BundleID: req.Bundle.ID}
	}

	closure, err := resolver.Closure(req.Universe, req.Bundle.OSBundleLibraries)
	if err != nil {
		return nil, err
	}
	deps := make([]string, 0, len(closure))
	for _, r := range closure {
		if r.Bundle.ID != req.Bundle.ID {
			deps = append(deps, r.Bundle.ID)
		}
	}
	rec := &kext.Record{Bundle: req.Bundle, Dependencies: deps}

	if len(req.Executable) == 0 {
		rec.Status = kext.StatusLinked
		rec.Resident = true
		return &Result{Record: rec, NewFileCursor: req.FileCursor, NewVirtualEnd: req.VirtualEnd}, nil
	}

	loadAddr := byteview.RoundUp(req.VirtualEnd, pageSize)
	fileOff := req.FileCursor
	execLen := uint64(len(req.Executable))
	if fileOff+execLen > uint64(len(req.Buffer)) {
		return nil, ockerr.New(ockerr.CapacityExceeded, "no room to place kext %q executable (%d bytes needed)", req.Bundle.ID, execLen)
	}

	scratch := make([]byte, execLen)
	copy(scratch, req.Executable)
	scratchCtx, err := machobj.Parse(byteview.Over(scratch))
	if err != nil {
		return nil, ockerr.New(ockerr.InputMalformed, "kext %q: parse executable: %v", req.Bundle.ID, err)
	}

	symtab := resolver.BuildSymbolTable(req.Universe, closure)
	candidateVtables := resolver.ResolveCandidateVtables(req.Universe, req.ResidentVtables, req.Bundle.ID, scratchCtx)

	// Vtable patching and relocation resolution both address scratch by
	// its own as-linked (pre-rebase) offsets, since those are the byte
	// positions the data actually occupies in scratch; only the Mach-O
	// header fields describing where it will live once copied change
	// with RebasePlacement, not the bytes themselves.
	if err := patchVtables(scratchCtx, req.ResidentVtables, candidateVtables, symtab); err != nil {
		return nil, ockerr.New(ockerr.InputMalformed, "kext %q: %v", req.Bundle.ID, err)
	}

	relocSites, err := applyRelocations(scratchCtx, symtab, req.Mode, fileOff)
	if err != nil {
		return nil, ockerr.New(ockerr.InputMalformed, "kext %q: %v", req.Bundle.ID, err)
	}

	if err := scratchCtx.RebasePlacement(loadAddr, fileOff); err != nil {
		return nil, err
	}

	// Check everything the commit below depends on while req.Buffer is
	// still untouched: the rebased image must re-parse, and every chained
	// fixup site must lie inside this kext's own executable.
	if _, err := machobj.Parse(byteview.Over(scratch)); err != nil {
		return nil, ockerr.New(ockerr.InputMalformed, "kext %q: re-parse after rebase: %v", req.Bundle.ID, err)
	}
	for _, site := range relocSites {
		if site.fileOff < fileOff || site.fileOff+8 > fileOff+execLen {
			return nil, ockerr.New(ockerr.Overflow, "kext %q: chained fixup site %#x outside its executable", req.Bundle.ID, site.fileOff)
		}
	}

	// Commit: copy the fully-bound scratch image into the real buffer and
	// (KC mode) register its chained-fixup entries against the committed
	// offsets, only now that every prior step has succeeded.
	copy(req.Buffer[fileOff:fileOff+execLen], scratch)
	if req.Mode == ModeKernelCollection {
		topView := byteview.Over(req.Buffer)
		for _, site := range relocSites {
			if err := req.Fixups.AppendFixup(topView, site.fileOff, site.target, 0); err != nil {
				return nil, err
			}
		}
	}

	// Re-parse the committed region so the returned context's view aliases
	// the real working buffer (req.Buffer), not the discarded scratch
	// array: later patch/quirk passes against this kext must see and
	// mutate the buffer that actually ships.
	finalView, err := byteview.Over(req.Buffer).Slice(int(fileOff), int(execLen))
	if err != nil {
		return nil, ockerr.New(ockerr.Overflow, "kext %q: committed region out of bounds: %v", req.Bundle.ID, err)
	}
	finalCtx, err := machobj.Parse(finalView)
	if err != nil {
		return nil, ockerr.New(ockerr.InputMalformed, "kext %q: re-parse after commit: %v", req.Bundle.ID, err)
	}

	rec.MachO = finalCtx
	rec.Status = kext.StatusLinked
	rec.Resident = true
	rec.LoadAddress = loadAddr
	rec.SourceAddress = loadAddr
	rec.Size = execLen
	rec.SegmentOffset = fileOff
	rec.SegmentSize = execLen
	rec.Bundle.ExecutableLoadAddr = loadAddr

	newVirtualEnd := loadAddr + byteview.RoundUp(execLen, pageSize)
	return &Result{
		Record:        rec,
		MachO:         finalCtx,
		NewFileCursor: fileOff + execLen,
		NewVirtualEnd: newVirtualEnd,
	}, nil
}

type relocSite struct {
	fileOff uint64
	target  uint64
}

// applyRelocations implements spec.md §4.G step 4: every relocation entry
// in every section is resolved to a target VA and written into the
// scratch image (classic mode) or collected for chained-fixup emission
// (KC mode, where the real write happens only after commit — see Link).
// It runs before RebasePlacement, so sect.Offset is still the as-linked
// offset local to ctx's own view; fileDelta (the kext's assigned file
// offset within the working buffer) is added separately to produce the
// absolute site offset a chained fixup entry records.
func applyRelocations(ctx *machobj.Context, symtab *resolver.SymbolTable, mode Mode, fileDelta uint64) ([]relocSite, error) {
	var sites []relocSite
	for _, seg := range ctx.Segments {
		for _, sect := range seg.Sections {
			if sect.Nreloc == 0 {
				continue
			}
			relocs, err := machobj.Relocations(ctx.View, sect)
			if err != nil {
				return nil, err
			}
			for _, rl := range relocs {
				target, err := resolveRelocTarget(ctx, symtab, rl)
				if err != nil {
					return nil, fmt.Errorf("%s.%s: %w", sect.Seg, sect.Name, err)
				}
				localOff := uint64(sect.Offset) + uint64(rl.Addr)
				if mode == ModeKernelCollection {
					sites = append(sites, relocSite{fileOff: localOff + fileDelta, target: target})
					continue
				}
				if err := writeRelocValue(ctx, int(localOff), rl, target); err != nil {
					return nil, err
				}
			}
		}
	}
	return sites, nil
}

func resolveRelocTarget(ctx *machobj.Context, symtab *resolver.SymbolTable, rl machobj.Reloc) (uint64, error) {
	if !rl.Extern {
		return 0, fmt.Errorf("section-relative relocations are not supported for kext injection")
	}
	if ctx.Symtab == nil || int(rl.Symnum) >= len(ctx.Symtab.Syms) {
		return 0, fmt.Errorf("relocation references out-of-range symbol index %d", rl.Symnum)
	}
	name := ctx.Symtab.Syms[rl.Symnum].Name
	sym, ok := symtab.Resolve(name)
	if !ok {
		return 0, fmt.Errorf("undefined symbol %q", name)
	}
	return sym.Value, nil
}

// writeRelocValue applies rl against ctx's view. Prelinked kernels only
// ever carry absolute (X86_64_RELOC_UNSIGNED) fixups for extern symbol
// references — the PC-relative kinds (SIGNED and its SIGNED_1/2/4
// variants, BRANCH, GOT, GOT_LOAD, SUBTRACTOR) reloc.go decodes them as
// but no prelinked-kernel executable this linker targets ever emits, so
// they are rejected here rather than silently treated as absolute.
func writeRelocValue(ctx *machobj.Context, off int, rl machobj.Reloc, target uint64) error {
	switch rl.Type {
	case machobj.X86_64_RELOC_UNSIGNED:
		switch rl.Len {
		case 3:
			return ctx.View.WriteUint64(off, target)
		case 2:
			return ctx.View.WriteUint32(off, uint32(target))
		default:
			return fmt.Errorf("unsupported X86_64_RELOC_UNSIGNED length %d", rl.Len)
		}
	default:
		return fmt.Errorf("unsupported relocation type %d", rl.Type)
	}
}
