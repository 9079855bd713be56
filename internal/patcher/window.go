package patcher

import (
	"github.com/acidanthera/ockernlib/internal/machobj"
	"github.com/acidanthera/ockernlib/pkg/ockerr"
)

// ResolveWindow computes the search window for a patch descriptor against
// ctx per spec.md §4.H step 1: if base names a symbol, the window starts
// at that symbol's file offset and runs for limit bytes (0 = to the end
// of the symbol's containing section); otherwise it covers wholeSegment
// (the kernel's __TEXT segment) or, if wholeSegment is empty, the entire
// Mach-O image ctx was parsed from.
func ResolveWindow(ctx *machobj.Context, base string, limit int, wholeSegment string) (Window, error) {
	if base != "" {
		sym, ok := ctx.FindSymbol(base)
		if !ok {
			return Window{}, ockerr.New(ockerr.InputMalformed, "patch base symbol %q not found", base)
		}
		off, ok := ctx.VAToFileOffset(sym.Value)
		if !ok {
			return Window{}, ockerr.New(ockerr.Overflow, "patch base symbol %q has no mapped file offset", base)
		}
		win := Window{Base: int(off), Limit: limit}
		if limit == 0 {
			if sect := sectionContaining(ctx, sym.Value); sect != nil {
				end := sect.Offset + uint32(sect.Size)
				if end > uint32(off) {
					win.Limit = int(end - uint32(off))
				}
			}
		}
		return win, nil
	}
	if wholeSegment != "" {
		seg := ctx.SegmentNamed(wholeSegment)
		if seg == nil {
			return Window{}, ockerr.New(ockerr.InputMalformed, "segment %q not present", wholeSegment)
		}
		return Window{Base: int(seg.Offset), Limit: int(seg.Filesz)}, nil
	}
	return Window{Base: 0, Limit: ctx.View.Len()}, nil
}

func sectionContaining(ctx *machobj.Context, va uint64) *machobj.Section {
	for _, seg := range ctx.Segments {
		for _, sect := range seg.Sections {
			if va >= sect.Addr && va < sect.Addr+sect.Size {
				return sect
			}
		}
	}
	return nil
}
