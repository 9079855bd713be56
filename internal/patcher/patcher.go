// Package patcher implements the generic masked find/replace operation
// (spec.md §4.H) and block_kext, grounded on internal/byteview.View.Find
// (component A) for the match loop and on
// Utilities/TestKextInject/KextInject.c's CLI error reporting for the
// offset-window-searched detail a PatchNotFound carries.
package patcher

import (
	"github.com/acidanthera/ockernlib/internal/byteview"
	"github.com/acidanthera/ockernlib/pkg/ockerr"
)

// Window names the byte range of the working buffer a patch descriptor
// searches, resolved by the caller (the kernel's __TEXT segment, a named
// kext's whole Mach-O, or a symbol-anchored [base, base+limit) slice per
// spec.md §4.H step 1).
type Window struct {
	Base  int
	Limit int // 0 means "to the end of the window's natural bound"
}

// Descriptor is one Patch Descriptor: a masked find/replace with
// skip/count bounds, matching spec.md §4.H exactly.
type Descriptor struct {
	Find        []byte
	FindMask    []byte // nil means exact match
	Replace     []byte
	ReplaceMask []byte // nil means overwrite every matched byte
	Skip        int    // matches to skip before the first replacement
	Count       int    // max replacements, 0 = unlimited (OQ-1, see DESIGN.md)
	Optional    bool   // zero matches is not an error when true

	// Base names a symbol to locate first and search from (spec.md §3's
	// "base (NULL = anywhere in target; non-NULL = symbol name...)");
	// empty means search the whole target. Limit caps the search window
	// in bytes from Base; 0 means to the end of Base's containing
	// section (symbol-anchored) or of the whole target (unanchored).
	// ResolveWindow turns these into the Window ApplyGenericPatch walks.
	Base  string
	Limit int
}

// ApplyGenericPatch walks the window in buf matching Find under FindMask,
// skipping the first Skip matches, then overwrites up to Count matches
// (0 = unlimited) with Replace under ReplaceMask. It returns the number of
// replacements made. Per spec.md §4.H step 5, zero replacements is an
// error unless descriptor.Optional is set for the current kernel version.
func ApplyGenericPatch(buf []byte, win Window, target string, d Descriptor) (int, error) {
	if len(d.Find) != len(d.Replace) {
		return 0, ockerr.New(ockerr.InputMalformed, "patch find/replace length mismatch (%d vs %d)", len(d.Find), len(d.Replace))
	}
	limit := win.Limit
	if limit == 0 || win.Base+limit > len(buf) {
		limit = len(buf) - win.Base
	}
	if win.Base < 0 || limit < 0 || win.Base+limit > len(buf) {
		return 0, ockerr.New(ockerr.Overflow, "patch window out of bounds")
	}
	window := buf[win.Base : win.Base+limit]

	skipped := 0
	applied := 0
	pos := 0
	for {
		off, ok := byteview.Find(window, pos, d.Find, d.FindMask)
		if !ok {
			break
		}
		if skipped < d.Skip {
			skipped++
			pos = off + 1
			continue
		}
		if d.Count > 0 && applied >= d.Count {
			break
		}
		overwriteMasked(window[off:off+len(d.Replace)], d.Replace, d.ReplaceMask)
		applied++
		pos = off + len(d.Find)
	}

	if applied == 0 && !d.Optional {
		return 0, &ockerr.PatchError{Target: target, Window: [2]uint64{uint64(win.Base), uint64(win.Base + limit)}}
	}
	return applied, nil
}

func overwriteMasked(dst, src, mask []byte) {
	for i := range src {
		if mask == nil || mask[i] != 0 {
			dst[i] = src[i]
		}
	}
}

// BlockKext rewrites the kext's entry point so the kernel's loader sees
// an immediate non-zero return, per spec.md §4.H's block_kext: it patches
// a short "mov eax, 1; ret" sequence (0xB8 01 00 00 00 C3) over the first
// bytes at startOff, matching how OcMachoPrelinkLib's KextInject test
// harness observes a blocked kext's kmod_info->start being replaced with a
// trivial stub rather than zeroed (a zeroed pointer crashes the loader;
// a stub that returns nonzero makes kext init fail cleanly).
func BlockKext(buf []byte, startOff uint64) error {
	stub := []byte{0xB8, 0x01, 0x00, 0x00, 0x00, 0xC3}
	if startOff+uint64(len(stub)) > uint64(len(buf)) {
		return ockerr.New(ockerr.Overflow, "block_kext: start offset %#x out of bounds", startOff)
	}
	copy(buf[startOff:startOff+uint64(len(stub))], stub)
	return nil
}
