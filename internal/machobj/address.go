package machobj

import (
	"bytes"
	"regexp"

	"github.com/acidanthera/ockernlib/pkg/ockerr"
)

// VAToFileOffset converts a virtual address to a file offset by locating
// the segment whose [Addr, Addr+Memsz) range contains va, per spec.md
// §4.C ("va_to_file_offset(va) -> Option<off>"). Segments are assumed
// disjoint in VA space (spec.md §3's Segment invariant), so the first
// containing segment is authoritative.
func (c *Context) VAToFileOffset(va uint64) (uint64, bool) {
	for _, seg := range c.Segments {
		if va >= seg.Addr && va < seg.Addr+seg.Memsz {
			return seg.Offset + (va - seg.Addr), true
		}
	}
	return 0, false
}

// FileOffsetToVA is the inverse of VAToFileOffset.
func (c *Context) FileOffsetToVA(off uint64) (uint64, bool) {
	for _, seg := range c.Segments {
		if off >= seg.Offset && off < seg.Offset+seg.Filesz {
			return seg.Addr + (off - seg.Offset), true
		}
	}
	return 0, false
}

var darwinSentinelRe = regexp.MustCompile(`Darwin Kernel Version [^\x00]*`)

// DarwinVersionString scans __TEXT.__const for the "Darwin Kernel
// Version ..." sentinel spec.md §4.I and §6 describe, returning the full
// matched line (NUL-terminated in the section, trimmed here). Used by
// the quirks dispatcher to select a version-ranged patch set.
func (c *Context) DarwinVersionString() (string, error) {
	sect := c.SectionNamed("__TEXT", "__const")
	if sect == nil {
		return "", ockerr.New(ockerr.InputMalformed, "no __TEXT.__const section to scan for Darwin Kernel Version")
	}
	raw, err := c.View.ReadAt(int(sect.Offset), int(sect.Size))
	if err != nil {
		return "", ockerr.New(ockerr.InputMalformed, "read __TEXT.__const: %v", err)
	}
	loc := darwinSentinelRe.FindIndex(bytes.TrimRight(raw, "\x00"))
	if loc == nil {
		return "", ockerr.New(ockerr.InputMalformed, "no Darwin Kernel Version sentinel in __TEXT.__const")
	}
	return string(raw[loc[0]:loc[1]]), nil
}
