// Package machobj parses and rewrites the Mach-O context of a prelinked
// kernel or kernel collection: its header, load commands, segments,
// sections, symbol table, relocations, and (KC mode) chained fixups.
// It narrows the teacher library's (github.com/blacktop/go-macho) general
// file.go/cmds.go load-command walk to the load commands spec.md §4.C
// names a prelinked-kernel consumer ever needs: LC_SEGMENT_64, LC_SYMTAB,
// LC_DYSYMTAB, LC_UUID, LC_DYLD_CHAINED_FIXUPS, and (KC mode) LC_FILESET_ENTRY.
package machobj

import (
	"encoding/binary"

	"github.com/acidanthera/ockernlib/internal/byteview"
	"github.com/acidanthera/ockernlib/pkg/ockerr"
	"github.com/acidanthera/ockernlib/types"
)

// Context is the parsed, mutable view of one Mach-O image living inside a
// caller-owned working buffer (see internal/byteview.View). It never owns
// its own copy of the bytes; all fields are offsets/lengths into the view.
type Context struct {
	View   byteview.View
	Header types.FileHeader

	Segments []*Segment
	Symtab   *Symtab
	Dysymtab *types.DysymtabCmd
	UUID     types.UUID
	Fixups   *ChainedFixups // nil unless LC_DYLD_CHAINED_FIXUPS is present

	// FilesetEntries is populated only when parsing a kernel collection
	// (macOS 11+); each entry names one constituent kext/kernel Mach-O and
	// its own file offset within the outer KC image.
	FilesetEntries []FilesetEntry

	loadCmdsEnd int // byte offset just past the last load command, i.e. where §4.E may append new ones
}

// FilesetEntry mirrors types.FilesetEntryCmd, string name resolved.
type FilesetEntry struct {
	EntryID string
	VMAddr  uint64
	Offset  uint64
}

const headerSize64 = 32

// Parse walks the load commands of the Mach-O image at the front of v,
// following the same single linear pass file.go's NewFile uses, narrowed
// to the command kinds this package understands. Unknown command kinds are
// skipped by their declared Len, matching the teacher's tolerant walk.
func Parse(v byteview.View) (*Context, error) {
	magicWord, err := v.ReadUint32(0)
	if err != nil {
		return nil, ockerr.New(ockerr.InputMalformed, "read magic: %v", err)
	}
	if types.Magic(magicWord) != types.Magic64 {
		return nil, ockerr.New(ockerr.UnsupportedFeature, "only 64-bit Mach-O is supported, got magic %#x", magicWord)
	}

	hdrBytes, err := v.ReadAt(0, headerSize64)
	if err != nil {
		return nil, ockerr.New(ockerr.InputMalformed, "read header: %v", err)
	}
	hdr := types.FileHeader{
		Magic:        types.Magic(binary.LittleEndian.Uint32(hdrBytes[0:4])),
		CPU:          types.CPU(binary.LittleEndian.Uint32(hdrBytes[4:8])),
		SubCPU:       types.CPUSubtype(binary.LittleEndian.Uint32(hdrBytes[8:12])),
		Type:         types.HeaderFileType(binary.LittleEndian.Uint32(hdrBytes[12:16])),
		NCommands:    binary.LittleEndian.Uint32(hdrBytes[16:20]),
		SizeCommands: binary.LittleEndian.Uint32(hdrBytes[20:24]),
		Flags:        types.HeaderFlag(binary.LittleEndian.Uint32(hdrBytes[24:28])),
		Reserved:     binary.LittleEndian.Uint32(hdrBytes[28:32]),
	}
	if hdr.CPU != types.CPUAmd64 {
		return nil, ockerr.New(ockerr.UnsupportedFeature, "non-x86_64 Mach-O (cputype %#x)", hdr.CPU)
	}

	ctx := &Context{View: v, Header: hdr}

	off := headerSize64
	for i := uint32(0); i < hdr.NCommands; i++ {
		cmdHdr, err := v.ReadAt(off, 8)
		if err != nil {
			return nil, ockerr.AtOffset(ockerr.InputMalformed, int64(off), "read load command %d: %v", i, err)
		}
		cmd := types.LoadCmd(binary.LittleEndian.Uint32(cmdHdr[0:4]))
		size := int(binary.LittleEndian.Uint32(cmdHdr[4:8]))
		if size < 8 {
			return nil, ockerr.AtOffset(ockerr.InputMalformed, int64(off), "load command %d has bogus size %d", i, size)
		}
		body, err := v.ReadAt(off, size)
		if err != nil {
			return nil, ockerr.AtOffset(ockerr.InputMalformed, int64(off), "read load command %d body: %v", i, err)
		}

		switch cmd {
		case types.LC_SEGMENT_64:
			seg, err := parseSegment64(body, off)
			if err != nil {
				return nil, err
			}
			ctx.Segments = append(ctx.Segments, seg)
		case types.LC_SYMTAB:
			st, err := parseSymtabCmd(v, body)
			if err != nil {
				return nil, err
			}
			ctx.Symtab = st
		case types.LC_DYSYMTAB:
			dys := parseDysymtabCmd(body)
			ctx.Dysymtab = dys
		case types.LC_UUID:
			copy(ctx.UUID[:], body[8:24])
		case types.LC_DYLD_CHAINED_FIXUPS:
			fixupOff := binary.LittleEndian.Uint32(body[8:12])
			fixupSize := binary.LittleEndian.Uint32(body[12:16])
			fc, err := parseChainedFixups(v, int(fixupOff), int(fixupSize))
			if err != nil {
				return nil, err
			}
			ctx.Fixups = fc
		case types.LC_FILESET_ENTRY:
			entry, err := parseFilesetEntry(v, body)
			if err != nil {
				return nil, err
			}
			ctx.FilesetEntries = append(ctx.FilesetEntries, entry)
		}

		off += size
	}
	ctx.loadCmdsEnd = off
	return ctx, nil
}

func parseFilesetEntry(v byteview.View, body []byte) (FilesetEntry, error) {
	if len(body) < 28 {
		return FilesetEntry{}, ockerr.New(ockerr.InputMalformed, "short LC_FILESET_ENTRY")
	}
	addr := binary.LittleEndian.Uint64(body[8:16])
	fileOff := binary.LittleEndian.Uint64(body[16:24])
	strOff := int(binary.LittleEndian.Uint32(body[24:28]))
	name, err := readCString(v, strOff)
	if err != nil {
		return FilesetEntry{}, err
	}
	return FilesetEntry{EntryID: name, VMAddr: addr, Offset: fileOff}, nil
}

func readCString(v byteview.View, off int) (string, error) {
	const maxLen = 4096
	b, err := v.ReadAt(off, maxLen)
	if err != nil {
		// fall back to whatever remains in the view
		remaining := v.Len() - off
		if remaining <= 0 {
			return "", ockerr.AtOffset(ockerr.InputMalformed, int64(off), "string offset out of bounds")
		}
		b, err = v.ReadAt(off, remaining)
		if err != nil {
			return "", ockerr.AtOffset(ockerr.InputMalformed, int64(off), "read string: %v", err)
		}
	}
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n]), nil
}

// LoadCommandsEnd reports the file offset just past the parsed load
// commands, the point at which the kext linker (component G) may append a
// new LC_SEGMENT_64/LC_FILESET_ENTRY for an injected kext.
func (c *Context) LoadCommandsEnd() int { return c.loadCmdsEnd }
