package machobj

import (
	"encoding/binary"
	"strings"

	"github.com/acidanthera/ockernlib/pkg/ockerr"
	"github.com/acidanthera/ockernlib/types"
)

// SectionFlag is the low byte of a section's flags field (the section
// type) plus the attribute bits above it. The teacher's full vocabulary
// (types/flags.go in the original) covers both dyld_info bind/rebase
// opcodes and section flags; only the section-type mask, S_ZEROFILL and
// S_CSTRING_LITERALS are kept here.
type SectionFlag uint32

const (
	SAttrTypeMask  SectionFlag = 0x000000ff
	SZeroFill      SectionFlag = 0x1
	SCStringLiterals SectionFlag = 0x2
)

func (f SectionFlag) Type() SectionFlag { return f & SAttrTypeMask }

// Section is a 64-bit Mach-O section, adapted from the teacher's
// SectionHeader (cmds.go) narrowed to the fields the linker/resolver/
// patcher actually use; relocations are loaded lazily via Relocations.
type Section struct {
	Name   string
	Seg    string
	Addr   uint64
	Size   uint64
	Offset uint32
	Align  uint32
	Reloff uint32
	Nreloc uint32
	Flags  SectionFlag

	// HdrOffset is the byte offset (relative to the owning Context's own
	// View) at which this section_64 header begins, kept so the kext
	// linker (component G) can rewrite Addr/Offset in place when rebasing
	// a candidate kext's executable onto its assigned placement.
	HdrOffset int
}

// Segment is a 64-bit Mach-O segment, adapted from the teacher's
// Segment/SegmentHeader split (cmds.go), collapsed into one struct since
// this package never needs to defer section loading behind an io.Reader.
type Segment struct {
	Name     string
	Addr     uint64
	Memsz    uint64
	Offset   uint64
	Filesz   uint64
	Maxprot  types.VmProtection
	Prot     types.VmProtection
	Flag     types.SegFlag
	Sections []*Section

	// CmdOffset is the byte offset (relative to the owning Context's own
	// View) at which this LC_SEGMENT_64 command begins; Addr lives at
	// CmdOffset+24 and Offset at CmdOffset+40 (see parseSegment64), the
	// two fields a kext-injection rebase must rewrite.
	CmdOffset int
}

func cstr16(b [16]byte) string {
	return strings.TrimRight(string(b[:]), "\x00")
}

const sectionHeader64Size = 16 + 16 + 8 + 8 + 4 + 4 + 4 + 4 + 4 + 4 + 4 + 4

func parseSegment64(body []byte, cmdOffset int) (*Segment, error) {
	const hdrSize = 4 + 4 + 16 + 8 + 8 + 8 + 8 + 4 + 4 + 4 + 4
	if len(body) < hdrSize {
		return nil, ockerr.New(ockerr.InputMalformed, "short LC_SEGMENT_64")
	}
	var name [16]byte
	copy(name[:], body[8:24])
	seg := &Segment{
		Name:      cstr16(name),
		Addr:      binary.LittleEndian.Uint64(body[24:32]),
		Memsz:     binary.LittleEndian.Uint64(body[32:40]),
		Offset:    binary.LittleEndian.Uint64(body[40:48]),
		Filesz:    binary.LittleEndian.Uint64(body[48:56]),
		Maxprot:   types.VmProtection(binary.LittleEndian.Uint32(body[56:60])),
		Prot:      types.VmProtection(binary.LittleEndian.Uint32(body[60:64])),
		Flag:      types.SegFlag(binary.LittleEndian.Uint32(body[68:72])),
		CmdOffset: cmdOffset,
	}
	nsect := binary.LittleEndian.Uint32(body[64:68])

	off := hdrSize
	for i := uint32(0); i < nsect; i++ {
		if off+sectionHeader64Size > len(body) {
			return nil, ockerr.New(ockerr.InputMalformed, "segment %q section %d overruns load command", seg.Name, i)
		}
		sh := body[off : off+sectionHeader64Size]
		var sname, sseg [16]byte
		copy(sname[:], sh[0:16])
		copy(sseg[:], sh[16:32])
		sec := &Section{
			Name:      cstr16(sname),
			Seg:       cstr16(sseg),
			Addr:      binary.LittleEndian.Uint64(sh[32:40]),
			Size:      binary.LittleEndian.Uint64(sh[40:48]),
			Offset:    binary.LittleEndian.Uint32(sh[48:52]),
			Align:     binary.LittleEndian.Uint32(sh[52:56]),
			Reloff:    binary.LittleEndian.Uint32(sh[56:60]),
			Nreloc:    binary.LittleEndian.Uint32(sh[60:64]),
			Flags:     SectionFlag(binary.LittleEndian.Uint32(sh[64:68])),
			HdrOffset: cmdOffset + off,
		}
		seg.Sections = append(seg.Sections, sec)
		off += sectionHeader64Size
	}
	return seg, nil
}

// SegmentNamed returns the first segment with the given name, or nil.
func (c *Context) SegmentNamed(name string) *Segment {
	for _, s := range c.Segments {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// SectionNamed returns the first section matching segName/sectName.
func (c *Context) SectionNamed(segName, sectName string) *Section {
	seg := c.SegmentNamed(segName)
	if seg == nil {
		return nil
	}
	for _, s := range seg.Sections {
		if s.Name == sectName {
			return s
		}
	}
	return nil
}
