package machobj

import (
	"encoding/binary"

	"github.com/acidanthera/ockernlib/internal/byteview"
	"github.com/acidanthera/ockernlib/pkg/ockerr"
	"github.com/acidanthera/ockernlib/types"
)

// NType is the Mach-O nlist n_type byte, narrowed to the bits the vtable
// resolver cares about (is this an external symbol table entry, and is it
// section-relative or absolute).
type NType uint8

const (
	NStab NType = 0xe0 // if any bits set, a symbolic debugger entry
	NType_ NType = 0x0e // mask for type bits
	NExt  NType = 0x01 // external symbol bit
	NSect NType = 0x0e // N_SECT: defined in section number n_sect
)

func (t NType) External() bool { return t&NExt != 0 }
func (t NType) Stab() bool     { return t&NStab != 0 }

// Symbol is a 64-bit Mach-O nlist_64 entry with its name already resolved
// from the string table, adapted from the teacher's Symbol (cmds.go),
// narrowed to the fields the resolver/linker consume.
type Symbol struct {
	Name  string
	Type  NType
	Sect  uint8
	Desc  uint16
	Value uint64
}

// Symtab holds the resolved symbol list plus the raw string table (kept
// around so the linker can append new symbol names when injecting a kext).
type Symtab struct {
	types.SymtabCmd
	Syms    []Symbol
	StrTab  []byte // the raw [Stroff, Stroff+Strsize) bytes
	StrBase int    // file offset Stroff, kept for re-deriving name offsets when appending
}

const nlist64Size = 4 + 1 + 1 + 2 + 8

func parseSymtabCmd(v byteview.View, body []byte) (*Symtab, error) {
	if len(body) < 24 {
		return nil, ockerr.New(ockerr.InputMalformed, "short LC_SYMTAB")
	}
	cmd := types.SymtabCmd{
		LoadCmd: types.LC_SYMTAB,
		Len:     binary.LittleEndian.Uint32(body[4:8]),
		Symoff:  binary.LittleEndian.Uint32(body[8:12]),
		Nsyms:   binary.LittleEndian.Uint32(body[12:16]),
		Stroff:  binary.LittleEndian.Uint32(body[16:20]),
		Strsize: binary.LittleEndian.Uint32(body[20:24]),
	}
	strtab, err := v.ReadAt(int(cmd.Stroff), int(cmd.Strsize))
	if err != nil {
		return nil, ockerr.New(ockerr.InputMalformed, "read string table: %v", err)
	}

	syms := make([]Symbol, 0, cmd.Nsyms)
	for i := uint32(0); i < cmd.Nsyms; i++ {
		off := int(cmd.Symoff) + int(i)*nlist64Size
		raw, err := v.ReadAt(off, nlist64Size)
		if err != nil {
			return nil, ockerr.New(ockerr.InputMalformed, "read nlist_64 %d: %v", i, err)
		}
		strx := binary.LittleEndian.Uint32(raw[0:4])
		name := ""
		if int(strx) < len(strtab) {
			name = cStringIn(strtab, int(strx))
		}
		syms = append(syms, Symbol{
			Name:  name,
			Type:  NType(raw[4]),
			Sect:  raw[5],
			Desc:  binary.LittleEndian.Uint16(raw[6:8]),
			Value: binary.LittleEndian.Uint64(raw[8:16]),
		})
	}
	return &Symtab{SymtabCmd: cmd, Syms: syms, StrTab: strtab, StrBase: int(cmd.Stroff)}, nil
}

func cStringIn(buf []byte, off int) string {
	n := off
	for n < len(buf) && buf[n] != 0 {
		n++
	}
	return string(buf[off:n])
}

func parseDysymtabCmd(body []byte) *types.DysymtabCmd {
	d := &types.DysymtabCmd{LoadCmd: types.LC_DYSYMTAB}
	fields := []*uint32{
		&d.Len, &d.Ilocalsym, &d.Nlocalsym, &d.Iextdefsym, &d.Nextdefsym,
		&d.Iundefsym, &d.Nundefsym, &d.Tocoffset, &d.Ntoc, &d.Modtaboff,
		&d.Nmodtab, &d.Extrefsymoff, &d.Nextrefsyms, &d.Indirectsymoff,
		&d.Nindirectsyms, &d.Extreloff, &d.Nextrel, &d.Locreloff, &d.Nlocrel,
	}
	for i, f := range fields {
		off := 4 + i*4
		if off+4 > len(body) {
			break
		}
		*f = binary.LittleEndian.Uint32(body[off : off+4])
	}
	return d
}

// FindSymbol returns the first defined symbol with the given name.
func (c *Context) FindSymbol(name string) (Symbol, bool) {
	if c.Symtab == nil {
		return Symbol{}, false
	}
	for _, s := range c.Symtab.Syms {
		typ := s.Type & NType_
		if s.Name == name && !s.Type.Stab() && (typ == NSect || typ == 0x2) { // N_SECT or N_ABS
			return s, true
		}
	}
	return Symbol{}, false
}
