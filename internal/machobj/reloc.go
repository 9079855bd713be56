package machobj

import (
	"encoding/binary"

	"github.com/acidanthera/ockernlib/internal/byteview"
	"github.com/acidanthera/ockernlib/pkg/ockerr"
)

// RelocTypeX86_64 enumerates the x86_64 r_type values this package
// understands, adapted from the teacher's types.RelocTypeX86_64 (the
// struct itself lived in file.go, deleted — this package re-derives the
// full classic-relocation set XNU's prelinked-kernel linker emits,
// including the three SIGNED variants used for disp32 fixups whose
// addend sits outside the 4 bytes covered by the relocated field).
type RelocTypeX86_64 uint8

const (
	X86_64_RELOC_UNSIGNED   RelocTypeX86_64 = 0
	X86_64_RELOC_SIGNED     RelocTypeX86_64 = 1
	X86_64_RELOC_BRANCH     RelocTypeX86_64 = 2
	X86_64_RELOC_GOT_LOAD   RelocTypeX86_64 = 3
	X86_64_RELOC_GOT        RelocTypeX86_64 = 4
	X86_64_RELOC_SUBTRACTOR RelocTypeX86_64 = 5
	X86_64_RELOC_SIGNED_1   RelocTypeX86_64 = 6
	X86_64_RELOC_SIGNED_2   RelocTypeX86_64 = 7
	X86_64_RELOC_SIGNED_4   RelocTypeX86_64 = 8
)

// Reloc is a classic (non-scattered) Mach-O relocation entry, adapted from
// the teacher's Reloc (cmds.go) narrowed to the classic, non-scattered
// case — prelinked kernels predate the scattered-relocation x86_64 ABI.
type Reloc struct {
	Addr   uint32
	Symnum uint32 // valid when Extern
	Type   RelocTypeX86_64
	Len    uint8 // 0=byte,1=word,2=long,3=quad
	Pcrel  bool
	Extern bool
}

const relocEntrySize = 8

// Relocations reads and decodes sect's relocation entries out of v.
func Relocations(v byteview.View, sect *Section) ([]Reloc, error) {
	out := make([]Reloc, 0, sect.Nreloc)
	for i := uint32(0); i < sect.Nreloc; i++ {
		off := int(sect.Reloff) + int(i)*relocEntrySize
		raw, err := v.ReadAt(off, relocEntrySize)
		if err != nil {
			return nil, ockerr.New(ockerr.InputMalformed, "read reloc %d of %s.%s: %v", i, sect.Seg, sect.Name, err)
		}
		w0 := binary.LittleEndian.Uint32(raw[0:4])
		w1 := binary.LittleEndian.Uint32(raw[4:8])
		if w0&0x80000000 != 0 {
			return nil, ockerr.New(ockerr.UnsupportedFeature, "scattered relocations are not supported in a prelinked kernel context")
		}
		out = append(out, Reloc{
			Addr:   w0,
			Symnum: w1 & 0x00ffffff,
			Pcrel:  (w1>>24)&0x1 != 0,
			Len:    uint8((w1 >> 25) & 0x3),
			Extern: (w1>>27)&0x1 != 0,
			Type:   RelocTypeX86_64((w1 >> 28) & 0xf),
		})
	}
	return out, nil
}
