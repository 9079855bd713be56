package machobj

import (
	"encoding/binary"

	"github.com/acidanthera/ockernlib/internal/byteview"
	"github.com/acidanthera/ockernlib/pkg/ockerr"
	"github.com/acidanthera/ockernlib/types"
)

// ChainedFixups holds the parsed LC_DYLD_CHAINED_FIXUPS payload, narrowed
// from the teacher's general-purpose pkg/fixupchains/fixupchains.go
// (DyldChainedFixups.Parse/ParseStarts/walkDcFixupChain) to the two
// pointer formats a prelinked x86_64 kernel or kernel collection ever
// uses (see types.DCPtrKind). The page-chain walk algorithm (follow
// Next() until it is zero, honoring DYLD_CHAINED_PTR_START_MULTI/_LAST
// overflow lists) is kept in the teacher's shape; AppendFixup is new,
// since the teacher only ever reads fixups, never writes them.
type ChainedFixups struct {
	types.DyldChainedFixupsHeader
	cmdOffset int // file offset of the LC_DYLD_CHAINED_FIXUPS payload
	Starts    []SegmentStarts

	// Fixups maps a file offset (within the owning Mach-O) to the decoded
	// rebase pointer found there, flattened across all segment chains.
	Fixups map[uint64]types.DyldChainedPtr64KernelCacheRebase
}

// SegmentStarts is one dyld_chained_starts_in_segment plus its page_start table.
type SegmentStarts struct {
	types.DyldChainedStartsInSegment
	PageStarts []types.DCPtrStart
}

func parseChainedFixups(v byteview.View, base, size int) (*ChainedFixups, error) {
	if size < 28 {
		return nil, ockerr.New(ockerr.InputMalformed, "chained-fixups payload too small")
	}
	raw, err := v.ReadAt(base, size)
	if err != nil {
		return nil, ockerr.New(ockerr.InputMalformed, "read chained fixups: %v", err)
	}
	fc := &ChainedFixups{cmdOffset: base, Fixups: make(map[uint64]types.DyldChainedPtr64KernelCacheRebase)}
	fc.FixupsVersion = binary.LittleEndian.Uint32(raw[0:4])
	fc.StartsOffset = binary.LittleEndian.Uint32(raw[4:8])
	fc.ImportsOffset = binary.LittleEndian.Uint32(raw[8:12])
	fc.SymbolsOffset = binary.LittleEndian.Uint32(raw[12:16])
	fc.ImportsCount = binary.LittleEndian.Uint32(raw[16:20])
	fc.ImportsFormat = binary.LittleEndian.Uint32(raw[20:24])
	fc.SymbolsFormat = binary.LittleEndian.Uint32(raw[24:28])

	so := int(fc.StartsOffset)
	if so+4 > len(raw) {
		return nil, ockerr.New(ockerr.InputMalformed, "chained-fixups starts offset out of range")
	}
	segCount := binary.LittleEndian.Uint32(raw[so : so+4])
	segOffsets := make([]uint32, segCount)
	for i := range segOffsets {
		p := so + 4 + i*4
		if p+4 > len(raw) {
			return nil, ockerr.New(ockerr.InputMalformed, "chained-fixups seg_info_offset table truncated")
		}
		segOffsets[i] = binary.LittleEndian.Uint32(raw[p : p+4])
	}

	fc.Starts = make([]SegmentStarts, segCount)
	for segIdx, segOff := range segOffsets {
		if segOff == 0 {
			continue
		}
		p := so + int(segOff)
		const startsSegSize = 4 + 2 + 2 + 8 + 4 + 2
		if p+startsSegSize > len(raw) {
			return nil, ockerr.New(ockerr.InputMalformed, "dyld_chained_starts_in_segment %d out of range", segIdx)
		}
		s := types.DyldChainedStartsInSegment{
			Size:            binary.LittleEndian.Uint32(raw[p : p+4]),
			PageSize:        binary.LittleEndian.Uint16(raw[p+4 : p+6]),
			PointerFormat:   types.DCPtrKind(binary.LittleEndian.Uint16(raw[p+6 : p+8])),
			SegmentOffset:   binary.LittleEndian.Uint64(raw[p+8 : p+16]),
			MaxValidPointer: binary.LittleEndian.Uint32(raw[p+16 : p+20]),
			PageCount:       binary.LittleEndian.Uint16(raw[p+20 : p+22]),
		}
		pageStarts := make([]types.DCPtrStart, s.PageCount)
		pp := p + startsSegSize
		for i := range pageStarts {
			if pp+2 > len(raw) {
				return nil, ockerr.New(ockerr.InputMalformed, "page_start table truncated for segment %d", segIdx)
			}
			pageStarts[i] = types.DCPtrStart(binary.LittleEndian.Uint16(raw[pp : pp+2]))
			pp += 2
		}
		fc.Starts[segIdx] = SegmentStarts{DyldChainedStartsInSegment: s, PageStarts: pageStarts}

		if err := fc.walkChain(v, segIdx); err != nil {
			return nil, err
		}
	}
	return fc, nil
}

// walkChain follows each page's fixup chain, honoring the
// DYLD_CHAINED_PTR_START_MULTI overflow-list convention: an entry with
// that bit set points at an index into the same page_start table holding
// the real per-page starts, terminated by DYLD_CHAINED_PTR_START_LAST.
func (fc *ChainedFixups) walkChain(v byteview.View, segIdx int) error {
	s := &fc.Starts[segIdx]
	if s.PointerFormat != types.DYLD_CHAINED_PTR_64_KERNEL_CACHE &&
		s.PointerFormat != types.DYLD_CHAINED_PTR_X86_64_KERNEL_CACHE {
		return ockerr.New(ockerr.UnsupportedFeature, "unsupported chained-fixup pointer format %d", s.PointerFormat)
	}
	stride := s.PointerFormat.Stride()

	for page := uint16(0); page < s.PageCount; page++ {
		start := s.PageStarts[page]
		if start == types.DYLD_CHAINED_PTR_START_NONE {
			continue
		}
		offsetInPage := start
		if start&types.DYLD_CHAINED_PTR_START_MULTI != 0 {
			overflowIdx := uint32(start &^ types.DYLD_CHAINED_PTR_START_MULTI)
			for {
				if int(overflowIdx) >= len(s.PageStarts) {
					return ockerr.New(ockerr.InputMalformed, "overflow index out of range in segment %d", segIdx)
				}
				entry := s.PageStarts[overflowIdx]
				last := entry&types.DYLD_CHAINED_PTR_START_MULTI != 0
				offsetInPage = entry &^ types.DYLD_CHAINED_PTR_START_MULTI
				if err := fc.walkPage(v, s, page, uint64(offsetInPage), stride); err != nil {
					return err
				}
				if last {
					break
				}
				overflowIdx++
			}
			continue
		}
		if err := fc.walkPage(v, s, page, uint64(offsetInPage), stride); err != nil {
			return err
		}
	}
	return nil
}

func (fc *ChainedFixups) walkPage(v byteview.View, s *SegmentStarts, page uint16, offsetInPage, stride uint64) error {
	pageBase := s.SegmentOffset + uint64(page)*uint64(s.PageSize)
	pos := offsetInPage
	for {
		fileOff := pageBase + pos
		word, err := v.ReadUint64(int(fileOff))
		if err != nil {
			return ockerr.New(ockerr.InputMalformed, "chained fixup read at %#x: %v", fileOff, err)
		}
		ptr := types.DyldChainedPtr64KernelCacheRebase(word)
		fc.Fixups[fileOff] = ptr
		next := ptr.Next()
		if next == 0 {
			return nil
		}
		pos += next * stride
	}
}

// AppendFixup registers a new chained fixup at fileOff with the given
// target, writing the packed pointer word directly into v; it is the
// kext linker's (component G) counterpart to the read-only walk above,
// used when relocating an injected kext's pointers in KC mode.
func (fc *ChainedFixups) AppendFixup(v byteview.View, fileOff uint64, target uint64, next uint64) error {
	ptr := types.NewDyldChainedPtr64KernelCacheRebase(target, next)
	if err := v.WriteUint64(int(fileOff), uint64(ptr)); err != nil {
		return ockerr.New(ockerr.Overflow, "write chained fixup at %#x: %v", fileOff, err)
	}
	fc.Fixups[fileOff] = ptr
	return nil
}
