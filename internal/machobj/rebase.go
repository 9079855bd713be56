package machobj

import "github.com/acidanthera/ockernlib/pkg/ockerr"

// RebasePlacement rewrites every segment's (and section's) Addr/Offset
// fields in place, adding vaDelta/fileDelta to each, and updates the
// in-memory Segment/Section records to match. It is the kext linker's
// (component G) counterpart to placing a freshly-copied, 0-based kext
// executable at its assigned virtual address and file offset (spec.md
// §4.G step 1: "updating section PointerToRawData-equivalents so
// file-offset and VA differ by a constant for that kext").
func (c *Context) RebasePlacement(vaDelta, fileDelta uint64) error {
	for _, seg := range c.Segments {
		if err := c.View.WriteUint64(seg.CmdOffset+24, seg.Addr+vaDelta); err != nil {
			return ockerr.New(ockerr.Overflow, "rebase segment %q addr: %v", seg.Name, err)
		}
		if err := c.View.WriteUint64(seg.CmdOffset+40, seg.Offset+fileDelta); err != nil {
			return ockerr.New(ockerr.Overflow, "rebase segment %q offset: %v", seg.Name, err)
		}
		seg.Addr += vaDelta
		seg.Offset += fileDelta
		for _, sect := range seg.Sections {
			if err := c.View.WriteUint64(sect.HdrOffset+32, sect.Addr+vaDelta); err != nil {
				return ockerr.New(ockerr.Overflow, "rebase section %q addr: %v", sect.Name, err)
			}
			if err := c.View.WriteUint32(sect.HdrOffset+48, uint32(uint64(sect.Offset)+fileDelta)); err != nil {
				return ockerr.New(ockerr.Overflow, "rebase section %q offset: %v", sect.Name, err)
			}
			sect.Addr += vaDelta
			sect.Offset = uint32(uint64(sect.Offset) + fileDelta)
		}
	}
	return nil
}
