// Package envelope recognizes the outer shell of a prelinked kernel file:
// an optional fat header, an optional LZSS/LZVN compressed payload, and the
// inner Mach-O. It plays the role the teacher library's NewFatFile/NewFile
// dispatch in file.go plays for ordinary object files, generalized to the
// two wrinkles spec.md §4.B adds that ordinary Mach-O files never have:
// compression and a reservation-sized target buffer.
package envelope

import (
	"encoding/binary"

	"github.com/acidanthera/ockernlib/internal/byteview"
	"github.com/acidanthera/ockernlib/pkg/ockerr"
	"github.com/acidanthera/ockernlib/types"
)

func sha384(b []byte) [48]byte { return byteview.SHA384(b) }

// Reader is the minimal file-like source spec.md §4.B requires.
type Reader interface {
	Size() int64
	ReadAt(off int64, buf []byte) (int, error)
}

const (
	compMagic = "comp"
	lzssTag   = "lzss"
	lzvnTag   = "lzvn"
)

// compressedHeader mirrors the on-disk struct XNU calls
// prelink_registry_compressed_header (4-byte "comp" signature, 4-byte
// algorithm tag, a checksum word, then two big-endian uint32 sizes:
// uncompressed, then compressed).
type compressedHeader struct {
	Signature       [4]byte
	CompressionType [4]byte
	AdlerChecksum   uint32
	UncompressedSize uint32
	CompressedSize   uint32
}

const compressedHeaderSize = 4 + 4 + 4 + 4 + 4

// Slice is one architecture slice of the outer envelope: its offset/size
// within the original file, and its CPU type (from the fat header, or
// implied x86_64 for a non-fat file).
type Slice struct {
	Offset  int64
	Size    int64
	CPUType types.CPU
}

// selectSlice reads the first 8 bytes to detect a fat header and, if
// present, iterates fat_arch entries (spec.md §4.B step 1) looking for
// cputype == CPU386|CpuArch64 (x86_64). A non-fat file is treated as a
// single slice covering the whole input.
func selectSlice(r Reader) (Slice, error) {
	var magic [4]byte
	if _, err := r.ReadAt(0, magic[:]); err != nil {
		return Slice{}, ockerr.New(ockerr.InputMalformed, "read magic: %v", err)
	}

	be := binary.BigEndian.Uint32(magic[:])
	le := binary.LittleEndian.Uint32(magic[:])
	if types.Magic(be) != types.MagicFat && types.Magic(le) != types.MagicFat {
		return Slice{Offset: 0, Size: r.Size(), CPUType: types.CPUAmd64}, nil
	}

	var hdr [8]byte
	if _, err := r.ReadAt(0, hdr[:]); err != nil {
		return Slice{}, ockerr.New(ockerr.InputMalformed, "read fat header: %v", err)
	}
	nfatArch := binary.BigEndian.Uint32(hdr[4:8])

	const fatArchSize = 20
	off := int64(8)
	for i := uint32(0); i < nfatArch; i++ {
		var arch [fatArchSize]byte
		if _, err := r.ReadAt(off, arch[:]); err != nil {
			return Slice{}, ockerr.New(ockerr.InputMalformed, "read fat_arch %d: %v", i, err)
		}
		cputype := types.CPU(binary.BigEndian.Uint32(arch[0:4]))
		sliceOff := int64(binary.BigEndian.Uint32(arch[8:12]))
		sliceSize := int64(binary.BigEndian.Uint32(arch[12:16]))
		if cputype == types.CPUAmd64 {
			return Slice{Offset: sliceOff, Size: sliceSize, CPUType: cputype}, nil
		}
		off += fatArchSize
	}
	return Slice{}, ockerr.New(ockerr.UnsupportedFeature, "no x86_64 slice in fat envelope")
}

// Open implements spec.md §4.B in full: it selects the x86_64 slice,
// detects LZSS/LZVN compression, and returns a buffer of length
// used+reservation with [0, used) populated by the decompressed (or
// copied) Mach-O, plus the SHA-384 digest of the pre-decompression bytes
// required for caller-side integrity reporting (spec.md §6).
func Open(r Reader, reservation int64) (buf []byte, used int64, digest [48]byte, err error) {
	sl, err := selectSlice(r)
	if err != nil {
		return nil, 0, digest, err
	}
	if sl.Size <= 0 || sl.Size > r.Size() {
		return nil, 0, digest, ockerr.New(ockerr.InputMalformed, "fat slice out of bounds")
	}

	raw := make([]byte, sl.Size)
	if _, err := r.ReadAt(sl.Offset, raw); err != nil {
		return nil, 0, digest, ockerr.New(ockerr.InputMalformed, "read slice: %v", err)
	}
	digest = sha384(raw)

	var hdrProbe [compressedHeaderSize]byte
	n := copy(hdrProbe[:], raw)
	if n < compressedHeaderSize || string(hdrProbe[0:4]) != compMagic {
		return copyPlain(raw, reservation)
	}

	algo := string(hdrProbe[4:8])
	uncompressedSize := int64(binary.BigEndian.Uint32(hdrProbe[12:16]))
	compressedSize := int64(binary.BigEndian.Uint32(hdrProbe[16:20]))
	if compressedHeaderSize+compressedSize > int64(len(raw)) {
		return nil, 0, digest, ockerr.New(ockerr.InputMalformed, "compressed payload exceeds slice")
	}
	payload := raw[compressedHeaderSize : compressedHeaderSize+compressedSize]

	out := make([]byte, uncompressedSize+reservation)
	var got int
	switch algo {
	case lzssTag:
		got, err = decodeLZSS(payload, out[:uncompressedSize])
	case lzvnTag:
		got, err = decodeLZVN(payload, out[:uncompressedSize])
	default:
		return nil, 0, digest, ockerr.New(ockerr.UnsupportedFeature, "unsupported compression tag %q", algo)
	}
	if err != nil {
		return nil, 0, digest, err
	}
	if int64(got) != uncompressedSize {
		return nil, 0, digest, ockerr.New(ockerr.InputMalformed, "decompressed %d bytes, header promised %d", got, uncompressedSize)
	}
	return out, uncompressedSize, digest, nil
}

func copyPlain(raw []byte, reservation int64) ([]byte, int64, [48]byte, error) {
	used := int64(len(raw))
	out := make([]byte, used+reservation)
	copy(out, raw)
	if !looksLikeMachO(out) {
		return nil, 0, [48]byte{}, ockerr.New(ockerr.InputMalformed, "not a Mach-O image")
	}
	return out, used, sha384(raw), nil
}

func looksLikeMachO(buf []byte) bool {
	if len(buf) < 4 {
		return false
	}
	m := binary.LittleEndian.Uint32(buf[0:4])
	switch types.Magic(m) {
	case types.Magic32, types.Magic64:
		return true
	}
	return false
}
