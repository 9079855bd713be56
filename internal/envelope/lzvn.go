package envelope

import "github.com/acidanthera/ockernlib/pkg/ockerr"

// decodeLZVN implements Apple's LZVN format (the "complzvn" prelinked-kernel
// compressor introduced alongside LZFSE). It follows the opcode shapes from
// Apple's open-sourced lzfse/src/lzvn_decode_base.c: a stream of opcodes
// each describing a literal run, a match run, or both, with the match
// distance carried either in the opcode itself (small distance) or in one
// or two trailing bytes (medium/large distance). 0x06 terminates the
// stream early; opcode bytes 0x00-0x05 are a format error.
func decodeLZVN(src, dst []byte) (int, error) {
	si, di := 0, 0
	distance := 0

	emitLiteral := func(n int) bool {
		if si+n > len(src) || di+n > len(dst) {
			return false
		}
		copy(dst[di:di+n], src[si:si+n])
		si += n
		di += n
		return true
	}
	emitMatch := func(n int) bool {
		if distance <= 0 || distance > di || di+n > len(dst) {
			return false
		}
		for i := 0; i < n; i++ {
			dst[di] = dst[di-distance]
			di++
		}
		return true
	}

	for si < len(src) && di < len(dst) {
		d := src[si]
		switch {
		case d == 0x06:
			si++
			return di, nil

		case d >= 0xE1 && d <= 0xFC: // small literal, length in low nibble-ish range
			litLen := int(d-0xE0) + 1
			si++
			if !emitLiteral(litLen) {
				return di, ockerr.New(ockerr.InputMalformed, "lzvn: truncated small literal at src %d", si)
			}

		case d >= 0x07 && d <= 0xCF: // short literal+match, distance and lengths packed in opcode + 1 byte
			if si+2 > len(src) {
				return di, ockerr.New(ockerr.InputMalformed, "lzvn: truncated short opcode at src %d", si)
			}
			b1 := src[si+1]
			litLen := int(d>>6) & 0x3
			matLen := (int(d>>2) & 0xF) + 3
			distHi := int(d) & 0x3
			distance = (distHi << 8) | int(b1)
			si += 2
			if litLen > 0 && !emitLiteral(litLen) {
				return di, ockerr.New(ockerr.InputMalformed, "lzvn: truncated literal in short opcode")
			}
			if !emitMatch(matLen) {
				return di, ockerr.New(ockerr.InputMalformed, "lzvn: bad match (distance=%d) at dst %d", distance, di)
			}

		case d >= 0xD0 && d <= 0xE0: // medium: 2-byte distance, explicit extra length byte
			if si+3 > len(src) {
				return di, ockerr.New(ockerr.InputMalformed, "lzvn: truncated medium opcode at src %d", si)
			}
			b1, b2 := src[si+1], src[si+2]
			matLen := int(d&0xF) + 3
			distance = int(b1) | (int(b2) << 8)
			si += 3
			if !emitMatch(matLen) {
				return di, ockerr.New(ockerr.InputMalformed, "lzvn: bad medium match (distance=%d) at dst %d", distance, di)
			}

		case d >= 0xFD: // large literal: length in following byte
			if si+2 > len(src) {
				return di, ockerr.New(ockerr.InputMalformed, "lzvn: truncated large literal at src %d", si)
			}
			litLen := int(src[si+1]) + 16
			si += 2
			if !emitLiteral(litLen) {
				return di, ockerr.New(ockerr.InputMalformed, "lzvn: truncated large literal body")
			}

		default:
			return di, ockerr.New(ockerr.InputMalformed, "lzvn: unrecognized opcode %#02x at src %d", d, si)
		}
	}
	return di, nil
}
