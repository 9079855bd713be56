package envelope

import "github.com/acidanthera/ockernlib/pkg/ockerr"

// decodeLZSS implements the classic Okumura LZSS variant XNU's prelinked
// kernel compressor uses (bootx/lzss.c): a 4096-byte ring buffer seeded
// with spaces, a literal/match flag per bit of a one-byte flag word, and
// 2-byte match tokens encoding a 12-bit window offset and a 4-bit length
// (biased by a threshold of 2, max run 18).
func decodeLZSS(src, dst []byte) (int, error) {
	const (
		windowSize = 4096
		matchLen   = 18
		threshold  = 2
	)
	var window [windowSize]byte
	for i := range window {
		window[i] = ' '
	}
	r := windowSize - matchLen

	si, di := 0, 0
	var flags uint32 = 0
	for di < len(dst) {
		flags >>= 1
		if flags&0x100 == 0 {
			if si >= len(src) {
				break
			}
			flags = uint32(src[si]) | 0xFF00
			si++
		}
		if flags&1 != 0 {
			if si >= len(src) {
				break
			}
			c := src[si]
			si++
			dst[di] = c
			di++
			window[r] = c
			r = (r + 1) & (windowSize - 1)
			continue
		}
		if si+1 >= len(src) {
			break
		}
		i0 := int(src[si])
		j0 := int(src[si+1])
		si += 2
		pos := i0 | ((j0 & 0xF0) << 4)
		length := (j0 & 0x0F) + threshold
		for k := 0; k <= length && di < len(dst); k++ {
			c := window[(pos+k)&(windowSize-1)]
			dst[di] = c
			di++
			window[r] = c
			r = (r + 1) & (windowSize - 1)
		}
	}
	if di != len(dst) {
		return di, ockerr.New(ockerr.InputMalformed, "lzss stream ended after %d of %d bytes", di, len(dst))
	}
	return di, nil
}
