package byteview

import (
	"crypto/sha512"
	"hash/crc32"
)

// CRC32 computes the EFI-compatible CRC32 (the IEEE 802.3 polynomial,
// the same table EDK2's BaseLib CalculateCrc32 uses).
func CRC32(data []byte) uint32 {
	return crc32.ChecksumIEEE(data)
}

// SHA384 computes a SHA-384 digest, used to fingerprint the pre-decompression
// kernel file for caller-side integrity reporting (spec §4.A, §6).
func SHA384(data []byte) [48]byte {
	return sha512.Sum384(data)
}
