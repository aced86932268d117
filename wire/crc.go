package wire

// CRC16CCITT computes the CCITT (poly 0x1021, init 0xFFFF) CRC16 used to
// protect every frame. spec.md's "Open questions" notes two conflicting CRC
// widths appear across comments vs code in the original implementation;
// 16-bit CCITT is authoritative here. No third-party CRC16 implementation
// appears anywhere in the retrieved corpus (hash/crc32 is the only CRC
// primitive any example imports, and it's the wrong polynomial/width), so
// this is a small standalone bitwise routine rather than a stdlib
// substitute for a library concern.
func CRC16CCITT(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}
