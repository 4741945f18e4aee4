package gt06

// -------------------------------------------------------------------------
// CRC-ITU — GT06 frame checksum
// -------------------------------------------------------------------------

// crcTable is the reflected CRC-16/X.25 lookup table (polynomial 0x1021
// bit-reversed to 0x8408). Computed once at package init.
var crcTable [256]uint16

func init() {
	const poly = 0x8408
	for i := range crcTable {
		crc := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ poly
			} else {
				crc >>= 1
			}
		}
		crcTable[i] = crc
	}
}

// ChecksumITU computes the CRC-ITU used by GT06 frames: reflected
// polynomial 0x1021, initial value 0xFFFF, final complement. The protocol
// computes it over the bytes from the length field (inclusive) up to but
// not including the 2-byte checksum.
func ChecksumITU(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = (crc >> 8) ^ crcTable[byte(crc)^b]
	}
	return ^crc
}

// ChecksumAdditive computes the 16-bit additive checksum observed in GT06
// clone hardware in place of CRC-ITU, over the same byte range.
func ChecksumAdditive(data []byte) uint16 {
	var sum uint16
	for _, b := range data {
		sum += uint16(b)
	}
	return sum
}
