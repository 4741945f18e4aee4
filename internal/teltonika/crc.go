package teltonika

// -------------------------------------------------------------------------
// CRC-16/IBM — AVL frame checksum
// -------------------------------------------------------------------------

// Checksum computes the CRC-16/IBM (ARC) of the AVL data section:
// reflected polynomial 0xA001, initial value 0. The wire carries it
// zero-extended in the low 16 bits of the trailing 4-byte field.
func Checksum(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b)
		for bit := 0; bit < 8; bit++ {
			if crc&1 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
