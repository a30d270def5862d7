package proto

import "encoding/binary"

// CRC16 is CRC-16/CCITT-FALSE: poly 0x1021, init 0xFFFF, no reflection.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// AppendCRC appends the little-endian checksum of data.
func AppendCRC(data []byte) []byte {
	return binary.LittleEndian.AppendUint16(data, CRC16(data))
}

// SplitCRC verifies and strips a trailing checksum.
func SplitCRC(data []byte) ([]byte, bool) {
	if len(data) < 2 {
		return nil, false
	}
	body := data[:len(data)-2]
	want := binary.LittleEndian.Uint16(data[len(data)-2:])
	return body, CRC16(body) == want
}
