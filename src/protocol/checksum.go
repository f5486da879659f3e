package protocol

import "github.com/sigurn/crc16"

// MDP uses CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF) over everything
// preceding the trailer. Table built once; Checksum itself allocates nothing.
var ccittTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// Checksum computes the MDP integrity trailer for data.
// Known vector: Checksum([]byte("123456789")) == 0x29B1.
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, ccittTable)
}
