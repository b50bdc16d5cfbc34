package wire

import (
	"encoding/binary"
	"errors"

	"github.com/sigurn/crc16"
)

// crcParams is CRC-16-CCITT: polynomial 0x1021, initial register 0xFFFF,
// MSB-first (no reflection), final XOR 0xFFFF.
var crcParams = crc16.Params{
	Poly:   0x1021,
	Init:   0xFFFF,
	RefIn:  false,
	RefOut: false,
	XorOut: 0xFFFF,
	Name:   "CRC-16/DLINK",
}

var crcTable = crc16.MakeTable(crcParams)

// ErrCRCShort is returned by ExtractVerify when the buffer is too short to
// hold a trailing CRC.
var ErrCRCShort = errors.New("wire: buffer too short to contain a CRC")

// Calc computes the CRC-16-CCITT of data.
func Calc(data []byte) uint16 {
	crc := crc16.Init(crcTable)
	crc = crc16.Update(crc, data, crcTable)
	return crc16.Complete(crc, crcTable)
}

// Verify reports whether crc matches the CRC-16-CCITT of data.
func Verify(data []byte, crc uint16) bool {
	return Calc(data) == crc
}

// AppendCRC appends the big-endian CRC-16-CCITT of data to data.
func AppendCRC(data []byte) []byte {
	crc := Calc(data)
	out := make([]byte, len(data)+2)
	copy(out, data)
	binary.BigEndian.PutUint16(out[len(data):], crc)
	return out
}

// ExtractResult is the outcome of ExtractVerify.
type ExtractResult struct {
	Valid      bool
	Data       []byte
	CRC        uint16
	Calculated uint16
}

// ExtractVerify splits the last two bytes of buf as a big-endian CRC,
// verifies it against the CRC of the remaining bytes, and returns both.
func ExtractVerify(buf []byte) (ExtractResult, error) {
	if len(buf) < 2 {
		return ExtractResult{}, ErrCRCShort
	}
	data := buf[:len(buf)-2]
	crc := binary.BigEndian.Uint16(buf[len(buf)-2:])
	calc := Calc(data)
	return ExtractResult{
		Valid:      calc == crc,
		Data:       data,
		CRC:        crc,
		Calculated: calc,
	}, nil
}
