// Package wire implements the on-the-wire codec: byte stuffing, the
// CRC-16-CCITT checksum, and the frame layout built on top of both.
package wire

import "errors"

// Delimiter and escape bytes for the stuffing scheme.
const (
	Flag     byte = 0x7E
	Esc      byte = 0x7D
	StuffXor byte = 0x20
)

// ErrStuffing is returned by Unstuff when the input contains a bare Flag,
// a trailing Esc with no following byte, or an Esc followed by a byte other
// than the two valid escaped forms.
var ErrStuffing = errors.New("wire: invalid byte-stuffing sequence")

// Stuff escapes every Flag and Esc byte in data so that the result never
// contains a bare Flag. Worst case output is 2*len(data).
func Stuff(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for _, b := range data {
		switch b {
		case Flag:
			out = append(out, Esc, Flag^StuffXor)
		case Esc:
			out = append(out, Esc, Esc^StuffXor)
		default:
			out = append(out, b)
		}
	}
	return out
}

// Unstuff reverses Stuff. A bare Flag anywhere in data, a trailing Esc, or
// an Esc followed by anything other than the two valid escaped forms is an
// error.
func Unstuff(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		b := data[i]
		switch {
		case b == Flag:
			return nil, ErrStuffing
		case b == Esc:
			if i+1 >= len(data) {
				return nil, ErrStuffing
			}
			next := data[i+1]
			if next != Flag^StuffXor && next != Esc^StuffXor {
				return nil, ErrStuffing
			}
			out = append(out, next^StuffXor)
			i++
		default:
			out = append(out, b)
		}
	}
	return out, nil
}
