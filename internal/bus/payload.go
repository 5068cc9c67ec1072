package bus

import (
	"encoding/binary"
	"strings"
	"unicode/utf8"
)

// runeWidth is the size of one code unit in the data channel. Paths are stored
// as little-endian UTF-32 so capacity and truncation count characters, never
// bytes of a variable-width encoding.
const runeWidth = 4

// Bytes that are not valid UTF-8 travel as lone low surrogates U+DC80..U+DCFF.
// Valid UTF-8 never encodes a surrogate, so the mapping is reversible.
const (
	escapeBase = 0xDC80
	escapeLast = 0xDCFF
)

// PayloadSize returns the data channel size in bytes for capacity characters.
func PayloadSize(capacity int) int {
	return capacity * runeWidth
}

// EncodePath returns a zero-padded data channel image of path. Characters past
// capacity are dropped, as is everything from an embedded NUL onward.
func EncodePath(path string, capacity int) []byte {
	buf := make([]byte, PayloadSize(capacity))
	i := 0
	forEachUnit(path, func(unit uint32) bool {
		if unit == 0 || i == capacity {
			return false
		}
		binary.LittleEndian.PutUint32(buf[i*runeWidth:], unit)
		i++
		return true
	})
	return buf
}

// DecodePath reads characters up to the first zero code unit or the end of buf.
func DecodePath(buf []byte) string {
	var b strings.Builder
	for off := 0; off+runeWidth <= len(buf); off += runeWidth {
		unit := binary.LittleEndian.Uint32(buf[off:])
		switch {
		case unit == 0:
			return b.String()
		case unit >= escapeBase && unit <= escapeLast:
			b.WriteByte(byte(unit - escapeBase + 0x80))
		case !utf8.ValidRune(rune(unit)):
			b.WriteRune(utf8.RuneError)
		default:
			b.WriteRune(rune(unit))
		}
	}
	return b.String()
}

// Truncates reports whether path loses characters when encoded at capacity.
func Truncates(path string, capacity int) bool {
	n := 0
	forEachUnit(path, func(uint32) bool {
		n++
		return n <= capacity
	})
	return n > capacity
}

// forEachUnit yields the code units of path until fn returns false.
func forEachUnit(path string, fn func(uint32) bool) {
	for len(path) > 0 {
		r, size := utf8.DecodeRuneInString(path)
		unit := uint32(r)
		if r == utf8.RuneError && size == 1 {
			unit = escapeBase + uint32(path[0]) - 0x80
		}
		if !fn(unit) {
			return
		}
		path = path[size:]
	}
}
