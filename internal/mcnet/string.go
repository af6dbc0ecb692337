package mcnet

import (
	"fmt"
	"unicode/utf8"
)

// MaxStringBytes bounds the UTF-8 byte length of any Minecraft string the
// gateway will decode. The protocol's own limit is 32767 UTF-16 code units;
// bounding on bytes here is intentionally generous but still refuses to
// allocate an unbounded buffer for a hostile length prefix.
const MaxStringBytes = 32767 * 4

// ReadStringBuffered decodes a length-prefixed Minecraft string starting at
// buf[offset], returning the decoded string and the number of bytes
// consumed (VarInt length prefix plus payload). The declared length must fit
// within the remaining buffer and must decode as valid UTF-8, or
// ErrMalformedFrame is returned.
func ReadStringBuffered(buf []byte, offset int) (string, int, error) {
	length, lengthBytes, err := ReadVarIntBuffered(buf[offset:])
	if err != nil {
		return "", 0, err
	}
	if length < 0 || int(length) > MaxStringBytes {
		return "", 0, fmt.Errorf("mcnet: string length %d out of range: %w", length, ErrMalformedFrame)
	}

	start := offset + lengthBytes
	end := start + int(length)
	if end > len(buf) {
		return "", 0, fmt.Errorf("mcnet: string of length %d overruns buffer: %w", length, ErrMalformedFrame)
	}

	payload := buf[start:end]
	if !utf8.Valid(payload) {
		return "", 0, fmt.Errorf("mcnet: string is not valid utf-8: %w", ErrMalformedFrame)
	}

	return string(payload), end - offset, nil
}

// AppendString encodes s as a length-prefixed Minecraft string and appends
// it to buf.
func AppendString(buf []byte, s string) []byte {
	buf = AppendVarInt(buf, int32(len(s)))
	return append(buf, s...)
}
