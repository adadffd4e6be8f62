package codec

import (
	"fmt"

	"github.com/golang/snappy"
)

// Compression header bytes, prepended to plaintext before encryption.
const (
	headerRaw        byte = 0x00
	headerCompressed byte = 0x01
)

// Compress snappy-compresses plaintext and prepends the one-byte header
// identifying whether compression was actually applied. Compression is
// skipped (header 0x00) when it would not shrink the payload, since tiny
// chat turns often don't compress well and the header itself costs a byte.
func Compress(plaintext []byte) []byte {
	compressed := snappy.Encode(nil, plaintext)
	if len(compressed) >= len(plaintext) {
		out := make([]byte, 1+len(plaintext))
		out[0] = headerRaw
		copy(out[1:], plaintext)
		return out
	}
	out := make([]byte, 1+len(compressed))
	out[0] = headerCompressed
	copy(out[1:], compressed)
	return out
}

// Decompress reverses Compress, honoring the header unconditionally.
func Decompress(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("decompress: empty input")
	}
	header, body := b[0], b[1:]
	switch header {
	case headerRaw:
		return body, nil
	case headerCompressed:
		out, err := snappy.Decode(nil, body)
		if err != nil {
			return nil, fmt.Errorf("snappy decode: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("decompress: unknown header byte %#x", header)
	}
}
