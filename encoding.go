package duplex

import (
	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// UTF8 is the default text encoding for SendString.
var UTF8 encoding.Encoding = unicode.UTF8

// UTF16LE matches the little-endian, BOM-less UTF-16 that some peers use as
// their default "Unicode" text encoding.
var UTF16LE encoding.Encoding = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// encodeString converts s to bytes with enc, falling back to UTF-8.
func encodeString(enc encoding.Encoding, s string) ([]byte, error) {
	if enc == nil {
		enc = UTF8
	}
	b, err := enc.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, errors.Wrap(err, "encode string")
	}
	return b, nil
}

// DecodeString converts bytes received from a peer back into a string.
func DecodeString(enc encoding.Encoding, b []byte) (string, error) {
	if enc == nil {
		enc = UTF8
	}
	out, err := enc.NewDecoder().Bytes(b)
	if err != nil {
		return "", errors.Wrap(err, "decode string")
	}
	return string(out), nil
}
