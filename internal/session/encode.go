package session

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Encoding selects how upload chunks are spelled as Python literals.
type Encoding string

const (
	// EncodingDecimal writes bytes([1,2,3]). It needs nothing on the device.
	EncodingDecimal Encoding = "decimal"
	// EncodingHex writes bytes.fromhex('010203').
	EncodingHex Encoding = "hex"
	// EncodingBase64 writes through binascii.a2b_base64, the most compact.
	EncodingBase64 Encoding = "base64"
)

// ParseEncoding validates a configured encoding name.
func ParseEncoding(s string) (Encoding, error) {
	switch e := Encoding(strings.ToLower(s)); e {
	case "":
		return EncodingDecimal, nil
	case EncodingDecimal, EncodingHex, EncodingBase64:
		return e, nil
	}
	return "", fmt.Errorf("unknown upload encoding %q", s)
}

// prelude is run on the same line as the open call.
func (e Encoding) prelude() string {
	if e == EncodingBase64 {
		return "from binascii import a2b_base64 as " + uploadDecoder
	}
	return ""
}

// cleanup names the device globals to delete after the handle is closed.
func (e Encoding) cleanup() string {
	if e == EncodingBase64 {
		return uploadFileVar + "," + uploadDecoder
	}
	return uploadFileVar
}

// chunk renders one write call. Its REPL echo is the byte count.
func (e Encoding) chunk(data []byte) string {
	var lit string
	switch e {
	case EncodingHex:
		lit = "bytes.fromhex('" + hex.EncodeToString(data) + "')"
	case EncodingBase64:
		lit = uploadDecoder + "('" + base64.StdEncoding.EncodeToString(data) + "')"
	default:
		var b strings.Builder
		b.Grow(len(data)*4 + 9)
		b.WriteString("bytes([")
		for i, c := range data {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(strconv.Itoa(int(c)))
		}
		b.WriteString("])")
		lit = b.String()
	}
	return uploadFileVar + ".write(" + lit + ")"
}
