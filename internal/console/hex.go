package console

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// FormatHex renders data as upper-case byte pairs separated by spaces.
func FormatHex(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var b strings.Builder
	b.Grow(len(data) * 3)
	for i, v := range data {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02X", v)
	}
	return b.String()
}

// ParseHex accepts byte pairs with optional whitespace, ':' or '-'
// separators and an optional 0x prefix per pair, e.g. "AA BB", "aabb",
// "0xAA 0xBB" or "AA:BB".
func ParseHex(s string) ([]byte, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ':' || r == '-' || r == ',' || r == '\r' || r == '\n'
	})

	var digits strings.Builder
	for _, f := range fields {
		if len(f) > 2 && (f[:2] == "0x" || f[:2] == "0X") {
			f = f[2:]
		}
		digits.WriteString(f)
	}
	if digits.Len()%2 != 0 {
		return nil, fmt.Errorf("hex input %q has an odd number of digits", s)
	}
	out, err := hex.DecodeString(digits.String())
	if err != nil {
		return nil, fmt.Errorf("invalid hex input %q: %w", s, err)
	}
	return out, nil
}
