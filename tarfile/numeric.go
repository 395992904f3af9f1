package tarfile

import (
	"strconv"
	"strings"
)

// parseNumeric decodes one ustar numeric field: either a NUL/space padded
// octal string, or, when the high bit of the first byte is set, a GNU
// base-256 big-endian binary extension used for values too large for the
// field's octal capacity (large uid/gid/size/mtime).
func parseNumeric(field []byte) (int64, error) {
	if len(field) == 0 {
		return 0, nil
	}
	if field[0]&0x80 != 0 {
		return parseBase256(field), nil
	}

	s := strings.TrimRight(string(field), "\x00 ")
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 8, 64)
}

// parseBase256 decodes a GNU base-256 numeric extension field: the first
// byte's top bit (0x80) marks the encoding; its remaining 7 bits plus the
// rest of the field form a big-endian unsigned integer. Negative base-256
// values (first byte 0xff) never occur for the uid/gid/size/mtime fields
// this decoder reads, so only the positive form is handled.
func parseBase256(field []byte) int64 {
	var v int64
	v = int64(field[0] & 0x7f)
	for _, b := range field[1:] {
		v = v<<8 | int64(b)
	}
	return v
}

func trimField(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}
