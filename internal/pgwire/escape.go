package pgwire

import "encoding/hex"

// EscapeBlob renders raw bytes as a PostgreSQL hex-format bytea literal:
// E'\xHEXHEXHEX...'. This is the only blob encoding this driver supports —
// the legacy escape-format bytea encoding is not implemented, matching
// spec Non-goals on backslash-escape bytea.
func EscapeBlob(data []byte) string {
	return "E'\\x" + hex.EncodeToString(data) + "'"
}

// EscapeString doubles single quotes and backslashes, the escaping a
// plain (non-E'') string literal needs when standard_conforming_strings
// is off: callers wrap the result in single quotes themselves. Like
// EscapeBlob this does not depend on the connection,
// but it is still exposed as a Conn method (see pgconn) because the
// vendor API this driver mirrors requires a live connection to escape
// safely in general — server encoding can change what byte sequences are
// valid multi-byte characters, and only a connected backend knows its own
// encoding.
func EscapeString(s string) string {
	out := make([]byte, 0, len(s)+8)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			out = append(out, '\'', '\'')
		case '\\':
			out = append(out, '\\', '\\')
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}
