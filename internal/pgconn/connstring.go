package pgconn

import "strings"

// parseConnString extracts every key=value pair from a PostgreSQL-style
// connect string. Values may be single-quoted to contain spaces, with
// \\ and \' as the only recognized escapes — the subset of libpq's
// connect-string quoting a mail server's own configuration is expected
// to need.
func parseConnString(s string) map[string]string {
	params := make(map[string]string)
	i := 0
	for i < len(s) {
		for i < len(s) && s[i] == ' ' {
			i++
		}
		if i >= len(s) {
			break
		}
		keyStart := i
		for i < len(s) && s[i] != '=' {
			i++
		}
		if i >= len(s) {
			break
		}
		key := s[keyStart:i]
		i++ // skip '='

		var value strings.Builder
		if i < len(s) && s[i] == '\'' {
			i++
			for i < len(s) {
				if s[i] == '\\' && i+1 < len(s) {
					value.WriteByte(s[i+1])
					i += 2
					continue
				}
				if s[i] == '\'' {
					i++
					break
				}
				value.WriteByte(s[i])
				i++
			}
		} else {
			for i < len(s) && s[i] != ' ' {
				value.WriteByte(s[i])
				i++
			}
		}
		params[key] = value.String()
	}
	return params
}

// hostLabelOf extracts only the "host=" token, matching init()'s
// documented parse-light contract — no other key is inspected until
// connect() actually runs.
func hostLabelOf(connString string) string {
	if h, ok := parseConnString(connString)["host"]; ok && h != "" {
		return h
	}
	return "unknown"
}
