// Package pgwire speaks the PostgreSQL frontend/backend protocol over a
// plain net.Conn. It stands in for "the vendor client library" that the
// rest of this driver drives in non-blocking mode: no cgo libpq binding
// is available to this codebase, so the wire codec is hand-rolled here,
// grounded in the same message-framing helpers a connection proxy would
// use to relay the protocol rather than terminate it.
package pgwire

import "encoding/binary"

// Message type bytes used by the subset of the protocol this driver
// speaks: the simple query protocol, cleartext/MD5/SCRAM-SHA-256 auth,
// and startup/shutdown framing. Extended query protocol (Parse/Bind/
// Execute) is out of scope — see spec Non-goals on prepared statements.
const (
	msgAuthentication  byte = 'R'
	msgErrorResponse   byte = 'E'
	msgNoticeResponse  byte = 'N'
	msgReadyForQuery   byte = 'Z'
	msgTerminate       byte = 'X'
	msgQuery           byte = 'Q'
	msgParameterStatus byte = 'S'
	msgBackendKeyData  byte = 'K'
	msgRowDescription  byte = 'T'
	msgDataRow         byte = 'D'
	msgCommandComplete byte = 'C'
	msgEmptyQuery      byte = 'I'
	msgPassword        byte = 'p'
)

const protocolVersion3 = 3 << 16

// message is one fully-framed protocol message: a type byte plus its
// payload (the 4-byte length prefix is consumed by the parser).
type message struct {
	typ     byte
	payload []byte
}

// parseMessages extracts every complete message from buf, returning the
// messages found and whatever trailing bytes did not yet form a complete
// message. It never blocks and never allocates more than it has to —
// exactly the shape a non-blocking consume_input step needs, since a
// single socket read can straddle message boundaries in either
// direction.
func parseMessages(buf []byte) (msgs []message, rest []byte) {
	for {
		if len(buf) < 5 {
			break
		}
		length := int(binary.BigEndian.Uint32(buf[1:5]))
		if length < 4 {
			// Malformed length field; stop parsing. The bytes stay in
			// rest, so later calls stop at the same place and no further
			// message is parsed from this buffer.
			break
		}
		total := 1 + length
		if len(buf) < total {
			break
		}
		payload := make([]byte, length-4)
		copy(payload, buf[5:total])
		msgs = append(msgs, message{typ: buf[0], payload: payload})
		buf = buf[total:]
	}
	rest = buf
	return msgs, rest
}

// frame encodes a single outbound message: type byte + length (including
// itself) + payload.
func frame(typ byte, payload []byte) []byte {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = typ
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(payload)))
	copy(buf[5:], payload)
	return buf
}

// buildStartupMessage encodes a PostgreSQL StartupMessage: length +
// protocol version + null-terminated key/value parameters + terminator.
// There is no leading type byte — startup is the one message in the
// protocol that omits it.
func buildStartupMessage(params map[string]string) []byte {
	var body []byte
	verBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(verBuf, protocolVersion3)
	body = append(body, verBuf...)

	for k, v := range params {
		body = append(body, k...)
		body = append(body, 0)
		body = append(body, v...)
		body = append(body, 0)
	}
	body = append(body, 0)

	msg := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(msg[:4], uint32(len(msg)))
	copy(msg[4:], body)
	return msg
}

// splitNullTerminatedPair parses a "key\0value\0" buffer, as used by
// ParameterStatus.
func splitNullTerminatedPair(data []byte) (key, value string) {
	for i, b := range data {
		if b == 0 {
			key = string(data[:i])
			rest := data[i+1:]
			for j, c := range rest {
				if c == 0 {
					return key, string(rest[:j])
				}
			}
			return key, string(rest)
		}
	}
	return "", ""
}

// parseRowDescription extracts just the field names from a RowDescription
// payload: int16 field count, then per field a null-terminated name
// followed by five fixed-width attributes (table OID, column number, type
// OID, type size, type modifier) and a two-byte format code — all of
// which this driver ignores, matching spec's text-format-only scope.
func parseRowDescription(payload []byte) []string {
	if len(payload) < 2 {
		return []string{}
	}
	count := int(int16(uint16(payload[0])<<8 | uint16(payload[1])))
	fields := make([]string, 0, count)
	i := 2
	for f := 0; f < count && i < len(payload); f++ {
		start := i
		for i < len(payload) && payload[i] != 0 {
			i++
		}
		fields = append(fields, string(payload[start:i]))
		i++ // skip the name's terminator
		i += 4 + 2 + 4 + 2 + 4 + 2
	}
	return fields
}

// parseDataRow extracts column values from a DataRow payload: int16
// column count, then per column a 4-byte length (-1 meaning SQL NULL)
// followed by that many raw bytes. Every value arrives as text-format
// bytes since this driver never requests binary format.
func parseDataRow(payload []byte) [][]byte {
	if len(payload) < 2 {
		return nil
	}
	count := int(int16(uint16(payload[0])<<8 | uint16(payload[1])))
	values := make([][]byte, 0, count)
	i := 2
	for c := 0; c < count && i+4 <= len(payload); c++ {
		length := int(int32(uint32(payload[i])<<24 | uint32(payload[i+1])<<16 | uint32(payload[i+2])<<8 | uint32(payload[i+3])))
		i += 4
		if length < 0 {
			values = append(values, nil)
			continue
		}
		end := i + length
		if end > len(payload) {
			end = len(payload)
		}
		v := make([]byte, end-i)
		copy(v, payload[i:end])
		values = append(values, v)
		i = end
	}
	return values
}

// fieldFromErrorResponse extracts a single field (identified by its
// leading byte, e.g. 'M' for message, 'C' for SQLSTATE code) from an
// ErrorResponse/NoticeResponse payload.
func fieldFromErrorResponse(payload []byte, field byte) string {
	i := 0
	for i < len(payload) {
		ft := payload[i]
		if ft == 0 {
			break
		}
		i++
		start := i
		for i < len(payload) && payload[i] != 0 {
			i++
		}
		if ft == field {
			return string(payload[start:i])
		}
		i++ // skip the terminator
	}
	return ""
}
