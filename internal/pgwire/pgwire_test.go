package pgwire

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	framed := frame(msgQuery, []byte("select 1\x00"))
	msgs, rest := parseMessages(framed)
	if len(rest) != 0 {
		t.Fatalf("expected no leftover bytes, got %d", len(rest))
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].typ != msgQuery {
		t.Fatalf("expected type %q, got %q", msgQuery, msgs[0].typ)
	}
	if string(msgs[0].payload) != "select 1\x00" {
		t.Fatalf("unexpected payload: %q", msgs[0].payload)
	}
}

func TestParseMessagesSplitAcrossReads(t *testing.T) {
	full := frame(msgReadyForQuery, []byte("I"))
	first := full[:3]
	second := full[3:]

	msgs, rest := parseMessages(first)
	if len(msgs) != 0 {
		t.Fatalf("expected no complete messages yet, got %d", len(msgs))
	}
	if !bytes.Equal(rest, first) {
		t.Fatalf("expected incomplete bytes held back unchanged")
	}

	msgs, rest = parseMessages(append(rest, second...))
	if len(rest) != 0 {
		t.Fatalf("expected no leftover, got %d bytes", len(rest))
	}
	if len(msgs) != 1 || msgs[0].typ != msgReadyForQuery {
		t.Fatalf("expected one ReadyForQuery message, got %+v", msgs)
	}
}

func TestParseMessagesMultipleInOneBuffer(t *testing.T) {
	buf := append(frame(msgCommandComplete, []byte("SELECT 1\x00")), frame(msgReadyForQuery, []byte("I"))...)
	msgs, rest := parseMessages(buf)
	if len(rest) != 0 {
		t.Fatalf("expected no leftover, got %d", len(rest))
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].typ != msgCommandComplete || msgs[1].typ != msgReadyForQuery {
		t.Fatalf("unexpected message order: %+v", msgs)
	}
}

func TestBuildStartupMessageIncludesParams(t *testing.T) {
	msg := buildStartupMessage(map[string]string{"user": "alice", "database": "mail"})
	length := binary.BigEndian.Uint32(msg[:4])
	if int(length) != len(msg) {
		t.Fatalf("length prefix %d does not match message size %d", length, len(msg))
	}
	if !bytes.Contains(msg, []byte("user\x00alice\x00")) {
		t.Fatalf("startup message missing user param: %x", msg)
	}
	if !bytes.Contains(msg, []byte("database\x00mail\x00")) {
		t.Fatalf("startup message missing database param: %x", msg)
	}
	if msg[len(msg)-1] != 0 {
		t.Fatalf("startup message must end with a null terminator")
	}
}

func TestFieldFromErrorResponse(t *testing.T) {
	payload := append([]byte{}, 'S')
	payload = append(payload, "ERROR\x00"...)
	payload = append(payload, 'C')
	payload = append(payload, "42601\x00"...)
	payload = append(payload, 'M')
	payload = append(payload, "syntax error\x00"...)
	payload = append(payload, 0)

	if got := fieldFromErrorResponse(payload, 'M'); got != "syntax error" {
		t.Fatalf("message field: got %q", got)
	}
	if got := fieldFromErrorResponse(payload, 'C'); got != "42601" {
		t.Fatalf("sqlstate field: got %q", got)
	}
	if got := fieldFromErrorResponse(payload, 'S'); got != "ERROR" {
		t.Fatalf("severity field: got %q", got)
	}
	if got := fieldFromErrorResponse(payload, 'D'); got != "" {
		t.Fatalf("missing field should be empty, got %q", got)
	}
}

func TestComputeMD5Password(t *testing.T) {
	got := computeMD5Password("alice", "hunter2", []byte{0x01, 0x02, 0x03, 0x04})
	if len(got) != 35 || got[:3] != "md5" {
		t.Fatalf("unexpected MD5 password shape: %q", got)
	}
	again := computeMD5Password("alice", "hunter2", []byte{0x01, 0x02, 0x03, 0x04})
	if got != again {
		t.Fatalf("computeMD5Password is not deterministic")
	}
	other := computeMD5Password("alice", "hunter2", []byte{0x05, 0x06, 0x07, 0x08})
	if got == other {
		t.Fatalf("different salts must produce different hashes")
	}
}

func TestSCRAMExchangeAgainstFakeServer(t *testing.T) {
	// The cleartext and MD5 handshakes get full end-to-end coverage
	// against a scripted fake server in asyncconn_test.go; SCRAM's
	// happy path additionally needs a server-side SASL implementation
	// to fake, so this only exercises message shape and the failure
	// path on a malformed server-first-message.
	state, err := newSCRAMState("alice", "hunter2")
	if err != nil {
		t.Fatalf("newSCRAMState: %v", err)
	}
	first := state.clientFirstMessage()
	if !bytes.HasPrefix(first, []byte("n,,n=alice,r=")) {
		t.Fatalf("unexpected client-first-message: %q", first)
	}

	if _, err := state.handleServerFirst([]byte("garbage")); err == nil {
		t.Fatalf("expected error parsing an incomplete server-first-message")
	}
}

func TestParseSASLMechanisms(t *testing.T) {
	data := append([]byte("SCRAM-SHA-256\x00"), "SCRAM-SHA-256-PLUS\x00"...)
	data = append(data, 0)
	mechs := parseSASLMechanisms(data)
	if len(mechs) != 2 {
		t.Fatalf("expected 2 mechanisms, got %v", mechs)
	}
	if !containsMechanism(mechs, "SCRAM-SHA-256") {
		t.Fatalf("expected SCRAM-SHA-256 in %v", mechs)
	}
	if containsMechanism(mechs, "SCRAM-SHA-1") {
		t.Fatalf("did not expect SCRAM-SHA-1 in %v", mechs)
	}
}

func TestCmdTuples(t *testing.T) {
	cases := map[string]string{
		"UPDATE 4":    "4",
		"INSERT 0 4":  "4",
		"DELETE 0":    "0",
		"BEGIN":       "",
		"SELECT 12":   "12",
		"ROLLBACK":    "",
		"COMMIT":      "",
		"SET":         "",
	}
	for tag, want := range cases {
		r := &ResultSet{CommandTag: tag}
		if got := r.CmdTuples(); got != want {
			t.Errorf("CmdTuples(%q) = %q, want %q", tag, got, want)
		}
	}
}

func TestParseRowDescriptionAndDataRow(t *testing.T) {
	var rd []byte
	rd = append(rd, 0, 2) // two fields
	rd = append(rd, "id\x00"...)
	rd = append(rd, make([]byte, 4+2+4+2+4+2)...)
	rd = append(rd, "name\x00"...)
	rd = append(rd, make([]byte, 4+2+4+2+4+2)...)

	fields := parseRowDescription(rd)
	if len(fields) != 2 || fields[0] != "id" || fields[1] != "name" {
		t.Fatalf("unexpected fields: %v", fields)
	}

	var dr []byte
	dr = append(dr, 0, 2) // two columns
	dr = append(dr, 0, 0, 0, 1)
	dr = append(dr, '7')
	dr = append(dr, 0xFF, 0xFF, 0xFF, 0xFF) // -1 length: NULL

	values := parseDataRow(dr)
	if len(values) != 2 {
		t.Fatalf("expected 2 values, got %d", len(values))
	}
	if string(values[0]) != "7" {
		t.Fatalf("expected first value \"7\", got %q", values[0])
	}
	if values[1] != nil {
		t.Fatalf("expected second value nil (SQL NULL), got %v", values[1])
	}
}

func TestEscapeBlob(t *testing.T) {
	got := EscapeBlob([]byte{0x00, 0xFF, 0x10})
	want := `E'\x00ff10'`
	if got != want {
		t.Fatalf("EscapeBlob = %q, want %q", got, want)
	}
}

func TestEscapeString(t *testing.T) {
	got := EscapeString(`O'Brien\`)
	want := `O''Brien\\`
	if got != want {
		t.Fatalf("EscapeString = %q, want %q", got, want)
	}
}
