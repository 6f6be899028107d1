package pgwire

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Authentication subtype codes carried in the first 4 bytes of an
// AuthenticationXXX ('R') message payload.
const (
	authOK                = 0
	authCleartextPassword = 3
	authMD5Password       = 5
	authSASL              = 10
	authSASLContinue      = 11
	authSASLFinal         = 12
)

// computeMD5Password computes the PostgreSQL MD5 password hash:
// "md5" + md5(md5(password + user) + salt).
func computeMD5Password(user, password string, salt []byte) string {
	h1 := md5.Sum([]byte(password + user))
	hex1 := hex.EncodeToString(h1[:])
	h2 := md5.Sum(append([]byte(hex1), salt...))
	return "md5" + hex.EncodeToString(h2[:])
}

// scramState walks a SCRAM-SHA-256 exchange forward one server message at
// a time, mirroring how the rest of this package's connect machinery only
// ever sees one message per consume_input cycle. It is deliberately not a
// single blocking call: clientFirstMessage produces the client-first-message,
// and handleServerFirst/verifyServerFinal are fed the server's two replies
// as they arrive.
type scramState struct {
	user, password  string
	clientNonce     string
	clientFirstBare string
	saltedPassword  []byte
	authMessage     string
}

func newSCRAMState(user, password string) (*scramState, error) {
	nonceBytes := make([]byte, 18)
	if _, err := rand.Read(nonceBytes); err != nil {
		return nil, fmt.Errorf("generating scram nonce: %w", err)
	}
	clientNonce := base64.StdEncoding.EncodeToString(nonceBytes)
	return &scramState{
		user:            user,
		password:        password,
		clientNonce:     clientNonce,
		clientFirstBare: fmt.Sprintf("n=%s,r=%s", scramEscapeUsername(user), clientNonce),
	}, nil
}

// clientFirstMessage returns the bytes to send as SASLInitialResponse.
func (s *scramState) clientFirstMessage() []byte {
	return []byte("n,," + s.clientFirstBare)
}

// handleServerFirst consumes AuthenticationSASLContinue's payload and
// returns the SASLResponse bytes to send next.
func (s *scramState) handleServerFirst(serverFirstMsg []byte) ([]byte, error) {
	nonce, salt, iterations, err := parseServerFirst(string(serverFirstMsg))
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(nonce, s.clientNonce) {
		return nil, fmt.Errorf("scram: server nonce does not extend client nonce")
	}

	s.saltedPassword = pbkdf2.Key([]byte(s.password), salt, iterations, 32, sha256.New)

	clientKey := hmacSHA256(s.saltedPassword, []byte("Client Key"))
	storedKey := sha256Sum(clientKey)

	gs2Header := "n,,"
	channelBinding := "c=" + base64.StdEncoding.EncodeToString([]byte(gs2Header))
	clientFinalWithoutProof := fmt.Sprintf("%s,r=%s", channelBinding, nonce)

	s.authMessage = s.clientFirstBare + "," + string(serverFirstMsg) + "," + clientFinalWithoutProof

	clientSignature := hmacSHA256(storedKey, []byte(s.authMessage))
	clientProof := xorBytes(clientKey, clientSignature)

	clientFinalMsg := clientFinalWithoutProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)
	return []byte(clientFinalMsg), nil
}

// verifyServerFinal checks AuthenticationSASLFinal's signature.
func (s *scramState) verifyServerFinal(serverFinalMsg []byte) error {
	serverKey := hmacSHA256(s.saltedPassword, []byte("Server Key"))
	expectedSig := hmacSHA256(serverKey, []byte(s.authMessage))
	expected := "v=" + base64.StdEncoding.EncodeToString(expectedSig)
	if string(serverFinalMsg) != expected {
		return fmt.Errorf("scram: server signature mismatch")
	}
	return nil
}

func parseServerFirst(msg string) (nonce string, salt []byte, iterations int, err error) {
	for _, part := range strings.Split(msg, ",") {
		switch {
		case strings.HasPrefix(part, "r="):
			nonce = part[2:]
		case strings.HasPrefix(part, "s="):
			salt, err = base64.StdEncoding.DecodeString(part[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("scram: decoding salt: %w", err)
			}
		case strings.HasPrefix(part, "i="):
			iterations, _ = strconv.Atoi(part[2:])
		}
	}
	if nonce == "" || salt == nil || iterations == 0 {
		return "", nil, 0, fmt.Errorf("scram: incomplete server-first-message: %q", msg)
	}
	return nonce, salt, iterations, nil
}

func scramEscapeUsername(user string) string {
	user = strings.ReplaceAll(user, "=", "=3D")
	user = strings.ReplaceAll(user, ",", "=2C")
	return user
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func sha256Sum(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// buildSASLInitialResponse encodes a password message ('p') carrying the
// mechanism name and the client-first-message.
func buildSASLInitialResponse(mechanism string, clientFirstMsg []byte) []byte {
	var payload []byte
	payload = append(payload, mechanism...)
	payload = append(payload, 0)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(clientFirstMsg)))
	payload = append(payload, lenBuf...)
	payload = append(payload, clientFirstMsg...)
	return frame(msgPassword, payload)
}

// buildSASLResponse encodes a password message ('p') carrying a raw SCRAM
// response body (used for the client-final message).
func buildSASLResponse(data []byte) []byte {
	return frame(msgPassword, data)
}

// parseSASLMechanisms parses a null-terminated list of mechanism names.
func parseSASLMechanisms(data []byte) []string {
	var mechs []string
	for len(data) > 0 {
		idx := 0
		for idx < len(data) && data[idx] != 0 {
			idx++
		}
		if idx > 0 {
			mechs = append(mechs, string(data[:idx]))
		}
		if idx >= len(data) {
			break
		}
		data = data[idx+1:]
	}
	return mechs
}

func containsMechanism(mechs []string, target string) bool {
	for _, m := range mechs {
		if m == target {
			return true
		}
	}
	return false
}
