package pgwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"
)

// PollStatus mirrors PQconnectPoll's four outcomes.
type PollStatus int

const (
	PollReading PollStatus = iota
	PollWriting
	PollOK
	PollFailed
)

func (s PollStatus) String() string {
	switch s {
	case PollReading:
		return "reading"
	case PollWriting:
		return "writing"
	case PollOK:
		return "ok"
	default:
		return "failed"
	}
}

// FlushStatus mirrors PQflush's three outcomes.
type FlushStatus int

const (
	FlushDone FlushStatus = iota
	FlushPending
	FlushError
)

// ConnStatus mirrors the two outcomes of PQstatus this driver cares about.
type ConnStatus int

const (
	StatusBad ConnStatus = iota
	StatusConnOK
)

type connectPhase int

const (
	phaseDialing connectPhase = iota
	phaseAuth
	phaseDone
)

// AsyncConn is this codebase's stand-in for a vendor client library
// handle (PGconn*): a single PostgreSQL connection driven entirely by
// explicit, non-blocking steps. Every method that talks to the network
// either performs one non-blocking syscall-equivalent attempt or none at
// all — callers (pgconn.Conn) are responsible for waiting on readiness
// via ioloop between steps.
type AsyncConn struct {
	conn    net.Conn
	status  ConnStatus
	lastErr string

	phase   connectPhase
	user    string
	passwd  string
	dbname  string
	startup map[string]string

	scram *scramState

	serverParams map[string]string
	backendPID   uint32
	backendKey   uint32

	outbuf []byte
	inbuf  []byte
	queue  []message
}

// NewAsyncConn creates a handle for a connection that has not yet started
// connecting. startupParams are forwarded verbatim as StartupMessage
// parameters in addition to "user" and "database".
func NewAsyncConn(user, password, database string, startupParams map[string]string) *AsyncConn {
	params := map[string]string{}
	for k, v := range startupParams {
		params[k] = v
	}
	params["user"] = user
	params["database"] = database
	return &AsyncConn{
		user:         user,
		passwd:       password,
		dbname:       database,
		startup:      params,
		serverParams: make(map[string]string),
	}
}

// StartConnect opens a non-blocking TCP socket to addr ("host:port") and
// begins the connect. DNS resolution is synchronous (as it is in libpq's
// own PQconnectStart) — the returned duration is how long it took, for
// the caller to compare against the DNS-timing warning threshold before
// arming the connect timeout. The connect itself is asynchronous: the
// returned PollWriting status tells the caller to watch the socket (via
// NetConn) for writability, the signal a connecting socket uses to report
// that the three-way handshake finished (successfully or not).
func (c *AsyncConn) StartConnect(addr string) (PollStatus, time.Duration, error) {
	dnsStart := time.Now()
	resolved, err := net.ResolveTCPAddr("tcp", addr)
	dnsElapsed := time.Since(dnsStart)
	if err != nil {
		c.status = StatusBad
		c.lastErr = err.Error()
		return PollFailed, dnsElapsed, err
	}

	fd, err := nonblockingConnect(resolved)
	if err != nil {
		c.status = StatusBad
		c.lastErr = err.Error()
		return PollFailed, dnsElapsed, err
	}

	file := os.NewFile(uintptr(fd), "pgsql-socket")
	netConn, err := net.FileConn(file)
	file.Close()
	if err != nil {
		c.status = StatusBad
		c.lastErr = err.Error()
		return PollFailed, dnsElapsed, err
	}

	c.conn = netConn
	c.phase = phaseDialing
	return PollWriting, dnsElapsed, nil
}

// nonblockingConnect opens a non-blocking stream socket and issues
// connect(2), returning immediately whether or not the handshake
// completed (it virtually never does for a remote host — the expected
// return is EINPROGRESS, signalled by the socket becoming writable).
func nonblockingConnect(addr *net.TCPAddr) (int, error) {
	family := syscall.AF_INET
	var sa syscall.Sockaddr
	if ip4 := addr.IP.To4(); ip4 != nil {
		var a [4]byte
		copy(a[:], ip4)
		sa = &syscall.SockaddrInet4{Port: addr.Port, Addr: a}
	} else {
		family = syscall.AF_INET6
		var a [16]byte
		copy(a[:], addr.IP.To16())
		sa = &syscall.SockaddrInet6{Port: addr.Port, Addr: a}
	}

	fd, err := syscall.Socket(family, syscall.SOCK_STREAM, syscall.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := syscall.SetNonblock(fd, true); err != nil {
		syscall.Close(fd)
		return -1, fmt.Errorf("set nonblocking: %w", err)
	}
	if err := syscall.Connect(fd, sa); err != nil && err != syscall.EINPROGRESS {
		syscall.Close(fd)
		return -1, fmt.Errorf("connect: %w", err)
	}
	return fd, nil
}

// NetConn exposes the underlying socket so the caller can register an
// ioloop watch on it. Valid once StartConnect has returned successfully.
func (c *AsyncConn) NetConn() net.Conn { return c.conn }

// Status mirrors PQstatus.
func (c *AsyncConn) Status() ConnStatus { return c.status }

// LastError mirrors PQerrorMessage for connection-level (as opposed to
// result-level) failures.
func (c *AsyncConn) LastError() string { return c.lastErr }

// ServerParams returns the ParameterStatus values collected during the
// startup handshake (server_version, server_encoding, and so on).
func (c *AsyncConn) ServerParams() map[string]string { return c.serverParams }

// BackendPID and BackendKey mirror PQbackendPID and the secret key from
// BackendKeyData, used only for logging/diagnostics by this driver.
func (c *AsyncConn) BackendPID() uint32 { return c.backendPID }
func (c *AsyncConn) BackendKey() uint32 { return c.backendKey }

// Close releases the socket. Safe to call on a connection that never
// finished connecting.
func (c *AsyncConn) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// PollConnect advances the connect state machine by exactly one step. It
// must be called only after the socket has reported readiness in the
// direction the previous call (or StartConnect) asked for.
func (c *AsyncConn) PollConnect() (PollStatus, error) {
	switch c.phase {
	case phaseDialing:
		return c.pollDialing()
	case phaseAuth:
		return c.pollAuth()
	default:
		return PollFailed, fmt.Errorf("pgwire: PollConnect called after connect finished")
	}
}

func (c *AsyncConn) pollDialing() (PollStatus, error) {
	scConn, ok := c.conn.(syscallConnProvider)
	if !ok {
		c.status = StatusBad
		c.lastErr = "pgwire: connection does not expose a raw file descriptor"
		return PollFailed, fmt.Errorf(c.lastErr)
	}
	rawConn, err := scConn.SyscallConn()
	if err != nil {
		c.status = StatusBad
		c.lastErr = err.Error()
		return PollFailed, err
	}

	var sockErr error
	var soErr int
	ctrlErr := rawConn.Control(func(fd uintptr) {
		soErr, sockErr = syscall.GetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_ERROR)
	})
	if ctrlErr != nil {
		c.status = StatusBad
		c.lastErr = ctrlErr.Error()
		return PollFailed, ctrlErr
	}
	if sockErr != nil {
		c.status = StatusBad
		c.lastErr = sockErr.Error()
		return PollFailed, sockErr
	}
	if soErr != 0 {
		err := syscall.Errno(soErr)
		c.status = StatusBad
		c.lastErr = err.Error()
		return PollFailed, err
	}

	startup := buildStartupMessage(c.startup)
	if _, err := c.conn.Write(startup); err != nil {
		c.status = StatusBad
		c.lastErr = err.Error()
		return PollFailed, err
	}
	c.phase = phaseAuth
	return PollReading, nil
}

// syscallConnProvider is the subset of syscall.Conn this package needs;
// declared locally so pollDialing can type-assert without importing
// "syscall" twice under different aliases.
type syscallConnProvider interface {
	SyscallConn() (syscallRawConn, error)
}

type syscallRawConn interface {
	Control(f func(fd uintptr)) error
	Read(f func(fd uintptr) (done bool)) error
	Write(f func(fd uintptr) (done bool)) error
}

func (c *AsyncConn) pollAuth() (PollStatus, error) {
	if err := c.ConsumeInput(); err != nil {
		return PollFailed, err
	}

	for len(c.queue) > 0 {
		msg := c.queue[0]
		c.queue = c.queue[1:]

		switch msg.typ {
		case msgAuthentication:
			status, err := c.handleAuthMessage(msg.payload)
			if err != nil {
				c.status = StatusBad
				c.lastErr = err.Error()
				return PollFailed, err
			}
			if status == PollOK {
				// AuthenticationOk: keep reading for ParameterStatus etc.
				continue
			}
		case msgParameterStatus:
			k, v := splitNullTerminatedPair(msg.payload)
			if k != "" {
				c.serverParams[k] = v
			}
		case msgBackendKeyData:
			if len(msg.payload) >= 8 {
				c.backendPID = binary.BigEndian.Uint32(msg.payload[:4])
				c.backendKey = binary.BigEndian.Uint32(msg.payload[4:8])
			}
		case msgErrorResponse:
			errMsg := fieldFromErrorResponse(msg.payload, 'M')
			c.status = StatusBad
			c.lastErr = errMsg
			return PollFailed, fmt.Errorf("%s", errMsg)
		case msgNoticeResponse:
			// Ignored at connect time.
		case msgReadyForQuery:
			c.phase = phaseDone
			c.status = StatusConnOK
			return PollOK, nil
		}
	}
	return PollReading, nil
}

// handleAuthMessage processes one AuthenticationXXX payload, writing a
// response directly (these are always small enough to fit the socket
// buffer in one non-blocking attempt, the same assumption a blocking auth
// handshake like PQconnectdb's makes). Returns PollOK only to signal
// "authentication itself is done, AuthenticationOk received" — the
// overall connect is not finished until ReadyForQuery arrives.
func (c *AsyncConn) handleAuthMessage(payload []byte) (PollStatus, error) {
	if len(payload) < 4 {
		return PollFailed, fmt.Errorf("pgwire: short authentication message")
	}
	authType := binary.BigEndian.Uint32(payload[:4])

	switch authType {
	case authOK:
		return PollOK, nil

	case authCleartextPassword:
		return PollReading, c.writePassword(c.passwd)

	case authMD5Password:
		if len(payload) < 8 {
			return PollFailed, fmt.Errorf("pgwire: short MD5 auth message")
		}
		salt := payload[4:8]
		return PollReading, c.writePassword(computeMD5Password(c.user, c.passwd, salt))

	case authSASL:
		mechs := parseSASLMechanisms(payload[4:])
		if !containsMechanism(mechs, "SCRAM-SHA-256") {
			return PollFailed, fmt.Errorf("pgwire: server offered no supported SASL mechanism: %v", mechs)
		}
		state, err := newSCRAMState(c.user, c.passwd)
		if err != nil {
			return PollFailed, err
		}
		c.scram = state
		_, werr := c.conn.Write(buildSASLInitialResponse("SCRAM-SHA-256", state.clientFirstMessage()))
		return PollReading, werr

	case authSASLContinue:
		if c.scram == nil {
			return PollFailed, fmt.Errorf("pgwire: SASLContinue without SASL in progress")
		}
		resp, err := c.scram.handleServerFirst(payload[4:])
		if err != nil {
			return PollFailed, err
		}
		_, werr := c.conn.Write(buildSASLResponse(resp))
		return PollReading, werr

	case authSASLFinal:
		if c.scram == nil {
			return PollFailed, fmt.Errorf("pgwire: SASLFinal without SASL in progress")
		}
		return PollReading, c.scram.verifyServerFinal(payload[4:])

	default:
		return PollFailed, fmt.Errorf("pgwire: unsupported authentication type %d", authType)
	}
}

func (c *AsyncConn) writePassword(password string) error {
	payload := append([]byte(password), 0)
	_, err := c.conn.Write(frame(msgPassword, payload))
	return err
}

// SendQuery queues a simple-query message. It does not write to the
// socket — Flush does that — mirroring PQsendQuery's "queue for send"
// semantics so the caller can drive writes from a Write-readiness watch.
func (c *AsyncConn) SendQuery(sql string) error {
	if c.status != StatusConnOK {
		return fmt.Errorf("pgwire: SendQuery on a connection that is not ready")
	}
	payload := append([]byte(sql), 0)
	c.outbuf = append(c.outbuf, frame(msgQuery, payload)...)
	return nil
}

// Flush attempts one non-blocking write of whatever is queued. A deadline
// already in the past makes Write return immediately with however many
// bytes fit before the OS send buffer filled, which is the standard Go
// idiom for a single non-blocking write attempt without touching raw
// syscalls.
func (c *AsyncConn) Flush() (FlushStatus, error) {
	if len(c.outbuf) == 0 {
		return FlushDone, nil
	}
	c.conn.SetWriteDeadline(time.Now())
	n, err := c.conn.Write(c.outbuf)
	c.outbuf = c.outbuf[n:]
	c.conn.SetWriteDeadline(time.Time{})

	if len(c.outbuf) == 0 {
		return FlushDone, nil
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return FlushPending, nil
		}
		c.status = StatusBad
		c.lastErr = err.Error()
		return FlushError, err
	}
	return FlushPending, nil
}

// ConsumeInput performs one non-blocking read attempt and folds whatever
// arrived into the message queue. A timeout (nothing available right
// now) is not an error — it mirrors PQconsumeInput's "drained the socket
// buffer, nothing more to do yet" outcome.
func (c *AsyncConn) ConsumeInput() error {
	buf := make([]byte, 65536)
	c.conn.SetReadDeadline(time.Now())
	n, err := c.conn.Read(buf)
	c.conn.SetReadDeadline(time.Time{})

	if n > 0 {
		c.inbuf = append(c.inbuf, buf[:n]...)
		var parsed []message
		parsed, c.inbuf = parseMessages(c.inbuf)
		c.queue = append(c.queue, parsed...)
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil
		}
		c.status = StatusBad
		c.lastErr = err.Error()
		return err
	}
	return nil
}

// IsBusy mirrors PQisBusy: true until the queue holds a complete logical
// result (a terminal message, or ReadyForQuery meaning "no more results
// for this query").
func (c *AsyncConn) IsBusy() bool {
	return !c.hasCompleteResult()
}

func (c *AsyncConn) hasCompleteResult() bool {
	for _, m := range c.queue {
		switch m.typ {
		case msgCommandComplete, msgEmptyQuery, msgErrorResponse, msgReadyForQuery:
			return true
		}
	}
	return false
}

// BlockingNextResult reads directly from the socket — without the
// SetReadDeadline(time.Now()) non-blocking trick the rest of this type
// uses — until a complete result packet is available, then returns it
// through GetResult. This is the one place in this package that
// performs a genuinely blocking network read, reserved for
// pgresult.Result.NextRow's documented past-end fetch: the simple-query
// protocol can deliver more than one result packet per dispatched
// query, and that accessor is specified to block for the next one
// rather than suspend back to the event loop.
func (c *AsyncConn) BlockingNextResult() (*ResultSet, error) {
	for c.IsBusy() {
		buf := make([]byte, 65536)
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.inbuf = append(c.inbuf, buf[:n]...)
			var parsed []message
			parsed, c.inbuf = parseMessages(c.inbuf)
			c.queue = append(c.queue, parsed...)
		}
		if err != nil {
			c.status = StatusBad
			c.lastErr = err.Error()
			return nil, err
		}
	}
	return c.GetResult()
}

// GetResult mirrors PQgetResult: pops and interprets queued messages
// until it can return one ResultSet, or (nil, nil) once it consumes a
// ReadyForQuery with nothing left to report — the signal that tells the
// query pipeline's drain phase to stop.
func (c *AsyncConn) GetResult() (*ResultSet, error) {
	if c.IsBusy() {
		return nil, fmt.Errorf("pgwire: GetResult called while busy")
	}

	var fields []string
	var rows [][][]byte

	for len(c.queue) > 0 {
		m := c.queue[0]
		c.queue = c.queue[1:]

		switch m.typ {
		case msgRowDescription:
			fields = parseRowDescription(m.payload)
		case msgDataRow:
			rows = append(rows, parseDataRow(m.payload))
		case msgParameterStatus:
			k, v := splitNullTerminatedPair(m.payload)
			if k != "" {
				c.serverParams[k] = v
			}
		case msgNoticeResponse:
			// Surfaced to callers only via logging at a higher layer.
		case msgCommandComplete:
			tag := string(bytes.TrimRight(m.payload, "\x00"))
			status := StatusCommandOK
			if fields != nil {
				status = StatusTuplesOK
			}
			return &ResultSet{Status: status, Fields: fields, Rows: rows, CommandTag: tag}, nil
		case msgEmptyQuery:
			return &ResultSet{Status: StatusEmptyQuery}, nil
		case msgErrorResponse:
			severity := fieldFromErrorResponse(m.payload, 'S')
			status := StatusNonfatalError
			if severity == "FATAL" || severity == "PANIC" {
				status = StatusFatalError
			}
			return &ResultSet{
				Status:       status,
				ErrorMessage: fieldFromErrorResponse(m.payload, 'M'),
				SQLState:     fieldFromErrorResponse(m.payload, 'C'),
			}, nil
		case msgReadyForQuery:
			return nil, nil
		}
	}
	return nil, fmt.Errorf("pgwire: GetResult: message queue exhausted without a terminal message")
}
