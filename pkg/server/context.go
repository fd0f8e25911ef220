// Package server is the kernel: per-connection session contexts, the
// service and hook registries, the dispatcher that turns accepted sockets
// into command loops, and the housekeeping scheduler.
package server

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/citadel-dev/citadel/internal/logger"
	"github.com/citadel-dev/citadel/pkg/room"
	"github.com/citadel-dev/citadel/pkg/user"
)

// Session states.
type State int32

const (
	StateStarting State = iota // accepted, greeting not yet sent
	StateExecuting
	StateIdle
	StateReady // input waiting, not yet picked up
)

// KillReason marks a session for teardown. Zero means alive. The value is
// for logging only; every reason tears down the same way.
type KillReason int32

const (
	KillNone KillReason = iota
	KillClientLoggedOut
	KillIdle
	KillClientDisconnected
	KillAuthFailed
	KillServerShuttingDown
	KillMaxSessionsExceeded
	KillAdminTerminate
	KillSelectInterrupted
	KillSelectFailed
	KillWriteFailed
	KillSimulationWorker
	KillNoLogin
	KillNoCrypto
	KillReadstringFailed
	KillMallocFailed
	KillQuota
	KillReadFailed
	KillSpammer
	KillXmlParser
)

var killReasonNames = map[KillReason]string{
	KillNone:                "alive",
	KillClientLoggedOut:     "client logged out",
	KillIdle:                "idle timeout",
	KillClientDisconnected:  "client disconnected",
	KillAuthFailed:          "authentication failed",
	KillServerShuttingDown:  "server shutting down",
	KillMaxSessionsExceeded: "too many sessions",
	KillAdminTerminate:      "terminated by admin",
	KillSelectInterrupted:   "wait interrupted",
	KillSelectFailed:        "wait failed",
	KillWriteFailed:         "write failed",
	KillSimulationWorker:    "simulation worker",
	KillNoLogin:             "never logged in",
	KillNoCrypto:            "crypto required",
	KillReadstringFailed:    "line read failed",
	KillMallocFailed:        "allocation failed",
	KillQuota:               "quota exceeded",
	KillReadFailed:          "read failed",
	KillSpammer:             "spammer",
	KillXmlParser:           "stream parse failed",
}

func (k KillReason) String() string {
	if s, ok := killReasonNames[k]; ok {
		return s
	}
	return "unknown"
}

// MaxLineLen bounds a single protocol line.
const MaxLineLen = 1024 * 1024

// ExpressMessage is one queued instant message.
type ExpressMessage struct {
	Sender    string
	Text      string
	Timestamp time.Time
	Broadcast bool
}

// Context is the per-connection session state. Field access rules: the
// bound session goroutine owns everything; other goroutines touch only the
// atomic fields and the mutex-guarded express queue.
type Context struct {
	ID          int64
	ServiceName string
	Host        string
	Addr        string
	PeerUID     int64 // from SO_PEERCRED on local sockets, -1 unknown
	IsLocal     bool

	// User is the logged-in account, nil before login. Room is the
	// session's current room.
	User *user.User
	Room *room.Room

	// Scratch holds per-protocol session state.
	Scratch any

	// DontTerm exempts the session from the idle reaper.
	DontTerm bool

	// Stealth hides the session from ordinary who-listings.
	Stealth bool

	conn   net.Conn
	rd     *bufio.Reader
	wr     *bufio.Writer
	tlsOn  bool
	nology bool // refuse login (session table full)

	state        atomic.Int32
	killMe       atomic.Int32
	lastCmd      atomic.Int64 // unix seconds of last command
	asyncWaiting atomic.Int32

	redirect []*strings.Builder

	exprMu sync.Mutex
	expr   []ExpressMessage

	closeOnce sync.Once
}

func newContext(id int64, conn net.Conn, serviceName string) *Context {
	c := &Context{
		ID:          id,
		ServiceName: serviceName,
		conn:        conn,
		rd:          bufio.NewReader(conn),
		wr:          bufio.NewWriter(conn),
		PeerUID:     -1,
	}
	if conn != nil {
		c.Addr = stripPort(conn.RemoteAddr().String())
		c.Host = c.Addr
	}
	c.lastCmd.Store(time.Now().Unix())
	return c
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// State returns the session state.
func (c *Context) State() State {
	return State(c.state.Load())
}

func (c *Context) setState(s State) {
	c.state.Store(int32(s))
}

// TouchCmd stamps the last-command clock; the idle reaper measures from
// here.
func (c *Context) TouchCmd() {
	c.lastCmd.Store(time.Now().Unix())
}

// LastCmd returns the last-command time.
func (c *Context) LastCmd() time.Time {
	return time.Unix(c.lastCmd.Load(), 0)
}

// Kill marks the session for teardown. First reason wins. A blocked read is
// woken by expiring the read deadline rather than closing the socket, so a
// farewell reply already buffered still reaches the client.
func (c *Context) Kill(reason KillReason) {
	if c.killMe.CompareAndSwap(int32(KillNone), int32(reason)) {
		logger.Info("session marked for teardown",
			logger.Session(c.ID),
			logger.KeyReason, reason.String())
	}
	if c.conn != nil {
		_ = c.conn.SetReadDeadline(time.Now())
	}
}

// KillReason returns the teardown reason, KillNone while alive.
func (c *Context) KillReason() KillReason {
	return KillReason(c.killMe.Load())
}

func (c *Context) closeSocket() {
	c.closeOnce.Do(func() {
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// NoLogin marks the session as over-capacity: the greeting should say so
// and logins must be refused.
func (c *Context) NoLogin() { c.nology = true }

// CanLogin reports whether logins are permitted on this session.
func (c *Context) CanLogin() bool { return !c.nology }

// LoggedIn reports whether a user is authenticated on this session.
func (c *Context) LoggedIn() bool { return c.User != nil }

// ============================================================================
// Buffered I/O
// ============================================================================

// Printf writes formatted output to the client, or to the innermost
// redirect buffer when one is pushed.
func (c *Context) Printf(format string, args ...any) {
	out := fmt.Sprintf(format, args...)
	if n := len(c.redirect); n > 0 {
		c.redirect[n-1].WriteString(out)
		return
	}
	if _, err := c.wr.WriteString(out); err != nil {
		c.Kill(KillWriteFailed)
	}
}

// Write sends raw bytes, honoring the redirect stack.
func (c *Context) Write(p []byte) (int, error) {
	if n := len(c.redirect); n > 0 {
		return c.redirect[n-1].Write(p)
	}
	n, err := c.wr.Write(p)
	if err != nil {
		c.Kill(KillWriteFailed)
	}
	return n, err
}

// Flush pushes buffered output to the wire.
func (c *Context) Flush() {
	if len(c.redirect) > 0 {
		return
	}
	if err := c.wr.Flush(); err != nil {
		c.Kill(KillWriteFailed)
	}
}

// PushRedirect diverts all output into a capture buffer until the matching
// PopRedirect. Captures nest.
func (c *Context) PushRedirect() {
	c.redirect = append(c.redirect, &strings.Builder{})
}

// PopRedirect ends the innermost capture and returns what was written.
func (c *Context) PopRedirect() string {
	n := len(c.redirect)
	if n == 0 {
		return ""
	}
	out := c.redirect[n-1].String()
	c.redirect = c.redirect[:n-1]
	return out
}

// ReadLine reads one protocol line, enforcing the line quota and the given
// deadline. The trailing newline (and any carriage return) is stripped.
func (c *Context) ReadLine(deadline time.Time) (string, error) {
	if c.KillReason() != KillNone {
		return "", net.ErrClosed
	}
	if c.conn != nil {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return "", err
		}
	}
	line, err := c.rd.ReadString('\n')
	if err != nil {
		return "", err
	}
	if len(line) > MaxLineLen {
		c.Kill(KillQuota)
		return "", fmt.Errorf("line exceeds quota")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// InputWaiting reports whether buffered input is already available, so a
// command loop can drain pipelined lines before yielding.
func (c *Context) InputWaiting() bool {
	return c.rd.Buffered() > 0
}

// ============================================================================
// TLS
// ============================================================================

// TLSActive reports whether the connection has been upgraded.
func (c *Context) TLSActive() bool { return c.tlsOn }

// StartTLS performs the in-band upgrade. The protocol layer supplies the
// three reply lines: sent for proceed, not-supported, and handshake-failed.
// On handshake failure the cleartext socket stays usable; the peer notices
// the mismatch on its own.
func (c *Context) StartTLS(cfg *tls.Config, okMsg, noSupMsg, errMsg string) error {
	if cfg == nil || c.tlsOn {
		c.Printf("%s\n", noSupMsg)
		c.Flush()
		return fmt.Errorf("tls unavailable")
	}
	c.Printf("%s\n", okMsg)
	c.Flush()

	tc := tls.Server(c.conn, cfg)
	_ = c.conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	if err := tc.Handshake(); err != nil {
		logger.Warn("tls handshake failed", logger.Session(c.ID), logger.Err(err))
		c.Printf("%s\n", errMsg)
		c.Flush()
		return err
	}
	c.conn = tc
	c.rd = bufio.NewReader(tc)
	c.wr = bufio.NewWriter(tc)
	c.tlsOn = true
	logger.Info("tls established", logger.Session(c.ID), "cipher", tls.CipherSuiteName(tc.ConnectionState().CipherSuite))
	return nil
}

// EndTLS shuts the TLS layer down. Called on teardown and on explicit
// protocol request.
func (c *Context) EndTLS() {
	if !c.tlsOn {
		return
	}
	if tc, ok := c.conn.(*tls.Conn); ok {
		_ = tc.CloseWrite()
	}
	c.tlsOn = false
}

// ============================================================================
// Express messages
// ============================================================================

// QueueExpress appends an instant message for this session and wakes the
// async handler if one is armed.
func (c *Context) QueueExpress(msg ExpressMessage) {
	c.exprMu.Lock()
	c.expr = append(c.expr, msg)
	c.exprMu.Unlock()
	c.asyncWaiting.Store(1)
}

// HasExpress reports whether instant messages are waiting.
func (c *Context) HasExpress() bool {
	c.exprMu.Lock()
	defer c.exprMu.Unlock()
	return len(c.expr) > 0
}

// PopExpress removes and returns the oldest queued instant message.
func (c *Context) PopExpress() (ExpressMessage, bool) {
	c.exprMu.Lock()
	defer c.exprMu.Unlock()
	if len(c.expr) == 0 {
		return ExpressMessage{}, false
	}
	msg := c.expr[0]
	c.expr = c.expr[1:]
	if len(c.expr) == 0 {
		c.asyncWaiting.Store(0)
	}
	return msg, true
}

// UserName returns the logged-in user's name, or "" before login.
func (c *Context) UserName() string {
	if c.User == nil {
		return ""
	}
	return c.User.Fullname
}
