// Package baseproto implements the native line protocol: one four-letter
// verb per line, pipe-separated arguments, numeric replies whose first
// digit steers the client, 000-terminated listings.
package baseproto

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/citadel-dev/citadel/internal/auth"
	"github.com/citadel-dev/citadel/pkg/server"
	"github.com/citadel-dev/citadel/pkg/sysconf"
)

// Socket names under the run directory.
const (
	UserSocket  = "citadel.socket"
	AdminSocket = "citadel-admin.socket"
)

// Module binds the protocol to one server.
type Module struct {
	srv  *server.Server
	auth *auth.Authenticator
}

// Register wires the native protocol: the TCP listener on c_port_number,
// the user and admin local sockets, and every verb handler.
func Register(s *server.Server, a *auth.Authenticator, runDir string) *Module {
	m := &Module{srv: s, auth: a}

	s.Registry.AddService(&server.Service{
		Name:     "citadel-tcp",
		TCPPort:  s.Conf.GetInt(sysconf.PortNumber),
		Greeting: m.greeting,
		Command:  m.command,
		Async:    m.async,
	})
	s.Registry.AddService(&server.Service{
		Name:     "citadel-uds",
		UDSPath:  filepath.Join(runDir, UserSocket),
		Greeting: m.greeting,
		Command:  m.command,
		Async:    m.async,
	})
	s.Registry.AddService(&server.Service{
		Name:     "citadel-admin",
		UDSPath:  filepath.Join(runDir, AdminSocket),
		Admin:    true,
		Greeting: m.adminGreeting,
		Command:  m.command,
		Async:    m.async,
	})

	reg := s.Registry.OnProto
	reg("NOOP", m.cmdNoop)
	reg("QUIT", m.cmdQuit)
	reg("ECHO", m.cmdEcho)
	reg("INFO", m.cmdInfo)
	reg("TIME", m.cmdTime)
	reg("IDEN", m.cmdIden)
	reg("ASYN", m.cmdAsyn)
	reg("STLS", m.cmdStls)
	reg("USER", m.cmdUser)
	reg("PASS", m.cmdPass)
	reg("CREU", m.cmdCreu)
	reg("SETP", m.cmdSetp)
	reg("LOUT", m.cmdLout)
	reg("RWHO", m.cmdRwho)
	reg("GOTO", m.cmdGoto)
	reg("LKRN", m.cmdLkrn)
	reg("MSGS", m.cmdMsgs)
	reg("MSG0", m.cmdMsg0)
	reg("ENT0", m.cmdEnt0)
	reg("DELE", m.cmdDele)
	reg("SEXP", m.cmdSexp)
	reg("GEXP", m.cmdGexp)
	reg("TERM", m.cmdTerm)
	reg("DOWN", m.cmdDown)
	reg("SCDN", m.cmdScdn)
	reg("MIGR", m.cmdMigr)
	return m
}

func (m *Module) greeting(c *server.Context) {
	if !c.CanLogin() {
		errReply(c, MaxSessionsExceeded, "Too many users are already online (maximum is %d)",
			m.srv.Conf.GetInt(sysconf.MaxSessions))
		return
	}
	c.Printf("%d %s Citadel server ready.\n", CitOK, m.srv.Conf.GetStr(sysconf.NodeName))
}

// adminGreeting trusts the admin socket: the caller proved local root-ish
// access by reaching the 0700 path, so the session starts at full access.
func (m *Module) adminGreeting(c *server.Context) {
	c.DontTerm = true
	if u, err := m.srv.Users.Get(m.srv.Conf.GetStr(sysconf.SysAdm)); err == nil {
		c.User = u
	}
	c.Printf("%d %s Citadel server ADMIN CONNECTION ready.\n", CitOK, m.srv.Conf.GetStr(sysconf.NodeName))
}

// command is the per-line dispatcher: four-letter verb, space, arguments.
func (m *Module) command(c *server.Context, line string) {
	verb := line
	args := ""
	if i := strings.IndexByte(line, ' '); i >= 0 {
		verb, args = line[:i], line[i+1:]
	}
	if m.srv.ShuttingDown() {
		errReply(c, ServerShuttingDown, "The server is shutting down.")
		c.Kill(server.KillServerShuttingDown)
		return
	}
	fn, found := m.srv.Registry.Proto(verb)
	if !found {
		errReply(c, CmdNotSupported, "Command %q not supported.", strings.ToUpper(verb))
		return
	}
	fn(c, args)
}

// async pushes queued express messages to sessions that opted in with ASYN.
func (m *Module) async(c *server.Context) {
	st := state(c)
	if !st.asyncMode {
		return
	}
	for {
		msg, found := c.PopExpress()
		if !found {
			return
		}
		writeExpress(c, AsyncGexp, msg)
	}
}

func writeExpress(c *server.Context, code int, msg server.ExpressMessage) {
	broadcast := 0
	if msg.Broadcast {
		broadcast = 1
	}
	c.Printf("%d %d|%d|%d|%s\n", code, broadcast, msg.Timestamp.Unix(), 1, msg.Sender)
	for _, line := range strings.Split(msg.Text, "\n") {
		c.Printf("%s\n", line)
	}
	c.Printf("%s\n", listingEnd)
}

// uptimeBase is stamped at module load for the TIME reply.
var uptimeBase = time.Now()
