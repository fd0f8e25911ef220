package baseproto

import (
	"crypto/tls"
	"strconv"
	"strings"
	"time"

	"github.com/citadel-dev/citadel/internal/logger"
	"github.com/citadel-dev/citadel/pkg/server"
	"github.com/citadel-dev/citadel/pkg/sysconf"
	"github.com/citadel-dev/citadel/pkg/user"
)

func (m *Module) cmdNoop(c *server.Context, _ string) {
	ok(c, "NOOP")
}

func (m *Module) cmdQuit(c *server.Context, _ string) {
	ok(c, "Goodbye.")
	c.Kill(server.KillClientLoggedOut)
}

func (m *Module) cmdEcho(c *server.Context, args string) {
	ok(c, "%s", args)
}

func (m *Module) cmdInfo(c *server.Context, _ string) {
	conf := m.srv.Conf
	c.Printf("%d Server info:\n", ListingFollows)
	c.Printf("%d\n", c.ID)
	c.Printf("%s\n", conf.GetStr(sysconf.NodeName))
	c.Printf("%s\n", conf.GetStr(sysconf.HumanNode))
	c.Printf("%s\n", conf.GetStr(sysconf.FQDN))
	c.Printf("Citadel\n")
	c.Printf("%s\n", conf.GetStr(sysconf.SiteLocation))
	c.Printf("%s\n", conf.GetStr(sysconf.SysAdm))
	c.Printf("%s\n", listingEnd)
}

func (m *Module) cmdTime(c *server.Context, _ string) {
	now := time.Now()
	_, tzoff := now.Zone()
	ok(c, "%d|%d|%d|%d", now.Unix(), tzoff, boolInt(now.IsDST()), int(time.Since(uptimeBase).Seconds()))
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// IDEN dev|client|version|software name|claimed hostname
func (m *Module) cmdIden(c *server.Context, args string) {
	f := strings.Split(args, "|")
	st := state(c)
	if len(f) > 0 {
		st.devID, _ = strconv.Atoi(f[0])
	}
	if len(f) > 1 {
		st.clientID, _ = strconv.Atoi(f[1])
	}
	if len(f) > 2 {
		st.clientVer = f[2]
	}
	if len(f) > 3 {
		st.clientName = f[3]
	}
	if len(f) > 4 {
		st.claimedHost = f[4]
	}
	ok(c, "Thanks for the info.")
}

func (m *Module) cmdAsyn(c *server.Context, args string) {
	st := state(c)
	st.asyncMode = strings.TrimSpace(args) != "0"
	ok(c, "%d", boolInt(st.asyncMode))
}

func (m *Module) cmdStls(c *server.Context, _ string) {
	var cfg *tls.Config
	if m.srv.TLSConfig != nil {
		cfg = m.srv.TLSConfig()
	}
	_ = c.StartTLS(cfg,
		strconv.Itoa(CitOK)+" Begin TLS negotiation now",
		strconv.Itoa(Error+CmdNotSupported)+" TLS is not available",
		strconv.Itoa(Error+InternalError)+" TLS negotiation failed")
}

// RWHO lists live sessions. Stealth sessions appear only to admins.
func (m *Module) cmdRwho(c *server.Context, _ string) {
	m.srv.Registry.FireSession(c, server.EvtRwho)
	isAide := c.LoggedIn() && c.User.AxLevel >= user.AxAide

	c.Printf("%d Here's who's online:\n", ListingFollows)
	for _, other := range m.srv.GetContextArray() {
		if other.KillReason() != server.KillNone {
			continue
		}
		if other.Stealth && !isAide {
			continue
		}
		roomName := ""
		if other.Room != nil {
			roomName = other.Room.DisplayName()
		}
		st := ""
		if os, found := other.Scratch.(*protoState); found {
			st = os.clientName
		}
		c.Printf("%d|%s|%s|%s|%s|%d|%d\n",
			other.ID,
			other.UserName(),
			roomName,
			other.Host,
			st,
			other.LastCmd().Unix(),
			boolInt(other.Stealth))
	}
	c.Printf("%s\n", listingEnd)
}

// SEXP recipient|text sends an instant message. Recipient "*" broadcasts
// (admin only).
func (m *Module) cmdSexp(c *server.Context, args string) {
	if !m.accessCheck(c, acLoggedIn) {
		return
	}
	recipient, text, _ := strings.Cut(args, "|")
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		errReply(c, IllegalValue, "No recipient specified.")
		return
	}
	if recipient == "*" && c.User.AxLevel < user.AxAide {
		errReply(c, HigherAccessRequired, "Only administrators may broadcast.")
		return
	}
	if text == "-" {
		// Multi-line form: the client sends the body after a 4xx reply.
		c.Printf("%d Send message; end with %s\n", SendListing, listingEnd)
		c.Flush()
		text = m.readTextBlock(c)
	}
	delivered := m.srv.Registry.SendXmsg(c.UserName(), senderEmail(c), recipient, text)
	if delivered == 0 && recipient != "*" {
		errReply(c, NoSuchUser, "%s is not logged in.", recipient)
		return
	}
	ok(c, "Message sent to %d session(s).", delivered)
}

func senderEmail(c *server.Context) string {
	if c.User == nil {
		return ""
	}
	return c.User.PrimaryEmail()
}

// GEXP pops the oldest queued instant message.
func (m *Module) cmdGexp(c *server.Context, _ string) {
	msg, found := c.PopExpress()
	if !found {
		errReply(c, MessageNotFound, "No instant messages waiting.")
		return
	}
	writeExpress(c, ListingFollows, msg)
}

// TERM <session id> kills another session.
func (m *Module) cmdTerm(c *server.Context, args string) {
	if !m.accessCheck(c, acLoggedIn) {
		return
	}
	id, err := strconv.ParseInt(strings.TrimSpace(args), 10, 64)
	if err != nil {
		errReply(c, IllegalValue, "Bad session id.")
		return
	}
	bits := m.srv.TerminateOtherSession(c, id)
	switch {
	case bits&server.TermKilled != 0:
		ok(c, "Session terminated.")
	case bits&server.TermFound != 0:
		errReply(c, HigherAccessRequired, "You are not allowed to terminate that session.")
	default:
		errReply(c, NotHere, "No such session.")
	}
}

// DOWN shuts the server down immediately. DOWN 1 restarts instead.
func (m *Module) cmdDown(c *server.Context, args string) {
	if !m.accessCheck(c, acAide) {
		return
	}
	code := "halting"
	if strings.TrimSpace(args) == "1" {
		code = "restarting"
	}
	ok(c, "Server %s.", code)
	c.Flush()
	logger.Info("shutdown requested from session", logger.Session(c.ID), "mode", code)
	m.srv.RequestShutdown(strings.TrimSpace(args) == "1")
	c.Kill(server.KillServerShuttingDown)
}

// SCDN arms or disarms a graceful shutdown.
func (m *Module) cmdScdn(c *server.Context, args string) {
	if !m.accessCheck(c, acAide) {
		return
	}
	want := strings.TrimSpace(args) == "1"
	m.srv.ScheduleShutdown(want)
	ok(c, "%d", boolInt(want))
}
