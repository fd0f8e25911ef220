package baseproto

import (
	"strings"

	"github.com/citadel-dev/citadel/internal/auth"
	"github.com/citadel-dev/citadel/pkg/server"
	"github.com/citadel-dev/citadel/pkg/sysconf"
)

// USER <name> begins a login.
func (m *Module) cmdUser(c *server.Context, args string) {
	if c.LoggedIn() {
		errReply(c, AlreadyLoggedIn, "Already logged in.")
		return
	}
	if !c.CanLogin() {
		errReply(c, MaxSessionsExceeded, "Too many users are already online.")
		return
	}
	if m.srv.SingleUserBlocksLogin(c) {
		errReply(c, NotHere, "The server is in single-user maintenance mode.")
		return
	}
	name := strings.TrimSpace(args)
	if name == "" {
		errReply(c, UsernameRequired, "Username required.")
		return
	}
	u, res := m.auth.Identify(name)
	switch res {
	case auth.LoginOK:
		state(c).pending = u
		c.Printf("%d Password required for %s.\n", MoreData, u.Fullname)
	case auth.LoginNotAllowed:
		errReply(c, NotHere, "%s cannot log in.", name)
	default:
		errReply(c, NoSuchUser, "No such user.")
	}
}

// PASS <password> completes a login begun by USER.
func (m *Module) cmdPass(c *server.Context, args string) {
	st := state(c)
	if c.LoggedIn() {
		errReply(c, AlreadyLoggedIn, "Already logged in.")
		return
	}
	if st.pending == nil {
		errReply(c, UsernameRequired, "You must send a name with USER first.")
		return
	}
	if m.auth.CheckPassword(st.pending, args) != auth.PassOK {
		errReply(c, PasswordRequired, "Wrong password.")
		return
	}
	u := st.pending
	st.pending = nil

	prevLogin, err := m.auth.DoLogin(u)
	if err != nil {
		errReply(c, InternalError, "Login failed: %s", err)
		return
	}
	c.User = u
	m.srv.Registry.FireSession(c, server.EvtLogin)
	m.gotoRoom(c, m.srv.Conf.GetStr(sysconf.BaseRoom), "", true)
	ok(c, "%s|%d|%d|%d|%d|%d|%d",
		u.Fullname, u.AxLevel, u.TimesCalled, u.Posts, u.Flags, u.UserNum, prevLogin)
}

// CREU <name>|<password> creates an account. Self-service before login,
// admin tool after.
func (m *Module) cmdCreu(c *server.Context, args string) {
	name, password, _ := strings.Cut(args, "|")
	name = strings.TrimSpace(name)
	if name == "" {
		errReply(c, UsernameRequired, "Username required.")
		return
	}
	if c.LoggedIn() && !m.accessCheck(c, acAide) {
		return
	}
	u, err := m.auth.CreateUser(name, password)
	if err != nil {
		errReply(c, AlreadyExists, "%s", err)
		return
	}
	m.postAideNotice("New user account <%s> has been created.", u.Fullname)
	ok(c, "User %s created.", u.Fullname)
}

// SETP <new password> changes the caller's own password.
func (m *Module) cmdSetp(c *server.Context, args string) {
	if !m.accessCheck(c, acLoggedIn) {
		return
	}
	if err := m.auth.SetPassword(c.User, args); err != nil {
		errReply(c, NotHere, "%s", err)
		return
	}
	m.srv.Registry.FireSession(c, server.EvtSetPass)
	ok(c, "Password changed.")
}

// LOUT logs the session out but keeps the connection.
func (m *Module) cmdLout(c *server.Context, _ string) {
	if c.LoggedIn() {
		m.srv.Registry.FireSession(c, server.EvtLogout)
	}
	c.User = nil
	c.Room = nil
	c.Scratch = &protoState{}
	ok(c, "Logged out.")
}
