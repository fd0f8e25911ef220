package baseproto

import (
	"github.com/citadel-dev/citadel/pkg/server"
	"github.com/citadel-dev/citadel/pkg/user"
)

// protoState is the per-session scratch for this protocol.
type protoState struct {
	pending   *user.User // named by USER, awaiting PASS
	asyncMode bool

	// client self-identification from IDEN
	devID, clientID       int
	clientVer, clientName string
	claimedHost           string
}

func state(c *server.Context) *protoState {
	if st, found := c.Scratch.(*protoState); found {
		return st
	}
	st := &protoState{}
	c.Scratch = st
	return st
}

// Access check levels.
const (
	acNone = iota
	acLoggedIn
	acRoomAide
	acAide
)

// accessCheck emits nothing and returns true on success; on failure it
// emits the error reply and returns false.
func (m *Module) accessCheck(c *server.Context, level int) bool {
	switch level {
	case acNone:
		return true
	case acLoggedIn:
		if !c.LoggedIn() {
			errReply(c, NotLoggedIn, "Not logged in.")
			return false
		}
		return true
	case acRoomAide:
		if !c.LoggedIn() {
			errReply(c, NotLoggedIn, "Not logged in.")
			return false
		}
		if c.User.AxLevel >= user.AxAide {
			return true
		}
		if c.Room != nil && c.Room.RoomAide != 0 && c.Room.RoomAide == c.User.UserNum {
			return true
		}
		if c.Room != nil && c.Room.IsMailbox() && c.Room.MailboxOwner() == c.User.UserNum {
			return true
		}
		errReply(c, HigherAccessRequired, "Higher access is required to perform this operation.")
		return false
	case acAide:
		if !c.LoggedIn() {
			errReply(c, NotLoggedIn, "Not logged in.")
			return false
		}
		if c.User.AxLevel < user.AxAide {
			errReply(c, HigherAccessRequired, "Higher access is required to perform this operation.")
			return false
		}
		return true
	}
	errReply(c, InternalError, "Unknown access level.")
	return false
}
