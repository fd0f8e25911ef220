// Package instmsg delivers instant messages to live sessions. It registers
// the first-priority xmsg hook; later hooks (pager gateways and the like)
// only see messages nobody local accepted.
package instmsg

import (
	"time"

	"github.com/citadel-dev/citadel/internal/logger"
	"github.com/citadel-dev/citadel/pkg/server"
	"github.com/citadel-dev/citadel/pkg/user"
)

// Module delivers to the session table.
type Module struct {
	srv *server.Server
}

// Register wires local delivery at priority 0.
func Register(s *server.Server) *Module {
	m := &Module{srv: s}
	s.Registry.OnXmsg(0, m.deliver)
	return m
}

// deliver queues the message on every matching live session. Recipient "*"
// broadcasts to every logged-in session except the sender's own.
func (m *Module) deliver(sender, senderEmail, recipient, text string) int {
	broadcast := recipient == "*"
	wantKey := user.MakeUserKey(recipient)

	msg := server.ExpressMessage{
		Sender:    sender,
		Text:      text,
		Timestamp: time.Now(),
		Broadcast: broadcast,
	}

	delivered := 0
	for _, c := range m.srv.GetContextArray() {
		if !c.LoggedIn() || c.KillReason() != server.KillNone {
			continue
		}
		if broadcast {
			if user.MakeUserKey(c.UserName()) == user.MakeUserKey(sender) {
				continue
			}
		} else if user.MakeUserKey(c.UserName()) != wantKey {
			continue
		}
		c.QueueExpress(msg)
		delivered++
	}
	if delivered > 0 {
		logger.Debug("instant message queued",
			logger.Username(sender),
			logger.KeyRecipient, recipient,
			"sessions", delivered)
	}
	return delivered
}
