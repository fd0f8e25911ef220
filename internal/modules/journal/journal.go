// Package journal flushes the message store's journal queue from the
// housekeeping cycle, so journal envelope generation never runs on a
// session goroutine.
package journal

import (
	"github.com/citadel-dev/citadel/internal/logger"
	"github.com/citadel-dev/citadel/pkg/server"
)

// Register wires the drain onto the House hook.
func Register(s *server.Server) {
	s.Registry.OnSession(server.EvtHouse, 50, func(*server.Context) {
		if err := s.Msgs.DrainJournal(); err != nil {
			logger.Warn("journal drain failed", logger.Err(err))
		}
	})
}
