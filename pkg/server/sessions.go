package server

import (
	"sort"
	"sync"
	"time"

	"github.com/citadel-dev/citadel/internal/logger"
	"github.com/citadel-dev/citadel/pkg/user"
)

// Terminate result bits.
const (
	TermFound   = 1 << 0
	TermAllowed = 1 << 1
	TermKilled  = 1 << 2
)

// sessionTable tracks every live context. The map is the single source of
// truth; scans that call out snapshot first so arbitrary code never runs
// under the lock.
type sessionTable struct {
	mu     sync.Mutex
	m      map[int64]*Context
	nextID int64

	singleUser    bool
	singleUserWho int64
	lastPurge     time.Time
}

func newSessionTable() *sessionTable {
	return &sessionTable{m: make(map[int64]*Context)}
}

// allocate creates and registers a context. Session ids are strictly
// increasing and never zero; on wraparound they stay positive.
func (st *sessionTable) allocate(c *Context) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.nextID++
	if st.nextID <= 0 {
		st.nextID = 1
	}
	c.ID = st.nextID
	st.m[c.ID] = c
}

func (st *sessionTable) remove(id int64) {
	st.mu.Lock()
	delete(st.m, id)
	st.mu.Unlock()
}

func (st *sessionTable) count() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.m)
}

// Snapshot copies the context list, ordered by session id, so callers can
// walk it without holding the table lock.
func (st *sessionTable) Snapshot() []*Context {
	st.mu.Lock()
	out := make([]*Context, 0, len(st.m))
	for _, c := range st.m {
		out = append(out, c)
	}
	st.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (st *sessionTable) get(id int64) *Context {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.m[id]
}

// Sessions is the public face of the session table, owned by the Server.

// GetContextArray snapshots the live sessions.
func (s *Server) GetContextArray() []*Context {
	return s.sessions.Snapshot()
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	return s.sessions.count()
}

// FindSession returns the live session with the given id, or nil.
func (s *Server) FindSession(id int64) *Context {
	return s.sessions.get(id)
}

// IsUserLoggedIn reports whether any live session is authenticated as the
// given user number.
func (s *Server) IsUserLoggedIn(usernum int64) bool {
	for _, c := range s.sessions.Snapshot() {
		if u := c.User; u != nil && u.UserNum == usernum {
			return true
		}
	}
	return false
}

// TerminateOtherSession kills another session on behalf of actor. Users may
// kill their own other sessions; admins may kill anything except the
// session they are issuing the command from.
func (s *Server) TerminateOtherSession(actor *Context, id int64) int {
	if id == actor.ID {
		return 0
	}
	target := s.sessions.get(id)
	if target == nil {
		return 0
	}
	bits := TermFound

	allowed := false
	if au := actor.User; au != nil {
		if au.AxLevel >= user.AxAide {
			allowed = true
		} else if tu := target.User; tu != nil && tu.UserNum == au.UserNum {
			allowed = true
		}
	}
	if !allowed {
		return bits
	}
	bits |= TermAllowed

	target.Kill(KillAdminTerminate)
	bits |= TermKilled
	return bits
}

// TerminateAllSessions kills every session except the caller's, typically
// at shutdown. Returns how many were killed.
func (s *Server) TerminateAllSessions(except int64, reason KillReason) int {
	n := 0
	for _, c := range s.sessions.Snapshot() {
		if c.ID == except {
			continue
		}
		c.Kill(reason)
		n++
	}
	return n
}

// ============================================================================
// Single-user mode
// ============================================================================

// TrySingleUser attempts to take the server into single-user mode on behalf
// of the given session. Fails if another session already holds it.
func (s *Server) TrySingleUser(c *Context) bool {
	st := s.sessions
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.singleUser {
		return false
	}
	st.singleUser = true
	st.singleUserWho = c.ID
	logger.Info("single-user mode engaged", logger.Session(c.ID))
	return true
}

// EndSingleUser releases single-user mode.
func (s *Server) EndSingleUser() {
	st := s.sessions
	st.mu.Lock()
	st.singleUser = false
	st.singleUserWho = 0
	st.mu.Unlock()
	logger.Info("single-user mode released")
}

// IsSingleUser reports true only when single-user mode is held and exactly
// one session is live.
func (s *Server) IsSingleUser() bool {
	st := s.sessions
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.singleUser && len(st.m) == 1
}

// SingleUserBlocksLogin reports whether a new login must be refused because
// someone holds single-user mode.
func (s *Server) SingleUserBlocksLogin(c *Context) bool {
	st := s.sessions
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.singleUser && st.singleUserWho != c.ID
}

// ============================================================================
// Reaping
// ============================================================================

// reapIdleSessions kills sessions whose last command is older than the
// idle allowance, honoring the dont-term exemption.
func (s *Server) reapIdleSessions(allowed time.Duration) {
	if allowed <= 0 {
		return
	}
	cutoff := time.Now().Add(-allowed)
	for _, c := range s.sessions.Snapshot() {
		if c.DontTerm || c.KillReason() != KillNone {
			continue
		}
		if c.LastCmd().Before(cutoff) {
			logger.Info("reaping idle session",
				logger.Session(c.ID),
				logger.Username(c.UserName()),
				"idle_s", int(time.Since(c.LastCmd()).Seconds()))
			c.Kill(KillIdle)
		}
	}
}

// purgeDeadSessions removes contexts whose teardown already ran but whose
// table entry lingers. Rate-limited unless forced.
func (s *Server) purgeDeadSessions(force bool) {
	st := s.sessions
	st.mu.Lock()
	if !force && time.Since(st.lastPurge) < 5*time.Second {
		st.mu.Unlock()
		return
	}
	st.lastPurge = time.Now()
	var dead []int64
	for id, c := range st.m {
		if c.KillReason() != KillNone && c.State() == StateIdle {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		delete(st.m, id)
	}
	st.mu.Unlock()

	if len(dead) > 0 {
		logger.Debug("dead sessions purged", "count", len(dead))
	}
}
