package server

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citadel-dev/citadel/pkg/db"
	"github.com/citadel-dev/citadel/pkg/msgbase"
	"github.com/citadel-dev/citadel/pkg/room"
	"github.com/citadel-dev/citadel/pkg/sysconf"
	"github.com/citadel-dev/citadel/pkg/user"
)

func openTestServer(t *testing.T) *Server {
	t.Helper()
	d, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	conf := sysconf.New(d)
	require.NoError(t, conf.Load())

	users := user.NewDir(d, conf)
	rooms := room.NewDir(d, conf)
	require.NoError(t, rooms.EnsureBaseRooms())

	store, err := msgbase.NewStore(d, conf, rooms, users, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return New(Deps{DB: d, Conf: conf, Users: users, Rooms: rooms, Msgs: store})
}

func addSession(t *testing.T, s *Server) (*Context, net.Conn) {
	t.Helper()
	client, srv := net.Pipe()
	t.Cleanup(func() { client.Close(); srv.Close() })
	c := newContext(0, srv, "test")
	s.sessions.allocate(c)
	return c, client
}

func TestSessionIDsStrictlyIncreasing(t *testing.T) {
	t.Parallel()
	s := openTestServer(t)

	var last int64
	for i := 0; i < 50; i++ {
		c, _ := addSession(t, s)
		require.Greater(t, c.ID, last)
		last = c.ID
	}
	assert.Equal(t, 50, s.SessionCount())

	snap := s.GetContextArray()
	for i := 1; i < len(snap); i++ {
		assert.Less(t, snap[i-1].ID, snap[i].ID)
	}
}

func TestSessionIDWraparoundSkipsZero(t *testing.T) {
	t.Parallel()
	s := openTestServer(t)
	s.sessions.nextID = int64(^uint64(0) >> 1) // max int64

	c, _ := addSession(t, s)
	assert.Equal(t, int64(1), c.ID)
}

func TestFindAndRemove(t *testing.T) {
	t.Parallel()
	s := openTestServer(t)
	c, _ := addSession(t, s)

	assert.Same(t, c, s.FindSession(c.ID))
	s.sessions.remove(c.ID)
	assert.Nil(t, s.FindSession(c.ID))
}

func TestIsUserLoggedIn(t *testing.T) {
	t.Parallel()
	s := openTestServer(t)
	c, _ := addSession(t, s)

	assert.False(t, s.IsUserLoggedIn(42))
	c.User = &user.User{UserNum: 42, Fullname: "Test User"}
	assert.True(t, s.IsUserLoggedIn(42))
	assert.False(t, s.IsUserLoggedIn(43))
}

func TestTerminateOtherSession(t *testing.T) {
	t.Parallel()
	s := openTestServer(t)

	actor, _ := addSession(t, s)
	target, _ := addSession(t, s)
	stranger, _ := addSession(t, s)

	// Nobody logged in: found but not allowed.
	assert.Equal(t, TermFound, s.TerminateOtherSession(actor, target.ID))

	// Killing yourself through this path is refused outright.
	assert.Equal(t, 0, s.TerminateOtherSession(actor, actor.ID))

	// Unknown session.
	assert.Equal(t, 0, s.TerminateOtherSession(actor, 99999))

	// A user may kill their own other session but not a stranger's.
	actor.User = &user.User{UserNum: 7, AxLevel: user.AxLocal}
	target.User = &user.User{UserNum: 7}
	stranger.User = &user.User{UserNum: 8}
	assert.Equal(t, TermFound|TermAllowed|TermKilled, s.TerminateOtherSession(actor, target.ID))
	assert.Equal(t, TermFound, s.TerminateOtherSession(actor, stranger.ID))

	// An admin may kill anything.
	actor.User.AxLevel = user.AxAide
	assert.Equal(t, TermFound|TermAllowed|TermKilled, s.TerminateOtherSession(actor, stranger.ID))
	assert.Equal(t, KillAdminTerminate, stranger.KillReason())
}

func TestSingleUserMode(t *testing.T) {
	t.Parallel()
	s := openTestServer(t)

	holder, _ := addSession(t, s)
	other, _ := addSession(t, s)

	require.True(t, s.TrySingleUser(holder))
	assert.False(t, s.TrySingleUser(other), "second taker must fail")

	// Two sessions live: mode is held but not yet effective.
	assert.False(t, s.IsSingleUser())
	assert.True(t, s.SingleUserBlocksLogin(other))
	assert.False(t, s.SingleUserBlocksLogin(holder))

	s.sessions.remove(other.ID)
	assert.True(t, s.IsSingleUser())

	s.EndSingleUser()
	assert.False(t, s.SingleUserBlocksLogin(other))
	assert.True(t, s.TrySingleUser(other))
}

func TestReapIdleSessions(t *testing.T) {
	t.Parallel()
	s := openTestServer(t)

	stale, _ := addSession(t, s)
	fresh, _ := addSession(t, s)
	exempt, _ := addSession(t, s)
	exempt.DontTerm = true

	old := time.Now().Add(-time.Hour).Unix()
	stale.lastCmd.Store(old)
	exempt.lastCmd.Store(old)

	s.reapIdleSessions(15 * time.Minute)

	assert.Equal(t, KillIdle, stale.KillReason())
	assert.Equal(t, KillNone, fresh.KillReason())
	assert.Equal(t, KillNone, exempt.KillReason(), "dont-term sessions survive the reaper")
}

func TestPurgeDeadSessions(t *testing.T) {
	t.Parallel()
	s := openTestServer(t)

	dead, _ := addSession(t, s)
	live, _ := addSession(t, s)

	dead.Kill(KillClientDisconnected)
	dead.setState(StateIdle)
	live.setState(StateIdle)

	s.purgeDeadSessions(true)
	assert.Nil(t, s.FindSession(dead.ID))
	assert.Same(t, live, s.FindSession(live.ID))
}

func TestKillFirstReasonWins(t *testing.T) {
	t.Parallel()
	s := openTestServer(t)
	c, _ := addSession(t, s)

	c.Kill(KillIdle)
	c.Kill(KillAdminTerminate)
	assert.Equal(t, KillIdle, c.KillReason())
}

// ============================================================================
// Registry
// ============================================================================

func TestSessionHookOrdering(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	var order []string
	r.OnSession(EvtStart, 50, func(*Context) { order = append(order, "b") })
	r.OnSession(EvtStart, 10, func(*Context) { order = append(order, "a") })
	r.OnSession(EvtStart, 50, func(*Context) { order = append(order, "c") })
	r.OnSession(EvtStop, 1, func(*Context) { order = append(order, "x") })

	r.FireSession(nil, EvtStart)
	assert.Equal(t, []string{"a", "b", "c"}, order, "priority then registration order")

	order = nil
	r.FireSession(nil, EvtStop)
	assert.Equal(t, []string{"x"}, order)
}

func TestXmsgPriorityShortCircuit(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	var called []string
	r.OnXmsg(10, func(_, _, _, _ string) int { called = append(called, "p10a"); return 0 })
	r.OnXmsg(10, func(_, _, _, _ string) int { called = append(called, "p10b"); return 1 })
	r.OnXmsg(20, func(_, _, _, _ string) int { called = append(called, "p20"); return 1 })

	n := r.SendXmsg("alice", "alice@x", "bob", "hi")
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"p10a", "p10b"}, called,
		"every hook in the delivering class runs; lower classes are skipped")

	// No hook delivers: every class runs and the total is zero.
	called = nil
	r2 := NewRegistry()
	r2.OnXmsg(1, func(_, _, _, _ string) int { called = append(called, "a"); return 0 })
	r2.OnXmsg(2, func(_, _, _, _ string) int { called = append(called, "b"); return 0 })
	assert.Equal(t, 0, r2.SendXmsg("a", "", "b", "x"))
	assert.Equal(t, []string{"a", "b"}, called)
}

func TestProtoVerbDispatch(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	r.OnProto("echo", func(c *Context, args string) {})
	_, ok := r.Proto("ECHO")
	assert.True(t, ok)
	_, ok = r.Proto("echo")
	assert.True(t, ok, "lookup is case-insensitive")
	_, ok = r.Proto("NOPE")
	assert.False(t, ok)
}

func TestFixedOutputAndSearch(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	r.OnFixedOutput("text/x-vcard", func(c *Context, content []byte) bool {
		c.Printf("rendered %d bytes", len(content))
		return true
	})
	c := newContext(1, nil, "test")
	c.PushRedirect()
	assert.True(t, r.FixedOutput(c, "Text/X-VCard", []byte("abc")))
	assert.Equal(t, "rendered 3 bytes", c.PopRedirect())
	assert.False(t, r.FixedOutput(c, "text/html", nil))

	r.OnSearch("fulltext", func(q string) []int64 { return []int64{3, 1} })
	assert.Equal(t, []int64{3, 1}, r.Search("fulltext", "anything"))
	assert.Nil(t, r.Search("missing", "q"))
}

// ============================================================================
// Context I/O
// ============================================================================

func TestRedirectStackNests(t *testing.T) {
	t.Parallel()
	c := newContext(1, nil, "test")

	c.PushRedirect()
	c.Printf("outer ")
	c.PushRedirect()
	c.Printf("inner")
	assert.Equal(t, "inner", c.PopRedirect())
	c.Printf("more")
	assert.Equal(t, "outer more", c.PopRedirect())
}

func TestExpressQueueFIFO(t *testing.T) {
	t.Parallel()
	c := newContext(1, nil, "test")

	assert.False(t, c.HasExpress())
	c.QueueExpress(ExpressMessage{Sender: "a", Text: "one"})
	c.QueueExpress(ExpressMessage{Sender: "b", Text: "two"})
	require.True(t, c.HasExpress())
	assert.Equal(t, int32(1), c.asyncWaiting.Load())

	m1, ok := c.PopExpress()
	require.True(t, ok)
	assert.Equal(t, "one", m1.Text)
	m2, _ := c.PopExpress()
	assert.Equal(t, "two", m2.Text)
	assert.Equal(t, int32(0), c.asyncWaiting.Load())

	_, ok = c.PopExpress()
	assert.False(t, ok)
}

func TestReadLineOverPipe(t *testing.T) {
	t.Parallel()
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()

	c := newContext(1, srv, "test")
	go func() {
		client.Write([]byte("HELLO world\r\nSECOND\n"))
	}()

	line, err := c.ReadLine(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "HELLO world", line)
	assert.True(t, c.InputWaiting(), "pipelined second line is buffered")

	line, err = c.ReadLine(time.Now().Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, "SECOND", line)
	assert.False(t, c.InputWaiting())
}

func TestDispatcherRunsCommands(t *testing.T) {
	t.Parallel()
	s := openTestServer(t)

	var mu sync.Mutex
	var got []string
	svc := &Service{
		Name:     "test",
		Greeting: func(c *Context) { c.Printf("200 hello\n") },
		Command: func(c *Context, line string) {
			mu.Lock()
			got = append(got, line)
			mu.Unlock()
			if line == "QUIT" {
				c.Printf("200 bye\n")
				c.Kill(KillClientLoggedOut)
				return
			}
			c.Printf("200 ok\n")
		},
	}

	client, srvConn := net.Pipe()
	defer client.Close()

	c := newContext(0, srvConn, svc.Name)
	s.sessions.allocate(c)
	s.wg.Add(1)
	go s.runSession(c, svc)

	rd := make([]byte, 256)
	readReply := func() string {
		n, err := client.Read(rd)
		require.NoError(t, err)
		return string(rd[:n])
	}

	assert.Contains(t, readReply(), "200 hello")

	_, err := client.Write([]byte("ECHO test\n"))
	require.NoError(t, err)
	assert.Contains(t, readReply(), "200 ok")

	_, err = client.Write([]byte("QUIT\n"))
	require.NoError(t, err)
	assert.Contains(t, readReply(), "200 bye")

	require.Eventually(t, func() bool {
		return s.FindSession(c.ID) == nil
	}, 2*time.Second, 10*time.Millisecond, "session leaves the table after teardown")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ECHO test", "QUIT"}, got)
	assert.Equal(t, KillClientLoggedOut, c.KillReason())
}

func TestOverCapacitySessionCannotLogin(t *testing.T) {
	t.Parallel()
	c := newContext(1, nil, "test")
	assert.True(t, c.CanLogin())
	c.NoLogin()
	assert.False(t, c.CanLogin())
}

// ============================================================================
// Housekeeping
// ============================================================================

func TestHousekeepingRunsOncePerMinute(t *testing.T) {
	t.Parallel()
	s := openTestServer(t)

	s.Housekeeping(true)
	first := s.lastMinute.Load()
	require.NotZero(t, first)

	// Second unforced call in the same minute leaves the stamp alone but
	// the always-block still runs (no way to observe it directly here; the
	// call simply must not deadlock or error).
	s.Housekeeping(false)
	assert.Equal(t, first, s.lastMinute.Load())
}

func TestDisableHousekeeping(t *testing.T) {
	t.Parallel()
	s := openTestServer(t)

	release := s.DisableHousekeeping()
	s.Housekeeping(true)
	assert.Zero(t, s.lastMinute.Load(), "disabled housekeeper does nothing")

	release()
	s.Housekeeping(true)
	assert.NotZero(t, s.lastMinute.Load())
}

func TestAddCronJobRejectsBadSpec(t *testing.T) {
	t.Parallel()
	s := openTestServer(t)

	assert.Error(t, s.AddCronJob("not a cron spec", "bad", func() {}))
	assert.NoError(t, s.AddCronJob("0 4 * * *", "purge", func() {}))
}
