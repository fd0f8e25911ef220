package smtpqueue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citadel-dev/citadel/pkg/db"
	"github.com/citadel-dev/citadel/pkg/msgbase"
	"github.com/citadel-dev/citadel/pkg/room"
	"github.com/citadel-dev/citadel/pkg/server"
	"github.com/citadel-dev/citadel/pkg/sysconf"
	"github.com/citadel-dev/citadel/pkg/user"
)

func openTestQueue(t *testing.T) (*Module, *server.Server) {
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

	srv := server.New(server.Deps{DB: d, Conf: conf, Users: users, Rooms: rooms, Msgs: store})
	return Register(srv), srv
}

func spoolNum(t *testing.T, srv *server.Server) int64 {
	t.Helper()
	spool, err := srv.Rooms.Get(room.SMTPSpoolRoom)
	require.NoError(t, err)
	return spool.RoomNum
}

func TestJobRoundTrip(t *testing.T) {
	t.Parallel()
	j := &Job{
		PayloadMsgNum: 42,
		Submitted:     time.Unix(1700000000, 0),
		Attempted:     time.Unix(1700001800, 0),
		BounceTo:      "sender",
		EnvFrom:       "sender@example.org",
		SourceRoom:    "Announcements",
		Recipients: []JobRecipient{
			{Addr: "alice@example.com", Status: StatusTransient, Diagnostic: "421 busy"},
			{Addr: "bob@example.com", Status: StatusDelivered, Diagnostic: "250 ok"},
			{Addr: "carol@example.net"},
		},
	}

	body := j.Serialize()
	assert.True(t, IsJob(body))

	got, err := ParseJob(body)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.PayloadMsgNum)
	assert.Equal(t, j.Submitted.Unix(), got.Submitted.Unix())
	assert.Equal(t, j.Attempted.Unix(), got.Attempted.Unix())
	assert.Equal(t, "sender", got.BounceTo)
	assert.Equal(t, "sender@example.org", got.EnvFrom)
	assert.Equal(t, "Announcements", got.SourceRoom)

	// Delivered recipients fall off on rewrite.
	require.Len(t, got.Recipients, 2)
	assert.Equal(t, "alice@example.com", got.Recipients[0].Addr)
	assert.Equal(t, StatusTransient, got.Recipients[0].Status)
	assert.Equal(t, "421 busy", got.Recipients[0].Diagnostic)
	assert.Equal(t, "carol@example.net", got.Recipients[1].Addr)
	assert.Equal(t, StatusUntried, got.Recipients[1].Status)
}

func TestParseJobRejectsForeignBody(t *testing.T) {
	t.Parallel()
	assert.False(t, IsJob("Hello, this is an ordinary message.\n"))
	_, err := ParseJob("Hello, this is an ordinary message.\n")
	assert.Error(t, err)

	// Right content type but no payload pointer.
	_, err = ParseJob("Content-type: " + JobContentType + "\n\nsubmitted|1700000000\n")
	assert.Error(t, err)
}

func TestDuePredicate(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)
	mk := func(submittedAgo, attemptedAgo time.Duration) *Job {
		j := &Job{Submitted: now.Add(-submittedAgo)}
		if attemptedAgo > 0 {
			j.Attempted = now.Add(-attemptedAgo)
		}
		return j
	}

	cases := []struct {
		name string
		job  *Job
		want bool
	}{
		{"never attempted", mk(time.Minute, 0), true},
		{"young job, fresh attempt", mk(time.Hour, 10 * time.Minute), false},
		{"young job, stale attempt", mk(2 * time.Hour, 45 * time.Minute), true},
		{"old job, recent attempt", mk(48 * time.Hour, time.Hour), false},
		{"old job, ancient attempt", mk(48 * time.Hour, 5 * time.Hour), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.job.Due(now))
		})
	}
}

func TestGroupByDomainSettlesMalformed(t *testing.T) {
	t.Parallel()
	j := &Job{Recipients: []JobRecipient{
		{Addr: "alice@example.com"},
		{Addr: "bob@Example.COM"},
		{Addr: "no-at-sign"},
		{Addr: "trailing@"},
	}}

	groups := j.groupByDomain()
	require.Len(t, groups, 1)
	assert.Equal(t, []int{0, 1}, groups["example.com"])

	assert.Equal(t, StatusPermanent, j.Recipients[2].Status)
	assert.Equal(t, StatusPermanent, j.Recipients[3].Status)
}

func TestEnqueueCreatesJob(t *testing.T) {
	t.Parallel()
	_, srv := openTestQueue(t)
	spool := spoolNum(t, srv)

	msg := msgbase.NewMessage()
	msg.Set(msgbase.FieldAuthor, "Test User")
	msg.Set(msgbase.FieldSubject, "hello")
	msg.Set(msgbase.FieldBody, "out it goes\n")
	recps := &msgbase.Recipients{
		Internet: []string{"alice@example.com", "bob@example.net"},
		BounceTo: "Test User",
		EnvFrom:  "testuser@localhost.localdomain",
	}
	payload, err := srv.Msgs.Submit(msg, recps, "")
	require.NoError(t, err)

	// The spool holds the payload and one job pointing at it.
	var job *Job
	for _, n := range srv.Msgs.MsgList(spool) {
		stored, err := srv.Msgs.Fetch(n, true)
		require.NoError(t, err)
		if IsJob(stored.Body()) {
			require.Nil(t, job, "expected exactly one queue job")
			job, err = ParseJob(stored.Body())
			require.NoError(t, err)
		}
	}
	require.NotNil(t, job)
	assert.Equal(t, payload, job.PayloadMsgNum)
	assert.Equal(t, "Test User", job.BounceTo)
	assert.Equal(t, "testuser@localhost.localdomain", job.EnvFrom)
	require.Len(t, job.Recipients, 2)
	assert.True(t, job.Attempted.IsZero())
}

func TestLocalOnlySubmissionMakesNoJob(t *testing.T) {
	t.Parallel()
	_, srv := openTestQueue(t)
	spool := spoolNum(t, srv)

	_, err := srv.Users.Create("Local Reader", user.NativeAuthUID)
	require.NoError(t, err)

	msg := msgbase.NewMessage()
	msg.Set(msgbase.FieldAuthor, "Test User")
	msg.Set(msgbase.FieldBody, "stays inside\n")
	recps := &msgbase.Recipients{Local: []string{"Local Reader"}}
	_, err = srv.Msgs.Submit(msg, recps, "")
	require.NoError(t, err)

	assert.Empty(t, srv.Msgs.MsgList(spool))
}

func TestRetireJobRemovesJobAndPayload(t *testing.T) {
	t.Parallel()
	m, srv := openTestQueue(t)
	spool := spoolNum(t, srv)

	msg := msgbase.NewMessage()
	msg.Set(msgbase.FieldAuthor, "Test User")
	msg.Set(msgbase.FieldBody, "delivered elsewhere\n")
	recps := &msgbase.Recipients{Internet: []string{"alice@example.com"}}
	_, err := srv.Msgs.Submit(msg, recps, "")
	require.NoError(t, err)
	require.Len(t, srv.Msgs.MsgList(spool), 2)

	j := findJob(t, srv, spool)
	j.Recipients[0].Status = StatusDelivered
	m.processJob(spool, j)

	assert.Empty(t, srv.Msgs.MsgList(spool))
}

func TestRewriteJobReplacesOldMessage(t *testing.T) {
	t.Parallel()
	m, srv := openTestQueue(t)
	spool := spoolNum(t, srv)

	msg := msgbase.NewMessage()
	msg.Set(msgbase.FieldAuthor, "Test User")
	msg.Set(msgbase.FieldBody, "retry me\n")
	recps := &msgbase.Recipients{Internet: []string{"alice@example.com"}}
	_, err := srv.Msgs.Submit(msg, recps, "")
	require.NoError(t, err)

	j := findJob(t, srv, spool)
	old := j.QueueMsgNum
	j.Recipients[0].Status = StatusTransient
	j.Recipients[0].Diagnostic = "421 try later"
	j.Attempted = time.Now()
	m.rewriteJob(spool, j)

	assert.NotContains(t, srv.Msgs.MsgList(spool), old)
	got := findJob(t, srv, spool)
	assert.Greater(t, got.QueueMsgNum, old)
	require.Len(t, got.Recipients, 1)
	assert.Equal(t, StatusTransient, got.Recipients[0].Status)
	assert.Equal(t, "421 try later", got.Recipients[0].Diagnostic)
	assert.False(t, got.Attempted.IsZero())
}

func TestFirstAttemptAgainstDeadDomainTempfails(t *testing.T) {
	t.Parallel()
	m, srv := openTestQueue(t)
	spool := spoolNum(t, srv)

	msg := msgbase.NewMessage()
	msg.Set(msgbase.FieldAuthor, "Test User")
	msg.Set(msgbase.FieldBody, "nowhere to go\n")
	recps := &msgbase.Recipients{
		Internet: []string{"nobody@unresolvable-domain.invalid"},
		BounceTo: "Test User",
	}
	_, err := srv.Msgs.Submit(msg, recps, "")
	require.NoError(t, err)

	m.runQueue(true)

	// The domain does not resolve, so the recipient tempfails and the job
	// stays in the spool with an attempted stamp.
	j := findJob(t, srv, spool)
	require.Len(t, j.Recipients, 1)
	assert.Equal(t, StatusTransient, j.Recipients[0].Status)
	assert.False(t, j.Attempted.IsZero())
}

func TestQuickPassSkipsAlreadySeenJobs(t *testing.T) {
	t.Parallel()
	m, srv := openTestQueue(t)
	spool := spoolNum(t, srv)

	msg := msgbase.NewMessage()
	msg.Set(msgbase.FieldAuthor, "Test User")
	msg.Set(msgbase.FieldBody, "once only\n")
	recps := &msgbase.Recipients{Internet: []string{"nobody@unresolvable-domain.invalid"}}
	_, err := srv.Msgs.Submit(msg, recps, "")
	require.NoError(t, err)

	m.runQueue(false)
	first := findJob(t, srv, spool)
	require.False(t, first.Attempted.IsZero())

	// A second quick pass must not touch the rewritten job even though its
	// msgnum is above the old one, because Due says wait.
	m.runQueue(false)
	second := findJob(t, srv, spool)
	assert.Equal(t, first.Attempted.Unix(), second.Attempted.Unix())
}

func TestBounceFilesNotificationLocally(t *testing.T) {
	t.Parallel()
	m, srv := openTestQueue(t)

	u, err := srv.Users.Create("Test User", user.NativeAuthUID)
	require.NoError(t, err)

	j := &Job{
		PayloadMsgNum: 99,
		Submitted:     time.Now().Add(-6 * 24 * time.Hour),
		BounceTo:      "Test User",
		Recipients: []JobRecipient{
			{Addr: "gone@example.com", Status: StatusPermanent, Diagnostic: "550 no such user"},
		},
	}
	m.bounce(j, []int{0})

	mbox, err := srv.Rooms.EnsureMailbox(u, "Mail")
	require.NoError(t, err)
	nums := srv.Msgs.MsgList(mbox.RoomNum)
	require.Len(t, nums, 1)

	dsn, err := srv.Msgs.Fetch(nums[0], true)
	require.NoError(t, err)
	assert.Equal(t, deliverySubsystem, dsn.Author())
	assert.Contains(t, dsn.Subject(), "Failure")
	assert.Contains(t, dsn.Body(), "gone@example.com")
	assert.Contains(t, dsn.Body(), "550 no such user")
}

func TestBounceWithoutAddressIsDropped(t *testing.T) {
	t.Parallel()
	m, srv := openTestQueue(t)
	spool := spoolNum(t, srv)

	j := &Job{
		PayloadMsgNum: 99,
		Submitted:     time.Now(),
		Recipients: []JobRecipient{
			{Addr: "gone@example.com", Status: StatusPermanent},
		},
	}
	m.bounce(j, []int{0})
	assert.Empty(t, srv.Msgs.MsgList(spool))
}

func TestDelayWarningListsPendingRecipients(t *testing.T) {
	t.Parallel()
	m, srv := openTestQueue(t)

	u, err := srv.Users.Create("Waiting Sender", user.NativeAuthUID)
	require.NoError(t, err)

	j := &Job{
		PayloadMsgNum: 7,
		Submitted:     time.Now().Add(-5 * time.Hour),
		Attempted:     time.Now().Add(-time.Hour),
		BounceTo:      "Waiting Sender",
		Recipients: []JobRecipient{
			{Addr: "slow@example.com", Status: StatusTransient, Diagnostic: "421 greylisted"},
		},
	}
	m.delayWarning(j)

	mbox, err := srv.Rooms.EnsureMailbox(u, "Mail")
	require.NoError(t, err)
	nums := srv.Msgs.MsgList(mbox.RoomNum)
	require.Len(t, nums, 1)

	dsn, err := srv.Msgs.Fetch(nums[0], true)
	require.NoError(t, err)
	assert.Contains(t, dsn.Subject(), "Delay")
	assert.Contains(t, dsn.Body(), "slow@example.com")
	assert.Contains(t, dsn.Body(), "421 greylisted")
}

func TestDropPermanentKeepsOrder(t *testing.T) {
	t.Parallel()
	j := &Job{Recipients: []JobRecipient{
		{Addr: "a@x.com", Status: StatusPermanent},
		{Addr: "b@x.com", Status: StatusTransient},
		{Addr: "c@x.com", Status: StatusPermanent},
		{Addr: "d@x.com"},
	}}
	j.dropPermanent()
	require.Len(t, j.Recipients, 2)
	assert.Equal(t, "b@x.com", j.Recipients[0].Addr)
	assert.Equal(t, "d@x.com", j.Recipients[1].Addr)
}

// findJob locates and parses the single queue job in the spool.
func findJob(t *testing.T, srv *server.Server, spool int64) *Job {
	t.Helper()
	for _, n := range srv.Msgs.MsgList(spool) {
		msg, err := srv.Msgs.Fetch(n, true)
		require.NoError(t, err)
		if !IsJob(msg.Body()) {
			continue
		}
		j, err := ParseJob(msg.Body())
		require.NoError(t, err)
		j.QueueMsgNum = n
		return j
	}
	t.Fatal("no queue job in spool")
	return nil
}
