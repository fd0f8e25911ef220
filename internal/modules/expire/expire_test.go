package expire

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

func openTestPurger(t *testing.T) (*Module, *server.Server) {
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
	m, err := Register(srv)
	require.NoError(t, err)
	return m, srv
}

func post(t *testing.T, srv *server.Server, roomName, body string, ts time.Time) int64 {
	t.Helper()
	msg := msgbase.NewMessage()
	msg.Set(msgbase.FieldAuthor, "Poster")
	msg.Set(msgbase.FieldBody, body)
	msg.SetTimestamp(ts)
	n, err := srv.Msgs.Submit(msg, nil, roomName)
	require.NoError(t, err)
	return n
}

func TestRegisterRejectsBadPurgeHour(t *testing.T) {
	t.Parallel()
	// An out-of-range hour falls back rather than failing registration.
	_, srv := openTestPurger(t)
	require.NoError(t, srv.Conf.PutInt(sysconf.PurgeHour, 99))
	_, err := Register(srv)
	assert.NoError(t, err)
}

func TestPurgeIdleUsers(t *testing.T) {
	t.Parallel()
	m, srv := openTestPurger(t)
	require.NoError(t, srv.Conf.PutInt(sysconf.UserPurge, 30))

	old := time.Now().Add(-90 * 24 * time.Hour).Unix()

	stale, err := srv.Users.Create("Stale User", user.NativeAuthUID)
	require.NoError(t, err)
	stale.LastCall = old
	require.NoError(t, srv.Users.Put(stale))

	fresh, err := srv.Users.Create("Fresh User", user.NativeAuthUID)
	require.NoError(t, err)
	fresh.LastCall = time.Now().Unix()
	require.NoError(t, srv.Users.Put(fresh))

	perm, err := srv.Users.Create("Permanent User", user.NativeAuthUID)
	require.NoError(t, err)
	perm.LastCall = old
	perm.Flags |= user.USPerm
	require.NoError(t, srv.Users.Put(perm))

	admin, err := srv.Users.Create(srv.Conf.GetStr(sysconf.SysAdm), user.NativeAuthUID)
	require.NoError(t, err)
	admin.LastCall = old
	require.NoError(t, srv.Users.Put(admin))

	never, err := srv.Users.Create("Never Called", user.NativeAuthUID)
	require.NoError(t, err)
	never.LastCall = 0
	require.NoError(t, srv.Users.Put(never))

	m.Run(true)

	_, err = srv.Users.Get("Stale User")
	assert.Error(t, err, "idle account should be purged")
	_, err = srv.Users.Get("Fresh User")
	assert.NoError(t, err)
	_, err = srv.Users.Get("Permanent User")
	assert.NoError(t, err)
	_, err = srv.Users.Get(srv.Conf.GetStr(sysconf.SysAdm))
	assert.NoError(t, err)
	_, err = srv.Users.Get("Never Called")
	assert.NoError(t, err)
}

func TestDeletemePasswordPurgesImmediately(t *testing.T) {
	t.Parallel()
	m, srv := openTestPurger(t)

	u, err := srv.Users.Create("Going Away", user.NativeAuthUID)
	require.NoError(t, err)
	u.Password = "deleteme"
	u.LastCall = time.Now().Unix()
	require.NoError(t, srv.Users.Put(u))

	m.Run(true)

	_, err = srv.Users.Get("Going Away")
	assert.Error(t, err)
}

func TestPerUserPurgeOverride(t *testing.T) {
	t.Parallel()
	m, srv := openTestPurger(t)
	require.NoError(t, srv.Conf.PutInt(sysconf.UserPurge, 365))

	u, err := srv.Users.Create("Short Lease", user.NativeAuthUID)
	require.NoError(t, err)
	u.LastCall = time.Now().Add(-10 * 24 * time.Hour).Unix()
	u.PurgeDays = 5
	require.NoError(t, srv.Users.Put(u))

	m.Run(true)

	_, err = srv.Users.Get("Short Lease")
	assert.Error(t, err, "per-user override should beat the site policy")
}

func TestExpireKeepsNewestN(t *testing.T) {
	t.Parallel()
	m, srv := openTestPurger(t)

	r, err := srv.Rooms.Create("Capped Room", 0, 0, "", 0, room.ViewBBS)
	require.NoError(t, err)
	require.NoError(t, srv.Rooms.Modify(r.Name, func(r *room.Room) error {
		r.Expire = room.ExpirePolicy{Mode: room.ExpireNumMsgs, Value: 3}
		return nil
	}))

	var nums []int64
	for i := 0; i < 5; i++ {
		nums = append(nums, post(t, srv, "Capped Room", "msg", time.Now()))
	}

	m.Run(true)

	left := srv.Msgs.MsgList(r.RoomNum)
	assert.Equal(t, nums[2:], left, "only the newest three should remain")
}

func TestExpireByAge(t *testing.T) {
	t.Parallel()
	m, srv := openTestPurger(t)

	r, err := srv.Rooms.Create("Aging Room", 0, 0, "", 0, room.ViewBBS)
	require.NoError(t, err)
	require.NoError(t, srv.Rooms.Modify(r.Name, func(r *room.Room) error {
		r.Expire = room.ExpirePolicy{Mode: room.ExpireAge, Value: 7}
		return nil
	}))

	old := post(t, srv, "Aging Room", "ancient", time.Now().Add(-30*24*time.Hour))
	recent := post(t, srv, "Aging Room", "recent", time.Now())

	m.Run(true)

	left := srv.Msgs.MsgList(r.RoomNum)
	assert.NotContains(t, left, old)
	assert.Contains(t, left, recent)
}

func TestManualRoomNeverExpires(t *testing.T) {
	t.Parallel()
	m, srv := openTestPurger(t)

	r, err := srv.Rooms.Create("Archive", 0, 0, "", 0, room.ViewBBS)
	require.NoError(t, err)
	require.NoError(t, srv.Rooms.Modify(r.Name, func(r *room.Room) error {
		r.Expire = room.ExpirePolicy{Mode: room.ExpireManual}
		return nil
	}))

	old := post(t, srv, "Archive", "keep forever", time.Now().Add(-365*24*time.Hour))

	m.Run(true)

	assert.Contains(t, srv.Msgs.MsgList(r.RoomNum), old)
}

func TestPurgeOrphanedMailbox(t *testing.T) {
	t.Parallel()
	m, srv := openTestPurger(t)

	u, err := srv.Users.Create("Mailbox Owner", user.NativeAuthUID)
	require.NoError(t, err)
	mbox, err := srv.Rooms.EnsureMailbox(u, "Mail")
	require.NoError(t, err)

	// A mailbox with a living owner survives.
	m.Run(true)
	_, err = srv.Rooms.GetByNumber(mbox.RoomNum)
	require.NoError(t, err)

	require.NoError(t, srv.Users.Purge(u))
	m.Run(true)

	_, err = srv.Rooms.GetByNumber(mbox.RoomNum)
	assert.Error(t, err, "orphaned mailbox should be purged")
}

func TestPurgeStaleRooms(t *testing.T) {
	t.Parallel()
	m, srv := openTestPurger(t)
	require.NoError(t, srv.Conf.PutInt(sysconf.RoomPurge, 14))

	stale, err := srv.Rooms.Create("Dead Room", 0, 0, "", 0, room.ViewBBS)
	require.NoError(t, err)
	require.NoError(t, srv.Rooms.Modify(stale.Name, func(r *room.Room) error {
		r.MTime = time.Now().Add(-60 * 24 * time.Hour).Unix()
		return nil
	}))

	perm, err := srv.Rooms.Create("Forever Room", room.QRPermanent, 0, "", 0, room.ViewBBS)
	require.NoError(t, err)
	require.NoError(t, srv.Rooms.Modify(perm.Name, func(r *room.Room) error {
		r.MTime = time.Now().Add(-60 * 24 * time.Hour).Unix()
		return nil
	}))

	m.Run(true)

	_, err = srv.Rooms.Get("Dead Room")
	assert.Error(t, err)
	_, err = srv.Rooms.Get("Forever Room")
	assert.NoError(t, err)
}

func TestGuardBlocksBackToBackRuns(t *testing.T) {
	t.Parallel()
	m, srv := openTestPurger(t)

	u, err := srv.Users.Create("Doomed", user.NativeAuthUID)
	require.NoError(t, err)

	m.Run(true)

	// The second unforced run inside the guard window does nothing, so a
	// user marked for deletion afterward survives it.
	u.Password = "deleteme"
	require.NoError(t, srv.Users.Put(u))
	m.Run(false)
	_, err = srv.Users.Get("Doomed")
	assert.NoError(t, err)

	m.Run(true)
	_, err = srv.Users.Get("Doomed")
	assert.Error(t, err)
}

func TestRunPostsAideReport(t *testing.T) {
	t.Parallel()
	m, srv := openTestPurger(t)

	m.Run(true)

	aide, err := srv.Rooms.Get(srv.Conf.GetStr(sysconf.AideRoom))
	require.NoError(t, err)
	nums := srv.Msgs.MsgList(aide.RoomNum)
	require.NotEmpty(t, nums)

	report, err := srv.Msgs.Fetch(nums[len(nums)-1], true)
	require.NoError(t, err)
	assert.Equal(t, "Citadel", report.Author())
	assert.Contains(t, report.Body(), "purged")
}
