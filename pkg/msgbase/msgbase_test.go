package msgbase

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citadel-dev/citadel/pkg/db"
	"github.com/citadel-dev/citadel/pkg/room"
	"github.com/citadel-dev/citadel/pkg/sysconf"
	"github.com/citadel-dev/citadel/pkg/user"
)

type fixture struct {
	store *Store
	rooms *room.Dir
	users *user.Dir
	conf  *sysconf.Conf
}

func openFixture(t *testing.T) *fixture {
	t.Helper()
	d, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	conf := sysconf.New(d)
	require.NoError(t, conf.Load())

	users := user.NewDir(d, conf)
	rooms := room.NewDir(d, conf)
	require.NoError(t, rooms.EnsureBaseRooms())

	store, err := NewStore(d, conf, rooms, users, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return &fixture{store: store, rooms: rooms, users: users, conf: conf}
}

func testMsg(author, subject, body string) *Message {
	m := NewMessage()
	m.Set(FieldAuthor, author)
	m.Set(FieldSubject, subject)
	m.Set(FieldBody, body)
	return m
}

func TestSerializeRoundTrip(t *testing.T) {
	t.Parallel()

	m := testMsg("Alice", "hello", "line one\nline two\n")
	m.Set(FieldRfc822Addr, "alice@example.com")
	m.SetTimestamp(time.Unix(1700000000, 0))

	got, err := Deserialize(m.Serialize(), true)
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Author())
	assert.Equal(t, "hello", got.Subject())
	assert.Equal(t, "line one\nline two\n", got.Body())
	assert.Equal(t, int64(1700000000), got.Timestamp().Unix())
}

func TestDeserializeHeadersOnlySkipsBody(t *testing.T) {
	t.Parallel()

	m := testMsg("Alice", "subj", "a body")
	got, err := Deserialize(m.Serialize(), false)
	require.NoError(t, err)
	assert.Equal(t, "subj", got.Subject())
	assert.Empty(t, got.Body())
}

func TestDeserializeRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := Deserialize([]byte("not a message"), true)
	assert.Error(t, err)

	_, err = Deserialize([]byte{msgMagic, 'A', 'x', 'y'}, true)
	assert.Error(t, err, "unterminated field")
}

func TestSubmitAndFetch(t *testing.T) {
	t.Parallel()
	f := openFixture(t)

	msgnum, err := f.store.Submit(testMsg("Alice", "first post", "hello room"), nil, "Lobby")
	require.NoError(t, err)
	require.Positive(t, msgnum)

	got, err := f.store.Fetch(msgnum, true)
	require.NoError(t, err)
	assert.Equal(t, "hello room", got.Body())
	assert.NotEmpty(t, got.MsgID(), "msgid assigned at submit")
	assert.False(t, got.Timestamp().IsZero())

	lobby, err := f.rooms.Get("Lobby")
	require.NoError(t, err)
	assert.Equal(t, []int64{msgnum}, f.store.MsgList(lobby.RoomNum))
	assert.Equal(t, msgnum, lobby.HighestMsg)
}

func TestBigBodySplits(t *testing.T) {
	t.Parallel()
	f := openFixture(t)

	body := strings.Repeat("x", bigMsgThreshold*3)
	msgnum, err := f.store.Submit(testMsg("Alice", "big", body), nil, "Lobby")
	require.NoError(t, err)

	headers, err := f.store.Fetch(msgnum, false)
	require.NoError(t, err)
	assert.True(t, headers.Has(FieldBigBody), "main record carries the overflow marker")
	assert.Empty(t, headers.Body())

	full, err := f.store.Fetch(msgnum, true)
	require.NoError(t, err)
	assert.Equal(t, body, full.Body())
	assert.False(t, full.Has(FieldBigBody))
}

func TestMsgNumbersMonotonic(t *testing.T) {
	t.Parallel()
	f := openFixture(t)

	var last int64
	for i := 0; i < 10; i++ {
		n, err := f.store.GetNewMsgNumber()
		require.NoError(t, err)
		assert.Greater(t, n, last)
		last = n
	}
}

func TestRoomListIdempotence(t *testing.T) {
	t.Parallel()
	f := openFixture(t)

	lobby, err := f.rooms.Get("Lobby")
	require.NoError(t, err)

	added, err := f.store.addToRoomList(lobby.RoomNum, 77)
	require.NoError(t, err)
	assert.True(t, added)

	added, err = f.store.addToRoomList(lobby.RoomNum, 77)
	require.NoError(t, err)
	assert.False(t, added)

	assert.Equal(t, []int64{77}, f.store.MsgList(lobby.RoomNum))
}

func TestMailSubmitFansOut(t *testing.T) {
	t.Parallel()
	f := openFixture(t)

	bob, err := f.users.Create("Bob", user.NativeAuthUID)
	require.NoError(t, err)

	afterSaves := 0
	f.store.OnAfterSave(func(int64, *Message, *Recipients) { afterSaves++ })

	recps := f.store.ValidateRecipients("Bob, carol@other.example")
	assert.Equal(t, []string{"Bob"}, recps.Local)
	assert.Equal(t, []string{"carol@other.example"}, recps.Internet)

	m := testMsg("Alice", "mail", "hi both")
	msgnum, err := f.store.Submit(m, recps, "")
	require.NoError(t, err)
	assert.Equal(t, 1, afterSaves, "after-save fires exactly once")

	mbox, err := f.rooms.Get(room.MailboxName(bob.UserNum, "Mail"))
	require.NoError(t, err)
	assert.Contains(t, f.store.MsgList(mbox.RoomNum), msgnum)

	spool, err := f.rooms.Get(room.SMTPSpoolRoom)
	require.NoError(t, err)
	assert.Contains(t, f.store.MsgList(spool.RoomNum), msgnum)
}

func TestBeforeSaveVeto(t *testing.T) {
	t.Parallel()
	f := openFixture(t)

	f.store.OnBeforeSave(func(*Message, *Recipients) int { return 0 })
	f.store.OnBeforeSave(func(*Message, *Recipients) int { return 1 })

	_, err := f.store.Submit(testMsg("Spammer", "buy now", "spam"), nil, "Lobby")
	assert.Error(t, err)

	lobby, err := f.rooms.Get("Lobby")
	require.NoError(t, err)
	assert.Empty(t, f.store.MsgList(lobby.RoomNum))
}

func TestEuidReplace(t *testing.T) {
	t.Parallel()
	f := openFixture(t)

	cal, err := f.rooms.Create("Calendar", 0, 0, "", 0, room.ViewCalendar)
	require.NoError(t, err)

	m1 := testMsg("Alice", "event v1", "BEGIN:VEVENT")
	m1.Set(FieldEuid, "E1")
	n1, err := f.store.Submit(m1, nil, "Calendar")
	require.NoError(t, err)

	m2 := testMsg("Alice", "event v2", "BEGIN:VEVENT")
	m2.Set(FieldEuid, "E1")
	n2, err := f.store.Submit(m2, nil, "Calendar")
	require.NoError(t, err)
	require.Greater(t, n2, n1)

	assert.Equal(t, n2, f.store.LocateMessageByUID(cal.RoomNum, "E1"))
	assert.Equal(t, n2, f.store.LocateMessageByUID(cal.RoomNum, "E1.ics"), "lenient suffix fallback")
	assert.Equal(t, []int64{n2}, f.store.MsgList(cal.RoomNum), "old revision left the room")

	// After the reducer drains, the replaced message is gone entirely.
	_, err = f.store.DrainRefQueue()
	require.NoError(t, err)
	_, err = f.store.Fetch(n1, false)
	assert.True(t, db.IsNotFound(err))
	_, err = f.store.Fetch(n2, false)
	assert.NoError(t, err)
}

func TestRefcountConservation(t *testing.T) {
	t.Parallel()
	f := openFixture(t)

	bob, err := f.users.Create("Bob", user.NativeAuthUID)
	require.NoError(t, err)
	recps := f.store.ValidateRecipients("Bob")

	m := testMsg("Alice", "counted", "body")
	m.Set(FieldRecipient, "Bob")
	msgnum, err := f.store.Submit(m, recps, "Lobby")
	require.NoError(t, err)

	_, err = f.store.DrainRefQueue()
	require.NoError(t, err)

	md, err := f.store.GetMetaData(msgnum)
	require.NoError(t, err)
	assert.Equal(t, int64(2), md.RefCount, "one per room holding the message")

	lobby, err := f.rooms.Get("Lobby")
	require.NoError(t, err)
	removed, err := f.store.DeleteMessages(lobby.RoomNum, []int64{msgnum})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = f.store.DrainRefQueue()
	require.NoError(t, err)
	md, err = f.store.GetMetaData(msgnum)
	require.NoError(t, err)
	assert.Equal(t, int64(1), md.RefCount)

	mbox, err := f.rooms.Get(room.MailboxName(bob.UserNum, "Mail"))
	require.NoError(t, err)
	_, err = f.store.DeleteMessages(mbox.RoomNum, []int64{msgnum})
	require.NoError(t, err)

	purged, err := f.store.DrainRefQueue()
	require.NoError(t, err)
	assert.Equal(t, 1, purged)
	_, err = f.store.Fetch(msgnum, false)
	assert.True(t, db.IsNotFound(err), "zero references deletes the message")
}

func TestDeleteHooksFire(t *testing.T) {
	t.Parallel()
	f := openFixture(t)

	var hookRoom, hookMsg int64
	f.store.OnDelete(func(roomNum, msgnum int64) {
		hookRoom, hookMsg = roomNum, msgnum
	})

	msgnum, err := f.store.Submit(testMsg("Alice", "doomed", "x"), nil, "Lobby")
	require.NoError(t, err)
	lobby, err := f.rooms.Get("Lobby")
	require.NoError(t, err)

	_, err = f.store.DeleteMessages(lobby.RoomNum, []int64{msgnum})
	require.NoError(t, err)
	assert.Equal(t, lobby.RoomNum, hookRoom)
	assert.Equal(t, msgnum, hookMsg)
}

func TestUseTableDedup(t *testing.T) {
	t.Parallel()
	f := openFixture(t)

	seen, err := f.store.CheckIfAlreadySeen("fingerprint-x")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = f.store.CheckIfAlreadySeen("fingerprint-x")
	require.NoError(t, err)
	assert.True(t, seen)

	seen, err = f.store.CheckIfAlreadySeen("fingerprint-y")
	require.NoError(t, err)
	assert.False(t, seen, "different fingerprints do not collide")
}

func TestPurgeEuidOrphans(t *testing.T) {
	t.Parallel()
	f := openFixture(t)

	cal, err := f.rooms.Create("Calendar", 0, 0, "", 0, room.ViewCalendar)
	require.NoError(t, err)

	m := testMsg("Alice", "event", "x")
	m.Set(FieldEuid, "KEEP")
	_, err = f.store.Submit(m, nil, "Calendar")
	require.NoError(t, err)

	// An index entry whose message never existed.
	require.NoError(t, f.store.putEuid(cal.RoomNum, "ORPHAN", 999999))

	removed, err := f.store.PurgeEuidOrphans()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, int64(-1), f.store.LocateMessageByUID(cal.RoomNum, "ORPHAN"))
	assert.NotEqual(t, int64(-1), f.store.LocateMessageByUID(cal.RoomNum, "KEEP"))
}

func TestRenderRFC822(t *testing.T) {
	t.Parallel()

	m := testMsg("Alice Jones", "Greetings", "Hello.\n")
	m.Set(FieldRfc822Addr, "alice@example.com")
	m.Set(FieldRecipient, "bob@other.example")
	m.Set(FieldMsgID, "abc123@example.com")
	m.SetTimestamp(time.Unix(1700000000, 0))

	out := RenderRFC822(m, "List-Unsubscribe: <mailto:room+unsub@example.com>")

	assert.Contains(t, out, "From: Alice Jones <alice@example.com>\r\n")
	assert.Contains(t, out, "To: bob@other.example\r\n")
	assert.Contains(t, out, "Subject: Greetings\r\n")
	assert.Contains(t, out, "Message-ID: <abc123@example.com>\r\n")
	assert.Contains(t, out, "List-Unsubscribe: <mailto:room+unsub@example.com>\r\n")
	assert.Contains(t, out, "\r\n\r\nHello.\r\n")

	header, _, found := strings.Cut(out, "\r\n\r\n")
	require.True(t, found)
	assert.NotContains(t, header, "\n\n", "no premature header terminator")
}

func TestJournalCaptureAndDrain(t *testing.T) {
	t.Parallel()
	f := openFixture(t)

	_, err := f.users.Create("Compliance", user.NativeAuthUID)
	require.NoError(t, err)
	require.NoError(t, f.conf.PutInt(sysconf.JournalEmail, 1))
	require.NoError(t, f.conf.PutStr(sysconf.JournalDest, "Compliance"))

	_, err = f.store.Submit(testMsg("Alice", "audit me", "original body"), nil, "Lobby")
	require.NoError(t, err)

	require.NoError(t, f.store.DrainJournal())

	compliance, err := f.users.Get("Compliance")
	require.NoError(t, err)
	mbox, err := f.rooms.Get(room.MailboxName(compliance.UserNum, "Mail"))
	require.NoError(t, err)

	msgs := f.store.MsgList(mbox.RoomNum)
	require.Len(t, msgs, 1)

	env, err := f.store.Fetch(msgs[0], true)
	require.NoError(t, err)
	assert.Contains(t, env.Body(), "multipart/mixed")
	assert.Contains(t, env.Body(), "message/rfc822")
	assert.Contains(t, env.Body(), "original body")

	// The journal envelope itself is never re-journaled.
	require.NoError(t, f.store.DrainJournal())
	assert.Len(t, f.store.MsgList(mbox.RoomNum), 1)
}
