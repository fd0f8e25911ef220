package baseproto

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/citadel-dev/citadel/internal/logger"
	"github.com/citadel-dev/citadel/pkg/msgbase"
	"github.com/citadel-dev/citadel/pkg/room"
	"github.com/citadel-dev/citadel/pkg/server"
	"github.com/citadel-dev/citadel/pkg/sysconf"
	"github.com/citadel-dev/citadel/pkg/user"
)

// readTextBlock collects client lines until the 000 terminator, enforcing
// the configured message size ceiling.
func (m *Module) readTextBlock(c *server.Context) string {
	maxLen := m.srv.Conf.GetInt(sysconf.MaxMsgLen)
	var b strings.Builder
	for {
		line, err := c.ReadLine(time.Now().Add(10 * time.Minute))
		if err != nil {
			c.Kill(server.KillReadFailed)
			return b.String()
		}
		if line == listingEnd {
			return b.String()
		}
		if maxLen > 0 && b.Len()+len(line) > maxLen {
			// Swallow the rest so the protocol stays in sync, then truncate.
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
}

// gotoRoom moves the session into a room. quiet suppresses the wire reply
// (used by login to land in the base room).
func (m *Module) gotoRoom(c *server.Context, name, password string, quiet bool) {
	r, err := m.srv.Rooms.Get(name)
	if err != nil {
		// Mailbox shorthand: a logged-in user's own mailbox by suffix.
		if c.LoggedIn() {
			if mr, merr := m.srv.Rooms.Get(room.MailboxName(c.User.UserNum, name)); merr == nil {
				r = mr
				err = nil
			}
		}
		if err != nil {
			if !quiet {
				errReply(c, RoomNotFound, "No such room: %s", name)
			}
			return
		}
	}

	bits, _ := m.srv.Rooms.Access(r, c.User)
	if bits&room.UAGotoAllowed == 0 {
		if !quiet {
			errReply(c, RoomNotFound, "No such room: %s", name)
		}
		return
	}
	if r.Flags&room.QRPassworded != 0 && bits&room.UAAdminAllowed == 0 && password != r.Password {
		if !quiet {
			errReply(c, PasswordRequired, "Wrong room password.")
		}
		return
	}

	res, err := m.srv.Rooms.Goto(r, c.User)
	if err != nil {
		if !quiet {
			errReply(c, InternalError, "%s", err)
		}
		return
	}
	c.Room = r
	m.srv.Registry.FireSession(c, server.EvtNewRoom)
	if quiet {
		return
	}
	ok(c, "%s|%d|%d|%d|%d|%d|%d|%d|%d|%d|%d|%d|%d|%d|%d|%d",
		res.RoomName, res.NewMsgs, res.TotalMsgs, 0, res.Flags,
		res.Highest, res.LastSeen, boolInt(res.IsMail), boolInt(res.IsAide),
		res.NewMail, res.Floor, res.CurView, res.DefView, boolInt(res.IsTrash),
		res.Flags2, res.MTime)
}

// GOTO <room>[|password]
func (m *Module) cmdGoto(c *server.Context, args string) {
	name, password, _ := strings.Cut(args, "|")
	m.gotoRoom(c, strings.TrimSpace(name), password, false)
}

// LKRN lists known rooms.
func (m *Module) cmdLkrn(c *server.Context, _ string) {
	c.Printf("%d Known rooms:\n", ListingFollows)
	_ = m.srv.Rooms.ForEach(func(r *room.Room) {
		if r.Flags2&room.QR2System != 0 || r.IsMailbox() {
			return
		}
		bits, _ := m.srv.Rooms.Access(r, c.User)
		if bits&room.UAKnown == 0 {
			return
		}
		hasNew := false
		if c.LoggedIn() {
			if v, err := m.srv.Rooms.GetVisit(r, c.User); err == nil {
				hasNew = r.HighestMsg > v.LastSeen
			}
		}
		c.Printf("%s|%d|%d|%d\n", r.Name, r.Floor, r.Flags, boolInt(hasNew))
	})
	c.Printf("%s\n", listingEnd)
}

// MSGS [ALL|NEW|OLD|LAST <n>] lists message numbers in the current room.
func (m *Module) cmdMsgs(c *server.Context, args string) {
	if c.Room == nil {
		errReply(c, NotHere, "Not in a room.")
		return
	}
	mode, param, _ := strings.Cut(strings.TrimSpace(args), "|")
	mode = strings.ToUpper(strings.TrimSpace(mode))
	if mode == "" {
		mode = "ALL"
	}

	msgs := m.srv.Msgs.MsgList(c.Room.RoomNum)
	var lastSeen int64
	if c.LoggedIn() {
		if v, err := m.srv.Rooms.GetVisit(c.Room, c.User); err == nil {
			lastSeen = v.LastSeen
		}
	}

	c.Printf("%d Message list:\n", ListingFollows)
	switch mode {
	case "NEW":
		for _, n := range msgs {
			if n > lastSeen {
				c.Printf("%d\n", n)
			}
		}
	case "OLD":
		for _, n := range msgs {
			if n <= lastSeen {
				c.Printf("%d\n", n)
			}
		}
	case "LAST":
		count, _ := strconv.Atoi(strings.TrimSpace(param))
		if count <= 0 || count > len(msgs) {
			count = len(msgs)
		}
		for _, n := range msgs[len(msgs)-count:] {
			c.Printf("%d\n", n)
		}
	default:
		for _, n := range msgs {
			c.Printf("%d\n", n)
		}
	}
	c.Printf("%s\n", listingEnd)
}

// MSG0 <msgnum>[|headers_only] reads one message.
func (m *Module) cmdMsg0(c *server.Context, args string) {
	if c.Room == nil {
		errReply(c, NotHere, "Not in a room.")
		return
	}
	numStr, flag, _ := strings.Cut(args, "|")
	msgnum, err := strconv.ParseInt(strings.TrimSpace(numStr), 10, 64)
	if err != nil {
		errReply(c, IllegalValue, "Bad message number.")
		return
	}
	if !containsMsg(m.srv.Msgs.MsgList(c.Room.RoomNum), msgnum) {
		errReply(c, MessageNotFound, "Message %d is not in this room.", msgnum)
		return
	}
	headersOnly := strings.TrimSpace(flag) == "1"
	msg, err := m.srv.Msgs.Fetch(msgnum, !headersOnly)
	if err != nil {
		errReply(c, MessageNotFound, "Message %d not found.", msgnum)
		return
	}

	c.Printf("%d Message %d:\n", ListingFollows, msgnum)
	c.Printf("msgn=%s\n", msg.MsgID())
	c.Printf("time=%d\n", msg.Timestamp().Unix())
	c.Printf("from=%s\n", msg.Author())
	if rcpt := msg.Recipient(); rcpt != "" {
		c.Printf("rcpt=%s\n", rcpt)
	}
	if rm := msg.Get(msgbase.FieldRoom); rm != "" {
		c.Printf("room=%s\n", rm)
	}
	if subj := msg.Subject(); subj != "" {
		c.Printf("subj=%s\n", subj)
	}
	if !headersOnly {
		c.Printf("text\n")
		body := msg.Body()
		for _, line := range strings.Split(strings.TrimRight(body, "\n"), "\n") {
			// Dot-stuff the terminator so bodies cannot forge it.
			if line == listingEnd {
				line = " " + line
			}
			c.Printf("%s\n", line)
		}
	}
	c.Printf("%s\n", listingEnd)

	// Reading advances the seen pointer.
	if c.LoggedIn() {
		if v, err := m.srv.Rooms.GetVisit(c.Room, c.User); err == nil && msgnum > v.LastSeen {
			v.LastSeen = msgnum
			_ = m.srv.Rooms.PutVisit(v)
		}
	}
}

func containsMsg(list []int64, n int64) bool {
	for _, v := range list {
		if v == n {
			return true
		}
	}
	return false
}

// ENT0 <post>|<recipients>|<anon>|<format>|<subject> enters a message.
// post=0 validates the recipients without posting.
func (m *Module) cmdEnt0(c *server.Context, args string) {
	if !m.accessCheck(c, acLoggedIn) {
		return
	}
	f := strings.Split(args, "|")
	field := func(i int) string {
		if i < len(f) {
			return f[i]
		}
		return ""
	}
	post := field(0) == "1"
	rcptSpec := field(1)
	subject := field(4)

	var recps *msgbase.Recipients
	if strings.TrimSpace(rcptSpec) != "" {
		recps = m.srv.Msgs.ValidateRecipients(rcptSpec)
		if len(recps.Bad) > 0 {
			errReply(c, NoSuchUser, "Cannot deliver to: %s", strings.Join(recps.Bad, ", "))
			return
		}
		if recps.Empty() {
			errReply(c, NoSuchUser, "No valid recipients.")
			return
		}
		recps.EnvFrom = c.User.PrimaryEmail()
		recps.BounceTo = c.User.PrimaryEmail()
	}
	if recps == nil && c.Room == nil {
		errReply(c, NotHere, "Not in a room.")
		return
	}
	if recps == nil && c.Room != nil {
		bits, _ := m.srv.Rooms.Access(c.Room, c.User)
		if bits&room.UAPostAllowed == 0 {
			errReply(c, HigherAccessRequired, "You may not post in this room.")
			return
		}
	}
	if !post {
		ok(c, "Recipients OK.")
		return
	}

	c.Printf("%d Send message; end with %s\n", SendListing, listingEnd)
	c.Flush()
	body := m.readTextBlock(c)
	if c.KillReason() != server.KillNone {
		return
	}

	msg := msgbase.NewMessage()
	msg.Set(msgbase.FieldAuthor, c.User.Fullname)
	if email := c.User.PrimaryEmail(); email != "" {
		msg.Set(msgbase.FieldRfc822Addr, email)
	}
	if subject != "" {
		msg.Set(msgbase.FieldSubject, subject)
	}
	if recps != nil {
		msg.Set(msgbase.FieldRecipient, rcptSpec)
	}
	targetRoom := ""
	if recps == nil {
		msg.Set(msgbase.FieldRoom, c.Room.DisplayName())
		targetRoom = c.Room.Name
	} else {
		// Directed mail is filed in the sender's outbox, and Submit fans it
		// out to the recipient mailboxes and the outbound spool.
		sent, err := m.srv.Rooms.EnsureMailbox(c.User, "Sent Items")
		if err != nil {
			errReply(c, InternalError, "%s", err)
			return
		}
		targetRoom = sent.Name
	}
	msg.Set(msgbase.FieldBody, body)

	msgnum, err := m.srv.Msgs.Submit(msg, recps, targetRoom)
	if err != nil {
		errReply(c, InternalError, "%s", err)
		return
	}
	m.srv.Metrics.MessageSubmitted()
	ok(c, "%d", msgnum)
}

// DELE <msgnum>[,<msgnum>...] deletes messages from the current room.
func (m *Module) cmdDele(c *server.Context, args string) {
	if c.Room == nil {
		errReply(c, NotHere, "Not in a room.")
		return
	}
	if !m.accessCheck(c, acRoomAide) {
		return
	}
	var msgnums []int64
	for _, part := range strings.Split(args, ",") {
		n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			errReply(c, IllegalValue, "Bad message number %q.", part)
			return
		}
		msgnums = append(msgnums, n)
	}
	deleted, err := m.srv.Msgs.DeleteMessages(c.Room.RoomNum, msgnums)
	if err != nil {
		errReply(c, InternalError, "%s", err)
		return
	}
	if deleted == 0 {
		errReply(c, MessageNotFound, "No matching messages.")
		return
	}
	ok(c, "%d message(s) deleted.", deleted)
}

// ============================================================================
// MIGR — bulk export/import for server moves
// ============================================================================

// migrRecord is one line of the migration stream.
type migrRecord struct {
	Kind string          `json:"kind"` // config, floor, user, room, message, meta, roomlist, visit
	Data json.RawMessage `json:"data"`
}

type migrFloor struct {
	Idx   int         `json:"idx"`
	Floor *room.Floor `json:"floor"`
}

type migrMessage struct {
	MsgNum int64  `json:"msgnum"`
	Raw    []byte `json:"raw"` // wire form with the body inlined
}

type migrRoomList struct {
	RoomNum int64   `json:"roomnum"`
	Msgs    []int64 `json:"msgs"`
}

// Progress markers interleaved with the export stream. The receiver refuses
// to commit a stream that did not reach 100.
const (
	progressOpen  = "<progress>"
	progressClose = "</progress>"
)

// MIGR export|import. Export streams the entire database as JSON records
// with progress markers; import stages the same stream and applies it only
// once the terminator lands at 100%. Housekeeping is quiesced for the
// duration so the snapshot is coherent.
func (m *Module) cmdMigr(c *server.Context, args string) {
	if !m.accessCheck(c, acAide) {
		return
	}
	release := m.srv.DisableHousekeeping()
	defer release()

	switch strings.ToLower(strings.TrimSpace(args)) {
	case "export":
		m.migrExport(c)
	case "import":
		m.migrImport(c)
	default:
		errReply(c, IllegalValue, "Usage: MIGR export|import")
	}
}

func (m *Module) migrExport(c *server.Context) {
	c.Printf("%d Exporting; this may take a while.\n", ListingFollows)

	// Snapshot the record inventory first so progress can be honest.
	type confKV struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	var configs []confKV
	for _, key := range sysconf.KnownKeys {
		if val := m.srv.Conf.GetStr(key); val != "" {
			configs = append(configs, confKV{key, val})
		}
	}
	var users []*user.User
	_ = m.srv.Users.ForEach(func(u *user.User) {
		cp := *u
		users = append(users, &cp)
	})
	var rooms []*room.Room
	_ = m.srv.Rooms.ForEach(func(r *room.Room) {
		cp := *r
		rooms = append(rooms, &cp)
	})
	var visits []*room.Visit
	_ = m.srv.Rooms.ForEachVisit(func(v *room.Visit) {
		cp := *v
		visits = append(visits, &cp)
	})
	// A message filed in several rooms travels once; the lists restore the
	// fan-out on the far side.
	lists := make(map[int64][]int64, len(rooms))
	seen := make(map[int64]bool)
	var msgnums []int64
	for _, r := range rooms {
		list := m.srv.Rooms.MsgList(r.RoomNum)
		if len(list) == 0 {
			continue
		}
		lists[r.RoomNum] = list
		for _, n := range list {
			if !seen[n] {
				seen[n] = true
				msgnums = append(msgnums, n)
			}
		}
	}

	total := len(configs) + room.MaxFloors + len(users) + len(rooms) +
		2*len(msgnums) + len(lists) + len(visits)
	done, lastPct := 0, -1
	step := func() {
		done++
		pct := 100
		if total > 0 {
			pct = done * 100 / total
		}
		if pct != lastPct {
			lastPct = pct
			c.Printf("%s%d%s\n", progressOpen, pct, progressClose)
		}
	}
	emit := func(kind string, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			return
		}
		line, err := json.Marshal(migrRecord{Kind: kind, Data: data})
		if err != nil {
			return
		}
		c.Printf("%s\n", line)
	}

	for _, kv := range configs {
		emit("config", kv)
		step()
	}
	for idx := 0; idx < room.MaxFloors; idx++ {
		if f, err := m.srv.Rooms.GetFloor(idx); err == nil {
			emit("floor", migrFloor{Idx: idx, Floor: f})
		}
		step()
	}
	for _, u := range users {
		emit("user", u)
		step()
	}
	for _, r := range rooms {
		emit("room", r)
		step()
	}
	for _, n := range msgnums {
		if raw, err := m.srv.Msgs.ExportMessage(n); err == nil {
			emit("message", migrMessage{MsgNum: n, Raw: raw})
		}
		step()
		if md, err := m.srv.Msgs.GetMetaData(n); err == nil {
			emit("meta", md)
		}
		step()
	}
	for _, r := range rooms {
		if list, okL := lists[r.RoomNum]; okL {
			emit("roomlist", migrRoomList{RoomNum: r.RoomNum, Msgs: list})
			step()
		}
	}
	for _, v := range visits {
		emit("visit", v)
		step()
	}

	if lastPct != 100 {
		c.Printf("%s100%s\n", progressOpen, progressClose)
	}
	c.Printf("%s\n", listingEnd)
}

// migrImport stages the whole stream in memory and applies it only after the
// terminator arrives with the progress at 100, so a sender that dies
// mid-stream leaves this node untouched.
func (m *Module) migrImport(c *server.Context) {
	c.Printf("%d Send records; end with %s\n", SendListing, listingEnd)
	c.Flush()

	var staged []string
	progress := -1
	for {
		line, err := c.ReadLine(time.Now().Add(10 * time.Minute))
		if err != nil {
			c.Kill(server.KillReadFailed)
			return
		}
		if line == listingEnd {
			break
		}
		if pct, okP := parseProgress(line); okP {
			progress = pct
			continue
		}
		staged = append(staged, line)
	}
	if progress != 100 {
		logger.Warn("migration import discarded", "progress", progress, "records", len(staged))
		errReply(c, InternalError, "Transfer incomplete at %d%%; nothing was applied.", progress)
		return
	}

	applied, skipped := 0, 0
	for _, line := range staged {
		if m.applyMigrRecord(line) {
			applied++
		} else {
			skipped++
		}
	}
	logger.Info("migration import finished", "applied", applied, "skipped", skipped)
	ok(c, "%d|%d", applied, skipped)
}

// parseProgress recognizes a progress marker line.
func parseProgress(line string) (int, bool) {
	rest, found := strings.CutPrefix(line, progressOpen)
	if !found {
		return 0, false
	}
	rest, found = strings.CutSuffix(rest, progressClose)
	if !found {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0, false
	}
	return n, true
}

func (m *Module) applyMigrRecord(line string) bool {
	var rec migrRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return false
	}
	switch rec.Kind {
	case "config":
		var kv struct{ Key, Value string }
		if json.Unmarshal(rec.Data, &kv) != nil || kv.Key == "" {
			return false
		}
		return m.srv.Conf.PutStr(kv.Key, kv.Value) == nil
	case "floor":
		var f migrFloor
		if json.Unmarshal(rec.Data, &f) != nil || f.Floor == nil {
			return false
		}
		return m.srv.Rooms.PutFloor(f.Idx, f.Floor) == nil
	case "user":
		var u user.User
		if json.Unmarshal(rec.Data, &u) != nil || u.Fullname == "" {
			return false
		}
		if err := m.srv.Users.Put(&u); err != nil {
			return false
		}
		return m.srv.Conf.EnsureCounterAtLeast(sysconf.CounterNextUser, u.UserNum) == nil
	case "room":
		var r room.Room
		if json.Unmarshal(rec.Data, &r) != nil || r.Name == "" {
			return false
		}
		if err := m.srv.Rooms.Put(&r); err != nil {
			return false
		}
		return m.srv.Conf.EnsureCounterAtLeast(sysconf.CounterNextRoom, r.RoomNum) == nil
	case "message":
		var mr migrMessage
		if json.Unmarshal(rec.Data, &mr) != nil || mr.MsgNum <= 0 {
			return false
		}
		return m.srv.Msgs.ImportMessage(mr.MsgNum, mr.Raw) == nil
	case "meta":
		var md msgbase.MetaData
		if json.Unmarshal(rec.Data, &md) != nil || md.MsgNum == 0 {
			return false
		}
		return m.srv.Msgs.PutMetaData(&md) == nil
	case "roomlist":
		var rl migrRoomList
		if json.Unmarshal(rec.Data, &rl) != nil || rl.RoomNum <= 0 {
			return false
		}
		return m.srv.Msgs.ImportRoomList(rl.RoomNum, rl.Msgs) == nil
	case "visit":
		var v room.Visit
		if json.Unmarshal(rec.Data, &v) != nil || v.RoomNum <= 0 {
			return false
		}
		return m.srv.Rooms.PutVisit(&v) == nil
	}
	return false
}

// postAideNotice files a notice in the Aide room.
func (m *Module) postAideNotice(format string, args ...any) {
	msg := msgbase.NewMessage()
	msg.Set(msgbase.FieldAuthor, "Citadel")
	msg.Set(msgbase.FieldRoom, m.srv.Conf.GetStr(sysconf.AideRoom))
	msg.Set(msgbase.FieldBody, strings.TrimRight(fmt.Sprintf(format, args...), "\n")+"\n")
	if _, err := m.srv.Msgs.Submit(msg, nil, m.srv.Conf.GetStr(sysconf.AideRoom)); err != nil {
		logger.Warn("aide notice failed", logger.Err(err))
	}
}
