// Package expire is the auto-purger: a daily sweep that ages out users,
// messages, rooms, and the bookkeeping tables that reference them.
package expire

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/citadel-dev/citadel/internal/logger"
	"github.com/citadel-dev/citadel/pkg/msgbase"
	"github.com/citadel-dev/citadel/pkg/room"
	"github.com/citadel-dev/citadel/pkg/server"
	"github.com/citadel-dev/citadel/pkg/sysconf"
	"github.com/citadel-dev/citadel/pkg/user"
)

// purgeGuard stops a restart (or a manual run) from purging twice in quick
// succession.
const purgeGuard = 12 * time.Hour

// Module is the purger.
type Module struct {
	srv *server.Server

	mu      sync.Mutex
	lastRun time.Time
}

// Register schedules the daily run at c_purge_hour.
func Register(s *server.Server) (*Module, error) {
	m := &Module{srv: s}
	hour := s.Conf.GetInt(sysconf.PurgeHour)
	if hour < 0 || hour > 23 {
		hour = 4
	}
	err := s.AddCronJob(fmt.Sprintf("0 %d * * *", hour), "auto-purge", func() { m.Run(false) })
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Run executes the full sweep. force overrides the 12-hour guard.
func (m *Module) Run(force bool) {
	m.mu.Lock()
	if !force && time.Since(m.lastRun) < purgeGuard {
		m.mu.Unlock()
		return
	}
	m.lastRun = time.Now()
	m.mu.Unlock()

	start := time.Now()
	var report strings.Builder

	users, corrupt := m.purgeUsers()
	fmt.Fprintf(&report, "%d user(s) purged.\n", users)
	for _, line := range corrupt {
		fmt.Fprintf(&report, "corrupt user record skipped: %s\n", line)
	}

	msgs := m.expireMessages()
	fmt.Fprintf(&report, "%d message(s) expired.\n", msgs)

	rooms := m.purgeRooms()
	fmt.Fprintf(&report, "%d room(s) purged.\n", rooms)

	visits, err := m.srv.Rooms.PurgeOrphanVisits(func(usernum int64) bool {
		_, err := m.srv.Users.GetByNumber(usernum)
		return err == nil
	})
	if err != nil {
		logger.Warn("visit purge failed", logger.Err(err))
	}
	fmt.Fprintf(&report, "%d orphaned visit(s) purged.\n", visits)

	useRows, err := m.srv.Msgs.PurgeUseTable()
	if err != nil {
		logger.Warn("use table purge failed", logger.Err(err))
	}
	fmt.Fprintf(&report, "%d stale use-table row(s) purged.\n", useRows)

	euids, err := m.srv.Msgs.PurgeEuidOrphans()
	if err != nil {
		logger.Warn("euid purge failed", logger.Err(err))
	}
	fmt.Fprintf(&report, "%d orphaned exclusive-id row(s) purged.\n", euids)

	// Settle refcounts for everything unfiled above before compacting.
	if purged, err := m.srv.Msgs.DrainRefQueue(); err == nil {
		m.srv.Metrics.MessagesPurged(purged)
	}

	if m.srv.Conf.GetInt(sysconf.AutoCull) != 0 {
		if err := m.srv.DB.Compact(); err != nil {
			logger.Warn("store compaction failed", logger.Err(err))
		}
	}

	logger.Info("auto-purge complete", logger.DurationMs(logger.Duration(start)))
	m.postReport(report.String())
}

// purgeUsers removes accounts idle past the site policy. The configured
// administrator, permanent accounts, and accounts with a per-user override
// of 0 are exempt. A stored password of "deleteme" purges immediately.
func (m *Module) purgeUsers() (purged int, corrupt []string) {
	purgeDays := m.srv.Conf.GetInt(sysconf.UserPurge)
	sysadmKey := user.MakeUserKey(m.srv.Conf.GetStr(sysconf.SysAdm))

	var doomed []*user.User
	_ = m.srv.Users.ForEach(func(u *user.User) {
		if u.Fullname == "" || u.UserNum < 0 {
			corrupt = append(corrupt, fmt.Sprintf("%q (#%d)", u.Fullname, u.UserNum))
			return
		}
		if strings.TrimSpace(u.Password) == "deleteme" {
			doomed = append(doomed, u)
			return
		}
		if u.AxLevel == user.AxDeleted {
			doomed = append(doomed, u)
			return
		}
		if purgeDays <= 0 {
			return
		}
		if u.Flags&user.USPerm != 0 || u.AxLevel >= user.AxAide {
			return
		}
		if user.MakeUserKey(u.Fullname) == sysadmKey {
			return
		}
		days := purgeDays
		if u.PurgeDays > 0 {
			days = u.PurgeDays
		}
		if u.LastCall == 0 {
			return // never logged in; registration flow owns these
		}
		if time.Since(time.Unix(u.LastCall, 0)) > time.Duration(days)*24*time.Hour {
			doomed = append(doomed, u)
		}
	})

	for _, u := range doomed {
		if err := m.srv.Users.Purge(u); err != nil {
			logger.Warn("user purge failed", logger.Username(u.Fullname), logger.Err(err))
			continue
		}
		purged++
	}
	return purged, corrupt
}

// expireMessages applies each room's expire policy: keep-newest-N or
// age-out. Inherit falls back to the site default (mailboxes have their own
// default); manual means never.
func (m *Module) expireMessages() int {
	siteMode := m.srv.Conf.GetInt(sysconf.ExpireMode)
	siteValue := m.srv.Conf.GetInt(sysconf.ExpireValue)
	mbxMode := m.srv.Conf.GetInt(sysconf.MbxExpireMode)
	mbxValue := m.srv.Conf.GetInt(sysconf.MbxExpireValue)

	type roomPolicy struct {
		num         int64
		mode, value int
	}
	var work []roomPolicy
	_ = m.srv.Rooms.ForEach(func(r *room.Room) {
		mode, value := r.Expire.Mode, r.Expire.Value
		if mode == room.ExpireInherit {
			if r.IsMailbox() {
				mode, value = mbxMode, mbxValue
			} else {
				mode, value = siteMode, siteValue
			}
		}
		if mode == room.ExpireNumMsgs || mode == room.ExpireAge {
			work = append(work, roomPolicy{r.RoomNum, mode, value})
		}
	})

	total := 0
	for _, rp := range work {
		if rp.value <= 0 {
			continue
		}
		msgs := m.srv.Msgs.MsgList(rp.num)
		var doomed []int64
		switch rp.mode {
		case room.ExpireNumMsgs:
			if len(msgs) > rp.value {
				doomed = msgs[:len(msgs)-rp.value]
			}
		case room.ExpireAge:
			cutoff := time.Now().Add(-time.Duration(rp.value) * 24 * time.Hour)
			for _, n := range msgs {
				md, err := m.srv.Msgs.Fetch(n, false)
				if err != nil {
					doomed = append(doomed, n)
					continue
				}
				if md.Timestamp().Before(cutoff) {
					doomed = append(doomed, n)
				}
			}
		}
		if len(doomed) == 0 {
			continue
		}
		deleted, err := m.srv.Msgs.DeleteMessages(rp.num, doomed)
		if err != nil {
			logger.Warn("message expiry failed", logger.KeyRoomNum, rp.num, logger.Err(err))
			continue
		}
		total += deleted
	}
	return total
}

// purgeRooms removes mailboxes whose owner is gone and ordinary rooms idle
// past c_roompurge days. Permanent, directory, and system rooms stay.
func (m *Module) purgeRooms() int {
	roomPurge := m.srv.Conf.GetInt(sysconf.RoomPurge)

	var doomed []*room.Room
	_ = m.srv.Rooms.ForEach(func(r *room.Room) {
		if r.IsMailbox() {
			if _, err := m.srv.Users.GetByNumber(r.MailboxOwner()); err != nil {
				doomed = append(doomed, r)
			}
			return
		}
		if r.Flags&(room.QRPermanent|room.QRDirectory) != 0 || r.Flags2&room.QR2System != 0 {
			return
		}
		if roomPurge <= 0 || r.MTime == 0 {
			return
		}
		if time.Since(time.Unix(r.MTime, 0)) > time.Duration(roomPurge)*24*time.Hour {
			doomed = append(doomed, r)
		}
	})

	purged := 0
	for _, r := range doomed {
		msgs, err := m.srv.Rooms.Delete(r)
		if err != nil {
			logger.Warn("room purge failed", logger.Room(r.Name), logger.Err(err))
			continue
		}
		if len(msgs) > 0 {
			// The room row is gone; settle the message references it held.
			if err := m.srv.Msgs.ReleaseRefs(msgs); err != nil {
				logger.Warn("room purge refcount settlement failed",
					logger.Room(r.Name), logger.Err(err))
			}
		}
		purged++
	}
	return purged
}

// postReport files the sweep summary in the Aide room.
func (m *Module) postReport(body string) {
	msg := msgbase.NewMessage()
	msg.Set(msgbase.FieldAuthor, "Citadel")
	msg.Set(msgbase.FieldSubject, "Database auto-purge report")
	msg.Set(msgbase.FieldBody, body)
	aide := m.srv.Conf.GetStr(sysconf.AideRoom)
	msg.Set(msgbase.FieldRoom, aide)
	if _, err := m.srv.Msgs.Submit(msg, nil, aide); err != nil {
		logger.Warn("purge report post failed", logger.Err(err))
	}
}
