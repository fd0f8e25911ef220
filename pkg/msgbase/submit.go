package msgbase

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/citadel-dev/citadel/internal/logger"
	"github.com/citadel-dev/citadel/pkg/db"
	"github.com/citadel-dev/citadel/pkg/room"
	"github.com/citadel-dev/citadel/pkg/sysconf"
)

// Recipients is the resolved recipient set of a submission.
type Recipients struct {
	Local    []string // local account display names
	Internet []string // addresses needing outbound SMTP
	Bad      []string // unresolvable entries
	BounceTo string
	EnvFrom  string
}

// Empty reports whether no deliverable recipient exists.
func (r *Recipients) Empty() bool {
	return r == nil || (len(r.Local) == 0 && len(r.Internet) == 0)
}

// ValidateRecipients resolves a comma-separated recipient string against
// local accounts, the address directory, and the internet.
func (s *Store) ValidateRecipients(spec string) *Recipients {
	out := &Recipients{}
	for _, part := range strings.Split(spec, ",") {
		addr := strings.TrimSpace(part)
		if addr == "" {
			continue
		}
		if name, ok := s.users.LookupDirectory(addr); ok {
			out.Local = append(out.Local, name)
			continue
		}
		if u, err := s.users.Get(addr); err == nil {
			out.Local = append(out.Local, u.Fullname)
			continue
		}
		if at := strings.IndexByte(addr, '@'); at > 0 && at < len(addr)-1 {
			out.Internet = append(out.Internet, addr)
			continue
		}
		out.Bad = append(out.Bad, addr)
	}
	return out
}

// Submit is the single entry point for filing a message. It runs the
// before-save veto, stores the message, fans it out to the target room plus
// every recipient mailbox (and the outbound spool when internet recipients
// exist), settles exclusive-id replacement, queues reference increments,
// and fires after-save hooks.
func (s *Store) Submit(m *Message, recps *Recipients, targetRoom string) (int64, error) {
	sum := 0
	for _, fn := range s.beforeSave {
		sum += fn(m, recps)
	}
	if sum != 0 {
		return 0, fmt.Errorf("message rejected by save hook")
	}

	if !m.Has(FieldTimestamp) {
		m.SetTimestamp(time.Now())
	}
	if !m.Has(FieldMsgID) {
		m.Set(FieldMsgID, fmt.Sprintf("%s@%s", uuid.NewString(), s.conf.GetStr(sysconf.FQDN)))
	}
	if !m.Has(FieldPath) && m.Has(FieldRfc822Addr) {
		m.Set(FieldPath, m.Get(FieldRfc822Addr))
	}

	msgnum, err := s.GetNewMsgNumber()
	if err != nil {
		return 0, err
	}
	if err := s.storeMsg(msgnum, m); err != nil {
		return 0, err
	}

	// Work out the set of rooms this message lands in.
	type target struct {
		name string
		num  int64
	}
	var targets []target
	seen := make(map[int64]bool)
	addTarget := func(r *room.Room) {
		if !seen[r.RoomNum] {
			seen[r.RoomNum] = true
			targets = append(targets, target{r.Name, r.RoomNum})
		}
	}

	if targetRoom != "" {
		r, err := s.rooms.Get(targetRoom)
		if err != nil {
			return 0, fmt.Errorf("target room %q: %w", targetRoom, err)
		}
		addTarget(r)
	}
	if recps != nil {
		for _, name := range recps.Local {
			u, err := s.users.Get(name)
			if err != nil {
				continue
			}
			mbox, err := s.rooms.EnsureMailbox(u, "Mail")
			if err != nil {
				return 0, err
			}
			addTarget(mbox)
		}
		if len(recps.Internet) > 0 {
			spool, err := s.rooms.Get(room.SMTPSpoolRoom)
			if err != nil {
				return 0, fmt.Errorf("outbound spool room missing: %w", err)
			}
			addTarget(spool)
		}
	}
	if len(targets) == 0 {
		return 0, fmt.Errorf("message has nowhere to go")
	}

	for _, tgt := range targets {
		if err := s.fileInRoom(tgt.name, tgt.num, msgnum, m); err != nil {
			return 0, err
		}
	}

	for _, fn := range s.afterSave {
		fn(msgnum, m, recps)
	}
	s.journalCapture(msgnum, m, recps)

	logger.Info("message submitted",
		logger.MsgNum(msgnum),
		"rooms", len(targets),
		logger.Username(m.Author()))
	return msgnum, nil
}

// fileInRoom appends one message to one room, honoring exclusive-id
// replacement for views that use it.
func (s *Store) fileInRoom(roomName string, roomNum, msgnum int64, m *Message) error {
	var replaced int64
	if euid := m.Euid(); euid != "" {
		r, err := s.rooms.Get(roomName)
		if err == nil && room.ViewHasEUID(r.DefView) {
			if old := s.LocateMessageByUID(roomNum, euid); old > 0 && old != msgnum {
				replaced = old
			}
			if err := s.putEuid(roomNum, euid, msgnum); err != nil {
				return err
			}
		}
	}

	added, err := s.addToRoomList(roomNum, msgnum)
	if err != nil {
		return err
	}
	if added {
		if err := s.refs.Adjust(msgnum, +1); err != nil {
			return err
		}
		if err := s.stampRoom(roomName, msgnum); err != nil && !db.IsNotFound(err) {
			return err
		}
	}

	if replaced > 0 {
		if _, err := s.DeleteMessages(roomNum, []int64{replaced}); err != nil {
			return err
		}
	}
	return nil
}
