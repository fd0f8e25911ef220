// Package room manages rooms, floors, and per-user visit state, plus the
// per-room network configuration blob.
package room

import (
	"fmt"
	"strconv"
	"strings"
)

// Room flag bits, first word.
const (
	QRPermanent  = 1 << 0 // immune to the auto-purger
	QRInUse      = 1 << 1
	QRPrivate    = 1 << 2
	QRPassworded = 1 << 3
	QRGuessName  = 1 << 4
	QRDirectory  = 1 << 5
	QRUpload     = 1 << 6
	QRDownload   = 1 << 7
	QRVisDir     = 1 << 8
	QRAnonOnly   = 1 << 9
	QRAnonOpt    = 1 << 10
	QRNetwork    = 1 << 11
	QRReadOnly   = 1 << 13
	QRMailbox    = 1 << 14
)

// Room flag bits, second word.
const (
	QR2System     = 1 << 0 // hidden from ordinary room listings
	QR2SelfList   = 1 << 1 // mailing list with self-service subscription
	QR2CollabDel  = 1 << 2
	QR2SubjectReq = 1 << 3
	QR2SMTPPublic = 1 << 4
	QR2Moderated  = 1 << 5
)

// Default views.
const (
	ViewBBS = iota
	ViewMailbox
	ViewAddressBook
	ViewCalendar
	ViewTasks
	ViewNotes
	ViewWiki
	ViewJournal
	ViewQueue
)

// ViewHasEUID reports whether items in this view are addressed by external
// unique id, making a save with a duplicate EUID a replace.
func ViewHasEUID(view int) bool {
	switch view {
	case ViewAddressBook, ViewCalendar, ViewTasks, ViewNotes, ViewWiki:
		return true
	}
	return false
}

// Expire policy modes.
const (
	ExpireInherit = iota
	ExpireManual
	ExpireNumMsgs
	ExpireAge
)

// ExpirePolicy controls message aging for a room or floor.
type ExpirePolicy struct {
	Mode  int `json:"mode"`
	Value int `json:"value"`
}

// MaxRoomNameLen bounds room names and therefore record keys.
const MaxRoomNameLen = 128

// Room is one room record.
type Room struct {
	Name       string       `json:"name"`
	Password   string       `json:"password,omitempty"`
	RoomAide   int64        `json:"roomaide"` // usernum of the room aide, 0 none
	HighestMsg int64        `json:"highest"`  // highest msgnum ever filed here
	Gen        int          `json:"gen"`      // bumped on zap/recreate
	Flags      uint32       `json:"flags"`
	Flags2     uint32       `json:"flags2"`
	Floor      int          `json:"floor"`
	DefView    int          `json:"defview"`
	PicMsgNum  int64        `json:"pic_msgnum,omitempty"`
	MTime      int64        `json:"mtime"`
	RoomNum    int64        `json:"roomnum"`
	Expire     ExpirePolicy `json:"expire"`
}

// IsMailbox reports whether this is a private mailbox room.
func (r *Room) IsMailbox() bool {
	return r.Flags&QRMailbox != 0
}

// MailboxOwner returns the owning usernum of a mailbox room, or 0.
func (r *Room) MailboxOwner() int64 {
	if !r.IsMailbox() || len(r.Name) < 11 {
		return 0
	}
	n, err := strconv.ParseInt(r.Name[:10], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// DisplayName strips the owner prefix from a mailbox room name.
func (r *Room) DisplayName() string {
	if r.IsMailbox() && len(r.Name) > 11 {
		return r.Name[11:]
	}
	return r.Name
}

// MailboxName builds the storage name of a user's mailbox room.
func MailboxName(usernum int64, suffix string) string {
	return fmt.Sprintf("%010d.%s", usernum, suffix)
}

// MakeRoomKey normalizes a room name into its record key.
func MakeRoomKey(name string) string {
	key := strings.ToLower(name)
	if len(key) > MaxRoomNameLen {
		key = key[:MaxRoomNameLen]
	}
	return key
}

// Well-known room names.
const (
	LobbyRoom     = "Lobby"
	AideRoomName  = "Aide"
	SysConfigRoom = "Local System Configuration"
	SMTPSpoolRoom = "__CitadelSMTPspoolout__"
)
