package room

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/citadel-dev/citadel/internal/logger"
	"github.com/citadel-dev/citadel/pkg/db"
	"github.com/citadel-dev/citadel/pkg/sysconf"
	"github.com/citadel-dev/citadel/pkg/user"
)

// RenameResult discriminates the outcomes of a room rename.
type RenameResult int

const (
	RenameOK RenameResult = iota
	RenameNotFound
	RenameAlreadyExists
	RenameNonEditable
	RenameInvalidFloor
	RenameAccessDenied
)

// Access bits returned by Access.
const (
	UAKnown         = 1 << 1 // room appears in the user's known-rooms list
	UAGotoAllowed   = 1 << 2
	UAHasNewMsgs    = 1 << 3
	UAZapped        = 1 << 4
	UAPostAllowed   = 1 << 5
	UAAdminAllowed  = 1 << 6
	UADeleteAllowed = 1 << 7
)

// Dir is the room directory.
type Dir struct {
	db   *db.DB
	conf *sysconf.Conf

	// roomsMu serializes read-modify-write cycles on room records so two
	// writers cannot interleave a lost update.
	roomsMu sync.Mutex

	// netMu protects netconfig blob rewrites.
	netMu sync.Mutex
}

// NewDir wraps the database and configuration store.
func NewDir(d *db.DB, conf *sysconf.Conf) *Dir {
	return &Dir{db: d, conf: conf}
}

// Get fetches a room by name.
func (dir *Dir) Get(name string) (*Room, error) {
	raw, err := dir.db.Fetch(db.Rooms, []byte(MakeRoomKey(name)))
	if err != nil {
		return nil, err
	}
	var r Room
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode room %q: %w", name, err)
	}
	return &r, nil
}

// GetByNumber scans for a room by number. There is no index for this; it is
// only used by slow paths (netconfig listings, the purger).
func (dir *Dir) GetByNumber(num int64) (*Room, error) {
	var found *Room
	err := dir.ForEach(func(r *Room) {
		if r.RoomNum == num && found == nil {
			found = r
		}
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, &db.StoreError{Code: db.ErrNotFound, Table: db.Rooms}
	}
	return found, nil
}

// Put writes a room record.
func (dir *Dir) Put(r *Room) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode room %q: %w", r.Name, err)
	}
	return dir.db.Store(db.Rooms, []byte(MakeRoomKey(r.Name)), raw)
}

// Modify runs a read-modify-write cycle on a room under the directory's
// write lock. fn may mutate the record; returning an error abandons the
// write.
func (dir *Dir) Modify(name string, fn func(*Room) error) error {
	dir.roomsMu.Lock()
	defer dir.roomsMu.Unlock()

	r, err := dir.Get(name)
	if err != nil {
		return err
	}
	if err := fn(r); err != nil {
		return err
	}
	return dir.Put(r)
}

// genSeedKey remembers the generation of a deleted room so a recreate under
// the same name starts at a higher generation and stale visits stay stale.
func genSeedKey(key string) string {
	return "c_roomgen_" + key
}

// Create makes a room that does not already exist, assigns it a number, and
// charges its floor's reference count.
func (dir *Dir) Create(name string, flags, flags2 uint32, password string, floor, defView int) (*Room, error) {
	key := MakeRoomKey(name)
	if key == "" {
		return nil, fmt.Errorf("create room: empty name")
	}
	if floor < 0 || floor >= MaxFloors {
		return nil, fmt.Errorf("create room: floor %d out of range", floor)
	}

	dir.roomsMu.Lock()
	defer dir.roomsMu.Unlock()

	if exists, err := dir.db.Exists(db.Rooms, []byte(key)); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("create room: %q already exists", name)
	}

	num, err := dir.conf.Increment(sysconf.CounterNextRoom)
	if err != nil {
		return nil, err
	}

	gen := 0
	if seed := dir.conf.GetInt(genSeedKey(key)); seed > 0 {
		gen = seed + 1
	}

	r := &Room{
		Name:     name,
		Password: password,
		Flags:    flags | QRInUse,
		Flags2:   flags2,
		Floor:    floor,
		DefView:  defView,
		RoomNum:  num,
		Gen:      gen,
		MTime:    time.Now().Unix(),
	}
	if err := dir.Put(r); err != nil {
		return nil, err
	}
	if !r.IsMailbox() {
		dir.adjustFloorRef(floor, +1)
	}

	logger.Info("room created", logger.Room(name), "roomnum", num, "floor", floor)
	return r, nil
}

// Delete removes a room and its message list, releases its floor reference,
// and remembers the generation for a future recreate. It returns the
// msgnums that were filed in the room so the caller can settle their
// reference counts.
func (dir *Dir) Delete(r *Room) ([]int64, error) {
	dir.roomsMu.Lock()
	defer dir.roomsMu.Unlock()

	key := MakeRoomKey(r.Name)
	msgs := dir.MsgList(r.RoomNum)

	err := dir.db.Update(func(tx *db.Tx) error {
		if err := tx.Delete(db.Rooms, []byte(key)); err != nil {
			return err
		}
		return tx.Delete(db.MsgLists, numberKey(r.RoomNum))
	})
	if err != nil {
		return nil, err
	}

	if err := dir.conf.PutInt(genSeedKey(key), r.Gen); err != nil {
		return nil, err
	}
	if !r.IsMailbox() {
		dir.adjustFloorRef(r.Floor, -1)
	}
	logger.Info("room deleted", logger.Room(r.Name), "roomnum", r.RoomNum, "messages", len(msgs))
	return msgs, nil
}

// Rename changes a room's name and optionally moves it to a new floor.
// All-or-nothing: on any refusal the room is untouched.
func (dir *Dir) Rename(oldName, newName string, floor int, actor *user.User) RenameResult {
	if floor < -1 || floor >= MaxFloors {
		return RenameInvalidFloor
	}
	oldKey := MakeRoomKey(oldName)
	newKey := MakeRoomKey(newName)
	if newKey == "" {
		return RenameNonEditable
	}

	dir.roomsMu.Lock()
	defer dir.roomsMu.Unlock()

	r, err := dir.Get(oldName)
	if err != nil {
		return RenameNotFound
	}
	if r.IsMailbox() || r.Flags2&QR2System != 0 || MakeRoomKey(dir.conf.GetStr(sysconf.BaseRoom)) == oldKey {
		return RenameNonEditable
	}
	if actor != nil && actor.AxLevel < user.AxAide && r.RoomAide != actor.UserNum {
		return RenameAccessDenied
	}
	if oldKey != newKey {
		if exists, _ := dir.db.Exists(db.Rooms, []byte(newKey)); exists {
			return RenameAlreadyExists
		}
	}

	oldFloor := r.Floor
	r.Name = newName
	if floor >= 0 {
		r.Floor = floor
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return RenameNonEditable
	}
	err = dir.db.Update(func(tx *db.Tx) error {
		if oldKey != newKey {
			if err := tx.Delete(db.Rooms, []byte(oldKey)); err != nil {
				return err
			}
		}
		return tx.Store(db.Rooms, []byte(newKey), raw)
	})
	if err != nil {
		return RenameAccessDenied
	}
	if r.Floor != oldFloor {
		dir.adjustFloorRef(oldFloor, -1)
		dir.adjustFloorRef(r.Floor, +1)
	}
	logger.Info("room renamed", "from", oldName, "to", newName)
	return RenameOK
}

// ForEach visits every room. Two-phase for the same reason the user walk
// is: callbacks write.
func (dir *Dir) ForEach(fn func(*Room)) error {
	var keys []string
	err := dir.db.View(func(tx *db.Tx) error {
		cur := tx.Cursor(db.Rooms)
		defer cur.Close()
		for ; cur.Valid(); cur.Next() {
			keys = append(keys, string(cur.Key()))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		raw, err := dir.db.Fetch(db.Rooms, []byte(key))
		if err != nil {
			continue
		}
		var r Room
		if err := json.Unmarshal(raw, &r); err != nil {
			continue
		}
		fn(&r)
	}
	return nil
}

// Access combines room flags, the caller's visit record, and their access
// level into the effective access bits plus the view to present.
func (dir *Dir) Access(r *Room, u *user.User) (int, int) {
	bits := 0
	view := r.DefView

	var v *Visit
	if u != nil {
		v, _ = dir.GetVisit(r, u)
		if v != nil && v.View >= 0 {
			view = v.View
		}
	}

	if r.IsMailbox() {
		if u == nil {
			return 0, view
		}
		if r.MailboxOwner() == u.UserNum {
			return UAKnown | UAGotoAllowed | UAPostAllowed | UAAdminAllowed | UADeleteAllowed, view
		}
		if u.AxLevel >= user.AxAide {
			return UAGotoAllowed | UAPostAllowed | UAAdminAllowed | UADeleteAllowed, view
		}
		return 0, view
	}

	if r.Flags&QRPrivate == 0 {
		bits |= UAKnown | UAGotoAllowed
	} else {
		if r.Flags&QRGuessName != 0 {
			// Enterable by exact name, but never listed.
			bits |= UAGotoAllowed
		}
		if v != nil && v.Flags&VAccess != 0 {
			bits |= UAKnown | UAGotoAllowed
		}
	}

	if u != nil && r.Flags&QRReadOnly == 0 {
		bits |= UAPostAllowed
	}
	if v != nil && v.Flags&VForget != 0 {
		bits &^= UAKnown
		bits |= UAZapped
	}
	if v != nil && v.Flags&VLockout != 0 {
		return 0, view
	}
	if u != nil {
		if u.AxLevel >= user.AxAide {
			bits |= UAKnown | UAGotoAllowed | UAPostAllowed | UAAdminAllowed | UADeleteAllowed
		} else if r.RoomAide != 0 && r.RoomAide == u.UserNum {
			bits |= UAAdminAllowed | UADeleteAllowed
		}
	}
	return bits, view
}

// GotoResult is the state bundle handed to a client entering a room.
type GotoResult struct {
	RoomName  string
	NewMsgs   int
	TotalMsgs int
	Flags     uint32
	Flags2    uint32
	Highest   int64
	LastSeen  int64
	IsMail    bool
	IsAide    bool
	NewMail   int
	Floor     int
	CurView   int
	DefView   int
	IsTrash   bool
	MTime     int64
}

// Goto enters a room on behalf of a user: computes the counts bundle and
// clears any forgotten flag on the visit.
func (dir *Dir) Goto(r *Room, u *user.User) (*GotoResult, error) {
	bits, view := dir.Access(r, u)

	res := &GotoResult{
		RoomName: r.DisplayName(),
		Flags:    r.Flags,
		Flags2:   r.Flags2,
		Highest:  r.HighestMsg,
		IsMail:   r.IsMailbox(),
		IsAide:   bits&UAAdminAllowed != 0,
		Floor:    r.Floor,
		CurView:  view,
		DefView:  r.DefView,
		IsTrash:  MakeRoomKey(r.Name) == MakeRoomKey(dir.conf.GetStr(sysconf.TwitRoom)),
		MTime:    r.MTime,
	}

	msgs := dir.MsgList(r.RoomNum)
	res.TotalMsgs = len(msgs)

	if u != nil {
		v, err := dir.GetVisit(r, u)
		if err != nil {
			return nil, err
		}
		res.LastSeen = v.LastSeen
		for _, m := range msgs {
			if m > v.LastSeen {
				res.NewMsgs++
			}
		}
		if res.IsMail {
			res.NewMail = res.NewMsgs
		}
		if v.Flags&VForget != 0 {
			v.Flags &^= VForget
			if err := dir.PutVisit(v); err != nil {
				return nil, err
			}
		}
	} else {
		res.NewMsgs = res.TotalMsgs
	}
	return res, nil
}

func numberKey(num int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(num))
	return key
}

// MsgList returns the packed message list of a room, oldest first.
func (dir *Dir) MsgList(roomNum int64) []int64 {
	raw, err := dir.db.Fetch(db.MsgLists, numberKey(roomNum))
	if err != nil {
		return nil
	}
	out := make([]int64, 0, len(raw)/8)
	for i := 0; i+8 <= len(raw); i += 8 {
		out = append(out, int64(binary.BigEndian.Uint64(raw[i:i+8])))
	}
	return out
}

// EnsureBaseRooms creates the rooms every server must have. Idempotent.
func (dir *Dir) EnsureBaseRooms() error {
	type seed struct {
		name   string
		flags  uint32
		flags2 uint32
		view   int
	}
	seeds := []seed{
		{dir.conf.GetStr(sysconf.BaseRoom), QRPermanent, 0, ViewBBS},
		{dir.conf.GetStr(sysconf.AideRoom), QRPermanent | QRPrivate, 0, ViewBBS},
		{SysConfigRoom, QRPermanent | QRPrivate, QR2System, ViewBBS},
		{SMTPSpoolRoom, QRPermanent | QRPrivate, QR2System, ViewQueue},
	}
	for _, s := range seeds {
		if s.name == "" {
			continue
		}
		if _, err := dir.Get(s.name); err == nil {
			continue
		} else if !db.IsNotFound(err) {
			return err
		}
		if _, err := dir.Create(s.name, s.flags, s.flags2, "", 0, s.view); err != nil {
			return err
		}
	}
	return nil
}

// EnsureMailbox creates a user's mailbox room if missing and returns it.
func (dir *Dir) EnsureMailbox(u *user.User, suffix string) (*Room, error) {
	name := MailboxName(u.UserNum, suffix)
	if r, err := dir.Get(name); err == nil {
		return r, nil
	} else if !db.IsNotFound(err) {
		return nil, err
	}
	return dir.Create(name, QRMailbox|QRPermanent, 0, "", 0, ViewMailbox)
}
