package room

import (
	"encoding/json"
	"fmt"

	"github.com/citadel-dev/citadel/pkg/db"
	"github.com/citadel-dev/citadel/pkg/user"
)

// Visit flag bits.
const (
	VForget  = 1 << 0 // user zapped the room
	VLockout = 1 << 1 // user is banned from the room
	VAccess  = 1 << 2 // user was explicitly let into a private room
)

// Visit is the per-user, per-room bookkeeping record. Keyed by room number,
// room generation, and user number, so a zapped-and-recreated room starts
// everyone fresh.
type Visit struct {
	RoomNum  int64  `json:"roomnum"`
	RoomGen  int    `json:"roomgen"`
	UserNum  int64  `json:"usernum"`
	LastSeen int64  `json:"lastseen"` // highest msgnum marked read
	Seen     string `json:"seen,omitempty"`
	Answered string `json:"answered,omitempty"`
	View     int    `json:"view"` // -1 means use the room default
	Flags    uint32 `json:"flags"`
}

func visitKey(roomNum int64, gen int, userNum int64) []byte {
	return []byte(fmt.Sprintf("%010d.%010d.%010d", roomNum, gen, userNum))
}

// GetVisit fetches the visit record for (room, user), zeroed when none
// exists yet.
func (dir *Dir) GetVisit(r *Room, u *user.User) (*Visit, error) {
	raw, err := dir.db.Fetch(db.Visits, visitKey(r.RoomNum, r.Gen, u.UserNum))
	if db.IsNotFound(err) {
		return &Visit{RoomNum: r.RoomNum, RoomGen: r.Gen, UserNum: u.UserNum, View: -1}, nil
	}
	if err != nil {
		return nil, err
	}
	var v Visit
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode visit: %w", err)
	}
	return &v, nil
}

// PutVisit writes a visit record.
func (dir *Dir) PutVisit(v *Visit) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return dir.db.Store(db.Visits, visitKey(v.RoomNum, v.RoomGen, v.UserNum), raw)
}

// ForEachVisit calls fn for every stored visit record. Undecodable rows are
// skipped.
func (dir *Dir) ForEachVisit(fn func(*Visit)) error {
	return dir.db.View(func(tx *db.Tx) error {
		cur := tx.Cursor(db.Visits)
		defer cur.Close()
		for ; cur.Valid(); cur.Next() {
			raw, err := cur.Value()
			if err != nil {
				return err
			}
			var v Visit
			if err := json.Unmarshal(raw, &v); err != nil {
				continue
			}
			fn(&v)
		}
		return nil
	})
}

// PurgeOrphanVisits deletes visit rows whose room (by number and
// generation) or user no longer exists. Returns the number removed.
func (dir *Dir) PurgeOrphanVisits(userExists func(usernum int64) bool) (int, error) {
	type roomIdent struct {
		num int64
		gen int
	}
	valid := make(map[roomIdent]bool)
	err := dir.ForEach(func(r *Room) {
		valid[roomIdent{r.RoomNum, r.Gen}] = true
	})
	if err != nil {
		return 0, err
	}

	var doomed [][]byte
	err = dir.db.View(func(tx *db.Tx) error {
		cur := tx.Cursor(db.Visits)
		defer cur.Close()
		for ; cur.Valid(); cur.Next() {
			raw, err := cur.Value()
			if err != nil {
				return err
			}
			var v Visit
			if err := json.Unmarshal(raw, &v); err != nil {
				doomed = append(doomed, cur.Key())
				continue
			}
			if !valid[roomIdent{v.RoomNum, v.RoomGen}] || !userExists(v.UserNum) {
				doomed = append(doomed, cur.Key())
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(doomed) == 0 {
		return 0, nil
	}

	err = dir.db.Update(func(tx *db.Tx) error {
		for _, key := range doomed {
			if err := tx.Delete(db.Visits, key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(doomed), nil
}
