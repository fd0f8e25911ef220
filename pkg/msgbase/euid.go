package msgbase

import (
	"encoding/binary"
	"strings"

	"github.com/citadel-dev/citadel/pkg/db"
)

func euidKey(roomNum int64, euid string) []byte {
	key := make([]byte, 8+len(euid))
	binary.BigEndian.PutUint64(key, uint64(roomNum))
	copy(key[8:], euid)
	return key
}

func (s *Store) putEuid(roomNum int64, euid string, msgnum int64) error {
	val := make([]byte, 8)
	binary.BigEndian.PutUint64(val, uint64(msgnum))
	return s.db.Store(db.EuidIndex, euidKey(roomNum, euid), val)
}

// LocateMessageByUID resolves an exclusive id to a msgnum, or -1. A lookup
// miss retries with a trailing ".ics" stripped; one calendar client appends
// it to the uid it was handed.
func (s *Store) LocateMessageByUID(roomNum int64, euid string) int64 {
	raw, err := s.db.Fetch(db.EuidIndex, euidKey(roomNum, euid))
	if db.IsNotFound(err) && strings.HasSuffix(euid, ".ics") {
		raw, err = s.db.Fetch(db.EuidIndex, euidKey(roomNum, strings.TrimSuffix(euid, ".ics")))
	}
	if err != nil {
		return -1
	}
	return int64(binary.BigEndian.Uint64(raw))
}

// PurgeEuidOrphans removes index entries whose message is gone. Returns the
// number removed.
func (s *Store) PurgeEuidOrphans() (int, error) {
	var doomed [][]byte
	err := s.db.View(func(tx *db.Tx) error {
		cur := tx.Cursor(db.EuidIndex)
		defer cur.Close()
		for ; cur.Valid(); cur.Next() {
			val, err := cur.Value()
			if err != nil {
				return err
			}
			if len(val) != 8 {
				doomed = append(doomed, cur.Key())
				continue
			}
			msgnum := int64(binary.BigEndian.Uint64(val))
			ok, err := tx.Exists(db.MsgMain, msgKey(msgnum))
			if err != nil {
				return err
			}
			if !ok {
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
	err = s.db.Update(func(tx *db.Tx) error {
		for _, key := range doomed {
			if err := tx.Delete(db.EuidIndex, key); err != nil {
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
