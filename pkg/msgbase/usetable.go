package msgbase

import (
	"encoding/binary"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/citadel-dev/citadel/pkg/db"
)

// UseTableRetention is how long a delivery fingerprint is remembered.
const UseTableRetention = 10 * 24 * time.Hour

func useTableKey(fingerprint string) []byte {
	return []byte(strconv.FormatUint(xxhash.Sum64String(fingerprint), 16))
}

// CheckIfAlreadySeen tests and records a content fingerprint in one
// transaction: the first call for a given fingerprint returns false, every
// later call within the retention window returns true, and each call
// refreshes the timestamp.
func (s *Store) CheckIfAlreadySeen(fingerprint string) (bool, error) {
	key := useTableKey(fingerprint)
	seen := false
	err := s.db.Update(func(tx *db.Tx) error {
		seen = false
		ok, err := tx.Exists(db.UseTable, key)
		if err != nil {
			return err
		}
		seen = ok

		val := make([]byte, 12)
		binary.LittleEndian.PutUint32(val[0:4], uint32(xxhash.Sum64String(fingerprint)))
		binary.LittleEndian.PutUint64(val[4:12], uint64(time.Now().Unix()))
		return tx.Store(db.UseTable, key, val)
	})
	return seen, err
}

// PurgeUseTable drops fingerprints older than the retention window.
// Returns the number removed.
func (s *Store) PurgeUseTable() (int, error) {
	cutoff := time.Now().Add(-UseTableRetention).Unix()

	var doomed [][]byte
	err := s.db.View(func(tx *db.Tx) error {
		cur := tx.Cursor(db.UseTable)
		defer cur.Close()
		for ; cur.Valid(); cur.Next() {
			val, err := cur.Value()
			if err != nil {
				return err
			}
			if len(val) != 12 {
				doomed = append(doomed, cur.Key())
				continue
			}
			if int64(binary.LittleEndian.Uint64(val[4:12])) < cutoff {
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
			if err := tx.Delete(db.UseTable, key); err != nil {
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
