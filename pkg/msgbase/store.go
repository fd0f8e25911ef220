package msgbase

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/citadel-dev/citadel/internal/logger"
	"github.com/citadel-dev/citadel/pkg/db"
	"github.com/citadel-dev/citadel/pkg/room"
	"github.com/citadel-dev/citadel/pkg/sysconf"
	"github.com/citadel-dev/citadel/pkg/user"
)

// Store is the message store. One per process.
type Store struct {
	db    *db.DB
	conf  *sysconf.Conf
	rooms *room.Dir
	users *user.Dir
	refs  *RefQueue

	beforeSave []func(*Message, *Recipients) int
	afterSave  []func(msgnum int64, m *Message, recps *Recipients)
	deleteFns  []func(roomNum, msgnum int64)

	journal *journalQueue
}

// NewStore wires the message store to its collaborators. The refcount
// queue file lives in dir.
func NewStore(d *db.DB, conf *sysconf.Conf, rooms *room.Dir, users *user.Dir, dir string) (*Store, error) {
	refs, err := OpenRefQueue(dir)
	if err != nil {
		return nil, err
	}
	return &Store{
		db:      d,
		conf:    conf,
		rooms:   rooms,
		users:   users,
		refs:    refs,
		journal: &journalQueue{},
	}, nil
}

// Close releases the refcount queue file.
func (s *Store) Close() error {
	return s.refs.Close()
}

// OnBeforeSave registers a veto hook: if the sum of all hooks' returns is
// nonzero the save aborts.
func (s *Store) OnBeforeSave(fn func(*Message, *Recipients) int) {
	s.beforeSave = append(s.beforeSave, fn)
}

// OnAfterSave registers a hook fired once per successful submit.
func (s *Store) OnAfterSave(fn func(msgnum int64, m *Message, recps *Recipients)) {
	s.afterSave = append(s.afterSave, fn)
}

// OnDelete registers a hook fired per (room, msgnum) removal.
func (s *Store) OnDelete(fn func(roomNum, msgnum int64)) {
	s.deleteFns = append(s.deleteFns, fn)
}

func msgKey(msgnum int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(msgnum))
	return key
}

// metaKey derives the metadata row key from the negated msgnum, keeping
// metadata in a disjoint key range of the same table.
func metaKey(msgnum int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(-msgnum))
	return key
}

// MetaData is the supplemental record kept per message.
type MetaData struct {
	MsgNum      int64  `json:"msgnum"`
	RefCount    int64  `json:"refcount"`
	ContentLen  int64  `json:"content_len"`
	ContentType string `json:"content_type,omitempty"`
}

// GetMetaData fetches a message's metadata row, zeroed when absent.
func (s *Store) GetMetaData(msgnum int64) (*MetaData, error) {
	raw, err := s.db.Fetch(db.MsgMain, metaKey(msgnum))
	if db.IsNotFound(err) {
		return &MetaData{MsgNum: msgnum}, nil
	}
	if err != nil {
		return nil, err
	}
	var md MetaData
	if err := json.Unmarshal(raw, &md); err != nil {
		return nil, fmt.Errorf("decode metadata for %d: %w", msgnum, err)
	}
	return &md, nil
}

// PutMetaData writes a message's metadata row.
func (s *Store) PutMetaData(md *MetaData) error {
	raw, err := json.Marshal(md)
	if err != nil {
		return err
	}
	return s.db.Store(db.MsgMain, metaKey(md.MsgNum), raw)
}

// GetNewMsgNumber allocates the next message number. Monotonic, never
// recycled.
func (s *Store) GetNewMsgNumber() (int64, error) {
	return s.conf.Increment(sysconf.CounterHighestMsg)
}

// storeMsg writes the serialized message, spilling an oversized body to the
// big-message table, and creates the metadata row.
func (s *Store) storeMsg(msgnum int64, m *Message) error {
	body := m.Body()
	if len(body) > bigMsgThreshold {
		if err := s.db.Store(db.BigMsgs, msgKey(msgnum), []byte(body)); err != nil {
			return err
		}
		m.Delete(FieldBody)
		m.Set(FieldBigBody, strconv.Itoa(len(body)))
		defer m.Set(FieldBody, body) // caller's copy keeps its body
	}
	if err := s.db.Store(db.MsgMain, msgKey(msgnum), m.Serialize()); err != nil {
		return err
	}
	return s.PutMetaData(&MetaData{MsgNum: msgnum, ContentLen: int64(len(body))})
}

// Fetch returns the decoded message. withBody=false skips loading the body
// (including any big-message row).
func (s *Store) Fetch(msgnum int64, withBody bool) (*Message, error) {
	raw, err := s.db.Fetch(db.MsgMain, msgKey(msgnum))
	if err != nil {
		return nil, err
	}
	m, err := Deserialize(raw, withBody)
	if err != nil {
		return nil, fmt.Errorf("message %d: %w", msgnum, err)
	}
	if withBody && m.Has(FieldBigBody) {
		big, err := s.db.Fetch(db.BigMsgs, msgKey(msgnum))
		if err != nil {
			return nil, fmt.Errorf("big body for %d: %w", msgnum, err)
		}
		m.Delete(FieldBigBody)
		m.Set(FieldBody, string(big))
	}
	return m, nil
}

// addToRoomList files a msgnum into a room's packed message list. Appending
// a number already present is a no-op, so a double fan-out in one submit
// yields one entry.
func (s *Store) addToRoomList(roomNum, msgnum int64) (added bool, err error) {
	listKey := make([]byte, 8)
	binary.BigEndian.PutUint64(listKey, uint64(roomNum))

	err = s.db.Update(func(tx *db.Tx) error {
		raw, err := tx.Fetch(db.MsgLists, listKey)
		if err != nil && !db.IsNotFound(err) {
			return err
		}
		for i := 0; i+8 <= len(raw); i += 8 {
			if int64(binary.BigEndian.Uint64(raw[i:i+8])) == msgnum {
				return nil
			}
		}
		entry := make([]byte, 8)
		binary.BigEndian.PutUint64(entry, uint64(msgnum))
		added = true
		return tx.Store(db.MsgLists, listKey, append(raw, entry...))
	})
	return added, err
}

// DeleteMessages removes msgnums from a room's list, fires delete hooks,
// and queues a reference decrement per removal. Returns how many were
// actually removed.
func (s *Store) DeleteMessages(roomNum int64, msgnums []int64) (int, error) {
	doomed := make(map[int64]bool, len(msgnums))
	for _, n := range msgnums {
		doomed[n] = true
	}
	listKey := make([]byte, 8)
	binary.BigEndian.PutUint64(listKey, uint64(roomNum))

	var removed []int64
	err := s.db.Update(func(tx *db.Tx) error {
		removed = removed[:0]
		raw, err := tx.Fetch(db.MsgLists, listKey)
		if db.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		kept := make([]byte, 0, len(raw))
		for i := 0; i+8 <= len(raw); i += 8 {
			n := int64(binary.BigEndian.Uint64(raw[i : i+8]))
			if doomed[n] {
				removed = append(removed, n)
				continue
			}
			kept = append(kept, raw[i:i+8]...)
		}
		return tx.Store(db.MsgLists, listKey, kept)
	})
	if err != nil {
		return 0, err
	}

	for _, n := range removed {
		for _, fn := range s.deleteFns {
			fn(roomNum, n)
		}
		if err := s.refs.Adjust(n, -1); err != nil {
			return len(removed), err
		}
	}
	if len(removed) > 0 {
		logger.Debug("messages deleted from room", logger.KeyRoomNum, roomNum, "count", len(removed))
	}
	return len(removed), nil
}

// MsgList returns a room's message list, oldest first.
func (s *Store) MsgList(roomNum int64) []int64 {
	return s.rooms.MsgList(roomNum)
}

// ExportMessage returns a message's wire form with the body inlined, for
// bulk transfer to another node.
func (s *Store) ExportMessage(msgnum int64) ([]byte, error) {
	m, err := s.Fetch(msgnum, true)
	if err != nil {
		return nil, err
	}
	return m.Serialize(), nil
}

// ImportMessage stores a serialized message under a fixed msgnum and keeps
// the msgnum counter ahead of it. No fan-out and no hooks fire; the stream
// carries the room lists and metadata separately.
func (s *Store) ImportMessage(msgnum int64, raw []byte) error {
	m, err := Deserialize(raw, true)
	if err != nil {
		return err
	}
	if err := s.storeMsg(msgnum, m); err != nil {
		return err
	}
	return s.conf.EnsureCounterAtLeast(sysconf.CounterHighestMsg, msgnum)
}

// ImportRoomList replaces a room's packed message list wholesale.
func (s *Store) ImportRoomList(roomNum int64, msgnums []int64) error {
	raw := make([]byte, 0, len(msgnums)*8)
	for _, n := range msgnums {
		entry := make([]byte, 8)
		binary.BigEndian.PutUint64(entry, uint64(n))
		raw = append(raw, entry...)
	}
	listKey := make([]byte, 8)
	binary.BigEndian.PutUint64(listKey, uint64(roomNum))
	return s.db.Store(db.MsgLists, listKey, raw)
}

// purgeMsg removes a message's main record, big body, and metadata. Only
// the refcount reducer calls this.
func (s *Store) purgeMsg(msgnum int64) error {
	return s.db.Update(func(tx *db.Tx) error {
		if err := tx.Delete(db.MsgMain, msgKey(msgnum)); err != nil {
			return err
		}
		if err := tx.Delete(db.BigMsgs, msgKey(msgnum)); err != nil {
			return err
		}
		return tx.Delete(db.MsgMain, metaKey(msgnum))
	})
}

// stampRoom updates a room's high-water mark and mtime after a message is
// filed there.
func (s *Store) stampRoom(roomName string, msgnum int64) error {
	return s.rooms.Modify(roomName, func(r *room.Room) error {
		if msgnum > r.HighestMsg {
			r.HighestMsg = msgnum
		}
		r.MTime = time.Now().Unix()
		return nil
	})
}
