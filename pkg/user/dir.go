package user

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/citadel-dev/citadel/internal/logger"
	"github.com/citadel-dev/citadel/pkg/db"
	"github.com/citadel-dev/citadel/pkg/sysconf"
)

// recordVersion is stamped onto every record written, so future format
// changes can tell old rows from new.
const recordVersion = 1000

// RenameResult discriminates the outcomes of a user rename.
type RenameResult int

const (
	RenameOK RenameResult = iota
	RenameNotFound
	RenameAlreadyExists
	RenameNotAllowed // system account or subject currently logged in
)

// Dir is the user directory. Safe for concurrent use; record-level
// consistency comes from the store's transactions.
type Dir struct {
	db   *db.DB
	conf *sysconf.Conf

	// LoggedIn reports whether the account is attached to a live session.
	// The session layer installs it at startup; rename and purge consult it.
	LoggedIn func(usernum int64) bool

	purgeHooks []func(*User)
	newHooks   []func(*User)
}

// NewDir wraps the database and configuration store.
func NewDir(d *db.DB, conf *sysconf.Conf) *Dir {
	return &Dir{
		db:       d,
		conf:     conf,
		LoggedIn: func(int64) bool { return false },
	}
}

// OnPurge registers a hook fired after an account is removed.
func (dir *Dir) OnPurge(fn func(*User)) {
	dir.purgeHooks = append(dir.purgeHooks, fn)
}

// OnNew registers a hook fired after an account is created.
func (dir *Dir) OnNew(fn func(*User)) {
	dir.newHooks = append(dir.newHooks, fn)
}

func numberKey(num int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(num))
	return key
}

func extAuthKey(uid int64) []byte {
	return []byte("uid:" + strconv.FormatInt(uid, 10))
}

// Get fetches a user by display name, applying key normalization.
func (dir *Dir) Get(name string) (*User, error) {
	return dir.getByKey(MakeUserKey(name))
}

func (dir *Dir) getByKey(key string) (*User, error) {
	raw, err := dir.db.Fetch(db.Users, []byte(key))
	if err != nil {
		return nil, err
	}
	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("decode user %q: %w", key, err)
	}
	return &u, nil
}

// GetByNumber dereferences the reverse index and fetches the record.
func (dir *Dir) GetByNumber(num int64) (*User, error) {
	name, err := dir.db.Fetch(db.UsersByNumber, numberKey(num))
	if err != nil {
		return nil, err
	}
	return dir.getByKey(string(name))
}

// GetByUID resolves a host-system uid through the external-auth index.
func (dir *Dir) GetByUID(uid int64) (*User, error) {
	raw, err := dir.db.Fetch(db.ExtAuth, extAuthKey(uid))
	if err != nil {
		return nil, err
	}
	num := int64(binary.BigEndian.Uint64(raw))
	return dir.GetByNumber(num)
}

// Put writes the record plus both reverse indices in one transaction.
func (dir *Dir) Put(u *User) error {
	u.Version = recordVersion
	raw, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("encode user %q: %w", u.Fullname, err)
	}

	key := MakeUserKey(u.Fullname)
	return dir.db.Update(func(tx *db.Tx) error {
		if err := tx.Store(db.Users, []byte(key), raw); err != nil {
			return err
		}
		if err := tx.Store(db.UsersByNumber, numberKey(u.UserNum), []byte(key)); err != nil {
			return err
		}
		if u.UID != NativeAuthUID {
			numRaw := make([]byte, 8)
			binary.BigEndian.PutUint64(numRaw, uint64(u.UserNum))
			if err := tx.Store(db.ExtAuth, extAuthKey(u.UID), numRaw); err != nil {
				return err
			}
		}
		return nil
	})
}

// Create allocates a user number and writes a fresh account. Fails if the
// name (after normalization) is taken or empty.
func (dir *Dir) Create(name string, uid int64) (*User, error) {
	key := MakeUserKey(name)
	if key == "" {
		return nil, fmt.Errorf("create user: name %q normalizes to nothing", name)
	}
	if exists, err := dir.db.Exists(db.Users, []byte(key)); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("create user: %q already exists", name)
	}

	num, err := dir.conf.Increment(sysconf.CounterNextUser)
	if err != nil {
		return nil, err
	}

	u := &User{
		Fullname: name,
		UserNum:  num,
		UID:      uid,
		AxLevel:  dir.conf.GetInt(sysconf.InitAx),
		LastCall: time.Now().Unix(),
	}
	if u.AxLevel == 0 {
		u.AxLevel = AxLocal
	}
	if err := dir.Put(u); err != nil {
		return nil, err
	}

	logger.Info("user created", logger.Username(name), "usernum", num)
	for _, fn := range dir.newHooks {
		fn(u)
	}
	return u, nil
}

// Rename changes the display name, rewriting the forward record under its
// new key and repointing the reverse index. The system account (number 0)
// cannot be renamed, nor can a user who is currently logged in.
func (dir *Dir) Rename(oldName, newName string) RenameResult {
	oldKey := MakeUserKey(oldName)
	newKey := MakeUserKey(newName)
	if newKey == "" {
		return RenameNotAllowed
	}

	u, err := dir.getByKey(oldKey)
	if err != nil {
		return RenameNotFound
	}
	if u.UserNum == 0 {
		return RenameNotAllowed
	}
	if dir.LoggedIn(u.UserNum) {
		return RenameNotAllowed
	}
	if oldKey != newKey {
		if exists, _ := dir.db.Exists(db.Users, []byte(newKey)); exists {
			return RenameAlreadyExists
		}
	}

	u.Fullname = newName
	u.Version = recordVersion
	raw, err := json.Marshal(u)
	if err != nil {
		return RenameNotAllowed
	}

	err = dir.db.Update(func(tx *db.Tx) error {
		if oldKey != newKey {
			if err := tx.Delete(db.Users, []byte(oldKey)); err != nil {
				return err
			}
		}
		if err := tx.Store(db.Users, []byte(newKey), raw); err != nil {
			return err
		}
		return tx.Store(db.UsersByNumber, numberKey(u.UserNum), []byte(newKey))
	})
	if err != nil {
		return RenameNotAllowed
	}
	logger.Info("user renamed", "from", oldName, "to", newName, "usernum", u.UserNum)
	return RenameOK
}

// ForEach visits every account. Phase one walks a read cursor collecting
// keys; phase two closes the cursor and calls fn per account. Callbacks
// routinely write, and a write under an open read cursor is forbidden, so
// the split is load-bearing, not an optimization.
func (dir *Dir) ForEach(fn func(*User)) error {
	var keys []string
	err := dir.db.View(func(tx *db.Tx) error {
		cur := tx.Cursor(db.Users)
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
		u, err := dir.getByKey(key)
		if err != nil {
			continue // deleted mid-walk
		}
		fn(u)
	}
	return nil
}

// Purge removes an account and everything hanging off it. If the subject is
// logged in, the record is tombstoned (axlevel 0) instead and the next purge
// run finishes the job once they are offline.
func (dir *Dir) Purge(u *User) error {
	if dir.LoggedIn(u.UserNum) {
		u.AxLevel = AxDeleted
		logger.Info("user is online, deferring purge", logger.Username(u.Fullname))
		return dir.Put(u)
	}

	key := MakeUserKey(u.Fullname)
	visitSuffix := fmt.Sprintf(".%010d", u.UserNum)

	// Collect this user's visit rows first; deleting under the cursor's
	// read transaction is not allowed.
	var visitKeys [][]byte
	err := dir.db.View(func(tx *db.Tx) error {
		cur := tx.Cursor(db.Visits)
		defer cur.Close()
		for ; cur.Valid(); cur.Next() {
			if strings.HasSuffix(string(cur.Key()), visitSuffix) {
				visitKeys = append(visitKeys, cur.Key())
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = dir.db.Update(func(tx *db.Tx) error {
		for _, vk := range visitKeys {
			if err := tx.Delete(db.Visits, vk); err != nil {
				return err
			}
		}
		if err := tx.Delete(db.UsersByNumber, numberKey(u.UserNum)); err != nil {
			return err
		}
		if u.UID != NativeAuthUID {
			if err := tx.Delete(db.ExtAuth, extAuthKey(u.UID)); err != nil {
				return err
			}
		}
		return tx.Delete(db.Users, []byte(key))
	})
	if err != nil {
		return err
	}

	logger.Info("user purged", logger.Username(u.Fullname), "usernum", u.UserNum, "visits", len(visitKeys))
	for _, fn := range dir.purgeHooks {
		fn(u)
	}
	return nil
}

// EnsureEmailAddress assigns the auto-generated internet address to accounts
// that have none. Called at login.
func (dir *Dir) EnsureEmailAddress(u *User) error {
	if u.EmailAddrs != "" {
		return nil
	}
	fqdn := dir.conf.GetStr(sysconf.FQDN)
	u.EmailAddrs = fmt.Sprintf("%s@%s", MakeUserKey(u.Fullname), fqdn)
	if err := dir.Put(u); err != nil {
		return err
	}
	return dir.SetDirectory(u.EmailAddrs, u.Fullname)
}

// SetDirectory maps an internet address to a local account name.
func (dir *Dir) SetDirectory(addr, name string) error {
	return dir.db.Store(db.Directory, []byte(strings.ToLower(addr)), []byte(name))
}

// LookupDirectory resolves an internet address to a local account name.
func (dir *Dir) LookupDirectory(addr string) (string, bool) {
	raw, err := dir.db.Fetch(db.Directory, []byte(strings.ToLower(addr)))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// DeleteDirectory removes an address mapping.
func (dir *Dir) DeleteDirectory(addr string) error {
	return dir.db.Delete(db.Directory, []byte(strings.ToLower(addr)))
}
