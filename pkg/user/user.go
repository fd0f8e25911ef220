// Package user manages user account records: the forward table keyed by
// normalized name, the reverse index by user number, and the external-auth
// index mapping host uids to accounts.
package user

import (
	"strings"
	"unicode"
)

// Access levels. Zero is a tombstone: the record exists but the account is
// deleted and will be removed by the next purge run.
const (
	AxDeleted   = 0
	AxNew       = 1
	AxProblem   = 2
	AxLocal     = 3
	AxNetwork   = 4
	AxPreferred = 5
	AxAide      = 6
)

// User flag bits.
const (
	USNeedValid = 1 << 0 // awaiting validation by an aide
	USPerm      = 1 << 2 // immune to the auto-purger
	USUnlisted  = 1 << 6 // hidden from the user directory
	USRegis     = 1 << 10
	USInternet  = 1 << 12
)

// NativeAuthUID marks an account with no host-system identity.
const NativeAuthUID = int64(-1)

// MaxNameLen bounds display names and therefore record keys.
const MaxNameLen = 64

// User is one account record.
type User struct {
	Version     int    `json:"version"`
	UID         int64  `json:"uid"`
	Password    string `json:"password,omitempty"`
	Flags       uint32 `json:"flags"`
	TimesCalled int64  `json:"timescalled"`
	Posts       int64  `json:"posts"`
	AxLevel     int    `json:"axlevel"`
	UserNum     int64  `json:"usernum"`
	LastCall    int64  `json:"lastcall"`
	PurgeDays   int    `json:"purgedays,omitempty"` // overrides the site-wide purge age
	MsgnumBio   int64  `json:"msgnum_bio,omitempty"`
	MsgnumPic   int64  `json:"msgnum_pic,omitempty"`
	MsgnumRules int64  `json:"msgnum_inboxrules,omitempty"`
	Fullname    string `json:"fullname"`
	EmailAddrs  string `json:"emailaddrs,omitempty"` // pipe-separated, first is canonical
}

// PrimaryEmail returns the canonical internet address, or "".
func (u *User) PrimaryEmail() string {
	if u.EmailAddrs == "" {
		return ""
	}
	addrs := strings.SplitN(u.EmailAddrs, "|", 2)
	return addrs[0]
}

// MakeUserKey normalizes a display name into its record key: lowercased,
// non-alphanumerics removed, truncated. The same normalization must run on
// both store and lookup or records go dark.
func MakeUserKey(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
		if b.Len() >= MaxNameLen {
			break
		}
	}
	return b.String()
}
