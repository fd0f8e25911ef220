package auth

import (
	osuser "os/user"
	"strconv"
	"strings"
)

// lookupHostAccount resolves a login name in the host account database and
// returns the uid and the GECOS full name.
func lookupHostAccount(name string) (uid int64, fullname string, ok bool) {
	hu, err := osuser.Lookup(name)
	if err != nil {
		return 0, "", false
	}
	n, err := strconv.ParseInt(hu.Uid, 10, 64)
	if err != nil {
		return 0, "", false
	}
	// GECOS can carry office/phone fields after the first comma.
	full := hu.Name
	if i := strings.IndexByte(full, ','); i >= 0 {
		full = full[:i]
	}
	return n, strings.TrimSpace(full), true
}
