// Package auth verifies identities. Four modes share one entry point: the
// native password table, the host system via the chkpwd helper, and two
// LDAP flavors (POSIX schema and Active Directory).
package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/citadel-dev/citadel/internal/logger"
	"github.com/citadel-dev/citadel/pkg/db"
	"github.com/citadel-dev/citadel/pkg/sysconf"
	"github.com/citadel-dev/citadel/pkg/user"
)

// Mode selects the identity backend, from c_auth_mode.
type Mode int

const (
	ModeNative Mode = iota
	ModeHost
	ModeLDAP
	ModeLDAPAD
)

func (m Mode) String() string {
	switch m {
	case ModeNative:
		return "native"
	case ModeHost:
		return "host"
	case ModeLDAP:
		return "ldap"
	case ModeLDAPAD:
		return "ldap-ad"
	}
	return "unknown"
}

// LoginResult answers "may this name begin a login?".
type LoginResult int

const (
	LoginOK LoginResult = iota
	LoginNotFound
	LoginNotAllowed // exists but login is refused (deleted account, policy)
)

// PassResult answers a password check.
type PassResult int

const (
	PassOK PassResult = iota
	PassWrong
	PassNoUser
)

// Authenticator is the mode-dispatching identity verifier. One per server.
type Authenticator struct {
	conf  *sysconf.Conf
	users *user.Dir

	chk *chkpwdClient // host mode only, nil otherwise
}

// New builds an authenticator. chkpwdPath locates the host-auth helper
// binary; it is only consulted in host mode.
func New(conf *sysconf.Conf, users *user.Dir, chkpwdPath string) *Authenticator {
	a := &Authenticator{conf: conf, users: users}
	if a.Mode() == ModeHost {
		a.chk = newChkpwdClient(chkpwdPath)
	}
	return a
}

// Mode reads the configured backend.
func (a *Authenticator) Mode() Mode {
	return Mode(a.conf.GetInt(sysconf.AuthMode))
}

// Close stops the helper child if one is running.
func (a *Authenticator) Close() {
	if a.chk != nil {
		a.chk.stop()
	}
}

// Identify resolves a login name to an account, creating one on the fly in
// the modes where the backend is authoritative (host, ldap). In native mode
// unknown names simply do not exist.
func (a *Authenticator) Identify(name string) (*user.User, LoginResult) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, LoginNotFound
	}

	switch a.Mode() {
	case ModeHost:
		return a.identifyHost(name)
	case ModeLDAP, ModeLDAPAD:
		return a.identifyLDAP(name)
	}

	u, err := a.users.Get(name)
	if err != nil {
		return nil, LoginNotFound
	}
	if u.AxLevel == user.AxDeleted {
		return nil, LoginNotAllowed
	}
	return u, LoginOK
}

// CheckPassword verifies the candidate against the mode's backend.
func (a *Authenticator) CheckPassword(u *user.User, candidate string) PassResult {
	if u == nil {
		return PassNoUser
	}
	switch a.Mode() {
	case ModeHost:
		if u.UID == user.NativeAuthUID {
			return PassNoUser
		}
		return a.chk.check(uint32(u.UID), candidate)
	case ModeLDAP, ModeLDAPAD:
		return a.ldapCheck(u, candidate)
	}
	return nativeCompare(u.Password, candidate)
}

// nativeCompare is the stored-password check: both sides stripped of
// surrounding whitespace and compared without regard to case.
func nativeCompare(stored, candidate string) PassResult {
	stored = strings.TrimSpace(stored)
	candidate = strings.TrimSpace(candidate)
	if stored == "" && candidate == "" {
		return PassOK
	}
	if strings.EqualFold(stored, candidate) {
		return PassOK
	}
	return PassWrong
}

// SetPassword stores a new native password. Meaningless in the other modes,
// where the backend owns credentials.
func (a *Authenticator) SetPassword(u *user.User, newpw string) error {
	if a.Mode() != ModeNative {
		return fmt.Errorf("passwords are managed by the %s backend", a.Mode())
	}
	u.Password = strings.TrimSpace(newpw)
	return a.users.Put(u)
}

// DoLogin applies the successful-login side effects and returns the
// previous-login time for the wire reply.
func (a *Authenticator) DoLogin(u *user.User) (prevLogin int64, err error) {
	prevLogin = u.LastCall
	u.TimesCalled++
	u.LastCall = time.Now().Unix()

	// The configured system administrator always logs in at full access,
	// as does uid 0 in host mode.
	if user.MakeUserKey(u.Fullname) == user.MakeUserKey(a.conf.GetStr(sysconf.SysAdm)) {
		u.AxLevel = user.AxAide
	}
	if a.Mode() == ModeHost && u.UID == 0 {
		u.AxLevel = user.AxAide
	}

	if err := a.users.Put(u); err != nil {
		return prevLogin, err
	}
	if err := a.users.EnsureEmailAddress(u); err != nil {
		logger.Warn("email address assignment failed",
			logger.Username(u.Fullname), logger.Err(err))
	}
	logger.Info("user logged in",
		logger.Username(u.Fullname),
		"usernum", u.UserNum,
		"axlevel", u.AxLevel)
	return prevLogin, nil
}

// CreateUser makes a fresh native account with the given password. Refused
// when self-service creation is disabled or the backend owns accounts.
func (a *Authenticator) CreateUser(name, password string) (*user.User, error) {
	if a.Mode() != ModeNative {
		return nil, fmt.Errorf("account creation is managed by the %s backend", a.Mode())
	}
	if a.conf.GetInt(sysconf.DisableNewU) != 0 {
		return nil, fmt.Errorf("self-service account creation is disabled")
	}
	u, err := a.users.Create(name, user.NativeAuthUID)
	if err != nil {
		return nil, err
	}
	u.Password = strings.TrimSpace(password)
	if err := a.users.Put(u); err != nil {
		return nil, err
	}
	return u, nil
}

// identifyHost maps a host account onto a citadel account, creating the
// citadel side on first contact.
func (a *Authenticator) identifyHost(name string) (*user.User, LoginResult) {
	uid, fullname, ok := lookupHostAccount(name)
	if !ok {
		return nil, LoginNotFound
	}
	if u, err := a.users.GetByUID(uid); err == nil {
		return u, LoginOK
	}
	display := fullname
	if display == "" {
		display = name
	}
	u, err := a.users.Create(display, uid)
	if err != nil {
		// Display-name collision with a different uid; fall back to the
		// login name itself.
		u, err = a.users.Create(name, uid)
		if err != nil {
			return nil, LoginNotAllowed
		}
	}
	logger.Info("host account mapped", logger.Username(u.Fullname), "uid", uid)
	return u, LoginOK
}

// isFatalStoreErr lets login paths distinguish policy refusals from a dead
// database.
func isFatalStoreErr(err error) bool {
	return err != nil && !db.IsNotFound(err)
}
