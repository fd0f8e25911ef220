package auth

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/citadel-dev/citadel/internal/logger"
	"github.com/citadel-dev/citadel/pkg/sysconf"
	"github.com/citadel-dev/citadel/pkg/user"
)

// ldapDial opens a connection and binds with the configured service
// credentials when present; otherwise the search runs anonymously.
func (a *Authenticator) ldapDial() (*ldap.Conn, error) {
	host := a.conf.GetStr(sysconf.LDAPHost)
	if host == "" {
		return nil, fmt.Errorf("ldap host not configured")
	}
	port := a.conf.GetInt(sysconf.LDAPPort)
	if port <= 0 {
		port = 389
	}
	conn, err := ldap.DialURL(fmt.Sprintf("ldap://%s:%d", host, port))
	if err != nil {
		return nil, fmt.Errorf("ldap dial: %w", err)
	}
	if bindDN := a.conf.GetStr(sysconf.LDAPBindDN); bindDN != "" {
		if err := conn.Bind(bindDN, a.conf.GetStr(sysconf.LDAPBindPW)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("ldap service bind: %w", err)
		}
	}
	return conn, nil
}

func (a *Authenticator) ldapFilter(name string) string {
	if a.Mode() == ModeLDAPAD {
		return fmt.Sprintf("(&(objectClass=user)(sAMAccountName=%s))", ldap.EscapeFilter(name))
	}
	return fmt.Sprintf("(&(objectClass=posixAccount)(uid=%s))", ldap.EscapeFilter(name))
}

var ldapAttrs = []string{"cn", "displayName", "mail", "uidNumber"}

type ldapEntry struct {
	dn       string
	fullname string
	mail     string
	uid      int64 // -1 when the schema has none
}

func entryFrom(e *ldap.Entry) ldapEntry {
	out := ldapEntry{dn: e.DN, uid: user.NativeAuthUID}
	out.fullname = e.GetAttributeValue("displayName")
	if out.fullname == "" {
		out.fullname = e.GetAttributeValue("cn")
	}
	out.mail = e.GetAttributeValue("mail")
	if raw := e.GetAttributeValue("uidNumber"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			out.uid = n
		}
	}
	return out
}

// ldapSearchOne resolves a login name to its directory entry.
func (a *Authenticator) ldapSearchOne(conn *ldap.Conn, name string) (*ldapEntry, error) {
	req := ldap.NewSearchRequest(
		a.conf.GetStr(sysconf.LDAPBaseDN),
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 1, 0, false,
		a.ldapFilter(name), ldapAttrs, nil,
	)
	res, err := conn.Search(req)
	if err != nil {
		return nil, err
	}
	if len(res.Entries) == 0 {
		return nil, nil
	}
	e := entryFrom(res.Entries[0])
	return &e, nil
}

// identifyLDAP maps a directory entry onto an account, creating or
// refreshing the citadel side from the directory attributes.
func (a *Authenticator) identifyLDAP(name string) (*user.User, LoginResult) {
	conn, err := a.ldapDial()
	if err != nil {
		logger.Error("ldap unavailable", logger.Err(err))
		return nil, LoginNotAllowed
	}
	defer conn.Close()

	entry, err := a.ldapSearchOne(conn, name)
	if err != nil {
		logger.Error("ldap search failed", logger.Username(name), logger.Err(err))
		return nil, LoginNotAllowed
	}
	if entry == nil {
		return nil, LoginNotFound
	}
	u, err := a.adoptEntry(entry)
	if err != nil {
		logger.Error("ldap account adoption failed", logger.Username(name), logger.Err(err))
		return nil, LoginNotAllowed
	}
	return u, LoginOK
}

// adoptEntry creates or refreshes the local record for a directory entry.
func (a *Authenticator) adoptEntry(entry *ldapEntry) (*user.User, error) {
	var u *user.User
	var err error
	if entry.uid != user.NativeAuthUID {
		u, err = a.users.GetByUID(entry.uid)
	} else {
		u, err = a.users.Get(entry.fullname)
	}
	if err != nil {
		if isFatalStoreErr(err) {
			return nil, err
		}
		u, err = a.users.Create(entry.fullname, entry.uid)
		if err != nil {
			return nil, err
		}
		logger.Info("directory account created", logger.Username(u.Fullname), "dn", entry.dn)
	}
	a.applyDirectoryAttrs(u, entry)
	if err := a.users.Put(u); err != nil {
		return nil, err
	}
	return u, nil
}

// applyDirectoryAttrs copies entry attributes onto the record. The email
// address only overwrites an existing one when the policy bit says the
// directory is authoritative.
func (a *Authenticator) applyDirectoryAttrs(u *user.User, entry *ldapEntry) {
	if entry.mail == "" {
		return
	}
	overwrite := a.conf.GetInt(sysconf.LDAPOverwrite) != 0
	if u.EmailAddrs == "" || overwrite {
		u.EmailAddrs = entry.mail
		_ = a.users.SetDirectory(entry.mail, u.Fullname)
	}
}

// ldapCheck verifies a password by binding as the user's own DN.
func (a *Authenticator) ldapCheck(u *user.User, candidate string) PassResult {
	// An empty bind is "unauthenticated" in LDAP and would succeed; refuse
	// it here.
	if strings.TrimSpace(candidate) == "" {
		return PassWrong
	}
	conn, err := a.ldapDial()
	if err != nil {
		logger.Error("ldap unavailable", logger.Err(err))
		return PassWrong
	}
	defer conn.Close()

	entry, err := a.ldapSearchOne(conn, ldapLoginName(u))
	if err != nil || entry == nil {
		return PassNoUser
	}
	if err := conn.Bind(entry.dn, candidate); err != nil {
		return PassWrong
	}
	return PassOK
}

// ldapLoginName recovers the directory login attribute from the record. The
// display name doubles as the login for both schemas.
func ldapLoginName(u *user.User) string {
	return u.Fullname
}

// SyncDirectory walks the whole directory and refreshes local records.
// Called periodically from housekeeping and once at startup.
func (a *Authenticator) SyncDirectory() error {
	if m := a.Mode(); m != ModeLDAP && m != ModeLDAPAD {
		return nil
	}
	conn, err := a.ldapDial()
	if err != nil {
		return err
	}
	defer conn.Close()

	filter := "(objectClass=posixAccount)"
	if a.Mode() == ModeLDAPAD {
		filter = "(&(objectClass=user)(sAMAccountName=*))"
	}
	req := ldap.NewSearchRequest(
		a.conf.GetStr(sysconf.LDAPBaseDN),
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false,
		filter, ldapAttrs, nil,
	)
	res, err := conn.SearchWithPaging(req, 100)
	if err != nil {
		return fmt.Errorf("ldap sync search: %w", err)
	}
	synced := 0
	for _, raw := range res.Entries {
		entry := entryFrom(raw)
		if entry.fullname == "" {
			continue
		}
		if _, err := a.adoptEntry(&entry); err != nil {
			logger.Warn("directory sync skipped entry", "dn", entry.dn, logger.Err(err))
			continue
		}
		synced++
	}
	logger.Info("directory sync complete", "entries", synced)
	return nil
}
