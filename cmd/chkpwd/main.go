// Command chkpwd verifies host system passwords on behalf of citserver.
//
// The server drops its privileges after binding, so it cannot read the
// shadow file itself. Instead it keeps this helper running as a child,
// started before the privilege drop, and asks it over a pipe: each query is
// a little-endian uid followed by a 256-byte NUL-padded password, and each
// answer is the four bytes PASS or FAIL.
package main

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"os/user"
	"strings"

	"github.com/GehirnInc/crypt"
	_ "github.com/GehirnInc/crypt/md5_crypt"
	_ "github.com/GehirnInc/crypt/sha256_crypt"
	_ "github.com/GehirnInc/crypt/sha512_crypt"
	"golang.org/x/crypto/bcrypt"
)

const passwordLen = 256

func main() {
	in := bufio.NewReader(os.Stdin)
	out := os.Stdout

	for {
		var req [4 + passwordLen]byte
		if _, err := io.ReadFull(in, req[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return
			}
			fmt.Fprintf(os.Stderr, "chkpwd: read: %v\n", err)
			os.Exit(1)
		}

		uid := binary.LittleEndian.Uint32(req[:4])
		password := string(bytes.TrimRight(req[4:], "\x00"))

		verdict := "FAIL"
		if checkPassword(uid, password) {
			verdict = "PASS"
		}
		if _, err := io.WriteString(out, verdict); err != nil {
			fmt.Fprintf(os.Stderr, "chkpwd: write: %v\n", err)
			os.Exit(1)
		}
	}
}

// checkPassword verifies the password of the account with the given uid
// against the system shadow database.
func checkPassword(uid uint32, password string) bool {
	acct, err := user.LookupId(fmt.Sprintf("%d", uid))
	if err != nil {
		return false
	}
	hash, err := shadowHash(acct.Username)
	if err != nil {
		return false
	}
	return verifyHash(hash, password)
}

// shadowHash returns the password hash field of the named account from
// /etc/shadow.
func shadowHash(username string) (string, error) {
	f, err := os.Open("/etc/shadow")
	if err != nil {
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Split(sc.Text(), ":")
		if len(fields) < 2 || fields[0] != username {
			continue
		}
		return fields[1], nil
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("no shadow entry for %s", username)
}

// verifyHash checks a candidate password against a shadow-style hash.
// Locked and empty hashes always fail.
func verifyHash(hash, password string) bool {
	if hash == "" || strings.HasPrefix(hash, "!") || strings.HasPrefix(hash, "*") {
		return false
	}
	if strings.HasPrefix(hash, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	}
	if !crypt.IsHashSupported(hash) {
		return false
	}
	c := crypt.NewFromHash(hash)
	return c.Verify(hash, []byte(password)) == nil
}
