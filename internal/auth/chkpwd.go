package auth

import (
	"encoding/binary"
	"io"
	"os/exec"
	"sync"

	"github.com/citadel-dev/citadel/internal/logger"
)

// chkpwdPasswordLen is the fixed password field width on the helper pipe.
const chkpwdPasswordLen = 256

// chkpwdClient talks to the long-running chkpwd helper over its stdin and
// stdout. The helper keeps whatever privileges the server dropped, so shadow
// and PAM lookups still work. One query is in flight at a time; the mutex
// serializes the whole write-then-read exchange.
type chkpwdClient struct {
	path string

	mu  sync.Mutex
	cmd *exec.Cmd
	in  io.WriteCloser
	out io.ReadCloser
}

func newChkpwdClient(path string) *chkpwdClient {
	return &chkpwdClient{path: path}
}

func (c *chkpwdClient) start() error {
	cmd := exec.Command(c.path)
	in, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	out, err := cmd.StdoutPipe()
	if err != nil {
		in.Close()
		return err
	}
	if err := cmd.Start(); err != nil {
		in.Close()
		out.Close()
		return err
	}
	c.cmd, c.in, c.out = cmd, in, out
	logger.Info("chkpwd helper started", "path", c.path, logger.KeyPID, cmd.Process.Pid)
	return nil
}

func (c *chkpwdClient) reset() {
	if c.in != nil {
		c.in.Close()
	}
	if c.out != nil {
		c.out.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
	}
	c.cmd, c.in, c.out = nil, nil, nil
}

// stop tears the helper down.
func (c *chkpwdClient) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
}

// check sends one {uid, password} query. A pipe failure restarts the helper
// and retries once; a second failure fails closed.
func (c *chkpwdClient) check(uid uint32, password string) PassResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	for attempt := 0; attempt < 2; attempt++ {
		if c.cmd == nil {
			if err := c.start(); err != nil {
				logger.Error("chkpwd helper failed to start", logger.Err(err))
				return PassWrong
			}
		}
		verdict, err := c.exchange(uid, password)
		if err != nil {
			logger.Warn("chkpwd pipe failed, restarting helper", logger.Err(err))
			c.reset()
			continue
		}
		return verdict
	}
	return PassWrong
}

func (c *chkpwdClient) exchange(uid uint32, password string) (PassResult, error) {
	req := make([]byte, 4+chkpwdPasswordLen)
	binary.LittleEndian.PutUint32(req[:4], uid)
	copy(req[4:], password)
	if _, err := c.in.Write(req); err != nil {
		return PassWrong, err
	}
	var reply [4]byte
	if _, err := io.ReadFull(c.out, reply[:]); err != nil {
		return PassWrong, err
	}
	if string(reply[:]) == "PASS" {
		return PassOK, nil
	}
	return PassWrong, nil
}
