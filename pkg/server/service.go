package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/citadel-dev/citadel/internal/logger"
)

// Service is one registered protocol endpoint: a TCP port or a Unix-domain
// socket plus the three callbacks the dispatcher drives.
type Service struct {
	Name    string
	TCPPort int    // 0 when UDS
	UDSPath string // "" when TCP
	Admin   bool   // UDS only: restrict to mode 0700

	// Greeting runs once after accept. Command runs per input line. Async,
	// when set, runs whenever asynchronous traffic is waiting.
	Greeting func(c *Context)
	Command  func(c *Context, line string)
	Async    func(c *Context)

	listener net.Listener
}

// reuseAddr is applied to every listening socket; on local sockets
// SO_PASSCRED is enabled too so sessions can learn their peer's uid.
func listenControl(network, _ string, rc syscall.RawConn) error {
	var serr error
	err := rc.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if serr != nil {
			return
		}
		if strings.HasPrefix(network, "unix") {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
		}
	})
	if err != nil {
		return err
	}
	return serr
}

// bind opens the service's listener. TCP address form selects the IP
// family; "*" binds every interface.
func (svc *Service) bind(bindAddr string) error {
	lc := net.ListenConfig{Control: listenControl}

	if svc.UDSPath != "" {
		// A stale socket from a dead server blocks the bind; remove it.
		if _, err := os.Stat(svc.UDSPath); err == nil {
			_ = os.Remove(svc.UDSPath)
		}
		ln, err := lc.Listen(context.Background(), "unix", svc.UDSPath)
		if err != nil {
			return fmt.Errorf("service %s: listen %s: %w", svc.Name, svc.UDSPath, err)
		}
		mode := os.FileMode(0o777)
		if svc.Admin {
			mode = 0o700
		}
		if err := os.Chmod(svc.UDSPath, mode); err != nil {
			ln.Close()
			return fmt.Errorf("service %s: chmod %s: %w", svc.Name, svc.UDSPath, err)
		}
		svc.listener = ln
		logger.Info("service listening", logger.Service(svc.Name), logger.KeyPort, svc.UDSPath)
		return nil
	}

	addr := ""
	if bindAddr != "" && bindAddr != "*" {
		addr = bindAddr
	}
	ln, err := lc.Listen(context.Background(), "tcp", net.JoinHostPort(addr, fmt.Sprint(svc.TCPPort)))
	if err != nil {
		return fmt.Errorf("service %s: listen port %d: %w", svc.Name, svc.TCPPort, err)
	}
	svc.listener = ln
	logger.Info("service listening", logger.Service(svc.Name), logger.KeyPort, svc.TCPPort)
	return nil
}

func (svc *Service) close() {
	if svc.listener != nil {
		svc.listener.Close()
	}
	if svc.UDSPath != "" {
		_ = os.Remove(svc.UDSPath)
	}
}

// peerUID reads the connecting peer's uid off a Unix-domain socket.
func peerUID(conn net.Conn) int64 {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return -1
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return -1
	}
	uid := int64(-1)
	_ = raw.Control(func(fd uintptr) {
		cred, err := unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
		if err == nil {
			uid = int64(cred.Uid)
		}
	})
	return uid
}
