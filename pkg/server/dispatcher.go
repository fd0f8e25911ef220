package server

import (
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/citadel-dev/citadel/internal/logger"
)

// acceptLoop accepts connections for one service and spins a session
// goroutine per connection. Exits when the listener closes.
func (s *Server) acceptLoop(svc *Service) {
	defer s.wg.Done()
	for {
		conn, err := svc.listener.Accept()
		if err != nil {
			if s.shuttingDown.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("accept failed", logger.Service(svc.Name), logger.Err(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.SetKeepAlive(true)
			_ = tc.SetKeepAlivePeriod(60 * time.Second)
		}

		c := newContext(0, conn, svc.Name)
		if svc.UDSPath != "" {
			c.IsLocal = true
			c.PeerUID = peerUID(conn)
		}
		s.sessions.allocate(c)

		// Over the session ceiling the connection is still answered, so the
		// greeting can say why, but login stays off and the session dies
		// after the greeting round-trip.
		if max := s.maxSessions(); max > 0 && s.SessionCount() > max {
			c.NoLogin()
		}

		s.wg.Add(1)
		go s.runSession(c, svc)
	}
}

// runSession is the per-connection command loop. It owns the context for the
// session's whole life; all protocol callbacks run on this goroutine.
func (s *Server) runSession(c *Context, svc *Service) {
	defer s.wg.Done()

	s.Metrics.SessionStarted(svc.Name)
	logger.Info("session started",
		logger.Session(c.ID),
		logger.Service(svc.Name),
		logger.ClientIP(c.Addr))

	defer s.endSession(c, svc)

	// The greeting counts as work: it may hit the database, so it runs
	// under the worker semaphore like any command.
	s.acquireWorker()
	c.setState(StateExecuting)
	s.Registry.FireSession(c, EvtStart)
	if svc.Greeting != nil {
		svc.Greeting(c)
	}
	c.Flush()
	c.setState(StateIdle)
	s.releaseWorker()

	if !c.CanLogin() {
		c.Kill(KillMaxSessionsExceeded)
	}

	for c.KillReason() == KillNone && !s.shuttingDown.Load() {
		deadline := time.Time{}
		if allow := s.idleAllowance(); allow > 0 {
			deadline = time.Now().Add(allow)
		}
		line, err := c.ReadLine(deadline)
		if err != nil {
			if c.KillReason() != KillNone {
				break
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				if c.DontTerm {
					continue
				}
				c.Kill(KillIdle)
			} else if errors.Is(err, io.EOF) || errors.Is(err, os.ErrDeadlineExceeded) {
				c.Kill(KillClientDisconnected)
			} else {
				c.Kill(KillReadFailed)
			}
			break
		}

		s.acquireWorker()
		c.setState(StateExecuting)

		// Drain pipelined input in one worker slot so a chatty client does
		// not pay a semaphore round-trip per line.
		for {
			s.dispatchLine(c, svc, line)
			if c.KillReason() != KillNone || !c.InputWaiting() {
				break
			}
			line, err = c.ReadLine(time.Now().Add(time.Second))
			if err != nil {
				c.Kill(KillReadFailed)
				break
			}
		}

		if c.KillReason() == KillNone && svc.Async != nil && c.asyncWaiting.Load() != 0 {
			s.Registry.FireSession(c, EvtAsync)
			svc.Async(c)
		}
		c.Flush()
		c.setState(StateIdle)
		s.releaseWorker()

		s.purgeDeadSessions(false)
	}
}

// dispatchLine runs one command through the service handler, timing it for
// the metrics collector.
func (s *Server) dispatchLine(c *Context, svc *Service, line string) {
	c.TouchCmd()
	verb := line
	if i := strings.IndexByte(line, ' '); i >= 0 {
		verb = line[:i]
	}
	if len(verb) > 4 {
		verb = verb[:4]
	}

	start := time.Now()
	s.Registry.FireSession(c, EvtCmd)
	svc.Command(c, line)
	s.Metrics.CommandProcessed(svc.Name, strings.ToUpper(verb), time.Since(start))
}

// endSession runs the teardown sequence on the session goroutine.
func (s *Server) endSession(c *Context, svc *Service) {
	reason := c.KillReason()
	if reason == KillNone {
		reason = KillClientDisconnected
	}

	if c.LoggedIn() {
		s.Registry.FireSession(c, EvtLogout)
	}
	s.Registry.FireSession(c, EvtStop)

	c.EndTLS()
	c.closeSocket()
	c.setState(StateIdle)
	s.sessions.remove(c.ID)

	s.Metrics.SessionEnded(svc.Name, reason.String())
	logger.Info("session ended",
		logger.Session(c.ID),
		logger.Service(svc.Name),
		logger.Username(c.UserName()),
		logger.KeyReason, reason.String())
}

func (s *Server) acquireWorker() { s.workers <- struct{}{} }
func (s *Server) releaseWorker() { <-s.workers }
