package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/citadel-dev/citadel/internal/logger"
	"github.com/citadel-dev/citadel/pkg/db"
	"github.com/citadel-dev/citadel/pkg/metrics"
	"github.com/citadel-dev/citadel/pkg/msgbase"
	"github.com/citadel-dev/citadel/pkg/room"
	"github.com/citadel-dev/citadel/pkg/sysconf"
	"github.com/citadel-dev/citadel/pkg/user"
)

// Server ties the stores, the registry, and the session machinery together.
// One Server per process.
type Server struct {
	DB    *db.DB
	Conf  *sysconf.Conf
	Users *user.Dir
	Rooms *room.Dir
	Msgs  *msgbase.Store

	Registry *Registry
	Metrics  metrics.Collector

	// TLSConfig yields the current TLS material, nil when crypto is
	// unavailable. A func so certificate reloads take effect on the next
	// handshake without restarting.
	TLSConfig func() *tls.Config

	sessions *sessionTable
	workers  chan struct{}

	shuttingDown atomic.Bool
	scheduled    atomic.Bool // graceful shutdown armed, waiting for last logout
	wantRestart  atomic.Bool
	downOnce     sync.Once
	downCh       chan struct{}

	houseMu       sync.Mutex
	houseStart    atomic.Int64 // unix seconds housekeeping began, 0 idle
	houseDisabled atomic.Bool
	lastMinute    atomic.Int64

	cron *cronRunner

	wg sync.WaitGroup
}

// Deps carries the constructor inputs.
type Deps struct {
	DB    *db.DB
	Conf  *sysconf.Conf
	Users *user.Dir
	Rooms *room.Dir
	Msgs  *msgbase.Store

	Metrics metrics.Collector
	TLS     func() *tls.Config
}

// New assembles a server around already-opened stores. The worker pool is
// sized from configuration at construction time.
func New(d Deps) *Server {
	m := d.Metrics
	if m == nil {
		m = metrics.Noop{}
	}
	maxWorkers := d.Conf.GetInt(sysconf.MaxWorkers)
	if maxWorkers < 1 {
		maxWorkers = 256
	}
	s := &Server{
		DB:        d.DB,
		Conf:      d.Conf,
		Users:     d.Users,
		Rooms:     d.Rooms,
		Msgs:      d.Msgs,
		Registry:  NewRegistry(),
		Metrics:   m,
		TLSConfig: d.TLS,
		sessions:  newSessionTable(),
		workers:   make(chan struct{}, maxWorkers),
		cron:      newCronRunner(),
		downCh:    make(chan struct{}),
	}
	return s
}

// RequestShutdown ends Run from inside a protocol handler. restart asks the
// supervising watcher to start a fresh process.
func (s *Server) RequestShutdown(restart bool) {
	if restart {
		s.wantRestart.Store(true)
	}
	s.downOnce.Do(func() { close(s.downCh) })
}

// RestartRequested reports whether the shutdown wants a process restart.
func (s *Server) RestartRequested() bool {
	return s.wantRestart.Load()
}

// ShuttingDown reports whether teardown has begun.
func (s *Server) ShuttingDown() bool {
	return s.shuttingDown.Load()
}

// ScheduleShutdown arms a graceful shutdown: the server exits as soon as the
// last session ends. Returns the previous state.
func (s *Server) ScheduleShutdown(on bool) bool {
	return s.scheduled.Swap(on)
}

// ShutdownScheduled reports whether a graceful shutdown is armed.
func (s *Server) ShutdownScheduled() bool {
	return s.scheduled.Load()
}

// Run binds every registered service and serves until ctx is canceled or a
// scheduled shutdown fires. Blocks for the server's whole life.
func (s *Server) Run(ctx context.Context) error {
	bindAddr := s.Conf.GetStr(sysconf.IPAddr)
	services := s.Registry.Services()
	if len(services) == 0 {
		return fmt.Errorf("no services registered")
	}
	bound := 0
	for _, svc := range services {
		if err := svc.bind(bindAddr); err != nil {
			logger.Error("service bind failed", logger.Service(svc.Name), logger.Err(err))
			continue
		}
		bound++
		s.wg.Add(1)
		go s.acceptLoop(svc)
	}
	if bound == 0 {
		return fmt.Errorf("no services could bind")
	}

	s.wg.Add(1)
	go s.housekeeperLoop(ctx)
	s.cron.start()

	logger.Info("server running", "services", bound)

	// Watch for a scheduled shutdown draining to zero sessions.
	drained := make(chan struct{})
	go func() {
		tick := time.NewTicker(time.Second)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if s.scheduled.Load() && s.SessionCount() == 0 {
					close(drained)
					return
				}
			}
		}
	}()

	select {
	case <-ctx.Done():
	case <-s.downCh:
		logger.Info("shutdown requested by protocol command")
	case <-drained:
		logger.Info("scheduled shutdown: last session ended")
	}
	return s.shutdown(services)
}

func (s *Server) shutdown(services []*Service) error {
	s.shuttingDown.Store(true)
	logger.Info("server shutting down")

	for _, svc := range services {
		svc.close()
	}
	s.cron.stop()

	s.Registry.FireSession(nil, EvtShutdown)
	s.TerminateAllSessions(0, KillServerShuttingDown)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		logger.Warn("sessions did not drain before deadline")
	}

	// Final pass of the queued work so nothing is lost across restart.
	if err := s.Msgs.DrainJournal(); err != nil {
		logger.Warn("journal drain at shutdown failed", logger.Err(err))
	}
	if _, err := s.Msgs.DrainRefQueue(); err != nil {
		logger.Warn("refcount drain at shutdown failed", logger.Err(err))
	}
	logger.Info("server stopped")
	return nil
}

// maxSessions returns the configured session ceiling, 0 meaning unlimited.
func (s *Server) maxSessions() int {
	return s.Conf.GetInt(sysconf.MaxSessions)
}

// idleAllowance returns how long a session may sit between commands.
func (s *Server) idleAllowance() time.Duration {
	secs := s.Conf.GetInt(sysconf.Sleeping)
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
