package server

import (
	"context"
	"runtime"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/citadel-dev/citadel/internal/logger"
)

// housekeeperLoop drives periodic maintenance. The actual work happens in
// Housekeeping; the loop only provides the cadence and the stuck-detector.
func (s *Server) housekeeperLoop(ctx context.Context) {
	defer s.wg.Done()
	tick := time.NewTicker(2 * time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			if s.shuttingDown.Load() {
				return
			}
			if began := s.houseStart.Load(); began != 0 && time.Since(time.Unix(began, 0)) > 5*time.Minute {
				logger.Warn("housekeeping has been running for over five minutes",
					"started", time.Unix(began, 0).Format(time.RFC3339))
			}
			s.Housekeeping(false)
		}
	}
}

// Housekeeping runs the maintenance blocks. Safe to call from anywhere; only
// one invocation runs at a time and an in-progress run makes later callers
// return immediately. The always-block runs on every call, the minute-block
// at most once per minute. force runs the minute-block regardless.
func (s *Server) Housekeeping(force bool) {
	if s.houseDisabled.Load() {
		return
	}
	if !s.houseMu.TryLock() {
		return
	}
	defer s.houseMu.Unlock()

	s.houseStart.Store(time.Now().Unix())
	defer s.houseStart.Store(0)

	// Always-block: cheap queue drains that keep latency off the session
	// goroutines. The journal drain lives on a House hook.
	if purged, err := s.Msgs.DrainRefQueue(); err != nil {
		logger.Warn("refcount drain failed", logger.Err(err))
	} else if purged > 0 {
		s.Metrics.MessagesPurged(purged)
	}
	s.Registry.FireSession(nil, EvtHouse)

	now := time.Now().Unix()
	minute := now / 60
	if !force && s.lastMinute.Load() == minute {
		return
	}
	s.lastMinute.Store(minute)

	// Minute-block.
	s.DB.Maintain()
	s.reapIdleSessions(s.idleAllowance())
	s.purgeDeadSessions(true)
	s.Registry.FireSession(nil, EvtTimer)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	logger.Debug("housekeeping cycle",
		"sessions", s.SessionCount(),
		"heap_mb", mem.HeapAlloc/(1024*1024),
		"goroutines", runtime.NumGoroutine())
}

// DisableHousekeeping quiesces the housekeeper, waiting out any run already
// in progress. Used around database-wide operations like a full purge or an
// export. Returns a release func.
func (s *Server) DisableHousekeeping() func() {
	s.houseDisabled.Store(true)
	// Wait for an in-flight run to clear.
	s.houseMu.Lock()
	s.houseMu.Unlock()
	return func() { s.houseDisabled.Store(false) }
}

// ============================================================================
// Scheduled jobs
// ============================================================================

// cronRunner wraps the cron scheduler so modules can register jobs before
// the server starts.
type cronRunner struct {
	c *cron.Cron
}

func newCronRunner() *cronRunner {
	return &cronRunner{c: cron.New()}
}

func (cr *cronRunner) start() { cr.c.Start() }

func (cr *cronRunner) stop() {
	ctx := cr.c.Stop()
	select {
	case <-ctx.Done():
	case <-time.After(30 * time.Second):
		logger.Warn("scheduled job did not finish before stop deadline")
	}
}

// AddCronJob registers a job on a standard five-field cron spec. Jobs run on
// the scheduler's own goroutine; long jobs should quiesce housekeeping
// themselves if they need the database to stay still.
func (s *Server) AddCronJob(spec string, name string, fn func()) error {
	_, err := s.cron.c.AddFunc(spec, func() {
		start := time.Now()
		logger.Info("scheduled job starting", "job", name)
		fn()
		logger.Info("scheduled job finished", "job", name, logger.DurationMs(logger.Duration(start)))
	})
	return err
}
