package commands

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/citadel-dev/citadel/internal/auth"
	"github.com/citadel-dev/citadel/internal/crypto"
	"github.com/citadel-dev/citadel/internal/exitcodes"
	"github.com/citadel-dev/citadel/internal/logger"
	"github.com/citadel-dev/citadel/internal/modules/baseproto"
	"github.com/citadel-dev/citadel/internal/modules/expire"
	"github.com/citadel-dev/citadel/internal/modules/instmsg"
	"github.com/citadel-dev/citadel/internal/modules/journal"
	"github.com/citadel-dev/citadel/internal/modules/smtpqueue"
	"github.com/citadel-dev/citadel/pkg/config"
	"github.com/citadel-dev/citadel/pkg/db"
	"github.com/citadel-dev/citadel/pkg/metrics"
	"github.com/citadel-dev/citadel/pkg/msgbase"
	"github.com/citadel-dev/citadel/pkg/room"
	"github.com/citadel-dev/citadel/pkg/server"
	"github.com/citadel-dev/citadel/pkg/sysconf"
	citaduser "github.com/citadel-dev/citadel/pkg/user"
)

// runWorker is the actual server process, supervised by the watcher. The
// return value is the process exit code; the watcher restarts on anything
// exitcodes.ShouldRestart approves.
func runWorker() int {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitcodes.ConfigFailure
	}
	if err := InitLogger(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitcodes.ConfigFailure
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		logger.Error("data directory unusable", "dir", cfg.DataDir, logger.Err(err))
		return exitcodes.HomeDirFailure
	}
	if err := os.MkdirAll(cfg.RunDir, 0o750); err != nil {
		logger.Error("run directory unusable", "dir", cfg.RunDir, logger.Err(err))
		return exitcodes.HomeDirFailure
	}

	d, err := db.Open(filepath.Join(cfg.DataDir, "db"))
	if err != nil {
		logger.Error("database open failed", logger.Err(err))
		return exitcodes.DBFailure
	}
	defer func() { _ = d.Close() }()

	conf := sysconf.New(d)
	if err := conf.Load(); err != nil {
		logger.Error("system configuration load failed", logger.Err(err))
		return exitcodes.DBFailure
	}
	if err := conf.MigrateLegacyControl(cfg.DataDir); err != nil {
		logger.Warn("legacy control migration failed", logger.Err(err))
	}

	users := citaduser.NewDir(d, conf)
	rooms := room.NewDir(d, conf)
	if err := rooms.EnsureBaseRooms(); err != nil {
		logger.Error("base room creation failed", logger.Err(err))
		return exitcodes.DBFailure
	}

	store, err := msgbase.NewStore(d, conf, rooms, users, cfg.DataDir)
	if err != nil {
		logger.Error("message store open failed", logger.Err(err))
		return exitcodes.DBFailure
	}
	defer func() { _ = store.Close() }()

	if err := ensureSysopAccount(conf, users); err != nil {
		logger.Error("sysop account bootstrap failed", logger.Err(err))
		return exitcodes.DBFailure
	}

	if crashedWorker != 0 {
		postCrashNotice(conf, store, crashedWorker)
	}

	// TLS is best-effort: the server stays up in cleartext when the key
	// material will not load, and picks up replaced files without a restart.
	var tlsSource func() *tls.Config
	cm, err := crypto.NewManager(filepath.Join(cfg.DataDir, "keys"))
	if err != nil {
		logger.Warn("tls unavailable", logger.Err(err))
	} else {
		if err := cm.Watch(); err != nil {
			logger.Warn("tls material watcher failed", logger.Err(err))
		}
		defer cm.Close()
		tlsSource = cm.Config
	}

	var collector metrics.Collector
	var prom *metrics.Prometheus
	if cfg.Metrics.Enabled {
		prom = metrics.NewPrometheus()
		collector = prom
	}

	chkpwdPath := cfg.ChkpwdPath
	if chkpwdPath == "" {
		if executable, err := os.Executable(); err == nil {
			chkpwdPath = filepath.Join(filepath.Dir(executable), "chkpwd")
		}
	}
	a := auth.New(conf, users, chkpwdPath)
	defer a.Close()
	logger.Info("authentication mode", "mode", a.Mode().String())

	srv := server.New(server.Deps{
		DB:      d,
		Conf:    conf,
		Users:   users,
		Rooms:   rooms,
		Msgs:    store,
		Metrics: collector,
		TLS:     tlsSource,
	})

	if a.Mode() == auth.ModeLDAP || a.Mode() == auth.ModeLDAPAD {
		err := srv.AddCronJob("17 * * * *", "ldap-directory-sync", func() {
			if err := a.SyncDirectory(); err != nil {
				logger.Warn("ldap directory sync failed", logger.Err(err))
			}
		})
		if err != nil {
			logger.Warn("ldap sync schedule failed", logger.Err(err))
		}
	}

	baseproto.Register(srv, a, cfg.RunDir)
	instmsg.Register(srv)
	journal.Register(srv)
	if _, err := expire.Register(srv); err != nil {
		logger.Error("purger registration failed", logger.Err(err))
		return exitcodes.GenericFailure
	}
	smtpqueue.Register(srv)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// When the server loop ends (signal, DOWN verb, drained SCDN),
		// take the metrics endpoint down with it.
		defer cancel()
		return srv.Run(gctx)
	})
	if prom != nil {
		addr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		logger.Info("metrics enabled", "addr", addr)
		g.Go(func() error { return metrics.Serve(gctx, addr) })
	}

	serverDone := make(chan error, 1)
	go func() { serverDone <- g.Wait() }()

	if cfg.RunAs.User != "" && os.Geteuid() == 0 {
		if err := dropPrivileges(cfg.RunAs.User, filepath.Join(cfg.RunDir, baseproto.UserSocket)); err != nil {
			logger.Error("privilege drop failed", "user", cfg.RunAs.User, logger.Err(err))
			cancel()
			<-serverDone
			return exitcodes.SetUIDFailure
		}
		logger.Info("privileges dropped", "user", cfg.RunAs.User)
	}

	logger.Info("Server is running.")

	select {
	case sig := <-sigChan:
		if sig == syscall.SIGHUP {
			// HUP means "come back fresh": the watcher respawns us.
			logger.Info("SIGHUP received, restarting")
			srv.RequestShutdown(true)
		} else {
			logger.Info("Shutdown signal received, initiating graceful shutdown")
			cancel()
		}
		if err := <-serverDone; err != nil {
			logger.Error("Server shutdown error", logger.Err(err))
			return exitcodes.GenericFailure
		}
	case err := <-serverDone:
		if err != nil {
			logger.Error("Server error", logger.Err(err))
			return exitcodes.GenericFailure
		}
	}

	if srv.RestartRequested() {
		return exitcodes.RestartRequested
	}
	return exitcodes.OK
}

// ensureSysopAccount seeds the system administrator account on a fresh
// database. The well-known initial password must be changed after first
// login.
func ensureSysopAccount(conf *sysconf.Conf, users *citaduser.Dir) error {
	name := conf.GetStr(sysconf.SysAdm)
	if _, err := users.Get(name); err == nil {
		return nil
	}
	u, err := users.Create(name, citaduser.NativeAuthUID)
	if err != nil {
		return err
	}
	u.AxLevel = citaduser.AxAide
	u.Password = "citadel"
	if err := users.Put(u); err != nil {
		return err
	}
	logger.Info("sysop account created with the default password", logger.Username(name))
	return nil
}

// postCrashNotice files an aide notice when the watcher respawned us after
// an unclean worker exit.
func postCrashNotice(conf *sysconf.Conf, store *msgbase.Store, pid int) {
	msg := msgbase.NewMessage()
	msg.Set(msgbase.FieldAuthor, "Citadel")
	msg.Set(msgbase.FieldSubject, "Server restarted after abnormal exit")
	msg.Set(msgbase.FieldBody, fmt.Sprintf(
		"The server process (pid %d) exited abnormally and has been restarted.\n"+
			"If core dumps are enabled, look for a core file in the data directory.\n", pid))
	aide := conf.GetStr(sysconf.AideRoom)
	msg.Set(msgbase.FieldRoom, aide)
	if _, err := store.Submit(msg, nil, aide); err != nil {
		logger.Warn("crash notice post failed", logger.Err(err))
	}
}

// dropPrivileges switches to the named account once the listening sockets
// exist. The poll keeps the root window short without reaching into the
// server's bind sequence.
func dropPrivileges(name, socketPath string) error {
	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, err := os.Stat(socketPath); err == nil {
			break
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("listening socket %s never appeared", socketPath)
		}
		time.Sleep(100 * time.Millisecond)
	}

	acct, err := user.Lookup(name)
	if err != nil {
		if acct, err = user.LookupId(name); err != nil {
			return fmt.Errorf("unknown account %q: %w", name, err)
		}
	}
	uid, err := strconv.Atoi(acct.Uid)
	if err != nil {
		return fmt.Errorf("non-numeric uid %q: %w", acct.Uid, err)
	}
	gid, err := strconv.Atoi(acct.Gid)
	if err != nil {
		return fmt.Errorf("non-numeric gid %q: %w", acct.Gid, err)
	}

	if err := unix.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("setgid: %w", err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("setuid: %w", err)
	}
	return nil
}
