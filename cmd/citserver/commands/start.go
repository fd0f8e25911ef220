package commands

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/renameio"
	"github.com/spf13/cobra"

	"github.com/citadel-dev/citadel/internal/exitcodes"
	"github.com/citadel-dev/citadel/internal/logger"
	"github.com/citadel-dev/citadel/pkg/config"
)

var (
	foreground bool
	workerMode bool
	pidFile    string
	logFile    string

	// crashedWorker carries the pid of a worker the watcher is replacing
	// after a crash, so the new worker can file an aide notice.
	crashedWorker int
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the Citadel server",
	Long: `Start the Citadel server with the specified configuration.

By default, the server runs in the background (daemon mode). Use --foreground
to run in the foreground for debugging or when managed by a process supervisor.

The foreground process is a small watcher that supervises the actual server
worker and respawns it after a crash or a protocol-requested restart.

Examples:
  # Start in background (default)
  citserver start

  # Start in foreground
  citserver start --foreground

  # Start with custom config file
  citserver start --config /etc/citadel/citadel.yaml

  # Start with environment variable overrides
  CITADEL_LOGGING_LEVEL=DEBUG citserver start --foreground`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (default: background/daemon mode)")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: <run_dir>/citserver.pid)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "Path to log file for daemon mode (default: <data_dir>/citserver.log)")
	startCmd.Flags().BoolVar(&workerMode, "worker", false, "Run as the supervised server worker")
	startCmd.Flags().IntVar(&crashedWorker, "crashed-worker", 0, "PID of the crashed worker being replaced")
	_ = startCmd.Flags().MarkHidden("worker")
	_ = startCmd.Flags().MarkHidden("crashed-worker")
}

func runStart(cmd *cobra.Command, args []string) error {
	if workerMode {
		// The worker communicates with the watcher through its exit code.
		os.Exit(runWorker())
	}
	if !foreground {
		return startDaemon()
	}
	return runWatcher()
}

// runWatcher holds the startup lock and the pid file, and supervises the
// worker process: it respawns it after crashes and after restarts requested
// over the protocol, and gives up on exit codes a restart cannot fix.
func runWatcher() error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.RunDir, 0o750); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	lock := flock.New(defaultPidPath(cfg) + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("startup lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another citserver instance is already running in %s", cfg.RunDir)
	}
	defer func() { _ = lock.Unlock() }()

	pidPath := pidFile
	if pidPath == "" {
		pidPath = defaultPidPath(cfg)
	}
	if err := renameio.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer func() { _ = os.Remove(pidPath) }()

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))

	crashedPid := 0
	for {
		workerArgs := []string{"start", "--worker"}
		if GetConfigFile() != "" {
			workerArgs = append(workerArgs, "--config", GetConfigFile())
		}
		if crashedPid != 0 {
			workerArgs = append(workerArgs, "--crashed-worker", strconv.Itoa(crashedPid))
		}
		worker := exec.Command(executable, workerArgs...)
		worker.Stdout = os.Stdout
		worker.Stderr = os.Stderr

		if err := worker.Start(); err != nil {
			return fmt.Errorf("failed to start server worker: %w", err)
		}
		logger.Info("Server worker started", "pid", worker.Process.Pid)

		workerDone := make(chan error, 1)
		go func() { workerDone <- worker.Wait() }()

		stopping := false
	wait:
		for {
			select {
			case <-sigChan:
				// Relay the shutdown signal; keep waiting for the worker.
				stopping = true
				_ = worker.Process.Signal(syscall.SIGTERM)
			case <-workerDone:
				break wait
			}
		}

		code := worker.ProcessState.ExitCode()
		if stopping {
			logger.Info("Server stopped", "exit_code", code)
			return nil
		}
		if !exitcodes.ShouldRestart(code) {
			if code == exitcodes.OK {
				logger.Info("Server stopped")
				return nil
			}
			logger.Error("Server worker failed, not restarting", "exit_code", code)
			_ = os.Remove(pidPath)
			_ = lock.Unlock()
			os.Exit(code)
		}

		logger.Warn("Server worker exited, restarting", "exit_code", code)
		// A requested restart is clean; anything else was a crash the new
		// worker should report.
		crashedPid = 0
		if code != exitcodes.RestartRequested {
			crashedPid = worker.Process.Pid
		}
		time.Sleep(time.Second)
	}
}

// startDaemon starts the watcher as a background daemon process.
func startDaemon() error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.RunDir, 0o750); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	pidPath := pidFile
	if pidPath == "" {
		pidPath = defaultPidPath(cfg)
	}

	// Check if already running
	if pidData, err := os.ReadFile(pidPath); err == nil {
		var pid int
		if _, err := fmt.Sscanf(string(pidData), "%d", &pid); err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("citserver is already running (PID %d)\nUse 'citserver stop' to stop the running instance", pid)
				}
			}
		}
		// Stale PID file, remove it
		_ = os.Remove(pidPath)
	}

	logPath := logFile
	if logPath == "" {
		logPath = defaultLogPath(cfg)
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	daemonArgs := []string{"start", "--foreground", "--pid-file", pidPath}
	if GetConfigFile() != "" {
		daemonArgs = append(daemonArgs, "--config", GetConfigFile())
	}

	cmd := exec.Command(executable, daemonArgs...)

	logFileHandle, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	cmd.Stdout = logFileHandle
	cmd.Stderr = logFileHandle

	// Detach from parent process
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := cmd.Start(); err != nil {
		_ = logFileHandle.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	_ = logFileHandle.Close()

	fmt.Printf("Citadel started in background (PID %d)\n", cmd.Process.Pid)
	fmt.Printf("  PID file: %s\n", pidPath)
	fmt.Printf("  Log file: %s\n", logPath)
	fmt.Println("\nUse 'citserver stop' to stop the server")

	return nil
}
