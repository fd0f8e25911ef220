package crypto

import (
	"crypto/tls"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"github.com/citadel-dev/citadel/internal/logger"
)

// Manager holds the live TLS configuration and swaps it atomically when the
// key or certificate file changes. Sessions pick the new material up on
// their next handshake; established connections are untouched.
type Manager struct {
	dir     string
	current atomic.Pointer[tls.Config]
	watcher *fsnotify.Watcher
}

// NewManager ensures key material exists under dir and loads it.
func NewManager(dir string) (*Manager, error) {
	if err := EnsureKeys(dir); err != nil {
		return nil, err
	}
	m := &Manager{dir: dir}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Config returns the current TLS configuration. Hand this method to the
// server as its TLSConfig source.
func (m *Manager) Config() *tls.Config {
	return m.current.Load()
}

func (m *Manager) reload() error {
	cert, err := tls.LoadX509KeyPair(
		filepath.Join(m.dir, CertFile),
		filepath.Join(m.dir, KeyFile),
	)
	if err != nil {
		return fmt.Errorf("load key pair: %w", err)
	}
	m.current.Store(&tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	})
	return nil
}

// Watch starts watching the keys directory and reloading on change. The
// directory is watched rather than the files so an atomic replace-by-rename
// is still seen.
func (m *Manager) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	if err := w.Add(m.dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", m.dir, err)
	}
	m.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				name := filepath.Base(ev.Name)
				if name != KeyFile && name != CertFile {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if err := m.reload(); err != nil {
					// Keep serving the old material; a half-written pair
					// will load once both files land.
					logger.Warn("tls material reload failed", logger.Err(err))
					continue
				}
				logger.Info("tls material reloaded", "trigger", name)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("tls watcher error", logger.Err(err))
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (m *Manager) Close() {
	if m.watcher != nil {
		_ = m.watcher.Close()
	}
}
