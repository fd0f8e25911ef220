// Package exitcodes defines the process exit codes shared between the server
// worker and the watcher that supervises it. The watcher restarts the worker
// on any code not listed here as a clean or no-restart exit.
package exitcodes

// Exit codes. 0 and the 101..113 band tell the watcher to leave the process
// down; any other code gets a respawn.
const (
	OK = 0 // normal shutdown

	// RestartRequested is how a worker asks the watcher for a clean
	// respawn (SIGHUP, DOWN 1, a drained SCDN). Deliberately outside the
	// no-restart band.
	RestartRequested = 100

	ConfigFailure   = 101 // bootstrap configuration unusable
	SanityFailure   = 102 // environment sanity checks failed
	HomeDirFailure  = 103 // data directory missing or not writable
	DBFailure       = 105 // database would not open or failed fatally
	GenericFailure  = 106 // dependency or platform precondition failed
	UnsupportedAuth = 107 // configured auth mode not available
	SetUIDFailure   = 108 // privilege drop failed
	CryptoFailure   = 109 // TLS bootstrap failed

	// 110..113 are transient subsystem failures. Transient means the
	// subsystem may come back on its own, not that a fresh process would
	// fare any better, so the watcher does not respawn on these either.
	TransientFailure = 110
	transientBandEnd = 113
)

// ShouldRestart reports whether the watcher should respawn a worker that
// exited with the given code. Clean exits and the 101..113 failure band stay
// down; everything else, crashes included, comes back.
func ShouldRestart(code int) bool {
	if code == OK {
		return false
	}
	if code >= ConfigFailure && code <= transientBandEnd {
		return false
	}
	return true
}
