package logger

import (
	"context"
	"time"
)

// contextKey is a private type for context keys to avoid collisions
type contextKey struct{}

var logContextKey = contextKey{}

// LogContext holds session-scoped logging context. The dispatcher attaches
// one to every session's context.Context so storage and module code can log
// with session attribution without threading fields by hand.
type LogContext struct {
	Session   int64     // session id
	Username  string    // logged-in user, empty before login
	Room      string    // current room
	ClientIP  string    // peer address without port
	Proto     string    // service name (citadel, citadel-admin, ...)
	Verb      string    // command currently executing
	StartTime time.Time // for duration calculation
}

// WithContext returns a new context carrying the given LogContext.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, logContextKey, lc)
}

// FromContext retrieves the LogContext, or nil if not present.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(logContextKey).(*LogContext)
	return lc
}

// NewLogContext creates a LogContext for a fresh session.
func NewLogContext(session int64, proto, clientIP string) *LogContext {
	return &LogContext{
		Session:   session,
		Proto:     proto,
		ClientIP:  clientIP,
		StartTime: time.Now(),
	}
}

// Clone creates a copy of the LogContext.
func (lc *LogContext) Clone() *LogContext {
	if lc == nil {
		return nil
	}
	dup := *lc
	return &dup
}

// WithVerb returns a copy with the executing verb set.
func (lc *LogContext) WithVerb(verb string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Verb = verb
		clone.StartTime = time.Now()
	}
	return clone
}

// WithUser returns a copy with the user name set.
func (lc *LogContext) WithUser(name string) *LogContext {
	clone := lc.Clone()
	if clone != nil {
		clone.Username = name
	}
	return clone
}

// DurationMs returns the duration since StartTime in milliseconds.
func (lc *LogContext) DurationMs() float64 {
	if lc == nil || lc.StartTime.IsZero() {
		return 0
	}
	return float64(time.Since(lc.StartTime).Microseconds()) / 1000.0
}
