// Package metrics defines the collector interface for server observability
// and provides a prometheus-backed implementation plus a no-op fallback.
// Pass the no-op collector to disable metrics with zero overhead.
package metrics

import "time"

// Collector records server events. Implementations must be safe for
// concurrent use.
type Collector interface {
	// Session lifecycle
	SessionStarted(service string)
	SessionEnded(service, reason string)

	// Command processing
	CommandProcessed(service, verb string, duration time.Duration)

	// Message store
	MessageSubmitted()
	MessagesPurged(count int)

	// Outbound delivery
	DeliveryAttempt(statusClass string)
	QueueDepth(jobs int)
}

// Noop discards everything.
type Noop struct{}

func (Noop) SessionStarted(string)                          {}
func (Noop) SessionEnded(string, string)                    {}
func (Noop) CommandProcessed(string, string, time.Duration) {}
func (Noop) MessageSubmitted()                              {}
func (Noop) MessagesPurged(int)                             {}
func (Noop) DeliveryAttempt(string)                         {}
func (Noop) QueueDepth(int)                                 {}

var _ Collector = Noop{}
