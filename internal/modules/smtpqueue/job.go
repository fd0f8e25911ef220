// Package smtpqueue runs outbound mail. Queue jobs are ordinary messages
// in the hidden spool room whose body is a pipe-delimited control block;
// the runners walk the spool, attempt delivery per recipient, and rewrite
// or retire jobs as recipients settle.
package smtpqueue

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Job control-block content type.
const JobContentType = "application/x-citadel-delivery-list"

// Retry windows.
const (
	retryInterval = 30 * time.Minute
	warnAfter     = 4 * time.Hour
	failAfter     = 5 * 24 * time.Hour
)

// Recipient status classes inside a job.
const (
	StatusUntried   = 0
	StatusDelivered = 2
	StatusTransient = 4
	StatusPermanent = 5
)

// JobRecipient is one remote| line.
type JobRecipient struct {
	Addr       string
	Status     int
	Diagnostic string
}

// Job is a parsed queue control block.
type Job struct {
	QueueMsgNum   int64 // the job message itself, not stored in the body
	PayloadMsgNum int64
	Submitted     time.Time
	Attempted     time.Time // zero before the first try
	BounceTo      string
	EnvFrom       string
	SourceRoom    string
	Recipients    []JobRecipient
}

// IsJob reports whether a message body is a queue control block. The spool
// room holds payload messages alongside their jobs; this is how the runner
// tells them apart.
func IsJob(body string) bool {
	return strings.HasPrefix(body, "Content-type: "+JobContentType)
}

// ParseJob decodes a control block body.
func ParseJob(body string) (*Job, error) {
	if !IsJob(body) {
		return nil, fmt.Errorf("queue job: wrong content type")
	}
	j := &Job{}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		f := strings.Split(line, "|")
		switch f[0] {
		case "msgid":
			if len(f) < 2 {
				return nil, fmt.Errorf("queue job: bare msgid line")
			}
			n, err := strconv.ParseInt(f[1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("queue job: bad msgid %q", f[1])
			}
			j.PayloadMsgNum = n
		case "submitted":
			if len(f) >= 2 {
				if ts, err := strconv.ParseInt(f[1], 10, 64); err == nil {
					j.Submitted = time.Unix(ts, 0)
				}
			}
		case "attempted":
			if len(f) >= 2 {
				if ts, err := strconv.ParseInt(f[1], 10, 64); err == nil {
					j.Attempted = time.Unix(ts, 0)
				}
			}
		case "bounceto":
			if len(f) >= 2 {
				j.BounceTo = f[1]
			}
		case "envelope_from":
			if len(f) >= 2 {
				j.EnvFrom = f[1]
			}
		case "source_room":
			if len(f) >= 2 {
				j.SourceRoom = f[1]
			}
		case "remote":
			if len(f) < 2 || f[1] == "" {
				continue
			}
			r := JobRecipient{Addr: f[1]}
			if len(f) >= 3 {
				r.Status, _ = strconv.Atoi(f[2])
			}
			if len(f) >= 4 {
				r.Diagnostic = f[3]
			}
			j.Recipients = append(j.Recipients, r)
		}
	}
	if j.PayloadMsgNum == 0 {
		return nil, fmt.Errorf("queue job: no msgid line")
	}
	return j, nil
}

// Serialize re-emits the control block. Delivered recipients are dropped,
// which is how a job shrinks toward completion.
func (j *Job) Serialize() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Content-type: %s\n\n", JobContentType)
	fmt.Fprintf(&b, "msgid|%d\n", j.PayloadMsgNum)
	fmt.Fprintf(&b, "submitted|%d\n", j.Submitted.Unix())
	if j.BounceTo != "" {
		fmt.Fprintf(&b, "bounceto|%s\n", j.BounceTo)
	}
	fmt.Fprintf(&b, "envelope_from|%s\n", j.EnvFrom)
	if j.SourceRoom != "" {
		fmt.Fprintf(&b, "source_room|%s\n", j.SourceRoom)
	}
	for _, r := range j.Recipients {
		if r.Status == StatusDelivered {
			continue
		}
		fmt.Fprintf(&b, "remote|%s|%d|%s\n", r.Addr, r.Status, r.Diagnostic)
	}
	if !j.Attempted.IsZero() {
		fmt.Fprintf(&b, "attempted|%d\n", j.Attempted.Unix())
	}
	return b.String()
}

// Due reports whether the job should be attempted now: first try always,
// young jobs every retry interval, old jobs once per warn window.
func (j *Job) Due(now time.Time) bool {
	if j.Attempted.IsZero() {
		return true
	}
	sinceAttempt := now.Sub(j.Attempted)
	if j.Attempted.Sub(j.Submitted) <= warnAfter {
		return sinceAttempt > retryInterval
	}
	return sinceAttempt > warnAfter
}

// Pending lists recipients still needing an attempt.
func (j *Job) Pending() []int {
	var out []int
	for i, r := range j.Recipients {
		if r.Status == StatusUntried || r.Status == StatusTransient {
			out = append(out, i)
		}
	}
	return out
}

// Unsettled reports whether any recipient is still transient or untried.
func (j *Job) Unsettled() bool {
	return len(j.Pending()) > 0
}

// groupByDomain buckets pending recipient indexes by mail domain.
func (j *Job) groupByDomain() map[string][]int {
	out := make(map[string][]int)
	for _, i := range j.Pending() {
		addr := j.Recipients[i].Addr
		at := strings.LastIndexByte(addr, '@')
		if at < 0 || at == len(addr)-1 {
			j.Recipients[i].Status = StatusPermanent
			j.Recipients[i].Diagnostic = "malformed address"
			continue
		}
		domain := strings.ToLower(addr[at+1:])
		out[domain] = append(out[domain], i)
	}
	return out
}
