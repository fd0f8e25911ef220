package smtpqueue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/citadel-dev/citadel/internal/logger"
	"github.com/citadel-dev/citadel/internal/smtpclient"
	"github.com/citadel-dev/citadel/pkg/msgbase"
	"github.com/citadel-dev/citadel/pkg/room"
	"github.com/citadel-dev/citadel/pkg/sysconf"
)

// runQueue walks the spool room. A quick pass (full=false) only looks at
// jobs above the highwater mark, so each fresh submission gets its first
// delivery attempt within one housekeeping cycle; the full pass revisits
// everything for retries.
func (m *Module) runQueue(full bool) {
	if !m.mu.TryLock() {
		return
	}
	defer m.mu.Unlock()

	spool, err := m.srv.Rooms.Get(room.SMTPSpoolRoom)
	if err != nil {
		logger.Warn("outbound spool room missing", logger.Err(err))
		return
	}

	high := m.highwater.Load()
	jobs := 0
	for _, msgnum := range m.srv.Msgs.MsgList(spool.RoomNum) {
		if !full && msgnum <= high {
			continue
		}
		msg, err := m.srv.Msgs.Fetch(msgnum, true)
		if err != nil {
			continue
		}
		if !IsJob(msg.Body()) {
			continue // the payload half of a queue entry
		}
		jobs++
		if msgnum > m.highwater.Load() {
			m.highwater.Store(msgnum)
		}
		j, err := ParseJob(msg.Body())
		if err != nil {
			logger.Error("unreadable queue job, discarding",
				logger.MsgNum(msgnum), logger.Err(err))
			_, _ = m.srv.Msgs.DeleteMessages(spool.RoomNum, []int64{msgnum})
			continue
		}
		j.QueueMsgNum = msgnum
		m.processJob(spool.RoomNum, j)
	}
	if full {
		m.srv.Metrics.QueueDepth(jobs)
	}
}

// processJob runs one delivery attempt and settles the job's fate: retire
// it, rewrite it for another try, or bounce what cannot be delivered.
func (m *Module) processJob(spoolNum int64, j *Job) {
	now := time.Now()
	if !j.Unsettled() {
		m.retireJob(spoolNum, j)
		return
	}
	if !j.Due(now) {
		return
	}

	prevAge := time.Duration(0)
	if !j.Attempted.IsZero() {
		prevAge = j.Attempted.Sub(j.Submitted)
	}

	payload, err := m.srv.Msgs.Fetch(j.PayloadMsgNum, true)
	if err != nil {
		for _, i := range j.Pending() {
			j.Recipients[i].Status = StatusPermanent
			j.Recipients[i].Diagnostic = "message vanished from spool"
		}
		m.bounce(j, j.permanent())
		m.retireJob(spoolNum, j)
		return
	}

	m.attemptDelivery(j, payload)
	j.Attempted = now

	// Recipients that hard-failed this pass get bounced exactly once, then
	// leave the job.
	if perm := j.permanent(); len(perm) > 0 {
		m.bounce(j, perm)
		j.dropPermanent()
	}

	if now.Sub(j.Submitted) > failAfter && j.Unsettled() {
		for _, i := range j.Pending() {
			j.Recipients[i].Status = StatusPermanent
			if j.Recipients[i].Diagnostic == "" {
				j.Recipients[i].Diagnostic = "retry time exhausted"
			}
		}
		m.bounce(j, j.permanent())
		m.retireJob(spoolNum, j)
		return
	}

	if !j.Unsettled() {
		m.retireJob(spoolNum, j)
		return
	}

	if prevAge <= warnAfter && now.Sub(j.Submitted) > warnAfter {
		m.delayWarning(j)
	}
	m.rewriteJob(spoolNum, j)
}

// attemptDelivery pushes the payload to every pending recipient, one SMTP
// conversation per domain.
func (m *Module) attemptDelivery(j *Job, payload *msgbase.Message) {
	var extra []string
	if j.SourceRoom != "" {
		fqdn := m.srv.Conf.GetStr(sysconf.FQDN)
		extra = append(extra, fmt.Sprintf("List-Unsubscribe: <mailto:room_%s+unsubscribe@%s>",
			strings.ToLower(strings.ReplaceAll(j.SourceRoom, " ", "_")), fqdn))
	}
	data := []byte(msgbase.RenderRFC822(payload, extra...))

	opts := smtpclient.Options{
		Helo:    m.srv.Conf.GetStr(sysconf.FQDN),
		Timeout: time.Duration(m.srv.Conf.GetInt(sysconf.SMTPOutTimeout)) * time.Second,
		TryTLS:  m.srv.Conf.GetInt(sysconf.SMTPTryTLS) != 0,
	}

	for domain, idxs := range j.groupByDomain() {
		rcpts := make([]string, len(idxs))
		for n, i := range idxs {
			rcpts[n] = j.Recipients[i].Addr
		}
		statuses, _ := smtpclient.Deliver(context.Background(), domain, j.EnvFrom, rcpts, data, opts)
		for n, st := range statuses {
			i := idxs[n]
			j.Recipients[i].Status = st.Class
			j.Recipients[i].Diagnostic = fmt.Sprintf("%d %s", st.Code, st.Response)
			m.srv.Metrics.DeliveryAttempt(strconv.Itoa(st.Class))
			logger.Info("delivery attempt",
				logger.MsgNum(j.PayloadMsgNum),
				logger.KeyRecipient, st.Addr,
				"class", st.Class,
				"response", st.Response)
		}
	}
}

// retireJob removes the job and, when nothing else still needs it, the
// payload. Deleting both from the spool lets refcounting reap the payload
// once its mailbox copies expire.
func (m *Module) retireJob(spoolNum int64, j *Job) {
	doomed := []int64{j.QueueMsgNum, j.PayloadMsgNum}
	if _, err := m.srv.Msgs.DeleteMessages(spoolNum, doomed); err != nil {
		logger.Warn("queue job retirement failed",
			logger.MsgNum(j.QueueMsgNum), logger.Err(err))
		return
	}
	logger.Info("queue job retired", logger.MsgNum(j.PayloadMsgNum))
}

// rewriteJob persists updated statuses as a fresh job message and deletes
// the old one. Jobs are immutable messages, so an update is submit+delete.
func (m *Module) rewriteJob(spoolNum int64, j *Job) {
	old := j.QueueMsgNum
	if _, err := m.writeJob(j); err != nil {
		logger.Error("queue job rewrite failed",
			logger.MsgNum(j.PayloadMsgNum), logger.Err(err))
		return
	}
	if _, err := m.srv.Msgs.DeleteMessages(spoolNum, []int64{old}); err != nil {
		logger.Warn("stale queue job removal failed",
			logger.MsgNum(old), logger.Err(err))
	}
}

// permanent lists recipient indexes that hard-failed.
func (j *Job) permanent() []int {
	var out []int
	for i, r := range j.Recipients {
		if r.Status == StatusPermanent {
			out = append(out, i)
		}
	}
	return out
}

// dropPermanent removes hard-failed recipients after they have been
// bounced.
func (j *Job) dropPermanent() {
	kept := j.Recipients[:0]
	for _, r := range j.Recipients {
		if r.Status != StatusPermanent {
			kept = append(kept, r)
		}
	}
	j.Recipients = kept
}

// bounce notifies the sender about recipients that will never be reached.
// A job with no bounce address (a bounce of a bounce) fails silently.
func (m *Module) bounce(j *Job, idxs []int) {
	if j.BounceTo == "" || len(idxs) == 0 {
		return
	}
	var b strings.Builder
	b.WriteString("A message you sent could not be delivered to some or all of its recipients.\n")
	b.WriteString("The following addresses were undeliverable:\n\n")
	for _, i := range idxs {
		fmt.Fprintf(&b, "  %s: %s\n", j.Recipients[i].Addr, j.Recipients[i].Diagnostic)
	}
	m.notifySender(j, "Delivery Status Notification (Failure)", b.String())
}

// delayWarning tells the sender the message is still queued. Sent once, when
// a job crosses the warning age.
func (m *Module) delayWarning(j *Job) {
	if j.BounceTo == "" {
		return
	}
	var b strings.Builder
	b.WriteString("A message you sent has not been delivered yet. Delivery will be retried;\n")
	b.WriteString("no action is needed on your part.\n\nStill trying:\n\n")
	for _, i := range j.Pending() {
		r := j.Recipients[i]
		diag := r.Diagnostic
		if diag == "" {
			diag = "not yet attempted"
		}
		fmt.Fprintf(&b, "  %s: %s\n", r.Addr, diag)
	}
	m.notifySender(j, "Delivery Status Notification (Delay)", b.String())
}

// notifySender files a DSN to the job's bounce address. The DSN itself has a
// null envelope sender, so a failing bounce never generates another job with
// a bounce address.
func (m *Module) notifySender(j *Job, subject, body string) {
	recps := m.srv.Msgs.ValidateRecipients(j.BounceTo)
	if recps.Empty() {
		logger.Warn("bounce address unresolvable, notification dropped",
			logger.KeyRecipient, j.BounceTo,
			logger.MsgNum(j.PayloadMsgNum))
		return
	}
	recps.EnvFrom = ""
	recps.BounceTo = ""

	msg := msgbase.NewMessage()
	msg.Set(msgbase.FieldAuthor, deliverySubsystem)
	msg.Set(msgbase.FieldRecipient, j.BounceTo)
	msg.Set(msgbase.FieldSubject, subject)
	msg.Set(msgbase.FieldBody, body)
	if _, err := m.srv.Msgs.Submit(msg, recps, ""); err != nil {
		logger.Warn("delivery notification failed",
			logger.KeyRecipient, j.BounceTo, logger.Err(err))
	}
}
