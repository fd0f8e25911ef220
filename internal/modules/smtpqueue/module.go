package smtpqueue

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/citadel-dev/citadel/internal/logger"
	"github.com/citadel-dev/citadel/pkg/msgbase"
	"github.com/citadel-dev/citadel/pkg/room"
	"github.com/citadel-dev/citadel/pkg/server"
)

// deliverySubsystem signs bounces and delay warnings.
const deliverySubsystem = "Citadel Mail Delivery Subsystem"

// Module owns the outbound queue.
type Module struct {
	srv *server.Server

	mu        sync.Mutex // one runner pass at a time
	highwater atomic.Int64
}

// Register wires job generation onto submit and the two runner cadences:
// a quick pass on every housekeeping cycle for fresh jobs, a full pass on
// the minute timer.
func Register(s *server.Server) *Module {
	m := &Module{srv: s}
	s.Msgs.OnAfterSave(m.enqueue)
	s.Registry.OnSession(server.EvtHouse, 60, func(*server.Context) { m.runQueue(false) })
	s.Registry.OnSession(server.EvtTimer, 60, func(*server.Context) { m.runQueue(true) })
	return m
}

// enqueue files a queue job for any submission carrying internet
// recipients. The payload itself is already in the spool room; the job is a
// second message pointing at it.
func (m *Module) enqueue(msgnum int64, msg *msgbase.Message, recps *msgbase.Recipients) {
	if recps == nil || len(recps.Internet) == 0 {
		return
	}
	j := &Job{
		PayloadMsgNum: msgnum,
		Submitted:     time.Now(),
		BounceTo:      recps.BounceTo,
		EnvFrom:       recps.EnvFrom,
		SourceRoom:    msg.Get(msgbase.FieldRoom),
	}
	for _, addr := range recps.Internet {
		j.Recipients = append(j.Recipients, JobRecipient{Addr: addr})
	}
	if _, err := m.writeJob(j); err != nil {
		logger.Error("queue job creation failed",
			logger.MsgNum(msgnum), logger.Err(err))
		return
	}
	logger.Info("outbound mail queued",
		logger.MsgNum(msgnum), "recipients", len(j.Recipients))
}

// writeJob submits a job message to the spool room and returns its msgnum.
// The job carries no recipients of its own, so the after-save hook does not
// re-enter.
func (m *Module) writeJob(j *Job) (int64, error) {
	qm := msgbase.NewMessage()
	qm.Set(msgbase.FieldAuthor, deliverySubsystem)
	qm.Set(msgbase.FieldSubject, "QMSG")
	qm.Set(msgbase.FieldBody, j.Serialize())
	return m.srv.Msgs.Submit(qm, nil, room.SMTPSpoolRoom)
}
