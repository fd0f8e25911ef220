package msgbase

import (
	"fmt"
	"strings"
	"sync"

	"github.com/citadel-dev/citadel/internal/logger"
	"github.com/citadel-dev/citadel/pkg/sysconf"
)

// Journaling captures a copy of every journaled submission at save time and
// ships it to the configured destination later, off the submit path. The
// queue is in-memory; a crash loses at most the entries not yet drained.

type journalEntry struct {
	msgnum   int64
	rfc822   string
	sender   string
	recps    []string
	subject  string
}

type journalQueue struct {
	mu      sync.Mutex
	entries []journalEntry
}

// journalCapture snapshots a submission for the journal if journaling is on
// and the message is not itself journal traffic.
func (s *Store) journalCapture(msgnum int64, m *Message, recps *Recipients) {
	if s.conf.GetInt(sysconf.JournalEmail) == 0 {
		return
	}
	if s.conf.GetStr(sysconf.JournalDest) == "" {
		return
	}
	if m.Has(FieldJournal) {
		return
	}

	entry := journalEntry{
		msgnum:  msgnum,
		rfc822:  RenderRFC822(m),
		sender:  m.Author(),
		subject: m.Subject(),
	}
	if recps != nil {
		entry.recps = append(entry.recps, recps.Local...)
		entry.recps = append(entry.recps, recps.Internet...)
	}

	s.journal.mu.Lock()
	s.journal.entries = append(s.journal.entries, entry)
	s.journal.mu.Unlock()
}

// DrainJournal composes and submits the queued journal envelopes. Called
// from housekeeping.
func (s *Store) DrainJournal() error {
	s.journal.mu.Lock()
	pending := s.journal.entries
	s.journal.entries = nil
	s.journal.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}

	dest := s.conf.GetStr(sysconf.JournalDest)
	recps := s.ValidateRecipients(dest)
	if recps.Empty() {
		logger.Warn("journal destination unresolvable, dropping batch",
			"dest", dest, "entries", len(pending))
		return nil
	}

	for _, entry := range pending {
		env := NewMessage()
		env.Set(FieldAuthor, "Citadel")
		env.Set(FieldRecipient, dest)
		env.Set(FieldSubject, entry.subject)
		env.Set(FieldJournal, "1") // never journal the journal
		env.Set(FieldBody, journalBody(entry))

		if _, err := s.Submit(env, recps, ""); err != nil {
			return fmt.Errorf("journal submit for message %d: %w", entry.msgnum, err)
		}
	}
	logger.Debug("journal drained", "entries", len(pending))
	return nil
}

// journalBody wraps the original message and its delivery facts in a
// multipart/mixed envelope.
func journalBody(e journalEntry) string {
	const boundary = "citadel-journal-boundary"
	var b strings.Builder

	fmt.Fprintf(&b, "Content-type: multipart/mixed; boundary=\"%s\"\n\n", boundary)
	fmt.Fprintf(&b, "--%s\n", boundary)
	b.WriteString("Content-type: text/plain; charset=UTF-8\n\n")
	fmt.Fprintf(&b, "Sender: %s\n", e.sender)
	b.WriteString("Message-ID: " + fmt.Sprint(e.msgnum) + "\n")
	b.WriteString("Recipients:\n")
	for _, r := range e.recps {
		fmt.Fprintf(&b, "\t%s\n", r)
	}
	fmt.Fprintf(&b, "\n--%s\n", boundary)
	b.WriteString("Content-type: message/rfc822\n\n")
	b.WriteString(e.rfc822)
	fmt.Fprintf(&b, "\n--%s--\n", boundary)
	return b.String()
}
