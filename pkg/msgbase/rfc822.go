package msgbase

import (
	"strings"
	"time"
)

// RenderRFC822 converts a stored message to internet mail form. extra lines
// are injected verbatim after the generated headers; callers use this for
// List-Unsubscribe and similar envelope-time headers.
func RenderRFC822(m *Message, extra ...string) string {
	var b strings.Builder

	write := func(name, val string) {
		if val == "" {
			return
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(sanitizeHeader(val))
		b.WriteString("\r\n")
	}

	from := m.Get(FieldRfc822Addr)
	if author := m.Author(); author != "" && from != "" {
		from = quoteDisplayName(author) + " <" + from + ">"
	} else if from == "" {
		from = m.Author()
	}
	write("From", from)
	write("To", m.Get(FieldRecipient))
	write("Cc", m.Get(FieldCc))
	write("Reply-To", m.Get(FieldReplyTo))
	write("Subject", m.Subject())

	ts := m.Timestamp()
	if ts.IsZero() {
		ts = time.Now()
	}
	write("Date", ts.UTC().Format(time.RFC1123Z))

	if id := m.MsgID(); id != "" {
		if strings.HasPrefix(id, "<") {
			write("Message-ID", id)
		} else {
			write("Message-ID", "<"+id+">")
		}
	}
	write("List-ID", m.Get(FieldListID))
	write("References", m.Get(FieldReferences))

	for _, line := range extra {
		b.WriteString(strings.TrimRight(line, "\r\n"))
		b.WriteString("\r\n")
	}

	body := m.Body()
	if !strings.HasPrefix(strings.ToLower(body), "content-type:") {
		b.WriteString("MIME-Version: 1.0\r\n")
		b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	}
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	if !strings.HasSuffix(body, "\n") {
		b.WriteString("\r\n")
	}
	return b.String()
}

func sanitizeHeader(v string) string {
	v = strings.ReplaceAll(v, "\r", " ")
	return strings.ReplaceAll(v, "\n", " ")
}

func quoteDisplayName(name string) string {
	if strings.ContainsAny(name, `(),:;<>@[]\"`) {
		return `"` + strings.ReplaceAll(name, `"`, `\"`) + `"`
	}
	return name
}
