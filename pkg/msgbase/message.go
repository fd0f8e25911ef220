// Package msgbase is the message store: the typed-field wire format, the
// submission pipeline with room fan-out, the deferred reference-count
// queue, the duplicate-suppression table, and the exclusive-id index.
package msgbase

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// Field tags. Each stored message is a one-byte magic followed by a
// sequence of (tag, NUL-terminated UTF-8 string) pairs. The body tag is
// always serialized last.
const (
	FieldAuthor     = 'A' // author display name
	FieldBigBody    = 'B' // body overflowed to the big-message table; value is its length
	FieldEuid       = 'E' // exclusive id within the room
	FieldRfc822Addr = 'F' // author internet address
	FieldMsgID      = 'I' // message id
	FieldJournal    = 'J' // journal suppression marker
	FieldReplyTo    = 'K'
	FieldListID     = 'L'
	FieldBody       = 'M'
	FieldRoom       = 'O' // originating room
	FieldPath       = 'P'
	FieldRecipient  = 'R'
	FieldTimestamp  = 'T' // decimal unix time
	FieldSubject    = 'U'
	FieldEnvTo      = 'V' // envelope recipient
	FieldReferences = 'W'
	FieldCc         = 'Y'
)

const msgMagic = 0xFF

// bigMsgThreshold is the inline body limit; longer bodies move to the
// big-message table under the same msgnum.
const bigMsgThreshold = 1024

// Message is a decoded message: an ordered list of typed fields.
type Message struct {
	tags []byte
	vals []string
}

// NewMessage returns an empty message.
func NewMessage() *Message {
	return &Message{}
}

// Get returns the value of the first field with the given tag, or "".
func (m *Message) Get(tag byte) string {
	for i, t := range m.tags {
		if t == tag {
			return m.vals[i]
		}
	}
	return ""
}

// Has reports whether a field with the given tag is present.
func (m *Message) Has(tag byte) bool {
	for _, t := range m.tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Set replaces the first field with the given tag, appending if absent.
// Empty values remove the field.
func (m *Message) Set(tag byte, val string) {
	if val == "" {
		m.Delete(tag)
		return
	}
	for i, t := range m.tags {
		if t == tag {
			m.vals[i] = val
			return
		}
	}
	m.tags = append(m.tags, tag)
	m.vals = append(m.vals, val)
}

// Delete removes every field with the given tag.
func (m *Message) Delete(tag byte) {
	tags := m.tags[:0]
	vals := m.vals[:0]
	for i, t := range m.tags {
		if t != tag {
			tags = append(tags, t)
			vals = append(vals, m.vals[i])
		}
	}
	m.tags = tags
	m.vals = vals
}

// Convenience accessors for the common fields.

func (m *Message) Author() string    { return m.Get(FieldAuthor) }
func (m *Message) Body() string      { return m.Get(FieldBody) }
func (m *Message) Subject() string   { return m.Get(FieldSubject) }
func (m *Message) Euid() string      { return m.Get(FieldEuid) }
func (m *Message) MsgID() string     { return m.Get(FieldMsgID) }
func (m *Message) Recipient() string { return m.Get(FieldRecipient) }

// Timestamp returns the message time, or the zero time when absent or
// malformed.
func (m *Message) Timestamp() time.Time {
	n, err := strconv.ParseInt(m.Get(FieldTimestamp), 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(n, 0)
}

// SetTimestamp stores t as a decimal unix time.
func (m *Message) SetTimestamp(t time.Time) {
	m.Set(FieldTimestamp, strconv.FormatInt(t.Unix(), 10))
}

// Serialize renders the wire form. The body field, when present, always
// lands last so a header-only reader can stop early.
func (m *Message) Serialize() []byte {
	var b bytes.Buffer
	b.WriteByte(msgMagic)
	for i, t := range m.tags {
		if t == FieldBody {
			continue
		}
		b.WriteByte(t)
		b.WriteString(m.vals[i])
		b.WriteByte(0)
	}
	if body := m.Get(FieldBody); body != "" {
		b.WriteByte(FieldBody)
		b.WriteString(body)
		b.WriteByte(0)
	}
	return b.Bytes()
}

// Deserialize decodes the wire form. withBody=false stops before loading
// the body field, for callers that only need headers.
func Deserialize(raw []byte, withBody bool) (*Message, error) {
	if len(raw) < 1 || raw[0] != msgMagic {
		return nil, fmt.Errorf("message decode: bad magic")
	}
	m := NewMessage()
	pos := 1
	for pos < len(raw) {
		tag := raw[pos]
		pos++
		end := bytes.IndexByte(raw[pos:], 0)
		if end < 0 {
			return nil, fmt.Errorf("message decode: unterminated field %q", tag)
		}
		if tag == FieldBody && !withBody {
			return m, nil
		}
		m.tags = append(m.tags, tag)
		m.vals = append(m.vals, string(raw[pos:pos+end]))
		pos += end + 1
	}
	return m, nil
}
