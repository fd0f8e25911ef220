package logger

import (
	"log/slog"
)

// Standard field keys for structured logging. Use these consistently so the
// output stays queryable whether it lands in a file, journald, or a
// JSON pipeline.
const (
	// Session and client identification
	KeySession  = "session"   // numeric session id
	KeyUsername = "username"  // logged-in user name
	KeyUserNum  = "usernum"   // numeric user id
	KeyClientIP = "client_ip" // peer address (no port)
	KeyProto    = "proto"     // protocol/service name: citadel, smtp, ...
	KeyVerb     = "verb"      // protocol command verb

	// Rooms and messages
	KeyRoom    = "room"     // room name
	KeyRoomNum = "room_num" // numeric room id
	KeyMsgNum  = "msgnum"   // message number
	KeyFloor   = "floor"    // floor index

	// Storage
	KeyTable = "table" // KV table name
	KeyKeyed = "key"   // record key (printable form)

	// Services and delivery
	KeyService   = "service"   // registered service name
	KeyPort      = "port"      // TCP port or socket path
	KeyRecipient = "recipient" // SMTP recipient
	KeyHost      = "host"      // remote host

	// Operation metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyPID        = "pid"
	KeyState      = "state"
	KeyReason     = "reason"
)

// Err returns a slog.Attr for an error, or an empty attr for nil.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Session returns a slog.Attr for a session id.
func Session(id int64) slog.Attr {
	return slog.Int64(KeySession, id)
}

// Username returns a slog.Attr for a user name.
func Username(name string) slog.Attr {
	return slog.String(KeyUsername, name)
}

// Room returns a slog.Attr for a room name.
func Room(name string) slog.Attr {
	return slog.String(KeyRoom, name)
}

// MsgNum returns a slog.Attr for a message number.
func MsgNum(n int64) slog.Attr {
	return slog.Int64(KeyMsgNum, n)
}

// ClientIP returns a slog.Attr for a peer address.
func ClientIP(addr string) slog.Attr {
	return slog.String(KeyClientIP, addr)
}

// Verb returns a slog.Attr for a protocol command verb.
func Verb(v string) slog.Attr {
	return slog.String(KeyVerb, v)
}

// Table returns a slog.Attr for a KV table name.
func Table(name string) slog.Attr {
	return slog.String(KeyTable, name)
}

// Service returns a slog.Attr for a registered service name.
func Service(name string) slog.Attr {
	return slog.String(KeyService, name)
}

// DurationMs returns a slog.Attr for duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}
