package db

// Table identifies one of the named record stores. The numeric value is the
// on-disk key prefix, so the order here is frozen; new tables append only.
type Table int

const (
	MsgMain       Table = iota // message bodies and metadata by msgnum
	Users                      // user records by lowercased key
	Rooms                      // room records by lowercased name
	Floors                     // floor records by index
	MsgLists                   // per-room packed msgnum arrays
	Visits                     // user/room visit state
	Directory                  // internet address to local user
	UseTable                   // duplicate-suppression fingerprints
	BigMsgs                    // message bodies over the inline threshold
	FullText                   // reserved for the search index
	EuidIndex                  // exclusive-id to msgnum per room
	UsersByNumber              // usernum to user key
	ExtAuth                    // external auth id to usernum
	ConfigTab                  // typed server configuration rows

	tableCount
)

var tableNames = [tableCount]string{
	"msgmain", "users", "rooms", "floors", "msglists", "visits",
	"directory", "usetable", "bigmsgs", "fulltext", "euidindex",
	"usersbynumber", "extauth", "config",
}

func (t Table) String() string {
	if t < 0 || t >= tableCount {
		return "invalid"
	}
	return tableNames[t]
}

// Valid reports whether t names a real table.
func (t Table) Valid() bool {
	return t >= 0 && t < tableCount
}

// TableCount is the number of defined tables, for callers that walk all of
// them (export, import, integrity checks).
const TableCount = int(tableCount)

// compressed reports whether values in this table are zlib-packed on disk.
// Visit and use-table rows are written in bulk and compress well; everything
// else is stored raw.
func (t Table) compressed() bool {
	return t == Visits || t == UseTable
}

// key builds the full on-disk key for a record in this table.
func (t Table) key(k []byte) []byte {
	out := make([]byte, 1+len(k))
	out[0] = byte(t)
	copy(out[1:], k)
	return out
}

// prefix returns the one-byte namespace prefix for this table.
func (t Table) prefix() []byte {
	return []byte{byte(t)}
}
