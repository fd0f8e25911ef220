package baseproto

import "github.com/citadel-dev/citadel/pkg/server"

// Reply code families. The first digit steers the client: 1 listing
// follows, 2 ok, 3 more input wanted, 4 send text, 5 error, 6 binary
// follows, 9 asynchronous.
const (
	ListingFollows = 100
	CitOK          = 200
	MoreData       = 300
	SendListing    = 400
	Error          = 500
	BinaryFollows  = 600
	AsyncMsg       = 900
)

// Error kinds, added to the Error base.
const (
	InternalError        = 10
	TooBig               = 11
	IllegalValue         = 12
	NotLoggedIn          = 20
	CmdNotSupported      = 30
	ServerShuttingDown   = 31
	PasswordRequired     = 40
	AlreadyLoggedIn      = 41
	UsernameRequired     = 42
	HigherAccessRequired = 50
	MaxSessionsExceeded  = 51
	ResourceBusy         = 52
	NotHere              = 60
	NoSuchUser           = 70
	RoomNotFound         = 72
	AlreadyExists        = 74
	MessageNotFound      = 75
)

// Asynchronous sub-codes.
const (
	AsyncGexp = AsyncMsg + 2
)

// listingEnd terminates every multi-line block in both directions.
const listingEnd = "000"

func ok(c *server.Context, format string, args ...any) {
	c.Printf("%d ", CitOK)
	c.Printf(format, args...)
	c.Printf("\n")
}

func errReply(c *server.Context, kind int, format string, args ...any) {
	c.Printf("%d ", Error+kind)
	c.Printf(format, args...)
	c.Printf("\n")
}
