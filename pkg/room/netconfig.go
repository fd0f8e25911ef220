package room

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// NetConfig is a room's network configuration: a line-oriented list of
// pipe-separated directives. Parsing is permissive; lines this server does
// not understand are carried through a rewrite byte for byte, because peers
// still running the legacy store-and-forward network keep directives of
// their own in here.
type NetConfig struct {
	Lines []NetLine
}

// NetLine is one directive. Raw is the exact input text; Type and Args are
// the parsed form for directives the server acts on.
type NetLine struct {
	Type string
	Args []string
	Raw  string
}

// ParseNetConfig parses a netconfig blob.
func ParseNetConfig(blob string) *NetConfig {
	nc := &NetConfig{}
	if blob == "" {
		return nc
	}
	for _, raw := range strings.Split(strings.TrimRight(blob, "\n"), "\n") {
		parts := strings.Split(raw, "|")
		line := NetLine{Type: parts[0], Raw: raw}
		if len(parts) > 1 {
			line.Args = parts[1:]
		}
		nc.Lines = append(nc.Lines, line)
	}
	return nc
}

// Serialize renders the blob back out. For an unmodified config this is
// byte-identical to the input.
func (nc *NetConfig) Serialize() string {
	if len(nc.Lines) == 0 {
		return ""
	}
	var b strings.Builder
	for _, line := range nc.Lines {
		b.WriteString(line.Raw)
		b.WriteByte('\n')
	}
	return b.String()
}

// Values returns the first argument of every directive of the given type.
// This is the common shape: "listrecp|addr", "participate|addr", ...
func (nc *NetConfig) Values(dirType string) []string {
	var out []string
	for _, line := range nc.Lines {
		if line.Type == dirType && len(line.Args) > 0 {
			out = append(out, line.Args[0])
		}
	}
	return out
}

// Add appends a directive.
func (nc *NetConfig) Add(dirType string, args ...string) {
	raw := dirType
	if len(args) > 0 {
		raw += "|" + strings.Join(args, "|")
	}
	nc.Lines = append(nc.Lines, NetLine{Type: dirType, Args: args, Raw: raw})
}

// Remove deletes every directive of the given type whose first argument
// matches value. Returns the number removed.
func (nc *NetConfig) Remove(dirType, value string) int {
	kept := nc.Lines[:0]
	removed := 0
	for _, line := range nc.Lines {
		if line.Type == dirType && len(line.Args) > 0 && line.Args[0] == value {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	nc.Lines = kept
	return removed
}

func netConfigKey(roomNum int64) string {
	return fmt.Sprintf("c_netconfig_%d", roomNum)
}

// LoadNetConfig fetches and decodes a room's netconfig. A room with none
// yields an empty config.
func (dir *Dir) LoadNetConfig(roomNum int64) (*NetConfig, error) {
	enc := dir.conf.GetStr(netConfigKey(roomNum))
	if enc == "" {
		return &NetConfig{}, nil
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, fmt.Errorf("netconfig for room %d: %w", roomNum, err)
	}
	return ParseNetConfig(string(raw)), nil
}

// SaveNetConfig encodes and stores a room's netconfig. An empty config
// removes the row.
func (dir *Dir) SaveNetConfig(roomNum int64, nc *NetConfig) error {
	dir.netMu.Lock()
	defer dir.netMu.Unlock()

	blob := nc.Serialize()
	if blob == "" {
		return dir.conf.DeleteKey(netConfigKey(roomNum))
	}
	return dir.conf.PutStr(netConfigKey(roomNum), base64.StdEncoding.EncodeToString([]byte(blob)))
}
