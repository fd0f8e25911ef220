package sysconf

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/citadel-dev/citadel/internal/logger"
)

// Legacy servers kept their counters in a fixed binary "control" record on
// disk rather than as typed configuration rows. The record layout, little
// endian:
//
//	highest message number   int64
//	flags                    uint32
//	next user number         int64
//	next room number         int64
//	version                  int32
//	full-text index flag     int32
const legacyControlLen = 8 + 4 + 8 + 8 + 4 + 4

// MigrateLegacyControl converts a pre-versioned citadel.control file in the
// data directory into typed counter rows, then renames the file out of the
// way so the conversion runs once. A missing file is not an error.
func (c *Conf) MigrateLegacyControl(dir string) error {
	path := filepath.Join(dir, "citadel.control")
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read legacy control record: %w", err)
	}
	if len(raw) < legacyControlLen {
		return fmt.Errorf("legacy control record truncated: %d bytes", len(raw))
	}

	highest := int64(binary.LittleEndian.Uint64(raw[0:8]))
	nextUser := int64(binary.LittleEndian.Uint64(raw[12:20]))
	nextRoom := int64(binary.LittleEndian.Uint64(raw[20:28]))
	version := int32(binary.LittleEndian.Uint32(raw[28:32]))

	if err := c.EnsureCounterAtLeast(CounterHighestMsg, highest); err != nil {
		return err
	}
	if err := c.EnsureCounterAtLeast(CounterNextUser, nextUser); err != nil {
		return err
	}
	if err := c.EnsureCounterAtLeast(CounterNextRoom, nextRoom); err != nil {
		return err
	}

	if err := os.Rename(path, path+".migrated"); err != nil {
		return fmt.Errorf("retire legacy control record: %w", err)
	}
	logger.Info("legacy control record migrated",
		"version", version,
		"highest_msg", highest,
		"next_user", nextUser,
		"next_room", nextRoom)
	return nil
}
