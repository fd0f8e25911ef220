package sysconf

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/citadel-dev/citadel/pkg/db"
)

func openTestConf(t *testing.T) *Conf {
	t.Helper()
	d, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	c := New(d)
	require.NoError(t, c.Load())
	return c
}

func TestDefaultsSeededOnFirstLoad(t *testing.T) {
	t.Parallel()
	c := openTestConf(t)

	assert.Equal(t, "citadel", c.GetStr(NodeName))
	assert.Equal(t, 504, c.GetInt(PortNumber))
	assert.Equal(t, 900, c.GetInt(Sleeping))
	assert.Equal(t, "admin", c.GetStr(SysAdm))
}

func TestPutGetRoundTrip(t *testing.T) {
	t.Parallel()
	c := openTestConf(t)

	require.NoError(t, c.PutStr(FQDN, "mail.example.com"))
	assert.Equal(t, "mail.example.com", c.GetStr(FQDN))

	require.NoError(t, c.PutInt(MaxSessions, 50))
	assert.Equal(t, 50, c.GetInt(MaxSessions))

	require.NoError(t, c.PutLong(UserPurge, 365))
	assert.Equal(t, int64(365), c.GetLong(UserPurge))
}

func TestUnknownKeysStoredVerbatim(t *testing.T) {
	t.Parallel()
	c := openTestConf(t)

	require.NoError(t, c.PutStr("x_client_private", "whatever|the|client|sent"))
	assert.Equal(t, "whatever|the|client|sent", c.GetStr("x_client_private"))
}

func TestGetUnsetReturnsZeroValues(t *testing.T) {
	t.Parallel()
	c := openTestConf(t)

	assert.Equal(t, "", c.GetStr("c_never_written"))
	assert.Equal(t, 0, c.GetInt("c_never_written"))
	assert.Equal(t, int64(0), c.GetLong("c_never_written"))
}

func TestSurvivesReload(t *testing.T) {
	t.Parallel()
	d, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	c1 := New(d)
	require.NoError(t, c1.Load())
	require.NoError(t, c1.PutStr(HumanNode, "Test BBS"))

	c2 := New(d)
	require.NoError(t, c2.Load())
	assert.Equal(t, "Test BBS", c2.GetStr(HumanNode))
}

func TestIncrementIsMonotonicUnderConcurrency(t *testing.T) {
	t.Parallel()
	c := openTestConf(t)

	const workers = 8
	const perWorker = 20

	var mu sync.Mutex
	seen := make(map[int64]bool)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				n, err := c.Increment(CounterHighestMsg)
				if err != nil {
					continue
				}
				mu.Lock()
				assert.False(t, seen[n], "counter value %d handed out twice", n)
				seen[n] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, workers*perWorker, len(seen))
	assert.Equal(t, int64(workers*perWorker), c.GetLong(CounterHighestMsg))
}

func TestEnsureCounterAtLeast(t *testing.T) {
	t.Parallel()
	c := openTestConf(t)

	require.NoError(t, c.EnsureCounterAtLeast(CounterNextRoom, 100))
	n, err := c.Increment(CounterNextRoom)
	require.NoError(t, err)
	assert.Equal(t, int64(101), n)

	// Lower floor never rolls the counter back.
	require.NoError(t, c.EnsureCounterAtLeast(CounterNextRoom, 5))
	n, err = c.Increment(CounterNextRoom)
	require.NoError(t, err)
	assert.Equal(t, int64(102), n)
}

func TestMigrateLegacyControl(t *testing.T) {
	t.Parallel()
	c := openTestConf(t)

	dir := t.TempDir()
	raw := make([]byte, legacyControlLen)
	binary.LittleEndian.PutUint64(raw[0:8], 123456)   // highest msgnum
	binary.LittleEndian.PutUint32(raw[8:12], 0)       // flags
	binary.LittleEndian.PutUint64(raw[12:20], 42)     // next user
	binary.LittleEndian.PutUint64(raw[20:28], 17)     // next room
	binary.LittleEndian.PutUint32(raw[28:32], 926)    // version
	binary.LittleEndian.PutUint32(raw[32:36], 1)      // fulltext
	path := filepath.Join(dir, "citadel.control")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	require.NoError(t, c.MigrateLegacyControl(dir))

	n, err := c.Increment(CounterHighestMsg)
	require.NoError(t, err)
	assert.Equal(t, int64(123457), n)

	// The record is retired so a second boot does not re-apply it.
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".migrated")
	assert.NoError(t, err)

	// Running again with no file present is a no-op.
	assert.NoError(t, c.MigrateLegacyControl(dir))
}
