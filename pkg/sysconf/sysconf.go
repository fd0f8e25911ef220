// Package sysconf holds the server's persisted runtime configuration: a flat
// map of string keys to typed values stored as rows in the config table, with
// a process-wide write-through cache. Bootstrap (process-level) configuration
// lives in pkg/config; everything a running server can change about itself
// lives here.
package sysconf

import (
	"strconv"
	"sync"

	"github.com/citadel-dev/citadel/internal/logger"
	"github.com/citadel-dev/citadel/pkg/db"
)

// Conf is the runtime configuration store. Safe for concurrent use.
type Conf struct {
	db *db.DB

	mu    sync.RWMutex
	cache map[string]string
}

// New wraps the database; call Load before first use.
func New(d *db.DB) *Conf {
	return &Conf{db: d, cache: make(map[string]string)}
}

// Load primes the cache from the config table and fills in defaults for any
// required key that is missing. It is the boot-time validation step.
func (c *Conf) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.db.ForEach(db.ConfigTab, func(key, value []byte) error {
		c.cache[string(key)] = string(value)
		return nil
	})
	if err != nil {
		return err
	}

	seeded := 0
	for key, val := range defaults {
		if _, ok := c.cache[key]; ok {
			continue
		}
		if err := c.db.Store(db.ConfigTab, []byte(key), []byte(val)); err != nil {
			return err
		}
		c.cache[key] = val
		seeded++
	}
	if seeded > 0 {
		logger.Info("configuration defaults seeded", "keys", seeded)
	}
	return nil
}

// GetStr returns the value for key, or "" when unset.
func (c *Conf) GetStr(key string) string {
	c.mu.RLock()
	val, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return val
	}

	raw, err := c.db.Fetch(db.ConfigTab, []byte(key))
	if err != nil {
		return ""
	}
	c.mu.Lock()
	c.cache[key] = string(raw)
	c.mu.Unlock()
	return string(raw)
}

// GetInt returns the value for key as an int, or 0 when unset or malformed.
func (c *Conf) GetInt(key string) int {
	n, _ := strconv.Atoi(c.GetStr(key))
	return n
}

// GetLong returns the value for key as an int64, or 0 when unset or
// malformed.
func (c *Conf) GetLong(key string) int64 {
	n, _ := strconv.ParseInt(c.GetStr(key), 10, 64)
	return n
}

// PutStr stores key=val, writing through to the database.
func (c *Conf) PutStr(key, val string) error {
	if err := c.db.Store(db.ConfigTab, []byte(key), []byte(val)); err != nil {
		return err
	}
	c.mu.Lock()
	c.cache[key] = val
	c.mu.Unlock()
	return nil
}

// PutInt stores key=val as a decimal string.
func (c *Conf) PutInt(key string, val int) error {
	return c.PutStr(key, strconv.Itoa(val))
}

// PutLong stores key=val as a decimal string.
func (c *Conf) PutLong(key string, val int64) error {
	return c.PutStr(key, strconv.FormatInt(val, 10))
}

// DeleteKey removes a key from the table and cache.
func (c *Conf) DeleteKey(key string) error {
	if err := c.db.Delete(db.ConfigTab, []byte(key)); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.cache, key)
	c.mu.Unlock()
	return nil
}

// Increment bumps a counter row by one and returns the new value. The
// read-modify-write runs inside a single transaction, so concurrent callers
// never observe the same value twice.
func (c *Conf) Increment(key string) (int64, error) {
	var out int64
	err := c.db.Update(func(tx *db.Tx) error {
		cur := int64(0)
		raw, err := tx.Fetch(db.ConfigTab, []byte(key))
		if err == nil {
			cur, _ = strconv.ParseInt(string(raw), 10, 64)
		} else if !db.IsNotFound(err) {
			return err
		}
		out = cur + 1
		return tx.Store(db.ConfigTab, []byte(key), []byte(strconv.FormatInt(out, 10)))
	})
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.cache[key] = strconv.FormatInt(out, 10)
	c.mu.Unlock()
	return out, nil
}

// EnsureCounterAtLeast raises a counter to floor if it is currently lower.
// Used by the legacy-control migration so allocators never go backwards.
func (c *Conf) EnsureCounterAtLeast(key string, floor int64) error {
	err := c.db.Update(func(tx *db.Tx) error {
		cur := int64(0)
		raw, err := tx.Fetch(db.ConfigTab, []byte(key))
		if err == nil {
			cur, _ = strconv.ParseInt(string(raw), 10, 64)
		} else if !db.IsNotFound(err) {
			return err
		}
		if cur >= floor {
			return nil
		}
		return tx.Store(db.ConfigTab, []byte(key), []byte(strconv.FormatInt(floor, 10)))
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.cache, key)
	c.mu.Unlock()
	return nil
}
