package db

import (
	"errors"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/citadel-dev/citadel/internal/logger"
)

// Transactions are optimistic: two writers touching the same keys race, the
// loser gets a conflict at commit, and the envelope replays it. That bounds
// how callers must write fn: it can run more than once, so no side effects
// outside the store until the envelope returns.
const (
	maxTxRetries   = 10
	txRetryBackoff = 2 * time.Millisecond
)

// Tx is one open transaction. It is not safe for concurrent use; each
// goroutine works inside its own envelope.
type Tx struct {
	txn    *badger.Txn
	update bool
}

// Update runs fn inside a read-write transaction, retrying on commit
// conflicts. Errors returned by fn pass through unchanged; engine-level
// commit failures other than conflicts are fatal.
func (d *DB) Update(fn func(tx *Tx) error) error {
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		txn := d.db.NewTransaction(true)
		tx := &Tx{txn: txn, update: true}

		if err := fn(tx); err != nil {
			txn.Discard()
			return err
		}

		err := txn.Commit()
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			logger.Debug("transaction conflict, retrying", "attempt", attempt+1)
			time.Sleep(txRetryBackoff << uint(attempt))
			continue
		}
		d.fatal(err)
		return err
	}
	return &StoreError{Code: ErrConflict, Message: "retries exhausted"}
}

// View runs fn inside a read-only transaction.
func (d *DB) View(fn func(tx *Tx) error) error {
	txn := d.db.NewTransaction(false)
	defer txn.Discard()
	return fn(&Tx{txn: txn})
}

// Fetch returns a copy of the record, or ErrNotFound.
func (tx *Tx) Fetch(t Table, key []byte) ([]byte, error) {
	item, err := tx.txn.Get(t.key(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound(t)
	}
	if err != nil {
		return nil, &StoreError{Code: ErrCorrupt, Table: t, Message: err.Error()}
	}

	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, &StoreError{Code: ErrCorrupt, Table: t, Message: err.Error()}
	}
	if t.compressed() {
		return decompressValue(t, val)
	}
	return val, nil
}

// Store writes a record, compressing it when the table calls for that.
func (tx *Tx) Store(t Table, key, value []byte) error {
	if t.compressed() {
		packed, err := compressValue(value)
		if err != nil {
			return &StoreError{Code: ErrCorrupt, Table: t, Message: err.Error()}
		}
		value = packed
	}
	return tx.txn.Set(t.key(key), value)
}

// Delete removes a record. Deleting a missing key is not an error.
func (tx *Tx) Delete(t Table, key []byte) error {
	return tx.txn.Delete(t.key(key))
}

// Exists reports whether a record is present without reading its value.
func (tx *Tx) Exists(t Table, key []byte) (bool, error) {
	_, err := tx.txn.Get(t.key(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, &StoreError{Code: ErrCorrupt, Table: t, Message: err.Error()}
	}
	return true, nil
}

// ============================================================================
// One-shot convenience wrappers
// ============================================================================

// Fetch reads a single record outside any caller-managed transaction.
func (d *DB) Fetch(t Table, key []byte) ([]byte, error) {
	var out []byte
	err := d.View(func(tx *Tx) error {
		val, err := tx.Fetch(t, key)
		if err != nil {
			return err
		}
		out = val
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Store writes a single record in its own transaction.
func (d *DB) Store(t Table, key, value []byte) error {
	return d.Update(func(tx *Tx) error {
		return tx.Store(t, key, value)
	})
}

// Delete removes a single record in its own transaction.
func (d *DB) Delete(t Table, key []byte) error {
	return d.Update(func(tx *Tx) error {
		return tx.Delete(t, key)
	})
}

// Exists reports whether a record is present.
func (d *DB) Exists(t Table, key []byte) (bool, error) {
	var found bool
	err := d.View(func(tx *Tx) error {
		ok, err := tx.Exists(t, key)
		found = ok
		return err
	})
	return found, err
}
