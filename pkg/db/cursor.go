package db

import (
	badger "github.com/dgraph-io/badger/v4"
)

// Cursor walks one table in ascending key order. Keys come back without the
// table prefix. A cursor must be closed before the owning transaction
// commits.
type Cursor struct {
	it     *badger.Iterator
	prefix []byte
	table  Table
}

// Cursor opens an ordered iterator over the table within this transaction.
func (tx *Tx) Cursor(t Table) *Cursor {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = t.prefix()
	it := tx.txn.NewIterator(opts)
	c := &Cursor{it: it, prefix: opts.Prefix, table: t}
	c.Rewind()
	return c
}

// Rewind positions the cursor at the first record.
func (c *Cursor) Rewind() {
	c.it.Seek(c.prefix)
}

// Seek positions the cursor at the first record with key >= k.
func (c *Cursor) Seek(k []byte) {
	c.it.Seek(c.table.key(k))
}

// Valid reports whether the cursor points at a record.
func (c *Cursor) Valid() bool {
	return c.it.ValidForPrefix(c.prefix)
}

// Next advances to the following record.
func (c *Cursor) Next() {
	c.it.Next()
}

// Key returns a copy of the current record key, without the table prefix.
func (c *Cursor) Key() []byte {
	full := c.it.Item().KeyCopy(nil)
	return full[1:]
}

// Value returns a copy of the current record value, decompressed when the
// table stores packed rows.
func (c *Cursor) Value() ([]byte, error) {
	val, err := c.it.Item().ValueCopy(nil)
	if err != nil {
		return nil, &StoreError{Code: ErrCorrupt, Table: c.table, Message: err.Error()}
	}
	if c.table.compressed() {
		return decompressValue(c.table, val)
	}
	return val, nil
}

// Close releases the iterator.
func (c *Cursor) Close() {
	c.it.Close()
}

// ForEach walks every record in a table inside a read transaction. A non-nil
// error from fn stops the walk and is returned.
func (d *DB) ForEach(t Table, fn func(key, value []byte) error) error {
	return d.View(func(tx *Tx) error {
		cur := tx.Cursor(t)
		defer cur.Close()

		for ; cur.Valid(); cur.Next() {
			val, err := cur.Value()
			if err != nil {
				return err
			}
			if err := fn(cur.Key(), val); err != nil {
				return err
			}
		}
		return nil
	})
}
