package database

import (
	badger "github.com/dgraph-io/badger/v3"
)

// NewBadger opens the embedded key-value store backing the engine. The
// store's logger is silenced; the engine logs at its own layers.
func NewBadger(path string, inMemory bool) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	return badger.Open(opts)
}
