// Package store persists the scanner inventory and the firmware update
// journal.
package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Scanner inventory, keyed by port.
	SaveScanner(sc *Scanner) error
	GetScanner(port string) (*Scanner, error)
	ListScanners() ([]*Scanner, error)

	// UpdateScanner atomically reads, modifies, and saves a scanner in a
	// single transaction. A missing scanner is created from its port.
	UpdateScanner(port string, fn func(sc *Scanner) error) error

	// Firmware update journal, oldest first.
	SaveUpdate(rec *UpdateRecord) error
	GetUpdate(id string) (*UpdateRecord, error)
	ListUpdates(limit int) ([]*UpdateRecord, error)
	PruneUpdates(keep int) (int, error)

	Close() error
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
