package models

import (
	"fmt"
	"time"

	"github.com/timshannon/bolthold"
	"go.etcd.io/bbolt"
)

// Database wraps the bolthold store
type Database struct {
	store *bolthold.Store
}

// NewDatabase creates a new database connection
func NewDatabase(path string) (*Database, error) {
	store, err := bolthold.Open(path, 0600, &bolthold.Options{
		Options: &bbolt.Options{
			Timeout: 1 * time.Second,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &Database{store: store}, nil
}

// Close closes the database connection
func (db *Database) Close() error {
	return db.store.Close()
}

// Position operations

// GetPosition retrieves the cached position for an item
func (db *Database) GetPosition(itemID string) (*PositionRecord, error) {
	var record PositionRecord
	err := db.store.Get(itemID, &record)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// SavePosition inserts or updates the cached position for an item
func (db *Database) SavePosition(record *PositionRecord) error {
	record.SyncedAt = time.Now()
	return db.store.Upsert(record.ItemID, record)
}

// DeletePosition removes the cached position for an item
func (db *Database) DeletePosition(itemID string) error {
	err := db.store.Delete(itemID, &PositionRecord{})
	if err == bolthold.ErrNotFound {
		return nil
	}
	return err
}

// ClearPositions removes all cached positions, used on sign-out
func (db *Database) ClearPositions() error {
	return db.store.DeleteMatching(&PositionRecord{}, nil)
}

// Listening event operations

// EnqueueListeningEvent buffers a listening report for later delivery
func (db *Database) EnqueueListeningEvent(event *ListeningEvent) error {
	event.CreatedAt = time.Now()
	return db.store.Insert(bolthold.NextSequence(), event)
}

// GetPendingListeningEvents retrieves all buffered listening reports
func (db *Database) GetPendingListeningEvents() ([]*ListeningEvent, error) {
	var events []*ListeningEvent
	err := db.store.Find(&events, nil)
	return events, err
}

// DeleteListeningEvent removes a delivered listening report
func (db *Database) DeleteListeningEvent(id uint64) error {
	return db.store.Delete(id, &ListeningEvent{})
}
