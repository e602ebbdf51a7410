package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/TomPython98/pinit-backend-sub005/models"
)

var bucketName = []byte("event_snapshots")

// snapshotRecord is the persisted form of one user's last-known visible set.
type snapshotRecord struct {
	Username string         `json:"username"`
	SavedAt  time.Time      `json:"saved_at"`
	Events   []models.Event `json:"events"`
}

// SnapshotStore persists the last-known visible event set per user so a new
// session can render something before the first full fetch completes. It is
// a warm-start convenience, never an authority: every successful full fetch
// overwrites it.
type SnapshotStore struct {
	db *bolt.DB
}

func NewSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening snapshot db at %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating snapshot bucket: %w", err)
	}

	return &SnapshotStore{db: db}, nil
}

// Save replaces the stored snapshot for the user.
func (s *SnapshotStore) Save(username string, events []models.Event) error {
	rec := snapshotRecord{Username: username, SavedAt: time.Now().UTC(), Events: events}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling snapshot for %s: %w", username, err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(username), data)
	})
	if err != nil {
		return fmt.Errorf("writing snapshot for %s: %w", username, err)
	}
	return nil
}

// Load returns the stored snapshot for the user, or (nil, zero, nil) when no
// snapshot exists.
func (s *SnapshotStore) Load(username string) ([]models.Event, time.Time, error) {
	var rec *snapshotRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketName).Get([]byte(username))
		if data == nil {
			return nil
		}
		var r snapshotRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("unmarshaling snapshot for %s: %w", username, err)
		}
		rec = &r
		return nil
	})
	if err != nil {
		return nil, time.Time{}, err
	}
	if rec == nil {
		return nil, time.Time{}, nil
	}
	return rec.Events, rec.SavedAt, nil
}

// Delete removes the snapshot for the user, e.g. on logout.
func (s *SnapshotStore) Delete(username string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Delete([]byte(username))
	})
}

func (s *SnapshotStore) Close() error {
	return s.db.Close()
}
