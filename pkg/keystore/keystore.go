// Package keystore implements the daemon's storage collaborator: a
// BoltDB-backed table of opaque keychain blobs keyed by DbIdentifier,
// plus a small bucket of smartcard reader snapshots (ReaderSnapshot).
// SmartcardMonitor does not read or write that bucket.
//
// Modeled on warren/pkg/storage/boltdb.go's bucket-per-concern BoltDB
// wrapper and pkg/storage/store.go's interface-first design, shrunk to
// the two concerns spec.md §1/§6 actually needs.
package keystore

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketBlobs   = []byte("keychain_blobs")
	bucketReaders = []byte("smartcard_readers")
)

// BlobRecord is the persisted form of one keychain's encrypted
// on-disk payload.
type BlobRecord struct {
	DbName    string    `json:"db_name"`
	Data      []byte    `json:"data"`
	Salt      []byte    `json:"salt"`
	Sig       []byte    `json:"sig"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReaderSnapshot records the last observed state of one smartcard
// reader.
type ReaderSnapshot struct {
	Name        string    `json:"name"`
	ServiceName string    `json:"service_name"`
	TokenSerial string    `json:"token_serial,omitempty"`
	LastSeen    time.Time `json:"last_seen"`
}

// Store is the storage collaborator contract. A BoltStore is the only
// production implementation; tests may substitute an in-memory fake.
type Store interface {
	PutBlob(id string, rec BlobRecord) error
	GetBlob(id string) (BlobRecord, error)
	DeleteBlob(id string) error
	ListBlobs() ([]BlobRecord, error)

	PutReader(rec ReaderSnapshot) error
	GetReader(name string) (ReaderSnapshot, error)
	ListReaders() ([]ReaderSnapshot, error)
	DeleteReader(name string) error

	Close() error
}

// BoltStore is the default Store, backed by a single BoltDB file.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) a BoltDB file under
// dataDir and ensures both buckets exist.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "securityd.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open keystore: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketBlobs, bucketReaders} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the underlying database file.
func (s *BoltStore) Close() error { return s.db.Close() }

// PutBlob upserts a keychain blob record under id.
func (s *BoltStore) PutBlob(id string, rec BlobRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal blob record: %w", err)
		}
		return tx.Bucket(bucketBlobs).Put([]byte(id), data)
	})
}

// GetBlob retrieves the blob record stored under id.
func (s *BoltStore) GetBlob(id string) (BlobRecord, error) {
	var rec BlobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBlobs).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("blob not found: %s", id)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// DeleteBlob removes the blob record stored under id. Idempotent.
func (s *BoltStore) DeleteBlob(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Delete([]byte(id))
	})
}

// ListBlobs returns every persisted blob record.
func (s *BoltStore) ListBlobs() ([]BlobRecord, error) {
	var out []BlobRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).ForEach(func(k, v []byte) error {
			var rec BlobRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// PutReader upserts a reader snapshot, keyed by reader name.
func (s *BoltStore) PutReader(rec ReaderSnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal reader snapshot: %w", err)
		}
		return tx.Bucket(bucketReaders).Put([]byte(rec.Name), data)
	})
}

// GetReader retrieves the snapshot for a named reader.
func (s *BoltStore) GetReader(name string) (ReaderSnapshot, error) {
	var rec ReaderSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketReaders).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("reader not found: %s", name)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

// ListReaders returns every persisted reader snapshot.
func (s *BoltStore) ListReaders() ([]ReaderSnapshot, error) {
	var out []ReaderSnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReaders).ForEach(func(k, v []byte) error {
			var rec ReaderSnapshot
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// DeleteReader removes a reader's snapshot. Idempotent.
func (s *BoltStore) DeleteReader(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReaders).Delete([]byte(name))
	})
}
