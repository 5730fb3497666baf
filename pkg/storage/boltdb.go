package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketLease   = []byte("lease")
	bucketOutcome = []byte("outcome")

	keyCurrent = []byte("current")
	keyLast    = []byte("last")
)

// BoltStore implements Store on a bbolt file. bbolt takes an exclusive flock
// on the file for read-write opens, which is the run lock.
type BoltStore struct {
	db       *bolt.DB
	readOnly bool
}

// Open opens the state file read-write, waiting at most timeout for the
// lock. It returns ErrLocked when another process (or another open in this
// process) holds it.
func Open(path string, timeout time.Duration) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("failed to open state file: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketLease, bucketOutcome} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
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

// OpenReadOnly opens the state file for inspection. It returns ErrLocked
// while a run holds the file and ErrNotFound when no run ever happened.
func OpenReadOnly(path string, timeout time.Duration) (*BoltStore, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to stat state file: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: timeout, ReadOnly: true})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}
		return nil, fmt.Errorf("failed to open state file: %w", err)
	}

	return &BoltStore{db: db, readOnly: true}, nil
}

// Path returns the state file path
func (s *BoltStore) Path() string {
	return s.db.Path()
}

// Close drops the lease and releases the lock
func (s *BoltStore) Close() error {
	var errs []error
	if !s.readOnly {
		err := s.db.Update(func(tx *bolt.Tx) error {
			return tx.Bucket(bucketLease).Delete(keyCurrent)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to clear lease: %w", err))
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// AcquireLease records the lock holder
func (s *BoltStore) AcquireLease(lease Lease) error {
	return s.put(bucketLease, keyCurrent, &lease)
}

// Lease returns the recorded lock holder
func (s *BoltStore) Lease() (*Lease, error) {
	var lease Lease
	if err := s.get(bucketLease, keyCurrent, &lease); err != nil {
		return nil, err
	}
	return &lease, nil
}

// SaveOutcome overwrites the last outcome
func (s *BoltStore) SaveOutcome(rec *OutcomeRecord) error {
	return s.put(bucketOutcome, keyLast, rec)
}

// LastOutcome returns the last recorded outcome
func (s *BoltStore) LastOutcome() (*OutcomeRecord, error) {
	var rec OutcomeRecord
	if err := s.get(bucketOutcome, keyLast, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *BoltStore) put(bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put(key, data)
	})
}

func (s *BoltStore) get(bucket, key []byte, v any) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return ErrNotFound
		}
		data := b.Get(key)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, v)
	})
}
