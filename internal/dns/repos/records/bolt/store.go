// Package bolt persists administratively added records in a bbolt database.
// Keys are canonical patterns, values are the four address octets.
package bolt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/haukened/rr-dnsproxy/internal/dns/domain"
)

var (
	bucketRecords = []byte("records")
	bucketMeta    = []byte("meta")

	keyUpdated = []byte("updated")
)

// ErrNotFound is returned by Delete when the pattern is not stored.
var ErrNotFound = errors.New("record not found")

// Stats summarizes the database contents.
type Stats struct {
	Records     uint64
	UpdatedUnix int64
}

// Store is a bbolt-backed record database.
type Store struct {
	db  *bbolt.DB
	now func() time.Time
}

// New opens (or creates) a Bolt database at path and ensures buckets exist.
func New(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open records db %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketRecords); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Put stores rec, replacing any address already kept for its pattern.
func (s *Store) Put(rec domain.DomainRecord) error {
	return s.PutAll([]domain.DomainRecord{rec})
}

// PutAll stores recs in a single transaction.
func (s *Store) PutAll(recs []domain.DomainRecord) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		for _, rec := range recs {
			if err := b.Put([]byte(rec.Pattern), rec.Address[:]); err != nil {
				return err
			}
		}
		return s.touch(tx)
	})
}

// Delete removes the record stored under pattern.
func (s *Store) Delete(pattern string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		if b.Get([]byte(pattern)) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, pattern)
		}
		if err := b.Delete([]byte(pattern)); err != nil {
			return err
		}
		return s.touch(tx)
	})
}

// All returns every stored record in key order. Entries whose value is not
// exactly four bytes are skipped.
func (s *Store) All() ([]domain.DomainRecord, error) {
	var out []domain.DomainRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			if len(v) != 4 {
				return nil
			}
			out = append(out, domain.DomainRecord{
				Pattern: string(k),
				Address: domain.Address(v),
			})
			return nil
		})
	})
	return out, err
}

func (s *Store) Stats() Stats {
	st := Stats{}
	_ = s.db.View(func(tx *bbolt.Tx) error {
		if b := tx.Bucket(bucketRecords); b != nil {
			st.Records = uint64(b.Stats().KeyN)
		}
		if b := tx.Bucket(bucketMeta); b != nil {
			if v := b.Get(keyUpdated); len(v) == 8 {
				st.UpdatedUnix = int64(binary.BigEndian.Uint64(v))
			}
		}
		return nil
	})
	return st
}

func (s *Store) touch(tx *bbolt.Tx) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(s.now().Unix()))
	return tx.Bucket(bucketMeta).Put(keyUpdated, buf)
}
