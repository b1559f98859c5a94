// Package attrs implements the broker's AttributeStore: a typed
// key/value cache with an immutability flag, backed by bbolt so that
// persisted attributes (as opposed to the cache-only ones modules set via
// their welcome snapshot) survive a broker restart. Grounded on the
// teacher's pkg/storage/boltdb.go bucket-per-concern layout, adapted from
// a multi-entity store to a single flat key/value bucket.
package attrs

import (
	"encoding/json"
	"fmt"

	"github.com/flux-framework/flux-broker-core/internal/errkind"
	bolt "go.etcd.io/bbolt"
)

var bucketAttrs = []byte("attrs")

// entry is what's actually persisted per key.
type entry struct {
	Value     string `json:"value"`
	Immutable bool   `json:"immutable"`
}

// Store is a typed key/value attribute cache with an immutability flag,
// as named in spec.md §2's out-of-scope collaborator list.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) a bbolt-backed attribute store at
// path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("attrs: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketAttrs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("attrs: init bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns an attribute's current value and immutability flag.
func (s *Store) Get(name string) (string, bool, error) {
	var e entry
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketAttrs).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return decodeEntry(data, &e)
	})
	if err != nil {
		return "", false, err
	}
	if !found {
		return "", false, errkind.New(errkind.NotOwner, "attribute %q not found", name)
	}
	return e.Value, e.Immutable, nil
}

// Add sets name to value for the first time. It fails if name already
// exists.
func (s *Store) Add(name, value string, immutable bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttrs)
		if b.Get([]byte(name)) != nil {
			return errkind.New(errkind.ServiceExists, "attribute %q already set", name)
		}
		return putEntry(b, name, entry{Value: value, Immutable: immutable})
	})
}

// Set updates name's value. It fails if the existing entry is immutable.
func (s *Store) Set(name, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttrs)
		var e entry
		data := b.Get([]byte(name))
		if data != nil {
			if err := decodeEntry(data, &e); err != nil {
				return err
			}
			if e.Immutable {
				return errkind.New(errkind.NotOwner, "attribute %q is immutable", name)
			}
		}
		e.Value = value
		return putEntry(b, name, e)
	})
}

// SetFlags sets name's immutability flag to immutable (spec.md §6's
// FLUX_ATTRFLAG_IMMUTABLE).
func (s *Store) SetFlags(name string, immutable bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAttrs)
		var e entry
		data := b.Get([]byte(name))
		if data == nil {
			return errkind.New(errkind.NotOwner, "attribute %q not found", name)
		}
		if err := decodeEntry(data, &e); err != nil {
			return err
		}
		e.Immutable = immutable
		return putEntry(b, name, e)
	})
}

// All returns every attribute as a flat name->value map, for seeding a
// module's welcome attrs snapshot.
func (s *Store) All() (map[string]string, error) {
	out := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAttrs).ForEach(func(k, v []byte) error {
			var e entry
			if err := decodeEntry(v, &e); err != nil {
				return err
			}
			out[string(k)] = e.Value
			return nil
		})
	})
	return out, err
}

func decodeEntry(data []byte, e *entry) error {
	if err := json.Unmarshal(data, e); err != nil {
		return fmt.Errorf("attrs: decode: %w", err)
	}
	return nil
}

func putEntry(b *bolt.Bucket, name string, e entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("attrs: encode: %w", err)
	}
	return b.Put([]byte(name), data)
}
