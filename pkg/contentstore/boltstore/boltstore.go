// Package boltstore implements contentstore.Store over a local bbolt
// database, grounded on the teacher's pkg/storage.BoltStore: one bucket,
// opened once at startup, CRUD via db.Update/db.View. Here the bucket
// holds exactly one kind of record — an immutable blob keyed by its own
// content ref — so there is no per-entity bucket fan-out.
package boltstore

import (
	"context"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/garrettbslone/flux-core/pkg/contentstore"
	"github.com/garrettbslone/flux-core/pkg/kvstree"
)

var bucketBlobs = []byte("blobs")

// Store is a bbolt-backed contentstore.Store, suitable for a single-node
// deployment or as the leader's durable backing store.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) a bbolt database under dataDir.
func Open(dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, "kvs-content.db")
	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("boltstore: open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlobs)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("boltstore: create bucket: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Load(_ context.Context, ref kvstree.Ref) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlobs)
		data := b.Get([]byte(ref))
		if data == nil {
			return contentstore.NewNotFound(ref)
		}
		out = append([]byte(nil), data...)
		return nil
	})
	return out, err
}

func (s *Store) Store(_ context.Context, ref kvstree.Ref, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlobs)
		return b.Put([]byte(ref), data)
	})
}
