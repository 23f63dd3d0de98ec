// Copyright (C) 2024 Aaron Craelius. All Rights Reserved.

// Package history provides a persistent, append-only record of the code
// evaluated in each session, backed by a bbolt database. The server records
// an entry per eval request; tooling can read the record back per session.
package history

import (
	"encoding/binary"
	"time"

	bolt "go.etcd.io/bbolt"
)

// An Entry is one recorded evaluation.
type Entry struct {
	Seq  int    // sequence number within the session, starting at 1
	Code string // the source submitted for evaluation
}

// A Store records evaluation history. Each session gets its own bucket,
// keyed by big-endian sequence number so iteration order is eval order.
type Store struct {
	db *bolt.DB
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// Add appends code to the history of the named session and returns its
// sequence number.
func (s *Store) Add(session, code string) (int, error) {
	var seq uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(session))
		if err != nil {
			return err
		}
		seq, err = b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(marshalSeq(seq), []byte(code))
	})
	return int(seq), err
}

// List returns the full history of the named session, oldest first. A
// session with no recorded history yields an empty list.
func (s *Store) List(session string) ([]Entry, error) {
	var entries []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(session))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			entries = append(entries, Entry{Seq: int(unmarshalSeq(k)), Code: string(v)})
		}
		return nil
	})
	return entries, err
}

// Drop removes the history of the named session.
func (s *Store) Drop(session string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(session)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(session))
	})
}

func marshalSeq(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

func unmarshalSeq(key []byte) uint64 {
	return binary.BigEndian.Uint64(key)
}
