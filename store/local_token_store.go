/*
LocalTokenStore is the node-local half of spec.md's storage split (§6):
every node keeps its own durable copy of the current TokenMetadata ring
and replication stage so it can resume serving reads/writes after a
restart without waiting on the distributed gateway. It is deliberately
not part of the Raft group — it's a cache of the last ring mutation this
node has observed, not a source of truth.
*/
package store

import (
	"bytes"
	"encoding/gob"
	"fmt"

	bolt "go.etcd.io/bbolt"
)

var tokenMetadataBucket = []byte("token_metadata")

const tokenMetadataKey = "ring"

// LocalTokenStore persists the most recently applied topology.Mutation
// bytes and timestamp to a local bbolt file, the same durable-local-file
// role store/redis.go played for the teacher before the RESP surface
// around it was dropped (see DESIGN.md).
type LocalTokenStore struct {
	db *bolt.DB
}

type persistedMutation struct {
	Timestamp int64
	Payload   []byte
}

// OpenLocalTokenStore opens (creating if necessary) a bbolt file at path.
func OpenLocalTokenStore(path string) (*LocalTokenStore, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening local token store %q: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tokenMetadataBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating token_metadata bucket: %w", err)
	}
	return &LocalTokenStore{db: db}, nil
}

func (s *LocalTokenStore) Close() error {
	return s.db.Close()
}

// Save durably records a mutation's (timestamp, payload) pair, overwriting
// whatever was previously stored — callers are expected to have already
// applied last-writer-wins ordering (topology.TokenMetadata.Apply) before
// persisting, so Save never needs to compare timestamps itself.
func (s *LocalTokenStore) Save(timestamp int64, payload []byte) error {
	pm := persistedMutation{Timestamp: timestamp, Payload: payload}
	buf, err := encodePersisted(pm)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokenMetadataBucket)
		return b.Put([]byte(tokenMetadataKey), buf)
	})
}

// Load returns the last saved (timestamp, payload) pair, or ok=false if
// nothing has ever been saved (a fresh node).
func (s *LocalTokenStore) Load() (timestamp int64, payload []byte, ok bool, err error) {
	err = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(tokenMetadataBucket)
		raw := b.Get([]byte(tokenMetadataKey))
		if raw == nil {
			return nil
		}
		pm, decErr := decodePersisted(raw)
		if decErr != nil {
			return decErr
		}
		timestamp = pm.Timestamp
		payload = pm.Payload
		ok = true
		return nil
	})
	return timestamp, payload, ok, err
}

func encodePersisted(pm persistedMutation) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(pm); err != nil {
		return nil, fmt.Errorf("encoding persisted mutation: %w", err)
	}
	return buf.Bytes(), nil
}

func decodePersisted(raw []byte) (persistedMutation, error) {
	var pm persistedMutation
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&pm); err != nil {
		return persistedMutation{}, fmt.Errorf("decoding persisted mutation: %w", err)
	}
	return pm, nil
}
