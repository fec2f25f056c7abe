// Package store persists the peer table in a BoltDB file so a restarted
// station remembers who it heard.
package store

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"

	"hfbeacon/internal/beacon"
	"hfbeacon/internal/peers"
)

var (
	peersBucket = []byte("peers")
	metaBucket  = []byte("meta")
	savedAtKey  = []byte("saved_at")
)

// Store wraps a bbolt database for peer records.
type Store struct {
	db  *bolt.DB
	mu  sync.RWMutex
	log zerolog.Logger
}

// New opens or creates a BoltDB file at the given path.
func New(path string, log zerolog.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{peersBucket, metaBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &Store{db: db, log: log.With().Str("component", "store").Logger()}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the stored peers with records.
func (s *Store) Save(records []peers.Record, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(peersBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(peersBucket)
		if err != nil {
			return err
		}

		for _, rec := range records {
			data, err := msgpack.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshaling peer %s: %w", rec.Identity.Short(), err)
			}
			if err := b.Put(rec.Identity[:], data); err != nil {
				return err
			}
		}

		ts, err := now.UTC().MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(savedAtKey, ts)
	})
	if err != nil {
		return fmt.Errorf("saving peers: %w", err)
	}

	s.log.Debug().Int("count", len(records)).Msg("Peer table saved")
	return nil
}

// Load returns every stored peer. Corrupt entries are skipped.
func (s *Store) Load() ([]peers.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []peers.Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(peersBucket).ForEach(func(k, v []byte) error {
			var rec peers.Record
			if err := msgpack.Unmarshal(v, &rec); err != nil || len(k) != beacon.IdentitySize {
				s.log.Warn().Err(err).Hex("key", k).Msg("Skipping corrupt record")
				return nil
			}
			copy(rec.Identity[:], k)
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("loading peers: %w", err)
	}
	return records, nil
}

// SavedAt returns when Save last ran, zero if never.
func (s *Store) SavedAt() (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var t time.Time
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(savedAtKey)
		if v == nil {
			return nil
		}
		return t.UnmarshalBinary(v)
	})
	return t, err
}
