// Package store persists the display's key/value state in PebbleDB.
package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/pebble/v2"
	"github.com/cockroachdb/pebble/v2/vfs"
)

const (
	// LogPrefix prefixes every per-episode subtitle log snapshot.
	LogPrefix = "log:"
	// CurrentContextKey holds the last settled episode id.
	CurrentContextKey = "currentContextId"
	// PrefOrderKey holds the display sort order ("reverse" or "chronological").
	PrefOrderKey = "pref:subtitleOrder"
	// PrefTimestampsKey holds whether timestamps are shown ("true"/"false").
	PrefTimestampsKey = "pref:showTimestamps"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// LogKey returns the key under which the log for episode id is stored.
func LogKey(id string) string {
	return LogPrefix + id
}

// Store is the key/value contract the display core writes through.
type Store interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Remove(key string) error
	Keys(prefix string) ([]string, error)
	Close() error
}

// Pebble is a Store backed by a PebbleDB directory.
type Pebble struct {
	db *pebble.DB
}

// Open opens (creating if needed) a Pebble store rooted at dir.
func Open(dir string) (*Pebble, error) {
	if dir == "" {
		return nil, errors.New("store: empty data path")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := pebble.Open(filepath.Clean(dir), &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble db: %w", err)
	}
	return &Pebble{db: db}, nil
}

// OpenMemory opens a Pebble store on an in-memory filesystem. Nothing
// survives Close.
func OpenMemory() (*Pebble, error) {
	db, err := pebble.Open("dialog", &pebble.Options{FS: vfs.NewMem()})
	if err != nil {
		return nil, fmt.Errorf("open pebble db: %w", err)
	}
	return &Pebble{db: db}, nil
}

// Get returns a copy of the value for key. The bool is false when the key
// does not exist.
func (s *Pebble) Get(key string) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, ErrClosed
	}
	data, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	defer closer.Close()
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, true, nil
}

// Set stores value under key with a synced write.
func (s *Pebble) Set(key string, value []byte) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if err := s.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (s *Pebble) Remove(key string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if err := s.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("remove %q: %w", key, err)
	}
	return nil
}

// Keys lists every key starting with prefix in byte order.
func (s *Pebble) Keys(prefix string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	opts := &pebble.IterOptions{}
	if prefix != "" {
		opts.LowerBound = []byte(prefix)
		opts.UpperBound = prefixUpperBound([]byte(prefix))
	}
	it, err := s.db.NewIter(opts)
	if err != nil {
		return nil, fmt.Errorf("iterate %q: %w", prefix, err)
	}
	defer func() { _ = it.Close() }()

	out := make([]string, 0, 16)
	for it.First(); it.Valid(); it.Next() {
		if !bytes.HasPrefix(it.Key(), []byte(prefix)) {
			break
		}
		out = append(out, string(it.Key()))
	}
	return out, nil
}

// Close flushes and closes the database.
func (s *Pebble) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Episodes lists the episode ids that have a stored log.
func Episodes(s Store) ([]string, error) {
	keys, err := s.Keys(LogPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, LogPrefix))
	}
	return ids, nil
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil if there is none.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
