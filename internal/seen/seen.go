package seen

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	bolt "go.etcd.io/bbolt"
)

const defaultCacheSize = 4096

var bucketName = []byte("seen_urls")

// Store is the durable set of accepted links. Every MarkSeen is committed before it returns,
// so the set survives restarts without an explicit flush. Recent hits are kept in memory.
type Store struct {
	db    *bolt.DB
	cache *lru.Cache[string, struct{}]
	now   func() time.Time
}

// Open opens (creating if needed) the seen-URL database at path.
func Open(path string, cacheSize int) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("seen store path is empty")
	}
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create seen store dir: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open seen store: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create seen bucket: %w", err)
	}

	cache, err := lru.New[string, struct{}](cacheSize)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create seen cache: %w", err)
	}

	return &Store{db: db, cache: cache, now: time.Now}, nil
}

// IsSeen reports whether url was marked in this or any earlier run.
func (s *Store) IsSeen(url string) (bool, error) {
	if s.cache.Contains(url) {
		return true, nil
	}

	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketName).Get([]byte(url)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("lookup seen url: %w", err)
	}
	if found {
		s.cache.Add(url, struct{}{})
	}
	return found, nil
}

// MarkSeen records url with the time it was first accepted. Marking twice keeps the first time.
func (s *Store) MarkSeen(url string) error {
	if url == "" {
		return errors.New("empty url")
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get([]byte(url)) != nil {
			return nil
		}
		return b.Put([]byte(url), []byte(s.now().UTC().Format(time.RFC3339)))
	})
	if err != nil {
		return fmt.Errorf("mark seen url: %w", err)
	}
	s.cache.Add(url, struct{}{})
	return nil
}

// firstSeen returns when url was marked, if ever.
func (s *Store) firstSeen(url string) (time.Time, bool, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketName).Get([]byte(url)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return time.Time{}, false, fmt.Errorf("lookup seen url: %w", err)
	}
	if raw == nil {
		return time.Time{}, false, nil
	}
	at, err := time.Parse(time.RFC3339, string(raw))
	if err != nil {
		return time.Time{}, true, fmt.Errorf("decode seen time: %w", err)
	}
	return at, true, nil
}

// Count returns the number of stored links.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketName).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
