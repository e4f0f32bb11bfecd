// Package headercache memoizes parsed log segment [startSeq,endSeq] bounds
// in a small embedded badger database, so the Directory Loader does not
// need to rescan every log segment's head/tail on every restart
// (SPEC_FULL.md DOMAIN STACK, grounded on the teacher's pkg/metadata/badger
// usage of github.com/dgraph-io/badger/v4).
//
// The cache is strictly an optimization: a miss, a corrupt entry, or a
// failure to open the database all degrade to a full file rescan by the
// caller. Nothing here affects correctness.
package headercache

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Bounds is a cached [startSeq, endSeq] pair.
type Bounds struct {
	StartSeq int64
	EndSeq   int64
}

// Cache wraps a badger database keyed by path + size + mtime, so a file
// that has been truncated, rewritten, or replaced never serves a stale hit.
type Cache struct {
	db *badger.DB
}

// Open opens (creating if necessary) the header cache database at dir.
func Open(dir string) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open header cache at %s: %w", dir, err)
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying database.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Lookup returns the cached bounds for path if present and stamped with the
// same size/mtime as given.
func (c *Cache) Lookup(path string, size int64, mtime time.Time) (Bounds, bool) {
	if c == nil {
		return Bounds{}, false
	}

	var bounds Bounds
	key := cacheKey(path, size, mtime)

	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 16 {
				return fmt.Errorf("corrupt header cache entry")
			}
			bounds.StartSeq = int64(binary.BigEndian.Uint64(val[0:8]))
			bounds.EndSeq = int64(binary.BigEndian.Uint64(val[8:16]))
			return nil
		})
	})
	if err != nil {
		return Bounds{}, false
	}

	return bounds, true
}

// Store records bounds for path under its current size/mtime.
func (c *Cache) Store(path string, size int64, mtime time.Time, startSeq, endSeq int64) {
	if c == nil {
		return
	}

	key := cacheKey(path, size, mtime)
	val := make([]byte, 16)
	binary.BigEndian.PutUint64(val[0:8], uint64(startSeq))
	binary.BigEndian.PutUint64(val[8:16], uint64(endSeq))

	_ = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

func cacheKey(path string, size int64, mtime time.Time) []byte {
	return []byte(fmt.Sprintf("%s|%d|%d", path, size, mtime.UnixNano()))
}
