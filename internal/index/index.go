// Package index wraps an embedded persistent sorted-map store used as a
// best-effort secondary index over the keyspace — grounded on the
// dialtr-pebble reference file in the retrieval pack. No core operation
// depends on this package: the storage engine writes to it strictly
// after the log append and map mutation, and a failure here is logged,
// not propagated.
package index

import (
	"fmt"

	"github.com/cockroachdb/pebble"
)

// Index is a thin, range-ordered key/value store additionally maintained
// alongside MEM so that ordered iteration doesn't require scanning MEM's
// unordered Go map.
type Index struct {
	db *pebble.DB
}

// Open opens (creating if absent) a pebble instance rooted at dir.
func Open(dir string) (*Index, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("index: open %s: %w", dir, err)
	}
	return &Index{db: db}, nil
}

// Put writes key/value. Best-effort: callers should log, not propagate,
// a returned error.
func (idx *Index) Put(key, value string) error {
	return idx.db.Set([]byte(key), []byte(value), pebble.Sync)
}

// Delete removes key. Deleting an absent key is not an error.
func (idx *Index) Delete(key string) error {
	return idx.db.Delete([]byte(key), pebble.Sync)
}

// Range iterates keys in [start, end) lexicographic order, calling fn for
// each. Iteration stops early if fn returns false.
func (idx *Index) Range(start, end string, fn func(key, value string) bool) error {
	iter, err := idx.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(start),
		UpperBound: []byte(end),
	})
	if err != nil {
		return fmt.Errorf("index: new iterator: %w", err)
	}
	defer iter.Close()

	for valid := iter.First(); valid; valid = iter.Next() {
		if !fn(string(iter.Key()), string(iter.Value())) {
			break
		}
	}
	return iter.Close()
}

// Close releases the underlying pebble handle.
func (idx *Index) Close() error {
	return idx.db.Close()
}
