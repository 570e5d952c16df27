// Package keycache is a TTL-bounded on-disk cache of content keys, keyed by
// channel, so a pipeline restart does not have to re-acquire a license from
// scratch every time.
package keycache

import (
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/tibellium/vidcdm/internal/drm/types"
)

// entry is the on-disk representation of one content key.
type entry struct {
	Kid     [16]byte      `json:"kid"`
	Key     []byte        `json:"key"`
	KeyType types.KeyType `json:"key_type"`
}

// Cache is a badger-backed store of ContentKey sets, one set per channel
// key (typically a channels.ChannelID.String()).
type Cache struct {
	db  *badger.DB
	ttl time.Duration
}

// Open opens (creating if absent) a badger database at dir. ttl bounds how
// long a cached key set survives before it must be re-acquired.
func Open(dir string, ttl time.Duration) (*Cache, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("keycache: open %s: %w", dir, err)
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{db: db, ttl: ttl}, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error { return c.db.Close() }

// Put stores keys under channelKey with the cache's configured TTL.
func (c *Cache) Put(channelKey string, keys []types.ContentKey) error {
	entries := make([]entry, len(keys))
	for i, k := range keys {
		entries[i] = entry{Kid: k.Kid(), Key: k.Key(), KeyType: k.KeyType()}
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("keycache: marshal %s: %w", channelKey, err)
	}
	return c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(channelKey), raw).WithTTL(c.ttl)
		return txn.SetEntry(e)
	})
}

// Get returns the cached key set for channelKey, or (nil, false) if absent
// or expired.
func (c *Cache) Get(channelKey string) ([]types.ContentKey, bool) {
	var raw []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(channelKey))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			raw = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, false
	}

	var entries []entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, false
	}

	keys := make([]types.ContentKey, 0, len(entries))
	for _, e := range entries {
		k, err := types.NewContentKeyWithType(e.Kid[:], e.Key, e.KeyType)
		if err != nil {
			continue
		}
		keys = append(keys, k)
	}
	return keys, len(keys) > 0
}

// Delete evicts the cached key set for channelKey, if any.
func (c *Cache) Delete(channelKey string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(channelKey))
	})
}
