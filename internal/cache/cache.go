// Package cache implements a file-backed expiring cache. Each entry lives
// in its own JSON file under a namespace directory; expiry is lazy — an
// entry older than its TTL is treated as absent on read but never eagerly
// deleted.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Cache is a TTL cache rooted at a directory. The zero value is not usable;
// construct with New.
type Cache struct {
	dir string
	now func() time.Time
}

// New returns a cache rooted at dir. The directory is created on first write.
func New(dir string) *Cache {
	return &Cache{dir: dir, now: time.Now}
}

// NewWithClock returns a cache with an injected clock, for tests that need
// to simulate expiry.
func NewWithClock(dir string, now func() time.Time) *Cache {
	return &Cache{dir: dir, now: now}
}

// entry is the on-disk envelope around a cached payload.
type entry struct {
	CreatedAt int64           `json:"created_at"`
	TTLDays   float64         `json:"ttl_days"`
	Payload   json.RawMessage `json:"payload"`
}

// Key derives the cache key for an operation and its arguments. Arguments
// are sorted by name before hashing, so the same logical call with
// reordered arguments maps to the same slot.
func Key(op string, args map[string]any) string {
	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(op)
	for _, name := range names {
		fmt.Fprintf(&b, "|%s=%v", name, args[name])
	}

	sum := sha256.Sum256([]byte(b.String()))
	return op + "_" + hex.EncodeToString(sum[:16])
}

// Get returns the raw payload for key, or ok=false when the entry is
// missing, unreadable, or past its TTL. Expired entries are left on disk.
func (c *Cache) Get(key string) (json.RawMessage, bool) {
	raw, err := os.ReadFile(c.path(key))
	if err != nil {
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		zap.L().Debug("cache: discarding unreadable entry", zap.String("key", key), zap.Error(err))
		return nil, false
	}

	age := c.now().Unix() - e.CreatedAt
	if float64(age) > e.TTLDays*86400 {
		zap.L().Debug("cache: entry expired", zap.String("key", key))
		return nil, false
	}

	return e.Payload, true
}

// Put stores payload under key with the given TTL in days. The write goes
// to a temp file followed by a rename, so a concurrent writer to the same
// key cannot leave a torn file behind; last writer wins.
func (c *Cache) Put(key string, payload any, ttlDays float64) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return eris.Wrap(err, "cache: marshal payload")
	}

	data, err := json.Marshal(entry{
		CreatedAt: c.now().Unix(),
		TTLDays:   ttlDays,
		Payload:   raw,
	})
	if err != nil {
		return eris.Wrap(err, "cache: marshal entry")
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return eris.Wrap(err, "cache: create dir")
	}

	tmp, err := os.CreateTemp(c.dir, key+".*.tmp")
	if err != nil {
		return eris.Wrap(err, "cache: create temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return eris.Wrap(err, "cache: write temp file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return eris.Wrap(err, "cache: close temp file")
	}
	if err := os.Rename(tmp.Name(), c.path(key)); err != nil {
		_ = os.Remove(tmp.Name())
		return eris.Wrap(err, "cache: rename")
	}

	return nil
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key+".json")
}

// GetAs unmarshals the payload for key into a value of type T.
func GetAs[T any](c *Cache, key string) (T, bool) {
	var v T
	raw, ok := c.Get(key)
	if !ok {
		return v, false
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		zap.L().Debug("cache: payload type mismatch", zap.String("key", key), zap.Error(err))
		return v, false
	}
	return v, true
}
