package calib

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/mzyy94/airmustek/internal/ma1017"
)

const bucketName = "calibration"

// Record is one cached power-delay tuning result.
type Record struct {
	Sensor  string      `json:"sensor"`
	DPI     int         `json:"dpi"`
	Mode    string      `json:"mode"`
	Delays  PowerDelays `json:"delays"`
	PGA     int         `json:"pga"`
	Expose  int         `json:"expose"`
	TunedAt time.Time   `json:"tunedAt"`
}

// Key returns the cache key of the entry.
func (e Record) Key() string { return fmt.Sprintf("%s/%d/%s", e.Sensor, e.DPI, e.Mode) }

// NewRecord builds an entry for sensor s on the analog path of dpi.
func NewRecord(s ma1017.Sensor, dpi int, mono bool) Record {
	mode := "rgb"
	if mono {
		mode = "mono"
	}
	return Record{Sensor: s.String(), DPI: dpi, Mode: mode}
}

// Cache keeps tuning results in memory and, when backed by a bbolt file,
// across restarts.
type Cache struct {
	mu  sync.Mutex
	mem map[string]Record
	db  *bbolt.DB
}

// NewCache returns a memory-only cache.
func NewCache() *Cache {
	return &Cache{mem: make(map[string]Record)}
}

// OpenCache opens (or creates) a persistent cache at path and loads it.
func OpenCache(path string) (*Cache, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening calibration cache: %w", err)
	}
	c := &Cache{mem: make(map[string]Record), db: db}
	err = db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		if err != nil {
			return err
		}
		return bucket.ForEach(func(k, v []byte) error {
			var e Record
			if err := json.Unmarshal(v, &e); err != nil {
				slog.Warn("dropping unreadable calibration entry", "key", string(k), "err", err)
				return nil
			}
			c.mem[string(k)] = e
			return nil
		})
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("loading calibration cache: %w", err)
	}
	slog.Info("calibration cache loaded", "path", path, "entries", len(c.mem))
	return c, nil
}

// Get returns the entry stored under key.
func (c *Cache) Get(key string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.mem[key]
	return e, ok
}

// Put stores e under its key.
func (c *Cache) Put(e Record) error {
	if e.TunedAt.IsZero() {
		e.TunedAt = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mem[e.Key()] = e
	if c.db == nil {
		return nil
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshaling calibration entry: %w", err)
		}
		return tx.Bucket([]byte(bucketName)).Put([]byte(e.Key()), data)
	})
}

// List returns every entry ordered by key.
func (c *Cache) List() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Record, 0, len(c.mem))
	for _, e := range c.mem {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Clear forgets every entry.
func (c *Cache) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mem = make(map[string]Record)
	if c.db == nil {
		return nil
	}
	return c.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(bucketName)); err != nil && err != bbolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket([]byte(bucketName))
		return err
	})
}

// Close releases the backing file, if any.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}
