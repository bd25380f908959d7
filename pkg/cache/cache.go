// Package cache is a persistent key/value cache on badger. The indexer uses
// it to remember the imports extracted from each source digest so unchanged
// sources are never parsed twice, even across revisions and branches.
package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Config configures Open.
type Config struct {
	// Dir holds the database; ignored when InMemory is set.
	Dir      string
	InMemory bool
	// TTL expires entries; zero keeps them forever.
	TTL    time.Duration
	Logger *slog.Logger
}

// Cache is a namespaced byte cache. It is safe for concurrent use.
type Cache struct {
	db        *badger.DB
	namespace string
	ttl       time.Duration
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens or creates the cache database.
func Open(cfg Config) (*Cache, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, errors.New("open cache: dir is required for a persistent cache")
		}
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("open cache: mkdir %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return &Cache{db: db, ttl: cfg.TTL}, nil
}

// Namespace returns a view of c whose keys are prefixed with ns. Views share
// the underlying database; closing any of them closes it.
func (c *Cache) Namespace(ns string) *Cache {
	return &Cache{db: c.db, namespace: c.namespace + ns + "/", ttl: c.ttl}
}

func (c *Cache) key(k string) []byte {
	return []byte(c.namespace + k)
}

// Get returns the value stored under key.
func (c *Cache) Get(key string) ([]byte, bool, error) {
	var out []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(c.key(key))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return out, true, nil
}

// Put stores value under key, replacing any previous value.
func (c *Cache) Put(key string, value []byte) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry(c.key(key), value)
		if c.ttl > 0 {
			e = e.WithTTL(c.ttl)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("cache put %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (c *Cache) Delete(key string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(c.key(key))
	})
	if err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// Len counts the keys in c's namespace.
func (c *Cache) Len() (int, error) {
	n := 0
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(c.namespace)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cache len: %w", err)
	}
	return n, nil
}

// Compact reclaims value log space. It is a no-op for in-memory caches.
func (c *Cache) Compact() error {
	if c.db.Opts().InMemory {
		return nil
	}
	for {
		err := c.db.RunValueLogGC(0.5)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("cache compact: %w", err)
		}
	}
}

// Close closes the database.
func (c *Cache) Close() error {
	return c.db.Close()
}
