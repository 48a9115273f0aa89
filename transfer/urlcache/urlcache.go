// Package urlcache is the process-wide cache of resolved resource URLs.
//
// The cache is explicit process state: call Init once at startup and Close at shutdown.
// Every function returns ErrNotInitialized outside of that window.
package urlcache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/dgraph-io/ristretto"
)

const (
	// DefaultMaxEntries ...
	DefaultMaxEntries = 10000
	// DefaultTTL ...
	DefaultTTL = 10 * time.Minute
)

var (
	// ErrNotInitialized is returned when the cache is used before Init or after Close.
	ErrNotInitialized = errors.New("url cache is not initialized")
	// ErrNotFound is returned by Get for unknown or expired resources.
	ErrNotFound = errors.New("resource not in url cache")
	// ErrRejected is returned by Put when the cache did not admit the entry.
	ErrRejected = errors.New("entry rejected by url cache")
)

// Entry holds the resolved URLs of a resource.
type Entry struct {
	MetadataURL string
	DataURL     string
	Headers     map[string]string
}

// Config ...
type Config struct {
	MaxEntries int64
	// TTL should stay below the lifetime of signed URLs.
	TTL time.Duration
	// Logger defaults to log.NewLogger().
	Logger log.Logger
}

var (
	mu     sync.RWMutex
	cache  *ristretto.Cache
	ttl    time.Duration
	logger log.Logger
)

// Init creates the cache, replacing and closing a previous one.
func Init(cfg Config) error {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = log.NewLogger()
	}

	// Every entry costs 1, MaxCost is an entry count.
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        cfg.MaxEntries * 10,
		MaxCost:            cfg.MaxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	if cache != nil {
		cache.Close()
	}
	cache = c
	ttl = cfg.TTL
	logger = cfg.Logger
	return nil
}

// Close releases the cache. It is safe to call when not initialized.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if cache != nil {
		cache.Close()
		cache = nil
	}
}

// Put stores the entry of resourceID. It returns ErrRejected when the admission policy
// of a full cache kept the entries already stored, or a contended write was dropped.
func Put(resourceID string, e Entry) error {
	mu.RLock()
	defer mu.RUnlock()
	if cache == nil {
		return ErrNotInitialized
	}
	if !cache.SetWithTTL(resourceID, e, 1, ttl) {
		return ErrRejected
	}
	cache.Wait()
	if _, ok := cache.Get(resourceID); !ok {
		return ErrRejected
	}
	return nil
}

// Get returns the entry of resourceID, or ErrNotFound.
func Get(resourceID string) (Entry, error) {
	mu.RLock()
	defer mu.RUnlock()
	if cache == nil {
		return Entry{}, ErrNotInitialized
	}
	v, ok := cache.Get(resourceID)
	if !ok {
		return Entry{}, ErrNotFound
	}
	e, ok := v.(Entry)
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// Delete evicts resourceID, e.g. after its URLs were rejected as expired.
func Delete(resourceID string) error {
	mu.RLock()
	defer mu.RUnlock()
	if cache == nil {
		return ErrNotInitialized
	}
	cache.Del(resourceID)
	return nil
}

// Resolve returns the cached entry of resourceID, calling resolve and caching its result on a miss.
func Resolve(ctx context.Context, resourceID string, resolve func(ctx context.Context) (Entry, error)) (Entry, error) {
	e, err := Get(resourceID)
	if err == nil {
		return e, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return Entry{}, err
	}

	e, err = resolve(ctx)
	if err != nil {
		return Entry{}, err
	}
	switch err := Put(resourceID, e); {
	case errors.Is(err, ErrRejected):
		warnf("URLs of %s were not cached, they will be resolved again on the next use", resourceID)
	case err != nil:
		return Entry{}, err
	}
	return e, nil
}

func warnf(format string, args ...interface{}) {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		l.Warnf(format, args...)
	}
}
