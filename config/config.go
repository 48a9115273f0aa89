// Package config reads the pipeline settings from the environment.
package config

import (
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-chunkstream/ioerr"
	"github.com/bitrise-io/go-chunkstream/retrier"
	"github.com/bitrise-io/go-chunkstream/transfer"
	"github.com/bitrise-io/go-chunkstream/transfer/urlcache"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Environment keys.
const (
	ChunkSizeKey    = "CHUNKSTREAM_CHUNK_SIZE"
	RetriesKey      = "CHUNKSTREAM_RETRIES"
	HTTPTimeoutKey  = "CHUNKSTREAM_HTTP_TIMEOUT"
	DebugKey        = "CHUNKSTREAM_DEBUG"
	URLCacheSizeKey = "CHUNKSTREAM_URL_CACHE_SIZE"
	URLCacheTTLKey  = "CHUNKSTREAM_URL_CACHE_TTL"
)

const (
	// DefaultChunkSize is a multiple of the resumable upload alignment.
	DefaultChunkSize = transfer.DefaultGCSChunkSize
	// DefaultHTTPTimeout ...
	DefaultHTTPTimeout = 5 * time.Minute
)

// Config ...
type Config struct {
	ChunkSize    int64
	Retries      uint
	HTTPTimeout  time.Duration
	Debug        bool
	URLCacheSize int64
	URLCacheTTL  time.Duration
}

// New reads the configuration, falling back to defaults for unset keys.
func New(envRepo env.Repository) (Config, error) {
	c := Config{
		ChunkSize:    DefaultChunkSize,
		Retries:      retrier.DefaultRetries,
		HTTPTimeout:  DefaultHTTPTimeout,
		URLCacheSize: urlcache.DefaultMaxEntries,
		URLCacheTTL:  urlcache.DefaultTTL,
	}

	if v := get(envRepo, ChunkSizeKey); v != "" {
		size, err := units.RAMInBytes(v)
		if err != nil {
			return Config{}, ioerr.InvalidArgument("%s: %s", ChunkSizeKey, err)
		}
		if size <= 0 {
			return Config{}, ioerr.InvalidArgument("%s must be positive, got %s", ChunkSizeKey, v)
		}
		c.ChunkSize = size
	}

	if v := get(envRepo, RetriesKey); v != "" {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return Config{}, ioerr.InvalidArgument("%s: %s is not a non-negative integer", RetriesKey, v)
		}
		c.Retries = uint(n)
	}

	var err error
	if c.HTTPTimeout, err = duration(envRepo, HTTPTimeoutKey, c.HTTPTimeout); err != nil {
		return Config{}, err
	}
	if c.URLCacheTTL, err = duration(envRepo, URLCacheTTLKey, c.URLCacheTTL); err != nil {
		return Config{}, err
	}

	if v := get(envRepo, URLCacheSizeKey); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return Config{}, ioerr.InvalidArgument("%s: %s is not a positive integer", URLCacheSizeKey, v)
		}
		c.URLCacheSize = n
	}

	if v := get(envRepo, DebugKey); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, ioerr.InvalidArgument("%s: %s is not a boolean", DebugKey, v)
		}
		c.Debug = debug
	}

	return c, nil
}

func get(envRepo env.Repository, key string) string {
	return strings.TrimSpace(envRepo.Get(key))
}

func duration(envRepo env.Repository, key string, def time.Duration) (time.Duration, error) {
	v := get(envRepo, key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, ioerr.InvalidArgument("%s: %s", key, err)
	}
	if d < 0 {
		return 0, ioerr.InvalidArgument("%s must not be negative, got %s", key, v)
	}
	return d, nil
}

// NewLogger returns a logger with debug logging enabled by Debug.
func (c Config) NewLogger() log.Logger {
	logger := log.NewLogger()
	logger.EnableDebugLog(c.Debug)
	return logger
}

// TransferOptions applies the retry budget and timeout to the transfer streams.
func (c Config) TransferOptions(logger log.Logger) []transfer.Option {
	policy := retrier.DefaultPolicy(logger)
	policy.Retries = c.Retries
	return []transfer.Option{
		transfer.WithLogger(logger),
		transfer.WithRetryPolicy(policy),
		transfer.WithTimeout(c.HTTPTimeout),
	}
}

// URLCacheConfig ...
func (c Config) URLCacheConfig() urlcache.Config {
	return urlcache.Config{MaxEntries: c.URLCacheSize, TTL: c.URLCacheTTL}
}

// String is used in the startup log line.
func (c Config) String() string {
	return "chunk size " + units.BytesSize(float64(c.ChunkSize)) +
		", " + strconv.FormatUint(uint64(c.Retries), 10) + " retries" +
		", HTTP timeout " + c.HTTPTimeout.String() +
		", debug " + strconv.FormatBool(c.Debug)
}
