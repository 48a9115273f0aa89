package config

import (
	"fmt"
	"testing"
	"time"

	"github.com/bitrise-io/go-chunkstream/ioerr"
	"github.com/bitrise-io/go-chunkstream/transfer/urlcache"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	return repo.envVars[key]
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	delete(repo.envVars, key)
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		want    Config
		wantErr bool
	}{
		{
			name:    "defaults",
			envVars: map[string]string{},
			want: Config{
				ChunkSize:    DefaultChunkSize,
				Retries:      2,
				HTTPTimeout:  DefaultHTTPTimeout,
				URLCacheSize: urlcache.DefaultMaxEntries,
				URLCacheTTL:  urlcache.DefaultTTL,
			},
		},
		{
			name: "all set",
			envVars: map[string]string{
				ChunkSizeKey:    "16MiB",
				RetriesKey:      "5",
				HTTPTimeoutKey:  "30s",
				DebugKey:        "true",
				URLCacheSizeKey: "100",
				URLCacheTTLKey:  " 1m ",
			},
			want: Config{
				ChunkSize:    16 * units.MiB,
				Retries:      5,
				HTTPTimeout:  30 * time.Second,
				Debug:        true,
				URLCacheSize: 100,
				URLCacheTTL:  time.Minute,
			},
		},
		{
			name:    "zero retries",
			envVars: map[string]string{RetriesKey: "0"},
			want: Config{
				ChunkSize:    DefaultChunkSize,
				HTTPTimeout:  DefaultHTTPTimeout,
				URLCacheSize: urlcache.DefaultMaxEntries,
				URLCacheTTL:  urlcache.DefaultTTL,
			},
		},
		{name: "invalid chunk size", envVars: map[string]string{ChunkSizeKey: "lots"}, wantErr: true},
		{name: "zero chunk size", envVars: map[string]string{ChunkSizeKey: "0"}, wantErr: true},
		{name: "negative retries", envVars: map[string]string{RetriesKey: "-1"}, wantErr: true},
		{name: "invalid timeout", envVars: map[string]string{HTTPTimeoutKey: "soon"}, wantErr: true},
		{name: "negative ttl", envVars: map[string]string{URLCacheTTLKey: "-1s"}, wantErr: true},
		{name: "invalid cache size", envVars: map[string]string{URLCacheSizeKey: "0"}, wantErr: true},
		{name: "invalid debug", envVars: map[string]string{DebugKey: "maybe"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := New(fakeEnvRepo{envVars: tt.envVars})

			if tt.wantErr {
				require.ErrorIs(t, err, ioerr.ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestConfig_Wiring(t *testing.T) {
	// Given
	c, err := New(fakeEnvRepo{envVars: map[string]string{URLCacheSizeKey: "10", URLCacheTTLKey: "2m", RetriesKey: "1"}})
	require.NoError(t, err)

	// When
	opts := c.TransferOptions(log.NewLogger())
	cacheConfig := c.URLCacheConfig()

	// Then
	assert.Len(t, opts, 3)
	assert.Equal(t, urlcache.Config{MaxEntries: 10, TTL: 2 * time.Minute}, cacheConfig)
	require.NoError(t, urlcache.Init(cacheConfig))
	urlcache.Close()
	assert.Equal(t, "chunk size 8MiB, 1 retries, HTTP timeout 5m0s, debug false", c.String())
}
