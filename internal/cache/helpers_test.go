package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func stringCodec() Codec[string] {
	return CodecFuncs[string]{
		DecodeFunc: func(data []byte) (string, bool) {
			if string(data) == "corrupt" {
				return "", false
			}
			return string(data), true
		},
		EncodeFunc: func(s string) ([]byte, bool) {
			if s == "unencodable" {
				return nil, false
			}
			return []byte(s), true
		},
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestDiskStore(t *testing.T, cfg Config, opts ...Option) *DiskStore[string] {
	t.Helper()
	if cfg.Directory == "" {
		cfg.Directory = t.TempDir()
	}
	store, err := NewDiskStore(cfg, stringCodec(), opts...)
	require.NoError(t, err)
	<-store.Ready()
	t.Cleanup(store.Close)
	return store
}

func newTestCache(t *testing.T, cfg Config, opts ...Option) *Cache[StringKey, string] {
	t.Helper()
	if cfg.Directory == "" {
		cfg.Directory = t.TempDir()
	}
	c, err := New[StringKey, string](cfg, stringCodec(), opts...)
	require.NoError(t, err)
	<-c.Disk().Ready()
	t.Cleanup(func() {
		_ = c.Close(5 * time.Second)
	})
	return c
}
