package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/tiercache/internal/fetch"
)

func TestCacheAddRemoveMemoryThenReadFromDisk(t *testing.T) {
	c := newTestCache(t, Config{})

	added, err := c.Add("X", "k", TierDisk, CostNone)
	require.NoError(t, err)
	assert.Equal(t, TierDisk, added.Tier)

	c.RemoveMemoryCache()
	assert.Equal(t, 0, c.Stats().MemoryEntries)

	item, ok := c.Item("k", TierDisk)
	require.True(t, ok)
	assert.Equal(t, "X", item.Value)
	assert.Equal(t, TierDisk, item.Tier)

	removed, found, err := c.RemoveItem("k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "X", removed.Value)
	assert.False(t, c.Disk().Exists("k"))
}

func TestCacheDiskHitIsPromotedToMemory(t *testing.T) {
	c := newTestCache(t, Config{})

	require.NoError(t, c.Disk().Save([]byte("from disk"), "k"))

	_, ok := c.Item("k", TierMemory)
	assert.False(t, ok, "memory-only lookup must not touch disk")

	item, ok := c.Item("k", TierDisk)
	require.True(t, ok)
	assert.Equal(t, "from disk", item.Value)

	require.NoError(t, c.Disk().Delete("k"))
	item, ok = c.Item("k", TierMemory)
	require.True(t, ok)
	assert.Equal(t, "from disk", item.Value)
}

func TestCacheDiskOnlyNeverEntersMemory(t *testing.T) {
	c := newTestCache(t, Config{})

	added, err := c.Add("cold", "k", TierDiskOnly, CostNone)
	require.NoError(t, err)
	assert.Equal(t, TierDiskOnly, added.Tier)
	assert.Equal(t, 0, c.Stats().MemoryEntries)

	item, ok := c.Item("k", TierDiskOnly)
	require.True(t, ok)
	assert.Equal(t, TierDiskOnly, item.Tier)
	assert.Equal(t, 0, c.Stats().MemoryEntries)

	_, ok = c.Item("k", TierMemory)
	assert.False(t, ok)
}

func TestCacheMemoryTierNeverPersists(t *testing.T) {
	c := newTestCache(t, Config{})

	_, err := c.Add("hot", "k", TierMemory, CostTiny)
	require.NoError(t, err)
	assert.False(t, c.Disk().Exists("k"))

	item, ok := c.Item("k", TierDefault)
	require.True(t, ok)
	assert.Equal(t, TierMemory, item.Tier)
}

func TestCacheDefaultTierResolvesOnce(t *testing.T) {
	c := newTestCache(t, Config{DefaultTier: TierDiskOnly})

	added, err := c.Add("v", "k", TierDefault, CostNone)
	require.NoError(t, err)
	assert.Equal(t, TierDiskOnly, added.Tier)
	assert.True(t, c.Disk().Exists("k"))
	assert.Equal(t, 0, c.Stats().MemoryEntries)
}

func TestCacheAddWithUnstableKeyKeepsMemoryInsert(t *testing.T) {
	c := newTestCache(t, Config{})

	_, err := c.Add("v", "a/b", TierDisk, CostNone)
	assert.ErrorIs(t, err, ErrIndeterminableLocation)

	item, ok := c.Item("a/b", TierMemory)
	require.True(t, ok)
	assert.Equal(t, "v", item.Value)

	_, err = c.Add("v", "a/b", TierMemory, CostNone)
	assert.NoError(t, err)
}

func TestCacheAddUnencodableItem(t *testing.T) {
	c := newTestCache(t, Config{})

	_, err := c.Add("unencodable", "k", TierDisk, CostNone)
	require.Error(t, err)
	assert.True(t, IsDiskWrite(err))
	assert.ErrorIs(t, err, ErrNotEncodable)

	_, ok := c.Item("k", TierMemory)
	assert.True(t, ok)
}

func TestCacheRemoveItemDeletesDiskOnlyEntries(t *testing.T) {
	c := newTestCache(t, Config{})

	_, err := c.Add("cold", "k", TierDiskOnly, CostNone)
	require.NoError(t, err)

	removed, found, err := c.RemoveItem("k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "cold", removed.Value)
	assert.False(t, c.Disk().Exists("k"))

	_, found, err = c.RemoveItem("k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCacheRemoveItemUndecodableFileReportsDiskOnly(t *testing.T) {
	c := newTestCache(t, Config{})
	require.NoError(t, c.Disk().Save([]byte("corrupt"), "k"))

	removed, found, err := c.RemoveItem("k")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, TierDiskOnly, removed.Tier)
	assert.Equal(t, "", removed.Value)
	assert.False(t, c.Disk().Exists("k"))
}

func TestCacheMemoryCountBound(t *testing.T) {
	c := newTestCache(t, Config{MaxMemoryCount: 2})

	for _, key := range []StringKey{"a", "b", "c"} {
		_, err := c.Add(string(key), key, TierMemory, CostNone)
		require.NoError(t, err)
	}

	_, ok := c.Item("a", TierMemory)
	assert.False(t, ok)
	_, ok = c.Item("c", TierMemory)
	assert.True(t, ok)
	assert.Equal(t, 2, c.Stats().MemoryEntries)
}

func TestCacheMemoryCostBound(t *testing.T) {
	c := newTestCache(t, Config{MaxMemoryCost: 4, MaxMemoryCount: 10})

	_, _ = c.Add("a", "a", TierMemory, CostSmall)
	_, _ = c.Add("b", "b", TierMemory, CostSmall)
	assert.Equal(t, int64(4), c.Stats().MemoryCost)

	_, _ = c.Add("c", "c", TierMemory, CostSmall)
	assert.Equal(t, int64(4), c.Stats().MemoryCost)
	_, ok := c.Item("a", TierMemory)
	assert.False(t, ok)

	_, _ = c.Add("b2", "b", TierMemory, CostTiny)
	assert.Equal(t, int64(3), c.Stats().MemoryCost)
}

func TestCacheGetAndSet(t *testing.T) {
	c := newTestCache(t, Config{})

	require.NoError(t, c.Set("k", "value"))
	value, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "value", value)
	assert.True(t, c.Disk().Exists("k"))

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

type upstreamStub struct {
	server *httptest.Server
	hits   atomic.Int32
}

func newUpstream(t *testing.T, handler http.HandlerFunc) *upstreamStub {
	t.Helper()
	stub := &upstreamStub{}
	stub.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.hits.Add(1)
		handler(w, r)
	}))
	t.Cleanup(stub.server.Close)
	return stub
}

func TestCacheLoadDownloadsThenServesCached(t *testing.T) {
	upstream := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "max-age=600")
		_, _ = w.Write([]byte("remote"))
	})
	c := newTestCache(t, Config{}, WithHTTPClient(upstream.server.Client()))
	url := upstream.server.URL + "/r"

	resp := c.Load(context.Background(), url, "r", TierDefault, LoadOptions{})
	require.NoError(t, resp.Err)
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.True(t, resp.DidDownload)
	assert.Equal(t, "remote", resp.Item.Value)
	assert.Equal(t, TierDisk, resp.Item.Tier)
	assert.True(t, c.Disk().Exists("r"))

	resp = c.Load(context.Background(), url, "r", TierDefault, LoadOptions{})
	assert.Equal(t, StatusSuccess, resp.Status)
	assert.False(t, resp.DidDownload)
	assert.Equal(t, int32(1), upstream.hits.Load())

	resp = c.Load(context.Background(), url, "r", TierDefault, LoadOptions{RefreshCached: true})
	assert.True(t, resp.DidDownload)
	assert.Equal(t, int32(2), upstream.hits.Load())

	c.RemoveMemoryCache()
	item, ok := c.Item("r", TierDisk)
	require.True(t, ok)
	assert.Equal(t, "remote", item.Value)
}

func TestCacheLoadZeroCacheAgeNeverPersists(t *testing.T) {
	upstream := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write([]byte("volatile"))
	})
	c := newTestCache(t, Config{}, WithHTTPClient(upstream.server.Client()))

	resp := c.Load(context.Background(), upstream.server.URL, "v", TierDisk, LoadOptions{})
	assert.Equal(t, StatusZeroCacheAge, resp.Status)
	assert.ErrorIs(t, resp.Err, ErrZeroCacheAge)
	assert.True(t, resp.HasItem())
	assert.Equal(t, "volatile", resp.Item.Value)

	_, ok := c.Item("v", TierDisk)
	assert.False(t, ok)
	assert.False(t, c.Disk().Exists("v"))
}

func TestCacheLoadDecodeFailure(t *testing.T) {
	upstream := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("corrupt"))
	})
	c := newTestCache(t, Config{}, WithHTTPClient(upstream.server.Client()))

	resp := c.Load(context.Background(), upstream.server.URL, "k", TierDisk, LoadOptions{})
	assert.Equal(t, StatusFailure, resp.Status)
	assert.ErrorIs(t, resp.Err, ErrDataInvalid)
	assert.False(t, resp.HasItem())
}

func TestCacheLoadNetworkFailure(t *testing.T) {
	upstream := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	c := newTestCache(t, Config{}, WithHTTPClient(upstream.server.Client()))

	resp := c.Load(context.Background(), upstream.server.URL, "k", TierDisk, LoadOptions{})
	assert.Equal(t, StatusFailure, resp.Status)

	var netErr *NetworkError
	require.True(t, errors.As(resp.Err, &netErr))
	var statusErr *fetch.StatusError
	require.True(t, errors.As(resp.Err, &statusErr))
	assert.Equal(t, http.StatusBadGateway, statusErr.Code)
}

func TestCacheConcurrentLoadsShareOneRequest(t *testing.T) {
	release := make(chan struct{})
	upstream := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte("shared"))
	})
	fetcher := fetch.New(upstream.server.Client())
	c := newTestCache(t, Config{}, WithFetcher(fetcher))
	url := upstream.server.URL + "/shared"

	const callers = 8
	var wg sync.WaitGroup
	responses := make([]Response[string], callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			responses[i] = c.Load(context.Background(), url, "shared", TierDisk, LoadOptions{})
		}(i)
	}

	require.Eventually(t, func() bool {
		return fetcher.InFlight(url) == callers
	}, 5*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), upstream.hits.Load())
	for _, resp := range responses {
		require.NoError(t, resp.Err)
		assert.Equal(t, "shared", resp.Item.Value)
		assert.True(t, resp.DidDownload)
	}
}

func TestCacheLoadAsyncUsesDispatcher(t *testing.T) {
	upstream := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("async"))
	})
	var dispatched atomic.Int32
	c := newTestCache(t, Config{},
		WithHTTPClient(upstream.server.Client()),
		WithDispatcher(func(fn func()) {
			dispatched.Add(1)
			fn()
		}),
	)

	done := make(chan Response[string], 1)
	c.LoadAsync(context.Background(), upstream.server.URL, "a", TierMemory, LoadOptions{}, func(r Response[string]) {
		done <- r
	})

	select {
	case resp := <-done:
		require.NoError(t, resp.Err)
		assert.Equal(t, "async", resp.Item.Value)
		assert.Equal(t, TierMemory, resp.Item.Tier)
	case <-time.After(5 * time.Second):
		t.Fatal("completion never delivered")
	}
	assert.Equal(t, int32(1), dispatched.Load())
	assert.False(t, c.Disk().Exists("a"))
}

func TestCacheLoadAsyncAfterCloseFails(t *testing.T) {
	c := newTestCache(t, Config{})
	require.NoError(t, c.Close(time.Second))

	done := make(chan Response[string], 1)
	c.LoadAsync(context.Background(), "http://127.0.0.1:1/never", "a", TierMemory, LoadOptions{}, func(r Response[string]) {
		done <- r
	})

	select {
	case resp := <-done:
		assert.Equal(t, StatusFailure, resp.Status)
		assert.ErrorIs(t, resp.Err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("completion never delivered")
	}
}

func TestCacheCloseWhileSavingDoesNotPanic(t *testing.T) {
	c := newTestCache(t, Config{MaxDiskSize: 64, ReductionCoefficient: 0.5})

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				key := StringKey(fmt.Sprintf("k-%d-%d", i, j))
				_, _ = c.Add(strings.Repeat("x", 32), key, TierDiskOnly, CostNone)
			}
		}(i)
	}
	require.NoError(t, c.Close(5*time.Second))
	wg.Wait()
}

func TestNewRejectsMissingCodec(t *testing.T) {
	_, err := New[StringKey, string](Config{Directory: t.TempDir()}, nil)
	assert.Error(t, err)
}
