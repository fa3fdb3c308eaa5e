package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchCoalescesConcurrentRequests(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("payload"))
	}))
	defer upstream.Close()

	f := New(upstream.Client())
	url := upstream.URL + "/a.png"

	const callers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		order   []int
		results []Result
	)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		i := i
		f.Fetch(context.Background(), url, func(r Result) {
			mu.Lock()
			order = append(order, i)
			results = append(results, r)
			mu.Unlock()
			wg.Done()
		})
	}
	assert.Equal(t, callers, f.InFlight(url))

	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), hits.Load())
	require.Len(t, results, callers)
	for i, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, "payload", string(r.Data))
		assert.Equal(t, "image/png", r.ContentType)
		assert.Equal(t, i, order[i], "handlers run in registration order")
	}
	assert.Equal(t, 0, f.InFlight(url))
}

func TestFetchHandlerReentryStartsFreshFlight(t *testing.T) {
	var hits atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("x"))
	}))
	defer upstream.Close()

	f := New(upstream.Client())
	url := upstream.URL + "/again"

	done := make(chan Result, 1)
	f.Fetch(context.Background(), url, func(Result) {
		f.Fetch(context.Background(), url, func(r Result) {
			done <- r
		})
	})

	select {
	case r := <-done:
		require.NoError(t, r.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("second flight never completed")
	}
	f.Wait()
	assert.Equal(t, int32(2), hits.Load())
}

func TestFetchReportsStatusError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer upstream.Close()

	r := New(upstream.Client()).Get(context.Background(), upstream.URL+"/missing")

	var statusErr *StatusError
	require.True(t, errors.As(r.Err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.Nil(t, r.Data)
}

type failingDoer struct {
	calls atomic.Int32
}

func (d *failingDoer) Do(*http.Request) (*http.Response, error) {
	d.calls.Add(1)
	return nil, errors.New("connection refused")
}

func TestFetchReportsTransportError(t *testing.T) {
	doer := &failingDoer{}
	r := New(doer).Get(context.Background(), "http://upstream.invalid/a")

	require.Error(t, r.Err)
	assert.Contains(t, r.Err.Error(), "connection refused")
	assert.Equal(t, int32(1), doer.calls.Load())
}

func TestFetchCarriesCacheDirective(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		_, _ = w.Write([]byte("fresh"))
	}))
	defer upstream.Close()

	r := New(upstream.Client()).Get(context.Background(), upstream.URL)
	require.NoError(t, r.Err)
	assert.True(t, r.Directive.ZeroAge())
}

func TestFetchEnforcesBodyLimit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 128))
	}))
	defer upstream.Close()

	r := New(upstream.Client(), WithMaxBodyBytes(64)).Get(context.Background(), upstream.URL)
	assert.ErrorIs(t, r.Err, ErrBodyTooLarge)
}

func TestGetStopsWaitingWhenContextCancelled(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte("late"))
	}))
	defer upstream.Close()
	defer close(release)

	f := New(upstream.Client())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	r := f.Get(ctx, upstream.URL)
	assert.ErrorIs(t, r.Err, context.DeadlineExceeded)
	assert.Equal(t, 1, f.InFlight(upstream.URL))
}

func TestParseCacheControl(t *testing.T) {
	testCases := []struct {
		name    string
		header  string
		present bool
		maxAge  time.Duration
		zero    bool
	}{
		{"empty", "", false, 0, false},
		{"max age", "public, max-age=3600", true, time.Hour, false},
		{"upper case", "MAX-AGE=60", true, time.Minute, false},
		{"zero max age", "max-age=0", true, 0, true},
		{"no-cache", "no-cache", true, 0, true},
		{"max age wins over no-cache", "no-cache, max-age=30", true, 30 * time.Second, false},
		{"unrelated", "public, immutable", false, 0, false},
		{"shared max age ignored", "s-maxage=10", false, 0, false},
		{"huge max age saturates", "max-age=10000000000", true, time.Duration(maxAgeSeconds) * time.Second, false},
		{"max age at overflow boundary", "public, max-age=9223372037", true, time.Duration(maxAgeSeconds) * time.Second, false},
		{"max age beyond int64", "max-age=99999999999999999999", true, time.Duration(maxAgeSeconds) * time.Second, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := ParseCacheControl(tc.header)
			assert.Equal(t, tc.present, d.Present)
			assert.Equal(t, tc.maxAge, d.MaxAge)
			assert.Equal(t, tc.zero, d.ZeroAge())
		})
	}
}
