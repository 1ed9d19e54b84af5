package collyfetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tkrajewski/undertow/internal/pipeline"
)

func TestFetch_SuccessfulGet(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "yes", r.Header.Get("X-Trace"))
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>hello</body></html>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "undertow-test", Timeout: 5 * time.Second})
	res, err := f.Fetch(context.Background(), pipeline.FetchRequest{
		URL:     srv.URL,
		Headers: http.Header{"X-Trace": {"yes"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Contains(t, string(res.Body), "hello")
	require.Equal(t, "text/html", res.Headers.Get("Content-Type"))
	require.False(t, res.FetchedAt.IsZero())
}

func TestFetch_NotFoundIsTyped(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := New(Config{Timeout: 5 * time.Second})
	_, err := f.Fetch(context.Background(), pipeline.FetchRequest{URL: srv.URL + "/missing"})
	fe, ok := pipeline.AsFetchError(err)
	require.True(t, ok)
	require.Equal(t, pipeline.FetchNotFound, fe.Kind)
}

func TestFetch_ConnectionRefusedIsTyped(t *testing.T) {
	t.Parallel()

	// A server that is already closed refuses connections.
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f := New(Config{Timeout: 2 * time.Second})
	_, err := f.Fetch(context.Background(), pipeline.FetchRequest{URL: url})
	fe, ok := pipeline.AsFetchError(err)
	require.True(t, ok)
	require.Equal(t, pipeline.FetchConnectionFailed, fe.Kind)
}

func TestFetch_SlowServerTimesOut(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	f := New(Config{})
	_, err := f.Fetch(context.Background(), pipeline.FetchRequest{
		URL:     srv.URL,
		Timeout: 100 * time.Millisecond,
	})
	fe, ok := pipeline.AsFetchError(err)
	require.True(t, ok)
	require.Equal(t, pipeline.FetchTimeout, fe.Kind)
}

func TestFetch_ContextCancellation(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	f := New(Config{Timeout: 10 * time.Second})
	_, err := f.Fetch(ctx, pipeline.FetchRequest{URL: srv.URL})
	fe, ok := pipeline.AsFetchError(err)
	require.True(t, ok)
	require.Equal(t, pipeline.FetchTimeout, fe.Kind)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	err := classify("u", http.StatusNotFound, errors.New("Not Found"))
	fe, _ := pipeline.AsFetchError(err)
	require.Equal(t, pipeline.FetchNotFound, fe.Kind)

	err = classify("u", 0, context.DeadlineExceeded)
	fe, _ = pipeline.AsFetchError(err)
	require.Equal(t, pipeline.FetchTimeout, fe.Kind)

	err = classify("u", 0, errors.New("connection refused"))
	fe, _ = pipeline.AsFetchError(err)
	require.Equal(t, pipeline.FetchConnectionFailed, fe.Kind)
}
