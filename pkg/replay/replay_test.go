package replay

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SEc-123/BolaSecurityTestGate-sub001/pkg/types"
)

type flakyTransport struct {
	failures int32
	calls    atomic.Int32
	next     http.RoundTripper
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return nil, errors.New("connection reset by peer")
	}
	return f.next.RoundTrip(req)
}

func newRequest(t *testing.T, method, url, body string) *types.ParsedRequest {
	t.Helper()
	req, err := types.NewParsedRequest(method, url, http.Header{"Content-Type": {"application/json"}}, body)
	require.NoError(t, err)
	return req
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.RetryDelay = time.Millisecond
	cfg.Timeout = 2 * time.Second
	return cfg
}

func TestDoCapturesResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		assert.Equal(t, `{"a":1}`, string(b))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("X-Trace", "t1")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"denied"}`))
	}))
	defer server.Close()

	r := New(server.Client(), nil, testConfig(), nil, nil)
	resp, err := r.Do(context.Background(), newRequest(t, "POST", server.URL+"/x", `{"a":1}`))
	require.NoError(t, err)

	assert.Equal(t, http.StatusForbidden, resp.Status)
	assert.Equal(t, "t1", resp.Headers.Get("X-Trace"))
	assert.Equal(t, `{"error":"denied"}`, resp.Body)
	assert.Equal(t, 1, resp.Attempts)
}

func TestDoRetriesTransportErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	transport := &flakyTransport{failures: 2, next: http.DefaultTransport}
	r := New(&http.Client{Transport: transport}, nil, testConfig(), nil, nil)

	resp, err := r.Do(context.Background(), newRequest(t, "GET", server.URL, ""))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, 3, resp.Attempts)
	assert.EqualValues(t, 3, transport.calls.Load())
}

func TestDoGivesUpAfterMaxRetries(t *testing.T) {
	transport := &flakyTransport{failures: 100, next: http.DefaultTransport}
	r := New(&http.Client{Transport: transport}, nil, testConfig(), nil, nil)

	_, err := r.Do(context.Background(), newRequest(t, "GET", "http://127.0.0.1:1/", ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 attempt(s)")
	assert.EqualValues(t, 3, transport.calls.Load())
}

func TestDoDoesNotRetryServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	r := New(server.Client(), nil, testConfig(), nil, nil)
	resp, err := r.Do(context.Background(), newRequest(t, "GET", server.URL, ""))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.Status)
	assert.EqualValues(t, 1, calls.Load())
}

func TestDoOnceNeverRetries(t *testing.T) {
	transport := &flakyTransport{failures: 1, next: http.DefaultTransport}
	r := New(&http.Client{Transport: transport}, nil, testConfig(), nil, nil)

	_, err := r.DoOnce(context.Background(), newRequest(t, "GET", "http://127.0.0.1:1/", ""))
	assert.Error(t, err)
	assert.EqualValues(t, 1, transport.calls.Load())
}

func TestDoRejectsInvalidURL(t *testing.T) {
	r := New(nil, nil, testConfig(), nil, nil)
	_, err := r.Do(context.Background(), newRequest(t, "GET", "/relative/only", ""))
	assert.ErrorIs(t, err, types.ErrInvalidRequest)
}

func TestDoTruncatesLargeBodies(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.MaxBodyBytes = 16
	r := New(server.Client(), nil, cfg, nil, nil)

	resp, err := r.Do(context.Background(), newRequest(t, "GET", server.URL, ""))
	require.NoError(t, err)
	assert.True(t, resp.Truncated)
	assert.Len(t, resp.Body, 16)
}

func TestDoHonoursTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	cfg := testConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.MaxRetries = 0
	r := New(server.Client(), nil, cfg, nil, nil)

	start := time.Now()
	_, err := r.Do(context.Background(), newRequest(t, "GET", server.URL, ""))
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestLinearBackOff(t *testing.T) {
	b := &linearBackOff{step: 10 * time.Millisecond}
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 20*time.Millisecond, b.NextBackOff())
	b.Reset()
	assert.Equal(t, 10*time.Millisecond, b.NextBackOff())
}
