package probe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheck_HealthyResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"ok"}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	assert.NoError(t, err)

	report, err := c.Check(context.Background())
	assert.NoError(t, err)
	assert.True(t, report.Healthy)
	assert.GreaterOrEqual(t, report.LatencyMs, int64(0))
}

func TestCheck_NodeReportsUnhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"error":{"code":-32005,"message":"node is behind"}}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	assert.NoError(t, err)

	report, err := c.Check(context.Background())
	assert.NoError(t, err)
	assert.False(t, report.Healthy)
}

func TestCheck_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL)
	assert.NoError(t, err)

	report, err := c.Check(context.Background())
	assert.NoError(t, err)
	assert.False(t, report.Healthy)
}

func TestCheck_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	c, err := NewClient(srv.URL)
	assert.NoError(t, err)

	_, err = c.Check(context.Background())
	assert.Error(t, err)
}

func TestNewClient_RejectsBadEndpoint(t *testing.T) {
	_, err := NewClient("")
	assert.Error(t, err)

	_, err = NewClient("ftp://example.com")
	assert.Error(t, err)
}
