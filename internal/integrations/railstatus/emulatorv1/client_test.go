package emulatorv1

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClient_FetchStatus_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/pnr/1234567890", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "pnr": "1234567890",
  "origin": "NDLS",
  "destination": "BCT",
  "travel_date": "25-12-2025",
  "status_text": "WL/5",
  "retired": false,
  "updated_at": "2025-11-01T00:00:00Z"
}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "k")
	snap, err := c.FetchStatus(context.Background(), "1234567890")
	require.NoError(t, err)
	require.Equal(t, "WL/5", snap.StatusText)
	require.Equal(t, "NDLS", snap.Origin)
	require.WithinDuration(t, time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC), snap.FetchedAt, time.Second)
}

func TestClient_FetchStatus_429(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(429)
	}))
	defer srv.Close()

	c := New(srv.URL, "k")
	_, err := c.FetchStatus(context.Background(), "1234567890")
	require.Error(t, err)
}
