package enquiryhttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClient_FetchStatus_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/pnr-status.json.php", r.URL.Path)
		require.Equal(t, "demo", r.URL.Query().Get("apiKey"))
		require.Equal(t, "1234567890", r.URL.Query().Get("pnr"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "status": "ok",
  "data": {
    "pnr": "1234567890",
    "from_station": "NDLS",
    "to_station": "BCT",
    "doj": "25-12-2025",
    "chart_prepared": false,
    "passengers": [
      {"no":1,"booking_status":"W/L 12,GNWL","current_status":"WL/5"},
      {"no":2,"booking_status":"W/L 13,GNWL","current_status":"WL/6"}
    ]
  }
}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "demo")
	snap, err := c.FetchStatus(context.Background(), "1234567890")
	require.NoError(t, err)
	require.Equal(t, "1234567890", snap.PNR)
	require.Equal(t, "NDLS", snap.Origin)
	require.Equal(t, "BCT", snap.Destination)
	require.Equal(t, "25-12-2025", snap.TravelDate)
	require.Equal(t, "WL/5", snap.StatusText)
	require.False(t, snap.Retired)
	require.False(t, snap.FetchedAt.IsZero())
}

func TestClient_FetchStatus_ChartPreparedAppended(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "status": "ok",
  "data": {
    "pnr": "1234567890",
    "doj": "25-12-2025",
    "chart_prepared": true,
    "passengers": [{"no":1,"booking_status":"W/L 12","current_status":"CNF B2/34"}]
  }
}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "demo")
	snap, err := c.FetchStatus(context.Background(), "1234567890")
	require.NoError(t, err)
	require.Equal(t, "CNF B2/34, Chart Prepared", snap.StatusText)
}

func TestClient_FetchStatus_FlushedBecomesRetired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"error","message":"PNR flushed from PRS"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "demo")
	snap, err := c.FetchStatus(context.Background(), "1234567890")
	require.NoError(t, err)
	require.True(t, snap.Retired)
	require.Equal(t, "1234567890", snap.PNR)
}

func TestClient_FetchStatus_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"error","message":"backend unavailable"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "demo")
	_, err := c.FetchStatus(context.Background(), "1234567890")
	require.Error(t, err)
}

func TestContainsFlushedHint(t *testing.T) {
	require.True(t, containsFlushedHint("PNR flushed from PRS"))
	require.True(t, containsFlushedHint("No record found"))
	require.False(t, containsFlushedHint("backend unavailable"))
}
