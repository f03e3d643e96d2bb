package cloudqueue

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *httptest.Server) {
	ts := httptest.NewTLSServer(handler)
	parsed, err := url.Parse(ts.URL)
	require.NoError(t, err)
	c := NewHTTPClient(parsed.String(), "tok", "key")
	c.Client = ts.Client()
	return c, ts
}

func TestListPendingDecodesRows(t *testing.T) {
	c, ts := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.Equal(t, "key", r.Header.Get("apikey"))
		_ = json.NewEncoder(w).Encode([]Row{
			{ID: 1, DeviceID: "master-1", Relay: 3, Action: "on", DurationS: 10, Status: StatusPending},
		})
	})
	defer ts.Close()

	rows, err := c.ListPending("master-1", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, int64(1), rows[0].ID)
	require.Equal(t, uint8(3), rows[0].Relay)
}

func TestListPendingErrorStatus(t *testing.T) {
	c, ts := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	defer ts.Close()

	_, err := c.ListPending("master-1", 10)
	require.Error(t, err)
}

func TestMarkSent(t *testing.T) {
	var gotMethod string
	c, ts := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		_ = json.NewEncoder(w).Encode(writeResult{Result: true})
	})
	defer ts.Close()

	require.NoError(t, c.MarkSent(7))
	require.Equal(t, http.MethodPatch, gotMethod)
}

func TestMarkFailedPropagatesReason(t *testing.T) {
	var body map[string]any
	c, ts := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(writeResult{Result: true})
	})
	defer ts.Close()

	require.NoError(t, c.MarkFailed(7, "invalid relay index"))
	require.Equal(t, "invalid relay index", body["error_message"])
}
