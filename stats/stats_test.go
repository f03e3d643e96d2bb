package stats

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/nodelink/creds"
	"github.com/relaymesh/nodelink/datagram"
	"github.com/relaymesh/nodelink/peer"
	"github.com/relaymesh/nodelink/transport"
	"github.com/relaymesh/nodelink/wire"
)

func TestScrapeAndServe(t *testing.T) {
	peers := peer.NewTable()
	_, err := peers.Upsert(wire.Address{0x02, 1, 2, 3, 4, 5}, "s1", "", nil, time.Now())
	require.NoError(t, err)

	store := creds.NewStore(t.TempDir() + "/state.ini")
	tr := transport.NewFake()
	task := datagram.NewTask(wire.RoleMaster, wire.Address{0x02, 9, 9, 9, 9, 9}, "m", tr, peers, nil, store)

	e := NewExporter(0, time.Second, Source{Peers: peers, Task: task})
	e.Scrape()

	srv := httptest.NewServer(e.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	require.Contains(t, string(body), "nodelink_peers_known 1")
	require.Contains(t, string(body), "nodelink_peers_online 1")
	require.Contains(t, string(body), "nodelink_rx_invalid_total 0")
}

func TestScrapeToleratesNilComponents(t *testing.T) {
	e := NewExporter(0, time.Second, Source{})
	require.NotPanics(t, e.Scrape)
}
