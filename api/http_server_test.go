package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/scatterbrained/arrow"
	"github.com/VanDung-dev/scatterbrained/monitoring"
	"github.com/VanDung-dev/scatterbrained/node"
	"github.com/VanDung-dev/scatterbrained/peer"
)

type fakeNode struct {
	listening atomic.Bool
	peers     []*peer.Identity
	seen      map[peer.Key]time.Time
}

func (f *fakeNode) Listening() bool         { return f.listening.Load() }
func (f *fakeNode) Peers() []*peer.Identity { return f.peers }

func (f *fakeNode) LastSeen(key peer.Key) (time.Time, bool) {
	ts, ok := f.seen[key]
	return ts, ok
}

func (f *fakeNode) Stats() node.NodeStats {
	return node.NodeStats{ID: "fake", Listening: f.Listening(), KnownPeers: len(f.peers)}
}

func get(t *testing.T, srv *httptest.Server, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestHealthEndpoint(t *testing.T) {
	n := &fakeNode{}
	srv := httptest.NewServer(NewServer(n, prometheus.NewRegistry()).Handler())
	defer srv.Close()

	resp, _ := get(t, srv, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	n.listening.Store(true)
	resp, body := get(t, srv, "/health")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := monitoring.NewMetrics("scatterbrained", reg)
	m.UpdatePhysicalConnections(3)

	srv := httptest.NewServer(NewServer(&fakeNode{}, reg).Handler())
	defer srv.Close()

	resp, body := get(t, srv, "/metrics")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "scatterbrained_network_physical_connections 3")
}

func TestPeersEndpoint(t *testing.T) {
	a := peer.New("a", "x", "10.0.0.1", 9000, 0.5)
	b := peer.New("b", "x", "10.0.0.2", 9000, 0)
	seen := time.UnixMilli(1_700_000_000_000).UTC()
	n := &fakeNode{
		peers: []*peer.Identity{a, b},
		seen:  map[peer.Key]time.Time{a.Key(): seen},
	}

	srv := httptest.NewServer(NewServer(n, prometheus.NewRegistry()).Handler())
	defer srv.Close()

	resp, body := get(t, srv, "/peers")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, ArrowStreamContentType, resp.Header.Get("Content-Type"))

	rows, err := arrow.DecodePeers(body)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.True(t, rows[0].Identity.Equal(a))
	require.NotNil(t, rows[0].LastSeen)
	assert.True(t, seen.Equal(*rows[0].LastSeen))
	assert.Nil(t, rows[1].LastSeen)
}

func TestStatsEndpoint(t *testing.T) {
	n := &fakeNode{peers: []*peer.Identity{peer.New("a", "x", "h", 1, 0)}}
	n.listening.Store(true)

	srv := httptest.NewServer(NewServer(n, nil).Handler())
	defer srv.Close()

	resp, body := get(t, srv, "/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats node.NodeStats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, "fake", stats.ID)
	assert.True(t, stats.Listening)
	assert.Equal(t, 1, stats.KnownPeers)
}

func TestServerStartStop(t *testing.T) {
	n := &fakeNode{}
	n.listening.Store(true)
	s := NewServer(n, prometheus.NewRegistry())

	require.NoError(t, s.StartAsync("127.0.0.1:0"))
	assert.ErrorIs(t, s.StartAsync("127.0.0.1:0"), ErrServerRunning)

	resp, err := http.Get("http://" + s.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
	assert.Empty(t, s.Addr())
}
