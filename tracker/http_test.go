package tracker

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPAnnounceCompactPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("compact"))
		resp := bencodeAnnounceResponse{
			Interval:   1800,
			Complete:   3,
			Incomplete: 1,
			Peers:      string([]byte{10, 0, 0, 1, 0x1A, 0xE1, 10, 0, 0, 2, 0x1A, 0xE1}),
		}
		bencode.Marshal(w, resp)
	}))
	defer srv.Close()

	c := NewHTTPClient()
	resp, err := c.Announce(context.Background(), srv.URL, AnnounceRequest{
		InfoHash: [20]byte{1}, PeerID: [20]byte{2}, Port: 6881, Left: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, 1800, resp.Interval)
	assert.Equal(t, 3, resp.Seeders)
	assert.Equal(t, 1, resp.Leechers)
	require.Len(t, resp.Peers, 2)
	assert.True(t, resp.Peers[0].IP.Equal(net.IPv4(10, 0, 0, 1)))
	assert.Equal(t, 6881, resp.Peers[0].Port)
}

func TestHTTPAnnounceDictionaryPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("d8:intervali900e5:peersld2:ip9:10.0.0.14:porti6881eeee"))
	}))
	defer srv.Close()

	c := NewHTTPClient()
	resp, err := c.Announce(context.Background(), srv.URL, AnnounceRequest{
		InfoHash: [20]byte{1}, PeerID: [20]byte{2}, Port: 6881, Left: 100,
	})
	require.NoError(t, err)
	require.Len(t, resp.Peers, 1)
	assert.True(t, resp.Peers[0].IP.Equal(net.IPv4(10, 0, 0, 1)))
}

func TestHTTPAnnounceFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bencode.Marshal(w, bencodeAnnounceResponse{FailureReason: "unregistered torrent"})
	}))
	defer srv.Close()

	c := NewHTTPClient()
	_, err := c.Announce(context.Background(), srv.URL, AnnounceRequest{Port: 6881})
	assert.ErrorContains(t, err, "unregistered torrent")
}

func TestDecodeCompactPeersRejectsMisalignedLength(t *testing.T) {
	_, err := decodeCompactPeers([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDispatchPicksClientByScheme(t *testing.T) {
	h := NewHTTPClient()
	u := NewUDPClient()

	c, err := Dispatch(h, u, "http://tracker.example/announce")
	require.NoError(t, err)
	assert.Same(t, Client(h), c)

	c, err = Dispatch(h, u, "udp://tracker.example:80")
	require.NoError(t, err)
	assert.Same(t, Client(u), c)

	_, err = Dispatch(h, u, "ftp://tracker.example")
	assert.Error(t, err)
}
