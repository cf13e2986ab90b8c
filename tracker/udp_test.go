package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeUDPTracker answers exactly one connect and one announce request on a
// local socket, enough to exercise UDPClient.Announce end to end.
func fakeUDPTracker(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 2048)

		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		r := bytes.NewReader(buf[:n])
		var magic uint64
		var action int32
		var txID int32
		binary.Read(r, binary.BigEndian, &magic)
		binary.Read(r, binary.BigEndian, &action)
		binary.Read(r, binary.BigEndian, &txID)

		connResp := &bytes.Buffer{}
		binary.Write(connResp, binary.BigEndian, int32(0))
		binary.Write(connResp, binary.BigEndian, txID)
		binary.Write(connResp, binary.BigEndian, int64(999))
		conn.WriteToUDP(connResp.Bytes(), addr)

		n, addr, err = conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		r = bytes.NewReader(buf[:n])
		var connID int64
		var annAction int32
		var annTxID int32
		binary.Read(r, binary.BigEndian, &connID)
		binary.Read(r, binary.BigEndian, &annAction)
		binary.Read(r, binary.BigEndian, &annTxID)

		annResp := &bytes.Buffer{}
		binary.Write(annResp, binary.BigEndian, int32(1))
		binary.Write(annResp, binary.BigEndian, annTxID)
		binary.Write(annResp, binary.BigEndian, int32(1800))
		binary.Write(annResp, binary.BigEndian, int32(2))
		binary.Write(annResp, binary.BigEndian, int32(5))
		annResp.Write([]byte{10, 0, 0, 1, 0x1A, 0xE1})
		conn.WriteToUDP(annResp.Bytes(), addr)
	}()

	return conn
}

func TestUDPClientConnectAndAnnounce(t *testing.T) {
	srv := fakeUDPTracker(t)
	defer srv.Close()

	c := NewUDPClient()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := c.Announce(ctx, "udp://"+srv.LocalAddr().String(), AnnounceRequest{
		InfoHash: [20]byte{1}, PeerID: [20]byte{2}, Port: 6881, Left: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, 1800, resp.Interval)
	assert.Equal(t, 5, resp.Seeders)
	assert.Equal(t, 2, resp.Leechers)
	require.Len(t, resp.Peers, 1)
	assert.True(t, resp.Peers[0].IP.Equal(net.IPv4(10, 0, 0, 1)))
}

func TestUDPEventCodeMapping(t *testing.T) {
	assert.Equal(t, int32(2), udpEventCode(Started))
	assert.Equal(t, int32(1), udpEventCode(Completed))
	assert.Equal(t, int32(3), udpEventCode(Stopped))
	assert.Equal(t, int32(0), udpEventCode(None))
}
