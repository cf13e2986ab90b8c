package session

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/charana123/leech/peerconn"
	"github.com/charana123/leech/pex"
	"github.com/charana123/leech/wire"
)

// acceptedPeer drains a freshly Accept()-ed PeerConnection's own outbound
// handshake (net.Pipe is fully synchronous) and registers it directly into
// the session's peers map, bypassing the real TCP accept/dial path.
func acceptedPeer(t *testing.T, s *Session, addr string) (*peerState, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	pc := peerconn.Accept(client, s.td.InfoHash, s.localID, nil)

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		buf := make([]byte, wire.HandshakeLen)
		n := 0
		for n < len(buf) {
			m, err := server.Read(buf[n:])
			if err != nil {
				return
			}
			n += m
		}
	}()
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out draining outbound handshake")
	}

	ps := &peerState{addr: addr, conn: pc, dialedAt: time.Now()}
	s.peersMu.Lock()
	s.peers[addr] = ps
	s.peersMu.Unlock()
	return ps, server
}

func readFrame(t *testing.T, conn net.Conn) wire.Message {
	t.Helper()
	var lenBuf [4]byte
	_, err := conn.Read(lenBuf[:])
	require.NoError(t, err)
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return wire.Message{}
	}
	body := make([]byte, length)
	n := 0
	for n < len(body) {
		m, err := conn.Read(body[n:])
		require.NoError(t, err)
		n += m
	}
	return wire.ParseMessage(body[0], body[1:])
}

func TestHandshakeUnchokesPeer(t *testing.T) {
	td := testDescriptor(t)
	cfg := Config{ListenPort: 0, DownloadRoot: t.TempDir()}
	s, err := New(td, [20]byte{1}, cfg, silentLogger())
	require.NoError(t, err)
	defer s.Stop()

	_, server := acceptedPeer(t, s, "10.0.0.1:6881")
	defer server.Close()

	s.dispatch(peerEvent{addr: "10.0.0.1:6881", ev: peerconn.Event{Kind: peerconn.EventHandshake}})

	bitfieldMsg := readFrame(t, server)
	require.Equal(t, byte(wire.BitfieldID), bitfieldMsg.ID)

	extMsg := readFrame(t, server)
	require.Equal(t, byte(wire.Extended), extMsg.ID)

	unchokeMsg := readFrame(t, server)
	require.Equal(t, byte(wire.Unchoke), unchokeMsg.ID)

	s.peersMu.Lock()
	ps := s.peers["10.0.0.1:6881"]
	s.peersMu.Unlock()
	require.True(t, ps.handshook)
}

func TestTickPexGossipsNewlyHandshookPeers(t *testing.T) {
	td := testDescriptor(t)
	cfg := Config{ListenPort: 0, DownloadRoot: t.TempDir(), PexInterval: time.Millisecond}
	s, err := New(td, [20]byte{1}, cfg, silentLogger())
	require.NoError(t, err)
	defer s.Stop()

	// peerA is the gossip recipient: it needs a remembered remote pex id
	// before SendPex will actually emit anything.
	_, serverA := acceptedPeer(t, s, "10.0.0.1:6881")
	defer serverA.Close()
	s.dispatch(peerEvent{addr: "10.0.0.1:6881", ev: peerconn.Event{Kind: peerconn.EventHandshake}})
	readFrame(t, serverA) // bitfield
	readFrame(t, serverA) // extended handshake
	readFrame(t, serverA) // unchoke

	// the connection's reader only decodes messages after the remote
	// handshake, so send that first and consume its event.
	go func() {
		serverA.Write(wire.NewHandshake(s.td.InfoHash, [20]byte{2}).Serialize())
		serverA.Write(wire.EncodeExtended(wire.ExtendedHandshakeID, []byte("d1:md6:ut_pexi5eee")).Serialize())
	}()
	<-s.peers["10.0.0.1:6881"].conn.Events // remote handshake
	extEv := <-s.peers["10.0.0.1:6881"].conn.Events
	require.Equal(t, peerconn.EventExtendedHandshake, extEv.Kind)
	s.dispatch(peerEvent{addr: "10.0.0.1:6881", ev: extEv})

	// peerB is the newly-discovered peer that should get gossiped to A.
	_, serverB := acceptedPeer(t, s, "10.0.0.2:6881")
	defer serverB.Close()
	s.dispatch(peerEvent{addr: "10.0.0.2:6881", ev: peerconn.Event{Kind: peerconn.EventHandshake}})
	readFrame(t, serverB) // bitfield
	readFrame(t, serverB) // extended handshake
	readFrame(t, serverB) // unchoke

	time.Sleep(2 * time.Millisecond)
	s.tickPex()

	pexMsg := readFrame(t, serverA)
	require.Equal(t, byte(wire.Extended), pexMsg.ID)

	extID, payload, err := wire.DecodeExtended(pexMsg)
	require.NoError(t, err)
	require.Equal(t, byte(5), extID)

	endpoints, err := pex.DecodeAdded(payload)
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	require.Equal(t, uint16(6881), endpoints[0].Port)
	require.Equal(t, "10.0.0.2", endpoints[0].IP.String())
}
