package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strings"
	"time"
)

const udpProtocolMagic uint64 = 0x41727101980

var udpRetryBackoff = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// UDPClient implements BEP 15: a connect handshake followed by an announce,
// retried per udpRetryBackoff on timeout.
type UDPClient struct {
	rng *rand.Rand
}

func NewUDPClient() *UDPClient {
	return &UDPClient{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

func (c *UDPClient) Announce(ctx context.Context, trackerURL string, req AnnounceRequest) (AnnounceResponse, error) {
	addr := strings.TrimPrefix(strings.TrimPrefix(trackerURL, "udp://"), "udp6://")
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("tracker: resolve %q: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("tracker: dial %q: %w", addr, err)
	}
	defer conn.Close()

	connID, err := c.connect(conn)
	if err != nil {
		return AnnounceResponse{}, err
	}
	return c.announce(conn, connID, req)
}

func (c *UDPClient) connect(conn *net.UDPConn) (int64, error) {
	transactionID := c.rng.Int31()
	reqBuf := &bytes.Buffer{}
	binary.Write(reqBuf, binary.BigEndian, udpProtocolMagic)
	binary.Write(reqBuf, binary.BigEndian, int32(0)) // action = connect
	binary.Write(reqBuf, binary.BigEndian, transactionID)

	resp, err := c.roundTrip(conn, reqBuf.Bytes(), 16)
	if err != nil {
		return 0, err
	}
	r := bytes.NewReader(resp)
	var action int32
	var gotTransactionID int32
	var connectionID int64
	binary.Read(r, binary.BigEndian, &action)
	binary.Read(r, binary.BigEndian, &gotTransactionID)
	binary.Read(r, binary.BigEndian, &connectionID)
	if action != 0 {
		return 0, fmt.Errorf("tracker: udp connect action %d want 0", action)
	}
	if gotTransactionID != transactionID {
		return 0, fmt.Errorf("tracker: udp connect transaction id mismatch")
	}
	return connectionID, nil
}

func (c *UDPClient) announce(conn *net.UDPConn, connectionID int64, req AnnounceRequest) (AnnounceResponse, error) {
	transactionID := c.rng.Int31()
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, connectionID)
	binary.Write(buf, binary.BigEndian, int32(1)) // action = announce
	binary.Write(buf, binary.BigEndian, transactionID)
	buf.Write(req.InfoHash[:])
	buf.Write(req.PeerID[:])
	binary.Write(buf, binary.BigEndian, req.Downloaded)
	binary.Write(buf, binary.BigEndian, req.Left)
	binary.Write(buf, binary.BigEndian, req.Uploaded)
	binary.Write(buf, binary.BigEndian, udpEventCode(req.Event))
	binary.Write(buf, binary.BigEndian, int32(0))      // IP, 0 = use sender's
	binary.Write(buf, binary.BigEndian, c.rng.Int31()) // key
	numWant := int32(-1)
	if req.NumWant > 0 {
		numWant = int32(req.NumWant)
	}
	binary.Write(buf, binary.BigEndian, numWant)
	binary.Write(buf, binary.BigEndian, req.Port)

	resp, err := c.roundTrip(conn, buf.Bytes(), 20)
	if err != nil {
		return AnnounceResponse{}, err
	}
	r := bytes.NewReader(resp)
	var action, gotTransactionID, interval, leechers, seeders int32
	binary.Read(r, binary.BigEndian, &action)
	binary.Read(r, binary.BigEndian, &gotTransactionID)
	if action != 1 {
		return AnnounceResponse{}, fmt.Errorf("tracker: udp announce action %d want 1", action)
	}
	if gotTransactionID != transactionID {
		return AnnounceResponse{}, fmt.Errorf("tracker: udp announce transaction id mismatch")
	}
	binary.Read(r, binary.BigEndian, &interval)
	binary.Read(r, binary.BigEndian, &leechers)
	binary.Read(r, binary.BigEndian, &seeders)

	rest, err := io.ReadAll(r)
	if err != nil {
		return AnnounceResponse{}, err
	}
	peers, err := decodeCompactPeers(rest)
	if err != nil {
		return AnnounceResponse{}, err
	}

	return AnnounceResponse{
		Interval: int(interval),
		Leechers: int(leechers),
		Seeders:  int(seeders),
		Peers:    peers,
	}, nil
}

func udpEventCode(e Event) int32 {
	switch e {
	case Completed:
		return 1
	case Started:
		return 2
	case Stopped:
		return 3
	default:
		return 0
	}
}

// roundTrip writes req and reads minLen bytes, resending on a read timeout.
// Attempt i waits udpRetryBackoff[i] plus one second (1.5s, 2s, 3s); a fourth
// and final attempt waits one second.
func (c *UDPClient) roundTrip(conn *net.UDPConn, req []byte, minLen int) ([]byte, error) {
	var lastErr error
	for _, backoff := range append(udpRetryBackoff, 0) {
		if _, err := conn.Write(req); err != nil {
			return nil, fmt.Errorf("tracker: udp write: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(backoff + time.Second))
		buf := make([]byte, 2048)
		n, err := conn.Read(buf)
		if err == nil {
			if n < minLen {
				return nil, fmt.Errorf("tracker: udp response too short: %d < %d", n, minLen)
			}
			return buf[:n], nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("tracker: udp round trip exhausted retries: %w", lastErr)
}
