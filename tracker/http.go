package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"

	bencode "github.com/jackpal/bencode-go"
)

type bencodePeerDict struct {
	IP   string `bencode:"ip"`
	Port int    `bencode:"port"`
}

type bencodeAnnounceResponse struct {
	FailureReason string      `bencode:"failure reason,omitempty"`
	Interval      int         `bencode:"interval"`
	Complete      int         `bencode:"complete,omitempty"`
	Incomplete    int         `bencode:"incomplete,omitempty"`
	Peers         interface{} `bencode:"peers"`
}

// HTTPClient announces over HTTP(S) with a compact, url-encoded query string.
type HTTPClient struct {
	HTTPClient *http.Client
}

func NewHTTPClient() *HTTPClient {
	return &HTTPClient{HTTPClient: http.DefaultClient}
}

func (c *HTTPClient) Announce(ctx context.Context, trackerURL string, req AnnounceRequest) (AnnounceResponse, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("tracker: parse url %q: %w", trackerURL, err)
	}

	q := u.Query()
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", strconv.Itoa(int(req.Port)))
	q.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	q.Set("left", strconv.FormatInt(req.Left, 10))
	q.Set("compact", "1")
	if req.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(req.NumWant))
	}
	if req.Event != None {
		q.Set("event", req.Event.String())
	}
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("tracker: build request: %w", err)
	}
	resp, err := c.httpClient().Do(httpReq)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("tracker: http announce: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return AnnounceResponse{}, fmt.Errorf("tracker: http status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return AnnounceResponse{}, fmt.Errorf("tracker: read body: %w", err)
	}

	var bar bencodeAnnounceResponse
	if err := bencode.Unmarshal(bytes.NewReader(body), &bar); err != nil {
		return AnnounceResponse{}, fmt.Errorf("tracker: decode response: %w", err)
	}
	if bar.FailureReason != "" {
		return AnnounceResponse{}, fmt.Errorf("tracker: failure reason: %s", bar.FailureReason)
	}

	peers, err := decodePeers(bar.Peers)
	if err != nil {
		return AnnounceResponse{}, err
	}

	return AnnounceResponse{
		Interval: bar.Interval,
		Leechers: bar.Incomplete,
		Seeders:  bar.Complete,
		Peers:    peers,
	}, nil
}

func (c *HTTPClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// decodePeers handles both the compact binary-string form and the
// dictionary-list form spec §6 allows.
func decodePeers(raw interface{}) ([]net.TCPAddr, error) {
	switch v := raw.(type) {
	case string:
		return decodeCompactPeers([]byte(v))
	case []interface{}:
		var out []net.TCPAddr
		for _, entry := range v {
			m, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			ipStr, _ := m["ip"].(string)
			portVal, _ := m["port"].(int64)
			ip := net.ParseIP(ipStr)
			if ip == nil {
				continue
			}
			out = append(out, net.TCPAddr{IP: ip, Port: int(portVal)})
		}
		return out, nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("tracker: unrecognized peers field type %T", raw)
	}
}

func decodeCompactPeers(raw []byte) ([]net.TCPAddr, error) {
	if len(raw)%6 != 0 {
		return nil, fmt.Errorf("tracker: compact peers length %d not a multiple of 6", len(raw))
	}
	out := make([]net.TCPAddr, 0, len(raw)/6)
	for i := 0; i < len(raw); i += 6 {
		ip := net.IPv4(raw[i], raw[i+1], raw[i+2], raw[i+3])
		port := binary.BigEndian.Uint16(raw[i+4 : i+6])
		out = append(out, net.TCPAddr{IP: ip, Port: int(port)})
	}
	return out, nil
}
