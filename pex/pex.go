// Package pex implements the ut_pex peer-exchange extension payload: a
// bencoded dictionary whose "added" field is a compact IPv4:port list.
// Per spec §6/§9, "added.f", "dropped", and IPv6 variants are accepted as
// input (ignored) but never emitted.
package pex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"

	bencode "github.com/jackpal/bencode-go"
)

// Endpoint is a gossiped IPv4 peer address.
type Endpoint struct {
	IP   net.IP
	Port uint16
}

type payload struct {
	Added   string `bencode:"added"`
	AddedF  string `bencode:"added.f,omitempty"`
	Dropped string `bencode:"dropped,omitempty"`
}

// EncodeAdded builds an outbound ut_pex payload carrying only the given
// newly-seen IPv4 endpoints.
func EncodeAdded(endpoints []Endpoint) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range endpoints {
		v4 := e.IP.To4()
		if v4 == nil {
			continue
		}
		buf.Write(v4)
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], e.Port)
		buf.Write(portBuf[:])
	}
	p := payload{Added: buf.String()}
	var out bytes.Buffer
	if err := bencode.Marshal(&out, p); err != nil {
		return nil, fmt.Errorf("pex: encode: %w", err)
	}
	return out.Bytes(), nil
}

// DecodeAdded parses an inbound ut_pex payload and returns the IPv4
// endpoints listed in its "added" field. Other fields are ignored.
func DecodeAdded(raw []byte) ([]Endpoint, error) {
	var p payload
	if err := bencode.Unmarshal(bytes.NewReader(raw), &p); err != nil {
		return nil, fmt.Errorf("pex: decode: %w", err)
	}
	added := []byte(p.Added)
	if len(added)%6 != 0 {
		return nil, fmt.Errorf("pex: added field length %d not a multiple of 6", len(added))
	}
	out := make([]Endpoint, 0, len(added)/6)
	for i := 0; i < len(added); i += 6 {
		ip := net.IPv4(added[i], added[i+1], added[i+2], added[i+3])
		port := binary.BigEndian.Uint16(added[i+4 : i+6])
		out = append(out, Endpoint{IP: ip, Port: port})
	}
	return out, nil
}
