// Package wire implements the BitTorrent v1 wire format: the 68-byte
// handshake preamble and length-prefixed message framing, including the
// extended-protocol envelope (id 20). It owns no socket — PeerConnection
// does the reading/writing; this package only encodes and decodes bytes.
package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	ProtocolString = "BitTorrent protocol"
	HandshakeLen   = 68

	Choke         = 0
	Unchoke       = 1
	Interested    = 2
	NotInterested = 3
	Have          = 4
	BitfieldID    = 5
	Request       = 6
	Piece         = 7
	Cancel        = 8
	Port          = 9
	Extended      = 20

	// ExtendedHandshakeID is the extended message id reserved by the spec
	// for the extension handshake itself.
	ExtendedHandshakeID = 0

	// ReservedExtensionByte and ReservedExtensionBit encode support for the
	// extension protocol in the handshake's reserved bytes: reserved[5] |= 0x10.
	ReservedExtensionByte = 5
	ReservedExtensionBit  = 0x10
)

// Handshake is the 68-byte preamble, the sole fixed-length exception to
// length-prefixed framing.
type Handshake struct {
	Reserved [8]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake builds a handshake advertising extension-protocol support.
func NewHandshake(infoHash, peerID [20]byte) Handshake {
	h := Handshake{InfoHash: infoHash, PeerID: peerID}
	h.Reserved[ReservedExtensionByte] |= ReservedExtensionBit
	return h
}

func (h Handshake) SupportsExtensionProtocol() bool {
	return h.Reserved[ReservedExtensionByte]&ReservedExtensionBit != 0
}

// Serialize produces the 68-byte wire preamble.
func (h Handshake) Serialize() []byte {
	buf := make([]byte, HandshakeLen)
	buf[0] = 19
	copy(buf[1:20], ProtocolString)
	copy(buf[20:28], h.Reserved[:])
	copy(buf[28:48], h.InfoHash[:])
	copy(buf[48:68], h.PeerID[:])
	return buf
}

// ParseHandshake decodes a 68-byte preamble already read off the wire.
func ParseHandshake(buf []byte) (Handshake, error) {
	if len(buf) != HandshakeLen {
		return Handshake{}, fmt.Errorf("wire: handshake length %d want %d", len(buf), HandshakeLen)
	}
	if buf[0] != 19 {
		return Handshake{}, fmt.Errorf("wire: pstrlen %d want 19", buf[0])
	}
	if string(buf[1:20]) != ProtocolString {
		return Handshake{}, fmt.Errorf("wire: protocol string mismatch")
	}
	var h Handshake
	copy(h.Reserved[:], buf[20:28])
	copy(h.InfoHash[:], buf[28:48])
	copy(h.PeerID[:], buf[48:68])
	return h, nil
}

// Message is one post-handshake frame: a message id plus its payload. A
// nil Message (ID unused) represents a keep-alive when serialized via
// SerializeKeepAlive.
type Message struct {
	ID      byte
	Payload []byte
}

// Serialize produces the 4-byte length prefix plus id-and-payload body.
func (m Message) Serialize() []byte {
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = m.ID
	copy(buf[5:], m.Payload)
	return buf
}

// SerializeKeepAlive produces a bare zero-length-prefix frame.
func SerializeKeepAlive() []byte {
	return make([]byte, 4)
}

func ParseMessage(id byte, payload []byte) Message {
	return Message{ID: id, Payload: payload}
}

// --- typed payload encoders ---

func EncodeHave(pieceIndex int) Message {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, uint32(pieceIndex))
	return Message{ID: Have, Payload: p}
}

func EncodeBitfield(raw []byte) Message {
	return Message{ID: BitfieldID, Payload: raw}
}

func EncodeRequest(pieceIndex int, begin, length int64) Message {
	p := make([]byte, 12)
	binary.BigEndian.PutUint32(p[0:4], uint32(pieceIndex))
	binary.BigEndian.PutUint32(p[4:8], uint32(begin))
	binary.BigEndian.PutUint32(p[8:12], uint32(length))
	return Message{ID: Request, Payload: p}
}

func EncodeCancel(pieceIndex int, begin, length int64) Message {
	m := EncodeRequest(pieceIndex, begin, length)
	m.ID = Cancel
	return m
}

func EncodePiece(pieceIndex int, begin int64, block []byte) Message {
	p := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(p[0:4], uint32(pieceIndex))
	binary.BigEndian.PutUint32(p[4:8], uint32(begin))
	copy(p[8:], block)
	return Message{ID: Piece, Payload: p}
}

func EncodeExtended(extendedID byte, body []byte) Message {
	p := make([]byte, 1+len(body))
	p[0] = extendedID
	copy(p[1:], body)
	return Message{ID: Extended, Payload: p}
}

// --- typed payload decoders ---

func DecodeHave(m Message) (int, error) {
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("wire: have payload length %d want 4", len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

func DecodeRequestLike(m Message) (pieceIndex int, begin, length int64, err error) {
	if len(m.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("wire: request-like payload length %d want 12", len(m.Payload))
	}
	pieceIndex = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int64(binary.BigEndian.Uint32(m.Payload[4:8]))
	length = int64(binary.BigEndian.Uint32(m.Payload[8:12]))
	return
}

func DecodePiece(m Message) (pieceIndex int, begin int64, data []byte, err error) {
	if len(m.Payload) < 8 {
		return 0, 0, nil, fmt.Errorf("wire: piece payload length %d want >= 8", len(m.Payload))
	}
	pieceIndex = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int64(binary.BigEndian.Uint32(m.Payload[4:8]))
	data = m.Payload[8:]
	return
}

func DecodeExtended(m Message) (extendedID byte, body []byte, err error) {
	if len(m.Payload) < 1 {
		return 0, nil, fmt.Errorf("wire: extended payload empty")
	}
	return m.Payload[0], m.Payload[1:], nil
}
