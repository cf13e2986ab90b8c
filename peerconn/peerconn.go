// Package peerconn implements the BitTorrent v1 protocol state machine for a
// single peer connection: handshake discipline, length-prefixed message
// framing, and the ut_pex extension handshake.
//
// The retrieval pack has no epoll/kqueue readiness notifier anywhere (the
// teacher's own EventMultiplexer-shaped code is channel-based), so instead of
// a single-threaded poll_once dispatcher this translates each connection into
// a goroutine pair (reader, writer) feeding a typed event channel that the
// session goroutine drains — the Go-idiomatic form of the same ordering
// guarantee: events from one connection are delivered in byte-stream order,
// because only that connection's reader goroutine ever sends on its channel.
package peerconn

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	bencode "github.com/jackpal/bencode-go"
	"github.com/sirupsen/logrus"

	"github.com/charana123/leech/wire"
)

type Phase int

const (
	Connecting Phase = iota
	Handshaking
	Active
	Closed
)

func (p Phase) String() string {
	switch p {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Active:
		return "active"
	default:
		return "closed"
	}
}

type EventKind int

const (
	EventHandshake EventKind = iota
	EventKeepAlive
	EventChoke
	EventUnchoke
	EventInterested
	EventNotInterested
	EventHave
	EventBitfield
	EventRequest
	EventPiece
	EventCancel
	EventExtendedHandshake
	EventPex
	EventClosed
)

// Event is one typed occurrence surfaced to the session. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind       EventKind
	RemoteID   [20]byte
	PieceIndex int
	Begin      int64
	Length     int64
	Data       []byte
	Err        error
}

// LocalExtensionID is the non-zero extended-message id this core advertises
// for ut_pex in its extension handshake.
const LocalExtensionID = 1

type extendedHandshakePayload struct {
	M map[string]int64 `bencode:"m"`
}

// PeerConnection owns one TCP socket to a remote peer and turns the wire
// protocol into a stream of Events.
type PeerConnection struct {
	conn       net.Conn
	log        *logrus.Entry
	infoHash   [20]byte
	localID    [20]byte
	RemoteAddr string

	Events chan Event

	mu           sync.Mutex
	phase        Phase
	connectedAt  time.Time
	remoteID     [20]byte
	remotePexID  byte
	peerChoking  bool
	peerInterest bool
	weChoking    bool
	weInterested bool

	outMu  sync.Mutex
	outBuf []byte
	wake   chan struct{}
	closed chan struct{}
	once   sync.Once
}

// Dial opens an outbound connection and, once the TCP connect has
// completed, queues the local handshake ahead of any other message.
func Dial(addr string, infoHash, localID [20]byte, log *logrus.Logger) (*PeerConnection, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("peerconn: dial %s: %w", addr, err)
	}
	pc := newConn(conn, addr, infoHash, localID, log)
	pc.phase = Handshaking
	pc.queueHandshake()
	pc.start()
	return pc, nil
}

// Accept wraps an already-established inbound socket.
func Accept(conn net.Conn, infoHash, localID [20]byte, log *logrus.Logger) *PeerConnection {
	pc := newConn(conn, conn.RemoteAddr().String(), infoHash, localID, log)
	pc.phase = Handshaking
	pc.queueHandshake()
	pc.start()
	return pc
}

func newConn(conn net.Conn, addr string, infoHash, localID [20]byte, log *logrus.Logger) *PeerConnection {
	if log == nil {
		log = logrus.New()
	}
	return &PeerConnection{
		conn:        conn,
		log:         log.WithField("peer", addr),
		infoHash:    infoHash,
		localID:     localID,
		RemoteAddr:  addr,
		Events:      make(chan Event, 64),
		connectedAt: time.Now(),
		wake:        make(chan struct{}, 1),
		closed:      make(chan struct{}),
		weChoking:   true,
	}
}

func (p *PeerConnection) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

func (p *PeerConnection) ConnectedAt() time.Time { return p.connectedAt }

func (p *PeerConnection) PeerChoking() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerChoking
}

func (p *PeerConnection) PeerInterested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.peerInterest
}

func (p *PeerConnection) WeInterested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.weInterested
}

func (p *PeerConnection) RemoteID() [20]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remoteID
}

func (p *PeerConnection) start() {
	go p.writeLoop()
	go p.readLoop()
}

func (p *PeerConnection) queueHandshake() {
	p.enqueue(wire.NewHandshake(p.infoHash, p.localID).Serialize())
}

// --- outbound ---

func (p *PeerConnection) enqueue(b []byte) {
	p.outMu.Lock()
	p.outBuf = append(p.outBuf, b...)
	p.outMu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *PeerConnection) writeLoop() {
	for {
		select {
		case <-p.closed:
			return
		case <-p.wake:
		}
		p.outMu.Lock()
		buf := p.outBuf
		p.outBuf = nil
		p.outMu.Unlock()
		if len(buf) == 0 {
			continue
		}
		if _, err := p.conn.Write(buf); err != nil {
			p.shutdown()
			return
		}
	}
}

func (p *PeerConnection) SendInterested() {
	p.setWeInterested(true)
	p.enqueue(wire.Message{ID: wire.Interested}.Serialize())
}
func (p *PeerConnection) SendNotInterested() {
	p.setWeInterested(false)
	p.enqueue(wire.Message{ID: wire.NotInterested}.Serialize())
}
func (p *PeerConnection) SendChoke() {
	p.setWeChoking(true)
	p.enqueue(wire.Message{ID: wire.Choke}.Serialize())
}
func (p *PeerConnection) SendUnchoke() {
	p.setWeChoking(false)
	p.enqueue(wire.Message{ID: wire.Unchoke}.Serialize())
}

func (p *PeerConnection) SendHave(pieceIndex int) {
	p.enqueue(wire.EncodeHave(pieceIndex).Serialize())
}

func (p *PeerConnection) SendBitfield(raw []byte) {
	p.enqueue(wire.EncodeBitfield(raw).Serialize())
}

func (p *PeerConnection) SendRequest(pieceIndex int, begin, length int64) {
	p.enqueue(wire.EncodeRequest(pieceIndex, begin, length).Serialize())
}

func (p *PeerConnection) SendCancel(pieceIndex int, begin, length int64) {
	p.enqueue(wire.EncodeCancel(pieceIndex, begin, length).Serialize())
}

func (p *PeerConnection) SendPiece(pieceIndex int, begin int64, block []byte) {
	p.enqueue(wire.EncodePiece(pieceIndex, begin, block).Serialize())
}

func (p *PeerConnection) SendExtendedHandshake() {
	var buf bytes.Buffer
	bencode.Marshal(&buf, extendedHandshakePayload{M: map[string]int64{"ut_pex": LocalExtensionID}})
	p.enqueue(wire.EncodeExtended(wire.ExtendedHandshakeID, buf.Bytes()).Serialize())
}

func (p *PeerConnection) SendPex(payload []byte) {
	p.mu.Lock()
	id := p.remotePexID
	p.mu.Unlock()
	if id == 0 {
		return
	}
	p.enqueue(wire.EncodeExtended(id, payload).Serialize())
}

func (p *PeerConnection) setWeInterested(v bool) {
	p.mu.Lock()
	p.weInterested = v
	p.mu.Unlock()
}

func (p *PeerConnection) setWeChoking(v bool) {
	p.mu.Lock()
	p.weChoking = v
	p.mu.Unlock()
}

// --- inbound ---

func (p *PeerConnection) readLoop() {
	defer p.finishEvents()
	if err := p.readHandshake(); err != nil {
		p.shutdown()
		p.emitClosed(err)
		return
	}
	for {
		ev, err := p.readOneMessage()
		if err != nil {
			p.shutdown()
			p.emitClosed(err)
			return
		}
		select {
		case p.Events <- ev:
		case <-p.closed:
			p.emitClosed(nil)
			return
		}
	}
}

// emitClosed and finishEvents are only ever called from readLoop, so they
// are the sole writer/closer of Events and never race a concurrent close.
func (p *PeerConnection) emitClosed(err error) {
	select {
	case p.Events <- Event{Kind: EventClosed, Err: err}:
	default:
	}
}

func (p *PeerConnection) finishEvents() {
	close(p.Events)
}

func (p *PeerConnection) readHandshake() error {
	buf := make([]byte, wire.HandshakeLen)
	if _, err := io.ReadFull(p.conn, buf); err != nil {
		return fmt.Errorf("peerconn: read handshake: %w", err)
	}
	hs, err := wire.ParseHandshake(buf)
	if err != nil {
		return err
	}
	if hs.InfoHash != p.infoHash {
		return fmt.Errorf("peerconn: info hash mismatch")
	}
	if hs.PeerID == p.localID {
		return fmt.Errorf("peerconn: self connection")
	}
	p.mu.Lock()
	p.phase = Active
	p.remoteID = hs.PeerID
	p.mu.Unlock()

	select {
	case p.Events <- Event{Kind: EventHandshake, RemoteID: hs.PeerID}:
	case <-p.closed:
		return fmt.Errorf("peerconn: closed during handshake dispatch")
	}
	return nil
}

func (p *PeerConnection) readOneMessage() (Event, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(p.conn, lenBuf[:]); err != nil {
		return Event{}, fmt.Errorf("peerconn: read length prefix: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return Event{Kind: EventKeepAlive}, nil
	}
	if length > 1<<20 {
		return Event{}, fmt.Errorf("peerconn: message length %d exceeds limit", length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(p.conn, body); err != nil {
		return Event{}, fmt.Errorf("peerconn: read message body: %w", err)
	}
	msg := wire.ParseMessage(body[0], body[1:])
	return p.decode(msg)
}

func (p *PeerConnection) decode(m wire.Message) (Event, error) {
	switch m.ID {
	case wire.Choke:
		p.mu.Lock()
		p.peerChoking = true
		p.mu.Unlock()
		return Event{Kind: EventChoke}, nil
	case wire.Unchoke:
		p.mu.Lock()
		p.peerChoking = false
		p.mu.Unlock()
		return Event{Kind: EventUnchoke}, nil
	case wire.Interested:
		p.mu.Lock()
		p.peerInterest = true
		p.mu.Unlock()
		return Event{Kind: EventInterested}, nil
	case wire.NotInterested:
		p.mu.Lock()
		p.peerInterest = false
		p.mu.Unlock()
		return Event{Kind: EventNotInterested}, nil
	case wire.Have:
		idx, err := wire.DecodeHave(m)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventHave, PieceIndex: idx}, nil
	case wire.BitfieldID:
		return Event{Kind: EventBitfield, Data: m.Payload}, nil
	case wire.Request:
		idx, begin, length, err := wire.DecodeRequestLike(m)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventRequest, PieceIndex: idx, Begin: begin, Length: length}, nil
	case wire.Cancel:
		idx, begin, length, err := wire.DecodeRequestLike(m)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventCancel, PieceIndex: idx, Begin: begin, Length: length}, nil
	case wire.Piece:
		idx, begin, data, err := wire.DecodePiece(m)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventPiece, PieceIndex: idx, Begin: begin, Data: data}, nil
	case wire.Port:
		return Event{Kind: EventKeepAlive}, nil
	case wire.Extended:
		return p.decodeExtended(m)
	default:
		return Event{}, fmt.Errorf("peerconn: unknown message id %d", m.ID)
	}
}

func (p *PeerConnection) decodeExtended(m wire.Message) (Event, error) {
	extID, body, err := wire.DecodeExtended(m)
	if err != nil {
		return Event{}, err
	}
	if extID == wire.ExtendedHandshakeID {
		var payload extendedHandshakePayload
		if err := bencode.Unmarshal(bytes.NewReader(body), &payload); err != nil {
			return Event{}, fmt.Errorf("peerconn: decode extended handshake: %w", err)
		}
		if id, ok := payload.M["ut_pex"]; ok {
			p.mu.Lock()
			p.remotePexID = byte(id)
			p.mu.Unlock()
		}
		return Event{Kind: EventExtendedHandshake, Data: body}, nil
	}
	p.mu.Lock()
	pexID := p.remotePexID
	p.mu.Unlock()
	if pexID != 0 && extID == pexID {
		return Event{Kind: EventPex, Data: body}, nil
	}
	return Event{Kind: EventKeepAlive}, nil
}

// --- lifecycle ---

// shutdown closes the socket and the closed signal channel exactly once.
// It never touches Events; only readLoop is allowed to write to or close
// that channel, so concurrent callers (writeLoop, Close) never race it.
func (p *PeerConnection) shutdown() {
	p.once.Do(func() {
		p.mu.Lock()
		p.phase = Closed
		p.mu.Unlock()
		close(p.closed)
		p.conn.Close()
	})
}

func (p *PeerConnection) Close() {
	p.shutdown()
}
