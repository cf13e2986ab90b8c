package session

import (
	"net"
	"strconv"
	"time"

	"github.com/charana123/leech/bitfield"
	"github.com/charana123/leech/peerconn"
	"github.com/charana123/leech/pex"
)

// dispatch routes one peerEvent to its peerState and, per spec's
// handle_peer_events, follows up with an interest decision and request
// fill. Runs exclusively on the RunOnce goroutine.
func (s *Session) dispatch(pe peerEvent) {
	s.peersMu.Lock()
	ps, ok := s.peers[pe.addr]
	s.peersMu.Unlock()
	if !ok {
		return
	}

	switch pe.ev.Kind {
	case peerconn.EventHandshake:
		ps.handshook = true
		ps.activeAt = time.Now()
		ps.conn.SendBitfield(s.haveBitfield().Bytes())
		ps.conn.SendExtendedHandshake()
		// spec's choke policy is "always unchoke", not "never unchoke": this
		// client runs no tit-for-tat, but still has to serve requests.
		ps.conn.SendUnchoke()
		s.notePexCandidate(pe.addr)
		return
	case peerconn.EventBitfield:
		ps.bitfield = bitfield.FromBytes(pe.ev.Data, s.td.NumPieces())
		s.scheduler.OnPeerBitfield(ps.bitfield)
	case peerconn.EventHave:
		if ps.bitfield == nil {
			ps.bitfield = bitfield.New(s.td.NumPieces())
		}
		ps.bitfield.Set(pe.ev.PieceIndex, true)
		s.scheduler.OnPeerHave(pe.ev.PieceIndex)
	case peerconn.EventChoke:
		// peer_choking_us toggled inside peerconn; nothing else to do here.
	case peerconn.EventUnchoke:
	case peerconn.EventInterested, peerconn.EventNotInterested:
	case peerconn.EventPiece:
		ps.inflight--
		if ps.inflight < 0 {
			ps.inflight = 0
		}
		s.stats.RecordPeerTransfer(pe.addr, 0, len(pe.ev.Data))
		accepted, err := s.assembler.HandleBlock(pe.ev.PieceIndex, int(pe.ev.Begin), pe.ev.Data)
		if err != nil {
			s.log.WithError(wrapErr(PieceIntegrity, err)).WithField("piece", pe.ev.PieceIndex).Warn("block rejected")
			if accepted {
				// an accepted block with an error failed the hash check; the
				// assembler reset the piece, so release its requested blocks too.
				s.scheduler.ResetPiece(pe.ev.PieceIndex)
			}
		}
	case peerconn.EventRequest:
		s.serveRequest(ps, pe.ev)
	case peerconn.EventCancel:
		// no outbound-response queue to cancel from; a Piece may already be
		// in flight and will simply arrive, same as spec §4.4 tolerates.
	case peerconn.EventExtendedHandshake:
	case peerconn.EventPex:
		s.handlePex(pe.ev.Data)
	case peerconn.EventKeepAlive:
	case peerconn.EventClosed:
		s.removePeer(pe.addr)
		return
	}

	s.updateInterestAndFill(ps)
}

func (s *Session) updateInterestAndFill(ps *peerState) {
	if !ps.handshook || ps.bitfield == nil {
		return
	}
	interesting := ps.interesting(s.haveBitfield())
	if interesting && !ps.conn.WeInterested() {
		ps.conn.SendInterested()
	} else if !interesting && ps.conn.WeInterested() {
		ps.conn.SendNotInterested()
	}

	if ps.conn.PeerChoking() {
		return
	}
	for ps.inflight < s.cfg.MaxInflightPerPeer {
		block, ok := s.scheduler.NextRequestForPeer(ps.bitfield)
		if !ok {
			return
		}
		ps.conn.SendRequest(block.PieceIndex, block.Begin, block.Length)
		ps.inflight++
	}
}

func (s *Session) serveRequest(ps *peerState, ev peerconn.Event) {
	if !s.assembler.HavePiece(ev.PieceIndex) {
		return
	}
	data, err := s.storage.ReadBlock(ev.PieceIndex, ev.Begin, ev.Length)
	if err != nil {
		s.log.WithError(wrapErr(StorageIO, err)).WithField("piece", ev.PieceIndex).Warn("read block failed")
		return
	}
	ps.conn.SendPiece(ev.PieceIndex, ev.Begin, data)
	s.stats.RecordPeerTransfer(ps.addr, len(data), 0)
}

func (s *Session) handlePex(payload []byte) {
	endpoints, err := pex.DecodeAdded(payload)
	if err != nil {
		s.log.WithError(err).Debug("pex decode failed")
		return
	}
	for _, ep := range endpoints {
		s.queue.Push(ep.IP.String() + ":" + strconv.Itoa(int(ep.Port)))
	}
}

// notePexCandidate records addr as a newly-handshook peer worth gossiping to
// the rest of the swarm on the next tickPex round.
func (s *Session) notePexCandidate(addr string) {
	s.peersMu.Lock()
	s.pexNew = append(s.pexNew, addr)
	s.peersMu.Unlock()
}

// tickPex implements send_ut_pex: periodically gossips newly-handshook peer
// addresses to every other connected peer, the same way broadcastHave tells
// the swarm about newly-completed pieces.
func (s *Session) tickPex() {
	if time.Since(s.lastPexTick) < s.cfg.PexInterval {
		return
	}
	s.lastPexTick = time.Now()

	s.peersMu.Lock()
	newAddrs := s.pexNew
	s.pexNew = nil
	recipients := make([]*peerState, 0, len(s.peers))
	for _, ps := range s.peers {
		if ps.handshook {
			recipients = append(recipients, ps)
		}
	}
	s.peersMu.Unlock()

	if len(newAddrs) == 0 || len(recipients) == 0 {
		return
	}

	type namedEndpoint struct {
		addr string
		ep   pex.Endpoint
	}
	discovered := make([]namedEndpoint, 0, len(newAddrs))
	for _, addr := range newAddrs {
		if ep, ok := parseEndpoint(addr); ok {
			discovered = append(discovered, namedEndpoint{addr: addr, ep: ep})
		}
	}
	if len(discovered) == 0 {
		return
	}

	// Each recipient gets every newly-discovered peer except itself.
	for _, ps := range recipients {
		endpoints := make([]pex.Endpoint, 0, len(discovered))
		for _, d := range discovered {
			if d.addr != ps.addr {
				endpoints = append(endpoints, d.ep)
			}
		}
		if len(endpoints) == 0 {
			continue
		}
		payload, err := pex.EncodeAdded(endpoints)
		if err != nil {
			s.log.WithError(err).Debug("pex encode failed")
			continue
		}
		ps.conn.SendPex(payload)
	}
}

// parseEndpoint turns a dialable "ip:port" string into a pex.Endpoint,
// rejecting anything that isn't an IPv4 literal since the wire payload only
// carries IPv4 entries.
func parseEndpoint(addr string) (pex.Endpoint, bool) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return pex.Endpoint{}, false
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return pex.Endpoint{}, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return pex.Endpoint{}, false
	}
	return pex.Endpoint{IP: ip, Port: uint16(port)}, true
}
