package session

import (
	"time"

	"github.com/charana123/leech/bitfield"
	"github.com/charana123/leech/peerconn"
)

// peerState is the session's bookkeeping for one connected or connecting
// peer, keyed by remote address.
type peerState struct {
	addr     string
	conn     *peerconn.PeerConnection
	outbound bool

	bitfield  *bitfield.Bitfield
	inflight  int
	dialedAt  time.Time
	activeAt  time.Time
	handshook bool
}

func (ps *peerState) interesting(have *bitfield.Bitfield) bool {
	if ps.bitfield == nil {
		return false
	}
	for i := 0; i < ps.bitfield.Len(); i++ {
		if ps.bitfield.Get(i) && !have.Get(i) {
			return true
		}
	}
	return false
}
