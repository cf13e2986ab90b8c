// Package session implements the Orchestrator: it owns the listening
// socket, the tracker worker, every PeerConnection, the Scheduler, the
// PieceAssembler and Storage, and drives the main loop described in spec
// §4.6. That state is single-owner on one goroutine (RunOnce's caller),
// except the peers map: acceptLoop registers inbound peers from its own
// goroutine under peersMu. The tracker worker talks to RunOnce only through
// the candidate queue and the Stats counters, and each peer's events reach
// it through the inbox channel via a per-peer forwarding goroutine.
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charana123/leech/bitfield"
	"github.com/charana123/leech/metainfo"
	"github.com/charana123/leech/peerconn"
	"github.com/charana123/leech/piece"
	"github.com/charana123/leech/scheduler"
	"github.com/charana123/leech/stats"
	"github.com/charana123/leech/storage"
)

type peerEvent struct {
	addr string
	ev   peerconn.Event
}

// Session is the engine's single entry point.
type Session struct {
	cfg Config
	log *logrus.Entry

	td        *metainfo.TorrentDescriptor
	localID   [20]byte
	storage   *storage.Storage
	assembler *piece.Assembler
	scheduler *scheduler.Scheduler
	stats     *stats.Stats

	listener net.Listener
	tracker  *trackerWorker
	queue    *candidateQueue
	webseed  *webSeedFetcher

	// peersMu guards peers because acceptLoop runs on its own goroutine and
	// registers inbound peers concurrently with RunOnce's single-threaded
	// dispatch; every other field below is touched only from RunOnce.
	peersMu sync.Mutex
	peers   map[string]*peerState
	// pexNew holds addresses of peers that completed a handshake since the
	// last gossip round, guarded by peersMu alongside peers itself.
	pexNew []string
	inbox  chan peerEvent

	lastStatsTick time.Time
	lastPexTick   time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New wires every component per spec §4.6 and binds the listening socket.
// Storage or listener failures are ConfigurationFatal/StorageIO and abort
// construction, matching spec §7.
func New(td *metainfo.TorrentDescriptor, localID [20]byte, cfg Config, log *logrus.Logger) (*Session, error) {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.New()
	}

	st, err := storage.Open(td, cfg.DownloadRoot)
	if err != nil {
		return nil, wrapErr(StorageIO, err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("[::]:%d", cfg.ListenPort))
	if err != nil {
		st.Close()
		return nil, wrapErr(ConfigurationFatal, err)
	}

	assembler := piece.NewAssembler(td, cfg.BlockSize)
	sched := scheduler.New(assembler)
	statTracker := stats.New(td.TotalLength(), log)

	s := &Session{
		cfg:       cfg,
		log:       log.WithField("torrent", td.Name),
		td:        td,
		localID:   localID,
		storage:   st,
		assembler: assembler,
		scheduler: sched,
		stats:     statTracker,
		listener:  listener,
		queue:     newCandidateQueue(),
		webseed:   newWebSeedFetcher(td.UrlList),
		peers:     make(map[string]*peerState),
		inbox:     make(chan peerEvent, 1024),
		stopCh:    make(chan struct{}),
	}
	assembler.SetPieceCompleteCallback(s.onPieceComplete)

	urls := td.AnnounceList
	if len(urls) == 0 && td.Announce != "" {
		urls = []string{td.Announce}
	}
	port := uint16(cfg.ListenPort)
	s.tracker = newTrackerWorker(urls, td.InfoHash, localID, port, statTracker, s.queue, log)

	return s, nil
}

// AddPeer manually enqueues a candidate endpoint, e.g. from an out-of-band
// source; part of the invocation surface spec §6 names.
func (s *Session) AddPeer(addr string) {
	s.queue.Push(addr)
}

func (s *Session) PeerCount() int {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	return len(s.peers)
}

// Start launches the listener accept loop and the tracker worker.
func (s *Session) Start() {
	go s.acceptLoop()
	go s.tracker.Run()
}

// Run drives RunOnce on a fixed tick until ctx is cancelled or Stop is called.
func (s *Session) Run(ctx context.Context, tick time.Duration) {
	s.Start()
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return
		case <-s.stopCh:
			return
		default:
		}
		if err := s.RunOnce(tick); err != nil {
			s.log.WithError(err).Error("run_once")
		}
	}
}

// Stop tears the session down: the tracker worker sends a final "stopped"
// announce, the listener and every peer connection close.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.tracker.Stop()
		s.listener.Close()
		s.peersMu.Lock()
		for _, ps := range s.peers {
			ps.conn.Close()
		}
		s.peersMu.Unlock()
		s.storage.Close()
	})
}

// RunOnce is one iteration of the main loop: dial new candidates, dispatch
// whatever peer events have arrived within timeout, reap handshake
// timeouts, and log periodic stats.
func (s *Session) RunOnce(timeout time.Duration) error {
	s.dialCandidates()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case pe := <-s.inbox:
		s.dispatch(pe)
	case <-deadline.C:
	case <-s.stopCh:
		return nil
	}
	// drain whatever else is already buffered without waiting further —
	// spec's "events within a single poll_once are delivered in order".
	for {
		select {
		case pe := <-s.inbox:
			s.dispatch(pe)
			continue
		default:
		}
		break
	}

	s.reapHandshakeTimeouts()
	s.fillFromWebSeeds()
	s.tickStats()
	s.tickPex()
	return nil
}

func (s *Session) dialCandidates() {
	for s.PeerCount() < s.cfg.MaxActivePeers {
		addr, ok := s.queue.Pop()
		if !ok {
			return
		}
		if s.hasPeer(addr) {
			continue
		}
		pc, err := peerconn.Dial(addr, s.td.InfoHash, s.localID, s.log.Logger)
		if err != nil {
			s.log.WithError(wrapErr(TransientPeer, err)).WithField("peer", addr).Warn("dial failed")
			continue
		}
		s.registerPeer(addr, pc, true)
	}
}

func (s *Session) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.log.WithError(err).Warn("accept failed")
			continue
		}
		addr := conn.RemoteAddr().String()
		pc := peerconn.Accept(conn, s.td.InfoHash, s.localID, s.log.Logger)
		s.registerPeer(addr, pc, false)
	}
}

func (s *Session) hasPeer(addr string) bool {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	_, ok := s.peers[addr]
	return ok
}

// registerPeer is called from both RunOnce (outbound dials) and acceptLoop's
// own goroutine (inbound), so the map write is locked; everything else about
// the new peerState is only ever read/written later from RunOnce.
func (s *Session) registerPeer(addr string, pc *peerconn.PeerConnection, outbound bool) {
	ps := &peerState{addr: addr, conn: pc, outbound: outbound, dialedAt: time.Now()}
	s.peersMu.Lock()
	s.peers[addr] = ps
	s.peersMu.Unlock()
	s.forwardEvents(addr, pc)
}

func (s *Session) forwardEvents(addr string, pc *peerconn.PeerConnection) {
	go func() {
		for ev := range pc.Events {
			select {
			case s.inbox <- peerEvent{addr: addr, ev: ev}:
			case <-s.stopCh:
				return
			}
		}
	}()
}

func (s *Session) reapHandshakeTimeouts() {
	now := time.Now()
	var timedOut []*peerState
	s.peersMu.Lock()
	for _, ps := range s.peers {
		if !ps.handshook && now.Sub(ps.dialedAt) > s.cfg.HandshakeTimeout {
			timedOut = append(timedOut, ps)
		}
	}
	s.peersMu.Unlock()
	for _, ps := range timedOut {
		s.log.WithError(wrapErr(TransientPeer, fmt.Errorf("handshake timeout"))).WithField("peer", ps.addr).Warn("handshake timeout")
		ps.conn.Close()
		s.removePeer(ps.addr)
	}
}

func (s *Session) removePeer(addr string) {
	s.peersMu.Lock()
	ps, ok := s.peers[addr]
	if ok {
		delete(s.peers, addr)
	}
	s.peersMu.Unlock()
	if !ok {
		return
	}
	s.scheduler.OnPeerGone(ps.bitfield)
	s.stats.RemovePeer(addr)
}

func (s *Session) tickStats() {
	if time.Since(s.lastStatsTick) < s.cfg.StatsInterval {
		return
	}
	s.lastStatsTick = time.Now()
	s.stats.Tick()
}

func (s *Session) haveBitfield() *bitfield.Bitfield {
	return s.assembler.HaveBitfield()
}

// onPieceComplete is the PieceAssembler callback: persist, then broadcast.
func (s *Session) onPieceComplete(pieceIndex int, data []byte) {
	if err := s.storage.WritePiece(pieceIndex, data); err != nil {
		s.log.WithError(wrapErr(StorageIO, err)).WithField("piece", pieceIndex).Error("write piece failed")
		return
	}
	remaining := s.remainingBytes()
	s.stats.SetLeft(remaining)
	s.broadcastHave(pieceIndex)
}

func (s *Session) remainingBytes() int64 {
	have := s.haveBitfield()
	var remaining int64
	for i := 0; i < have.Len(); i++ {
		if !have.Get(i) {
			remaining += s.td.PieceLengthOf(i)
		}
	}
	return remaining
}

func (s *Session) broadcastHave(pieceIndex int) {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	for _, ps := range s.peers {
		if ps.handshook {
			ps.conn.SendHave(pieceIndex)
		}
	}
}
