// Package stats tracks tracker-reported totals and per-peer upload/download
// rates using a short sliding window, the same ring-buffer shape the
// teacher's stats.go uses.
package stats

import (
	"sync"

	underscore "github.com/ahl5esoft/golang-underscore"
	"github.com/sirupsen/logrus"
)

const windowSize = 10

// PeerStat holds a peer's smoothed transfer rates: bytes per Tick, averaged
// over the last windowSize ticks.
type PeerStat struct {
	UploadRate      int
	DownloadRate    int
	currentUpload   int
	currentDownload int
	uploadWindow    [windowSize]int
	downloadWindow  [windowSize]int
	i               int
}

// ClientStats is the aggregate across all peers.
type ClientStats struct {
	UploadRate     int
	DownloadRate   int
	uploadWindow   [windowSize]int
	downloadWindow [windowSize]int
	i              int
}

// Tracker is the running totals a tracker announce needs.
type Tracker struct {
	Uploaded   int64
	Downloaded int64
	Left       int64
}

// Stats aggregates transfer accounting for the session: totals reported to
// the tracker, an overall client rate, and one PeerStat per connected peer.
type Stats struct {
	mu sync.Mutex

	log *logrus.Entry

	tracker   Tracker
	client    ClientStats
	peerStats map[string]*PeerStat
}

func New(left int64, log *logrus.Logger) *Stats {
	if log == nil {
		log = logrus.New()
	}
	return &Stats{
		tracker:   Tracker{Left: left},
		peerStats: make(map[string]*PeerStat),
		log:       log.WithField("component", "stats"),
	}
}

// TrackerTotals returns the counters the tracker worker announces.
func (s *Stats) TrackerTotals() (uploaded, downloaded, left int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker.Uploaded, s.tracker.Downloaded, s.tracker.Left
}

// SetLeft updates remaining bytes as pieces complete.
func (s *Stats) SetLeft(left int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracker.Left = left
}

// RecordPeerTransfer accumulates bytes exchanged with peerID since the last tick.
func (s *Stats) RecordPeerTransfer(peerID string, uploaded, downloaded int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ps, ok := s.peerStats[peerID]
	if !ok {
		ps = &PeerStat{}
		s.peerStats[peerID] = ps
	}
	ps.currentUpload += uploaded
	ps.currentDownload += downloaded
}

func (s *Stats) RemovePeer(peerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peerStats, peerID)
}

func sumReduce(acc int, x, _ int) int {
	return acc + x
}

// Tick rotates the sliding windows, recomputes smoothed rates, folds the
// tick's totals into the tracker counters, and logs the client-wide rate.
// Called every StatsInterval from the session's main loop.
func (s *Stats) Tick() map[string]*PeerStat {
	s.mu.Lock()
	defer s.mu.Unlock()

	clientUp, clientDown := 0, 0
	for _, ps := range s.peerStats {
		ps.uploadWindow[ps.i] = ps.currentUpload
		ps.downloadWindow[ps.i] = ps.currentDownload
		underscore.Chain(ps.uploadWindow[:]).Reduce(0, sumReduce).Value(&ps.UploadRate)
		underscore.Chain(ps.downloadWindow[:]).Reduce(0, sumReduce).Value(&ps.DownloadRate)
		ps.UploadRate /= windowSize
		ps.DownloadRate /= windowSize
		ps.i = (ps.i + 1) % windowSize

		clientUp += ps.currentUpload
		clientDown += ps.currentDownload
		ps.currentUpload = 0
		ps.currentDownload = 0
	}

	s.client.uploadWindow[s.client.i] = clientUp
	s.client.downloadWindow[s.client.i] = clientDown
	underscore.Chain(s.client.uploadWindow[:]).Reduce(0, sumReduce).Value(&s.client.UploadRate)
	underscore.Chain(s.client.downloadWindow[:]).Reduce(0, sumReduce).Value(&s.client.DownloadRate)
	s.client.UploadRate /= windowSize
	s.client.DownloadRate /= windowSize
	s.client.i = (s.client.i + 1) % windowSize

	s.tracker.Uploaded += int64(clientUp)
	s.tracker.Downloaded += int64(clientDown)

	s.log.WithFields(logrus.Fields{
		"upload_bps":   s.client.UploadRate,
		"download_bps": s.client.DownloadRate,
		"peers":        len(s.peerStats),
	}).Info("transfer rate")

	out := make(map[string]*PeerStat, len(s.peerStats))
	for id, ps := range s.peerStats {
		cp := *ps
		out[id] = &cp
	}
	return out
}
