package session

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charana123/leech/stats"
	"github.com/charana123/leech/tracker"
)

const defaultTrackerBackoff = 30 * time.Second

// trackerWorker is the second of the two cooperating threads spec §5
// describes: it owns no event-thread state, talking to it only through the
// candidate queue.
type trackerWorker struct {
	urls     []string
	http     tracker.Client
	udp      tracker.Client
	infoHash [20]byte
	peerID   [20]byte
	port     uint16
	stats    *stats.Stats
	queue    *candidateQueue
	log      *logrus.Entry

	stopOnce  sync.Once
	stopCh    chan struct{}
	announced bool
}

func newTrackerWorker(urls []string, infoHash, peerID [20]byte, port uint16, st *stats.Stats, q *candidateQueue, log *logrus.Logger) *trackerWorker {
	return &trackerWorker{
		urls:     urls,
		http:     tracker.NewHTTPClient(),
		udp:      tracker.NewUDPClient(),
		infoHash: infoHash,
		peerID:   peerID,
		port:     port,
		stats:    st,
		queue:    q,
		log:      log.WithField("component", "tracker"),
		stopCh:   make(chan struct{}),
	}
}

func (w *trackerWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// Run announces repeatedly until Stop is called, sleeping the tracker's
// returned interval between re-announces, broken into short increments so
// shutdown is prompt.
func (w *trackerWorker) Run() {
	first := true
	for {
		select {
		case <-w.stopCh:
			w.announceFinal()
			return
		default:
		}

		event := tracker.None
		if first {
			event = tracker.Started
			first = false
		}
		interval := w.announceOnce(event)
		if !w.sleep(interval) {
			w.announceFinal()
			return
		}
	}
}

func (w *trackerWorker) announceOnce(event tracker.Event) time.Duration {
	uploaded, downloaded, left := w.stats.TrackerTotals()
	req := tracker.AnnounceRequest{
		InfoHash:   w.infoHash,
		PeerID:     w.peerID,
		Port:       w.port,
		Uploaded:   uploaded,
		Downloaded: downloaded,
		Left:       left,
		Event:      event,
		NumWant:    50,
	}

	for _, u := range w.urls {
		client, err := tracker.Dispatch(w.http, w.udp, u)
		if err != nil {
			w.log.WithError(err).WithField("url", u).Warn("tracker: unsupported url")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		resp, err := client.Announce(ctx, u, req)
		cancel()
		if err != nil {
			w.log.WithError(wrapErr(TrackerTransient, err)).WithField("url", u).Warn("announce failed")
			continue
		}
		w.announced = true
		for _, peer := range resp.Peers {
			w.queue.Push(peer.String())
		}
		if resp.Interval > 0 {
			return time.Duration(resp.Interval) * time.Second
		}
		return defaultTrackerBackoff
	}
	w.log.Warn("all tracker urls failed this round")
	return defaultTrackerBackoff
}

func (w *trackerWorker) announceFinal() {
	if !w.announced || len(w.urls) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := tracker.Dispatch(w.http, w.udp, w.urls[0])
	if err != nil {
		return
	}
	uploaded, downloaded, left := w.stats.TrackerTotals()
	client.Announce(ctx, w.urls[0], tracker.AnnounceRequest{
		InfoHash: w.infoHash, PeerID: w.peerID, Port: w.port,
		Uploaded: uploaded, Downloaded: downloaded, Left: left,
		Event: tracker.Stopped,
	})
}

// sleep waits up to d in one-second increments, returning false if stopCh
// fires first.
func (w *trackerWorker) sleep(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		chunk := time.Second
		if remaining := time.Until(deadline); remaining < chunk {
			chunk = remaining
		}
		select {
		case <-w.stopCh:
			return false
		case <-time.After(chunk):
		}
	}
	return true
}
