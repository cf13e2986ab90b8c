// Command leech downloads a single torrent to a destination directory.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/charana123/leech/metainfo"
	"github.com/charana123/leech/session"
)

func main() {
	var (
		torrentPath = flag.String("torrent", "", "path to a .torrent file")
		downloadDir = flag.String("dir", ".", "download destination directory")
		port        = flag.Int("port", 6881, "listen port for incoming peer connections")
	)
	flag.Parse()

	log := logrus.New()
	if *torrentPath == "" {
		log.Fatal("leech: -torrent is required")
	}

	td, err := metainfo.Open(*torrentPath)
	if err != nil {
		log.WithError(err).Fatal("leech: failed to open torrent")
	}

	localID, err := newPeerID()
	if err != nil {
		log.WithError(err).Fatal("leech: failed to generate peer id")
	}

	cfg := session.Config{ListenPort: *port, DownloadRoot: *downloadDir}
	sess, err := session.New(td, localID, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("leech: failed to start session")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("leech: shutting down")
		cancel()
	}()

	log.WithFields(logrus.Fields{
		"name":   td.Name,
		"pieces": td.NumPieces(),
	}).Info("leech: starting download")
	sess.Run(ctx, 500*time.Millisecond)
}

// newPeerID fills a BitTorrent-style 20-byte peer id with an "-LE" client
// prefix over random bytes.
func newPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], "-LE0001-")
	if _, err := rand.Read(id[8:]); err != nil {
		return id, err
	}
	return id, nil
}
