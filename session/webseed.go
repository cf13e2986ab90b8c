package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// webSeedFetcher pulls whole pieces over HTTP(S) from BEP 19 url-list seeds,
// per spec §4.6: used only as a fallback when the tracker yields no peers,
// one piece at a time, block-by-block into the same PieceAssembler peer
// traffic feeds.
type webSeedFetcher struct {
	urls   []string
	client *http.Client
}

func newWebSeedFetcher(urls []string) *webSeedFetcher {
	return &webSeedFetcher{urls: urls, client: http.DefaultClient}
}

func (w *webSeedFetcher) enabled() bool { return len(w.urls) > 0 }

// fetchPiece ranges GETs pieceIndex's bytes from each seed in turn until one
// succeeds, and returns the whole piece body. The caller is responsible for
// splitting it into blocks and feeding them through the assembler, same as
// it would for peer-delivered blocks.
func (w *webSeedFetcher) fetchPiece(ctx context.Context, pieceIndex int, offset, length int64) ([]byte, error) {
	var lastErr error
	for _, base := range w.urls {
		data, err := w.fetchFrom(ctx, base, offset, length)
		if err != nil {
			lastErr = err
			continue
		}
		return data, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("session: no web seeds configured")
	}
	return nil, lastErr
}

func (w *webSeedFetcher) fetchFrom(ctx context.Context, base string, offset, length int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base, nil)
	if err != nil {
		return nil, fmt.Errorf("session: webseed request %q: %w", base, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session: webseed get %q: %w", base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("session: webseed %q: status %d", base, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, length))
	if err != nil {
		return nil, fmt.Errorf("session: webseed read %q: %w", base, err)
	}
	if int64(len(body)) != length {
		return nil, fmt.Errorf("session: webseed %q: got %d bytes, want %d", base, len(body), length)
	}
	return body, nil
}

// fillFromWebSeeds is invoked by RunOnce when the peer swarm is empty and web
// seeds are configured. It walks the missing pieces in order, pulling one
// full piece at a time and feeding it through HandleBlock exactly as a
// peer-sourced block would be, so hash verification and onPieceComplete
// behave identically regardless of source.
func (s *Session) fillFromWebSeeds() {
	if s.webseed == nil || !s.webseed.enabled() {
		return
	}
	if s.PeerCount() > 0 {
		return
	}

	have := s.haveBitfield()
	pieceIndex := -1
	for i := 0; i < have.Len(); i++ {
		if !have.Get(i) {
			pieceIndex = i
			break
		}
	}
	if pieceIndex < 0 {
		return
	}

	offset := s.td.PieceLength * int64(pieceIndex)
	length := s.td.PieceLengthOf(pieceIndex)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	data, err := s.webseed.fetchPiece(ctx, pieceIndex, offset, length)
	if err != nil {
		s.log.WithError(err).WithField("piece", pieceIndex).Debug("webseed fetch failed")
		return
	}

	blockSize := s.assembler.BlockSize()
	for begin := int64(0); begin < length; begin += blockSize {
		end := begin + blockSize
		if end > length {
			end = length
		}
		if _, err := s.assembler.HandleBlock(pieceIndex, int(begin), data[begin:end]); err != nil {
			s.log.WithError(wrapErr(PieceIntegrity, err)).WithField("piece", pieceIndex).Warn("webseed block rejected")
			return
		}
	}
}
