// Package storage maps a torrent's contiguous logical byte stream onto its
// file list and performs the positional reads/writes that back piece
// verification and block serving.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/charana123/leech/metainfo"
)

// appFS and openFile are package vars, exactly so tests can swap in
// afero.NewMemMapFs() the way the teacher's disk_test.go does.
var appFS = afero.NewOsFs()
var openFile = appFS.OpenFile

// Span is a contiguous byte range within a single backing file that
// contributes bytes to a piece.
type Span struct {
	FileIndex  int
	FileOffset int64
	Length     int64
}

// Storage owns the backing files for a torrent's whole life and translates
// piece coordinates into file-spanning byte ranges.
type Storage struct {
	td    *metainfo.TorrentDescriptor
	root  string
	files []afero.File
	locks []*sync.Mutex

	// pieceSpans[i] is the ordered list of spans whose concatenation is
	// piece i's bytes, precomputed once at construction.
	pieceSpans [][]Span
}

// Open creates (if absent) and truncates every file in the torrent's file
// list to its declared length, rooted at <downloadRoot>/<td.Name> unless a
// file's relative path is absolute. Parent directories are created. A file
// open failure here is fatal to construction, matching spec's StorageIO
// classification.
func Open(td *metainfo.TorrentDescriptor, downloadRoot string) (*Storage, error) {
	root := filepath.Join(downloadRoot, td.Name)

	s := &Storage{td: td, root: root}
	for _, fe := range td.Files {
		path := fe.RelativePath
		if !filepath.IsAbs(path) {
			path = filepath.Join(root, path)
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := appFS.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("storage: mkdir %s: %w", dir, err)
			}
		}
		f, err := openFile(path, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("storage: open %s: %w", path, err)
		}
		if err := f.Truncate(fe.Length); err != nil {
			return nil, fmt.Errorf("storage: truncate %s to %d: %w", path, fe.Length, err)
		}
		s.files = append(s.files, f)
		s.locks = append(s.locks, &sync.Mutex{})
	}

	s.pieceSpans = make([][]Span, td.NumPieces())
	for i := 0; i < td.NumPieces(); i++ {
		pieceStart := int64(i) * td.PieceLength
		s.pieceSpans[i] = s.spansInRange(pieceStart, td.PieceLengthOf(i))
	}
	return s, nil
}

// spansInRange slices the file list for the logical byte range
// [start, start+length) of the whole torrent payload.
func (s *Storage) spansInRange(start, length int64) []Span {
	var spans []Span
	var fileStart int64
	remainingSkip := start
	remainingLen := length
	for i, fe := range s.td.Files {
		if fe.Length == 0 {
			continue
		}
		fileEnd := fileStart + fe.Length
		if remainingLen <= 0 {
			break
		}
		if remainingSkip >= fe.Length {
			remainingSkip -= fe.Length
			fileStart = fileEnd
			continue
		}
		offsetInFile := remainingSkip
		available := fe.Length - offsetInFile
		take := available
		if take > remainingLen {
			take = remainingLen
		}
		spans = append(spans, Span{FileIndex: i, FileOffset: offsetInFile, Length: take})
		remainingLen -= take
		remainingSkip = 0
		fileStart = fileEnd
	}
	return spans
}

// SpansFor exposes span computation for testing and alternative upload
// paths, per spec §4.1.
func (s *Storage) SpansFor(pieceIndex int, begin, length int64) ([]Span, error) {
	pieceLen := s.td.PieceLengthOf(pieceIndex)
	if begin < 0 || begin+length > pieceLen {
		return nil, fmt.Errorf("storage: range [%d,%d) exceeds piece %d length %d", begin, begin+length, pieceIndex, pieceLen)
	}
	pieceStart := int64(pieceIndex)*s.td.PieceLength + begin
	return s.spansInRange(pieceStart, length), nil
}

// WritePiece performs one positional write per span. Not atomic across
// spans: a crash mid-write leaves the piece partially persisted, which a
// fresh PieceAssembler will simply treat as Missing.
func (s *Storage) WritePiece(pieceIndex int, data []byte) error {
	spans := s.pieceSpans[pieceIndex]
	var off int64
	for _, sp := range spans {
		chunk := data[off : off+sp.Length]
		s.locks[sp.FileIndex].Lock()
		n, err := s.files[sp.FileIndex].WriteAt(chunk, sp.FileOffset)
		s.locks[sp.FileIndex].Unlock()
		if err != nil {
			return fmt.Errorf("storage: write piece %d file %d: %w", pieceIndex, sp.FileIndex, err)
		}
		if int64(n) != sp.Length {
			return fmt.Errorf("storage: short write piece %d file %d: wrote %d want %d", pieceIndex, sp.FileIndex, n, sp.Length)
		}
		off += sp.Length
	}
	return nil
}

// ReadBlock reads [begin, begin+length) of piece pieceIndex. Safe to call
// concurrently with other ReadBlock calls; must not be called concurrently
// with WritePiece on the same piece.
func (s *Storage) ReadBlock(pieceIndex int, begin, length int64) ([]byte, error) {
	spans, err := s.SpansFor(pieceIndex, begin, length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, length)
	for _, sp := range spans {
		buf := make([]byte, sp.Length)
		s.locks[sp.FileIndex].Lock()
		n, err := s.files[sp.FileIndex].ReadAt(buf, sp.FileOffset)
		s.locks[sp.FileIndex].Unlock()
		if err != nil {
			return nil, fmt.Errorf("storage: read piece %d file %d: %w", pieceIndex, sp.FileIndex, err)
		}
		if int64(n) != sp.Length {
			return nil, fmt.Errorf("storage: short read piece %d file %d: read %d want %d", pieceIndex, sp.FileIndex, n, sp.Length)
		}
		out = append(out, buf...)
	}
	return out, nil
}

// Close releases all backing file handles.
func (s *Storage) Close() error {
	var firstErr error
	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
