// Package piece holds per-piece block bitmaps and buffers and verifies
// completed pieces by SHA-1, per spec §4.2. It does not choose which block
// to request next — that's the scheduler package's job.
package piece

import (
	"bytes"
	"crypto/sha1"
	"fmt"

	"github.com/charana123/leech/bitfield"
	"github.com/charana123/leech/metainfo"
)

const DefaultBlockSize = 16384

type state int

const (
	Missing state = iota
	Downloading
	Have
)

type pieceState struct {
	tag      state
	blocks   int
	received []bool
	buf      []byte
}

// CompleteFunc is invoked once a piece hashes correctly: (pieceIndex, bytes).
type CompleteFunc func(pieceIndex int, data []byte)

// Assembler owns block-level reassembly and hash verification for every
// piece of a single torrent.
type Assembler struct {
	td         *metainfo.TorrentDescriptor
	blockSize  int64
	have       *bitfield.Bitfield
	pieces     []*pieceState
	onComplete CompleteFunc
}

func NewAssembler(td *metainfo.TorrentDescriptor, blockSize int64) *Assembler {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	a := &Assembler{
		td:        td,
		blockSize: blockSize,
		have:      bitfield.New(td.NumPieces()),
		pieces:    make([]*pieceState, td.NumPieces()),
	}
	for i := range a.pieces {
		a.pieces[i] = &pieceState{tag: Missing, blocks: a.numBlocks(i)}
	}
	return a
}

func (a *Assembler) SetPieceCompleteCallback(fn CompleteFunc) {
	a.onComplete = fn
}

func (a *Assembler) numBlocks(i int) int {
	l := a.td.PieceLengthOf(i)
	n := l / a.blockSize
	if l%a.blockSize != 0 {
		n++
	}
	return int(n)
}

// ExpectedBlockLength returns block k's length within piece i.
func (a *Assembler) ExpectedBlockLength(i, k int) int64 {
	pieceLen := a.td.PieceLengthOf(i)
	start := int64(k) * a.blockSize
	if start+a.blockSize > pieceLen {
		return pieceLen - start
	}
	return a.blockSize
}

func (a *Assembler) BlockSize() int64 { return a.blockSize }

func (a *Assembler) NumBlocks(i int) int { return a.pieces[i].blocks }

func (a *Assembler) HavePiece(i int) bool {
	if i < 0 || i >= len(a.pieces) {
		return false
	}
	return a.pieces[i].tag == Have
}

func (a *Assembler) HaveBitfield() *bitfield.Bitfield { return a.have }

// EnsureBuffer lazily allocates the piece's download buffer, used by the
// scheduler when it first reserves a block from a piece.
func (a *Assembler) EnsureBuffer(i int) {
	ps := a.pieces[i]
	if ps.tag == Missing {
		ps.tag = Downloading
		ps.buf = make([]byte, a.td.PieceLengthOf(i))
		ps.received = make([]bool, ps.blocks)
	}
}

func (a *Assembler) ReceivedBlock(i, k int) bool {
	ps := a.pieces[i]
	if ps.received == nil || k < 0 || k >= len(ps.received) {
		return false
	}
	return ps.received[k]
}

// HandleBlock copies an incoming block into the piece buffer. Returns
// (accepted, error) — error carries the reason for rejection for logging
// purposes, but the caller (Session) should not treat rejection as fatal.
func (a *Assembler) HandleBlock(pieceIndex, begin int, data []byte) (bool, error) {
	if pieceIndex < 0 || pieceIndex >= len(a.pieces) {
		return false, fmt.Errorf("piece: index %d out of range", pieceIndex)
	}
	ps := a.pieces[pieceIndex]
	if ps.tag == Have {
		return false, fmt.Errorf("piece %d: already have", pieceIndex)
	}
	if begin%int(a.blockSize) != 0 {
		return false, fmt.Errorf("piece %d: begin %d not block-aligned", pieceIndex, begin)
	}
	pieceLen := a.td.PieceLengthOf(pieceIndex)
	if int64(begin)+int64(len(data)) > pieceLen {
		return false, fmt.Errorf("piece %d: block [%d,%d) exceeds piece length %d", pieceIndex, begin, begin+len(data), pieceLen)
	}
	k := begin / int(a.blockSize)
	expected := a.ExpectedBlockLength(pieceIndex, k)
	if int64(len(data)) != expected {
		return false, fmt.Errorf("piece %d block %d: length %d want %d", pieceIndex, k, len(data), expected)
	}

	a.EnsureBuffer(pieceIndex)
	if ps.received[k] {
		return false, fmt.Errorf("piece %d block %d: already received", pieceIndex, k)
	}

	copy(ps.buf[begin:], data)
	ps.received[k] = true

	for _, got := range ps.received {
		if !got {
			return true, nil
		}
	}
	return true, a.verify(pieceIndex)
}

func (a *Assembler) verify(pieceIndex int) error {
	ps := a.pieces[pieceIndex]
	sum := sha1.Sum(ps.buf)
	want := a.td.PieceHashes[pieceIndex]
	if !bytes.Equal(sum[:], want[:]) {
		a.ResetPiece(pieceIndex)
		return fmt.Errorf("piece %d: hash mismatch", pieceIndex)
	}

	data := ps.buf
	ps.tag = Have
	ps.buf = nil
	ps.received = nil
	a.have.Set(pieceIndex, true)
	if a.onComplete != nil {
		a.onComplete(pieceIndex, data)
	}
	return nil
}

// ResetPiece clears received tracking and discards the buffer, returning the
// piece to Missing. Called on hash failure. The requested-block bitmap lives
// in the scheduler and is cleared by scheduler.ResetPiece.
func (a *Assembler) ResetPiece(i int) {
	ps := a.pieces[i]
	if ps.tag == Have {
		return
	}
	ps.tag = Missing
	ps.buf = nil
	ps.received = nil
}
