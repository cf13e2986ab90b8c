package scheduler

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charana123/leech/bitfield"
	"github.com/charana123/leech/metainfo"
	"github.com/charana123/leech/piece"
)

func sha1Sum(data []byte) [20]byte {
	return sha1.Sum(data)
}

func newAssembler(t *testing.T, numPieces int) *piece.Assembler {
	t.Helper()
	td := &metainfo.TorrentDescriptor{
		Name:        "t",
		PieceLength: 32,
		PieceHashes: make([][20]byte, numPieces),
		Files:       []metainfo.FileEntry{{RelativePath: "f", Length: int64(numPieces) * 32}},
	}
	return piece.NewAssembler(td, 16)
}

func bf(n int, set ...int) *bitfield.Bitfield {
	b := bitfield.New(n)
	for _, i := range set {
		b.Set(i, true)
	}
	return b
}

func TestRarestFirstPreference(t *testing.T) {
	a := newAssembler(t, 2)
	s := New(a)

	peerA := bf(2, 0, 1)
	peerB := bf(2, 1)
	s.OnPeerBitfield(peerA)
	s.OnPeerBitfield(peerB)

	// availability = {0:1, 1:2}
	assert.Equal(t, 1, s.Availability(0))
	assert.Equal(t, 2, s.Availability(1))

	req, ok := s.NextRequestForPeer(peerA)
	require.True(t, ok)
	assert.Equal(t, 0, req.PieceIndex)
}

func TestNoDuplicateBlockRequests(t *testing.T) {
	a := newAssembler(t, 1)
	s := New(a)
	peer := bf(1, 0)
	s.OnPeerBitfield(peer)

	seen := map[int64]bool{}
	for {
		req, ok := s.NextRequestForPeer(peer)
		if !ok {
			break
		}
		assert.False(t, seen[req.Begin])
		seen[req.Begin] = true
	}
	assert.Equal(t, 2, len(seen)) // piece of 32 bytes / blockSize 16 = 2 blocks
}

func TestAllZeroBitfieldNeverInteresting(t *testing.T) {
	a := newAssembler(t, 4)
	s := New(a)
	peer := bf(4)
	_, ok := s.NextRequestForPeer(peer)
	assert.False(t, ok)
}

func TestOnPeerGoneDecrementsAvailability(t *testing.T) {
	a := newAssembler(t, 1)
	s := New(a)
	peer := bf(1, 0)
	s.OnPeerBitfield(peer)
	assert.Equal(t, 1, s.Availability(0))
	s.OnPeerGone(peer)
	assert.Equal(t, 0, s.Availability(0))
}

func TestHavePieceExcludedFromCandidates(t *testing.T) {
	data := make([]byte, 32)
	for i := range data {
		data[i] = byte(i)
	}
	sum := sha1Sum(data)
	td := &metainfo.TorrentDescriptor{
		Name:        "t",
		PieceLength: 32,
		PieceHashes: [][20]byte{sum},
		Files:       []metainfo.FileEntry{{RelativePath: "f", Length: 32}},
	}
	a := piece.NewAssembler(td, 16)
	s := New(a)
	peer := bf(1, 0)
	s.OnPeerBitfield(peer)

	_, err := a.HandleBlock(0, 0, data[0:16])
	require.NoError(t, err)
	_, err = a.HandleBlock(0, 16, data[16:32])
	require.NoError(t, err)
	require.True(t, a.HavePiece(0))

	_, ok := s.NextRequestForPeer(peer)
	assert.False(t, ok)
}
