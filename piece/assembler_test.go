package piece

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/charana123/leech/metainfo"
)

func tdOnePiece(t *testing.T, pieceLen int64, data []byte) *metainfo.TorrentDescriptor {
	t.Helper()
	h := sha1.Sum(data)
	return &metainfo.TorrentDescriptor{
		Name:        "t",
		PieceLength: pieceLen,
		PieceHashes: [][20]byte{h},
		Files:       []metainfo.FileEntry{{RelativePath: "f", Length: int64(len(data))}},
	}
}

func TestHandleBlockCompletesAndVerifies(t *testing.T) {
	data := make([]byte, 32)
	for i := range data {
		data[i] = byte(i)
	}
	td := tdOnePiece(t, 32, data)
	a := NewAssembler(td, 16)

	var completed []byte
	a.SetPieceCompleteCallback(func(i int, d []byte) {
		assert.Equal(t, 0, i)
		completed = d
	})

	ok, err := a.HandleBlock(0, 0, data[0:16])
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, a.HavePiece(0))

	ok, err = a.HandleBlock(0, 16, data[16:32])
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, a.HavePiece(0))
	assert.Equal(t, data, completed)
	assert.True(t, a.HaveBitfield().Get(0))
}

func TestHashMismatchResetsPiece(t *testing.T) {
	data := make([]byte, 32)
	td := tdOnePiece(t, 32, data)
	a := NewAssembler(td, 16)

	_, _ = a.HandleBlock(0, 0, data[0:16])
	corrupted := make([]byte, 16)
	corrupted[0] = 0xFF
	ok, err := a.HandleBlock(0, 16, corrupted)
	assert.True(t, ok)
	assert.Error(t, err)
	assert.False(t, a.HavePiece(0))
	assert.False(t, a.HaveBitfield().Get(0))
	assert.False(t, a.ReceivedBlock(0, 0))
}

func TestDuplicateBlockRejected(t *testing.T) {
	data := make([]byte, 32)
	td := tdOnePiece(t, 32, data)
	a := NewAssembler(td, 16)

	ok, err := a.HandleBlock(0, 0, data[0:16])
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.HandleBlock(0, 0, data[0:16])
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestBlockMisalignedRejected(t *testing.T) {
	data := make([]byte, 32)
	td := tdOnePiece(t, 32, data)
	a := NewAssembler(td, 16)
	ok, err := a.HandleBlock(0, 3, data[0:16])
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestPermutedBlockOrderSameOutcome(t *testing.T) {
	data := make([]byte, 48)
	for i := range data {
		data[i] = byte(i * 3)
	}
	td := tdOnePiece(t, 48, data)
	a := NewAssembler(td, 16)

	var got []byte
	a.SetPieceCompleteCallback(func(i int, d []byte) { got = d })

	// feed blocks in reverse order
	_, _ = a.HandleBlock(0, 32, data[32:48])
	_, _ = a.HandleBlock(0, 16, data[16:32])
	_, err := a.HandleBlock(0, 0, data[0:16])
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestLastBlockTruncatedLength(t *testing.T) {
	data := make([]byte, 20) // blockSize 16: block0=16, block1=4
	td := tdOnePiece(t, 20, data)
	a := NewAssembler(td, 16)
	assert.EqualValues(t, 16, a.ExpectedBlockLength(0, 0))
	assert.EqualValues(t, 4, a.ExpectedBlockLength(0, 1))

	_, err := a.HandleBlock(0, 16, data[16:20])
	require.NoError(t, err) // accepted, piece not complete yet
	_, err = a.HandleBlock(0, 16, make([]byte, 16))
	assert.Error(t, err) // wrong length for final block
}
