// Package bitfield wraps go-bitmap with the MSB-first, byte-padded semantics
// the BitTorrent wire protocol expects for have-bitfields and peer-bitfields.
package bitfield

import (
	bitmap "github.com/boljen/go-bitmap"
)

// Bitfield is an ordered sequence of bits, MSB-first within each byte, whose
// length is always ceil(numPieces/8) bytes. Bits beyond numPieces are unused
// and left zero.
type Bitfield struct {
	bm        bitmap.Bitmap
	numPieces int
}

// New allocates a zeroed bitfield sized for numPieces pieces.
func New(numPieces int) *Bitfield {
	return &Bitfield{
		bm:        bitmap.New(numPieces),
		numPieces: numPieces,
	}
}

// FromBytes copies raw wire bytes (as received in a Bitfield message) into a
// new bitfield; trailing pad bits beyond numPieces are never inspected.
func FromBytes(raw []byte, numPieces int) *Bitfield {
	bm := bitmap.New(numPieces)
	for i := 0; i < numPieces; i++ {
		byteIdx := i / 8
		if byteIdx >= len(raw) {
			break
		}
		offset := uint(i % 8)
		if raw[byteIdx]>>(7-offset)&1 != 0 {
			bm.Set(i, true)
		}
	}
	return &Bitfield{bm: bm, numPieces: numPieces}
}

func (b *Bitfield) Get(i int) bool {
	if i < 0 || i >= b.numPieces {
		return false
	}
	return b.bm.Get(i)
}

func (b *Bitfield) Set(i int, v bool) {
	if i < 0 || i >= b.numPieces {
		return
	}
	b.bm.Set(i, v)
}

func (b *Bitfield) Len() int {
	return b.numPieces
}

// Bytes returns the wire representation: ceil(numPieces/8) bytes, MSB-first,
// trailing pad bits zero.
func (b *Bitfield) Bytes() []byte {
	out := make([]byte, (b.numPieces+7)/8)
	for i := 0; i < b.numPieces; i++ {
		if b.bm.Get(i) {
			out[i/8] |= 0x80 >> uint(i%8)
		}
	}
	return out
}

// AllZero reports whether no bit is set; used to fast-path "never interesting".
func (b *Bitfield) AllZero() bool {
	for i := 0; i < b.numPieces; i++ {
		if b.bm.Get(i) {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (b *Bitfield) Clone() *Bitfield {
	c := New(b.numPieces)
	for i := 0; i < b.numPieces; i++ {
		if b.bm.Get(i) {
			c.bm.Set(i, true)
		}
	}
	return c
}
