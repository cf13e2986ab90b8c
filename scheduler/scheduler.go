// Package scheduler chooses which block to request from which peer,
// rarest-first, and enforces the requested/received bookkeeping described in
// spec §4.3. It sits on top of a piece.Assembler but owns no bytes itself.
package scheduler

import (
	"sort"

	mapset "github.com/deckarep/golang-set"

	"github.com/charana123/leech/bitfield"
	"github.com/charana123/leech/piece"
)

// BlockCoord identifies one requestable block.
type BlockCoord struct {
	PieceIndex int
	Begin      int64
	Length     int64
}

type pieceRequestState struct {
	requested []bool
}

// Scheduler tracks piece availability across connected peers and the
// per-piece requested-block bitmap used to avoid double-requesting a block.
type Scheduler struct {
	assembler *piece.Assembler

	availability []int
	// buckets maps availability count -> set of piece indices at that
	// availability; a piece found Have at its next bucket update is dropped
	// from them (NextRequestForPeer skips Have pieces either way). A scan over
	// buckets from 0 upward gives rarest-first order; for the torrent sizes
	// this engine targets (tens of thousands of pieces at most) a handful of
	// map lookups plus small per-bucket set scans beats maintaining a sorted
	// structure.
	buckets map[int]mapset.Set
	// pieceBucket[i] records which bucket piece i currently lives in, so
	// updates can move it in O(1) instead of scanning every bucket.
	pieceBucket map[int]int

	requestState map[int]*pieceRequestState
}

func New(a *piece.Assembler) *Scheduler {
	s := &Scheduler{
		assembler:    a,
		availability: make([]int, numPieces(a)),
		buckets:      make(map[int]mapset.Set),
		pieceBucket:  make(map[int]int),
		requestState: make(map[int]*pieceRequestState),
	}
	for i := 0; i < numPieces(a); i++ {
		s.addToBucket(i, 0)
	}
	return s
}

func numPieces(a *piece.Assembler) int {
	return a.HaveBitfield().Len()
}

func (s *Scheduler) addToBucket(pieceIndex, avail int) {
	set, ok := s.buckets[avail]
	if !ok {
		set = mapset.NewSet()
		s.buckets[avail] = set
	}
	set.Add(pieceIndex)
	s.pieceBucket[pieceIndex] = avail
}

func (s *Scheduler) removeFromCurrentBucket(pieceIndex int) {
	if avail, ok := s.pieceBucket[pieceIndex]; ok {
		if set, ok := s.buckets[avail]; ok {
			set.Remove(pieceIndex)
			if set.Cardinality() == 0 {
				delete(s.buckets, avail)
			}
		}
		delete(s.pieceBucket, pieceIndex)
	}
}

// updateBuckets moves pieceIndex into the bucket matching its current
// availability. Called after any change to availability[pieceIndex].
func (s *Scheduler) updateBuckets(pieceIndex int) {
	if s.assembler.HavePiece(pieceIndex) {
		s.removeFromCurrentBucket(pieceIndex)
		return
	}
	s.removeFromCurrentBucket(pieceIndex)
	s.addToBucket(pieceIndex, s.availability[pieceIndex])
}

// OnPeerBitfield increments availability for every piece the peer claims.
func (s *Scheduler) OnPeerBitfield(peerBitfield *bitfield.Bitfield) {
	for i := 0; i < len(s.availability); i++ {
		if peerBitfield.Get(i) {
			s.availability[i]++
			s.updateBuckets(i)
		}
	}
}

// OnPeerHave increments availability for a single piece announced via Have.
func (s *Scheduler) OnPeerHave(pieceIndex int) {
	s.availability[pieceIndex]++
	s.updateBuckets(pieceIndex)
}

// OnPeerGone decrements availability for every piece a disconnecting peer's
// bitfield claimed.
func (s *Scheduler) OnPeerGone(peerBitfield *bitfield.Bitfield) {
	if peerBitfield == nil {
		return
	}
	for i := 0; i < len(s.availability); i++ {
		if peerBitfield.Get(i) && s.availability[i] > 0 {
			s.availability[i]--
			s.updateBuckets(i)
		}
	}
}

func (s *Scheduler) Availability(pieceIndex int) int {
	return s.availability[pieceIndex]
}

func (s *Scheduler) ensureRequestState(pieceIndex int) *pieceRequestState {
	rs, ok := s.requestState[pieceIndex]
	if !ok {
		rs = &pieceRequestState{requested: make([]bool, s.assembler.NumBlocks(pieceIndex))}
		s.requestState[pieceIndex] = rs
	}
	return rs
}

// NextRequestForPeer returns the next block to request from a peer with the
// given bitfield, or ok=false if none is eligible (spec §4.3).
func (s *Scheduler) NextRequestForPeer(peerBitfield *bitfield.Bitfield) (BlockCoord, bool) {
	if peerBitfield.AllZero() {
		return BlockCoord{}, false
	}
	// ascending availability order: bucket 0 first. Bucket 0 only ever
	// contains pieces nobody advertises, so they're naturally skipped by the
	// peerBitfield.Get check below.
	avails := make([]int, 0, len(s.buckets))
	for avail := range s.buckets {
		avails = append(avails, avail)
	}
	sort.Ints(avails)
	for _, avail := range avails {
		set := s.buckets[avail]
		if set.Cardinality() == 0 {
			continue
		}
		for _, raw := range set.ToSlice() {
			p := raw.(int)
			if !peerBitfield.Get(p) || s.assembler.HavePiece(p) {
				continue
			}
			s.assembler.EnsureBuffer(p)
			rs := s.ensureRequestState(p)
			for k, requested := range rs.requested {
				if requested {
					continue
				}
				rs.requested[k] = true
				begin := int64(k) * s.assembler.BlockSize()
				return BlockCoord{PieceIndex: p, Begin: begin, Length: s.assembler.ExpectedBlockLength(p, k)}, true
			}
		}
	}
	return BlockCoord{}, false
}

// ResetPiece clears this piece's requested bitmap. The session calls it when
// the assembler resets the piece on hash failure; blocks requested from a
// peer that later disconnects stay marked requested.
func (s *Scheduler) ResetPiece(pieceIndex int) {
	delete(s.requestState, pieceIndex)
}
