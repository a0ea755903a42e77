package fec

import (
	"github.com/klauspost/reedsolomon"
)

// Recovered is one source packet reconstructed from a FEC block.
type Recovered struct {
	SeqNum  uint32
	Payload []byte
}

// blockState accumulates what the receiver has learned about one open FEC
// block: which source seqs belong to it (known once any FEC packet for the
// block arrives), which of those have actually been observed as raw video
// packets, and the parity bytes.
type blockState struct {
	sourceSeqs []uint32
	sourceLens []uint32
	parity     []byte
	have       map[uint32][]byte // seq -> raw payload, for seqs in sourceSeqs
}

// BlockDecoder attempts recovery of a single missing source packet per
// FEC block. It must see every raw source VideoPacket payload that
// survives (via ObserveSource) to know which slot, if any, is missing.
type BlockDecoder struct {
	k     int
	codec reedsolomon.Encoder

	blocks map[uint32]*blockState
	// recent caches raw payloads for source packets seen before their
	// owning block's FEC packet arrives (FEC packets may arrive in any
	// order relative to the source packets they protect).
	recent    map[uint32][]byte
	recentAge []uint32
	recentCap int
}

// NewBlockDecoder creates a decoder for blocks of k source packets. recentCap
// bounds the raw-payload lookback cache (by packet count, not blocks).
func NewBlockDecoder(k int, recentCap int) (*BlockDecoder, error) {
	codec, err := newCodec(k)
	if err != nil {
		return nil, err
	}
	if recentCap <= 0 {
		recentCap = k * 8
	}
	return &BlockDecoder{
		k:         k,
		codec:     codec,
		blocks:    make(map[uint32]*blockState),
		recent:    make(map[uint32][]byte),
		recentCap: recentCap,
	}, nil
}

// ObserveSource records a raw received video packet payload, keyed by its
// seq_num, so a later FEC packet can use it as a known shard.
func (d *BlockDecoder) ObserveSource(seq uint32, payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)
	d.recent[seq] = cp
	d.recentAge = append(d.recentAge, seq)
	for len(d.recentAge) > d.recentCap {
		old := d.recentAge[0]
		d.recentAge = d.recentAge[1:]
		delete(d.recent, old)
	}

	for _, bs := range d.blocks {
		if _, wanted := bs.have[seq]; wanted {
			continue
		}
		for _, s := range bs.sourceSeqs {
			if s == seq {
				bs.have[seq] = cp
				break
			}
		}
	}
}

// ObserveFEC registers a FEC packet for its block and attempts recovery.
// It returns the reconstructed source packet when the block has exactly
// one missing source packet and parity has been received; ok is false
// otherwise (nothing to recover, or ≥2 losses — spec.md §4.3's "fails
// gracefully").
func (d *BlockDecoder) ObserveFEC(blockIndex uint32, sourceSeqs []uint32, sourceLens []uint32, parity []byte) (*Recovered, bool) {
	bs, ok := d.blocks[blockIndex]
	if !ok {
		bs = &blockState{have: make(map[uint32][]byte)}
		d.blocks[blockIndex] = bs
		for _, seq := range sourceSeqs {
			if payload, cached := d.recent[seq]; cached {
				bs.have[seq] = payload
			}
		}
	}
	bs.sourceSeqs = sourceSeqs
	bs.sourceLens = sourceLens
	bs.parity = parity

	rec, recovered := d.tryRecover(bs)
	if recovered {
		delete(d.blocks, blockIndex)
	}
	return rec, recovered
}

func (d *BlockDecoder) tryRecover(bs *blockState) (*Recovered, bool) {
	if bs.parity == nil {
		return nil, false
	}
	n := len(bs.sourceSeqs)
	missingIdx := -1
	missingCount := 0
	for i, seq := range bs.sourceSeqs {
		if _, ok := bs.have[seq]; !ok {
			missingIdx = i
			missingCount++
		}
	}
	if missingCount == 0 || missingCount > 1 {
		// Fully present (nothing to do) or ≥2 losses (unrecoverable with a
		// single parity shard): not an error, just not recoverable here.
		return nil, false
	}

	maxLen := len(bs.parity)
	shards := make([][]byte, d.k+1)
	for i := 0; i < n; i++ {
		if i == missingIdx {
			continue
		}
		shards[i] = padTo(bs.have[bs.sourceSeqs[i]], maxLen)
	}
	for i := n; i < d.k; i++ {
		shards[i] = make([]byte, maxLen) // deterministic zero-pad, agreed with encoder
	}
	shards[d.k] = bs.parity

	if err := d.codec.Reconstruct(shards); err != nil {
		return nil, false
	}

	recoveredLen := bs.sourceLens[missingIdx]
	payload := append([]byte(nil), shards[missingIdx][:recoveredLen]...)
	return &Recovered{SeqNum: bs.sourceSeqs[missingIdx], Payload: payload}, true
}
