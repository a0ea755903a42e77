package fec

import (
	"github.com/aj-web/weak-network-video-streaming/wire"
	"github.com/klauspost/reedsolomon"
)

// BlockEncoder groups the sender's outgoing VideoPackets into disjoint
// blocks of k and, once a block fills, computes its parity shard.
type BlockEncoder struct {
	k        int
	overhead float64
	codec    reedsolomon.Encoder

	blockIndex   uint32
	pendingSeqs  []uint32
	pendingPayloads [][]byte
}

// NewBlockEncoder creates an encoder for blocks of k source packets with
// the given parity overhead ratio.
func NewBlockEncoder(k int, overhead float64) (*BlockEncoder, error) {
	codec, err := newCodec(k)
	if err != nil {
		return nil, err
	}
	return &BlockEncoder{k: k, overhead: overhead, codec: codec}, nil
}

// Add buffers one outgoing source packet. It reports whether the block is
// now full (the caller should call Flush next).
func (e *BlockEncoder) Add(seq uint32, payload []byte) bool {
	e.pendingSeqs = append(e.pendingSeqs, seq)
	cp := make([]byte, len(payload))
	copy(cp, payload)
	e.pendingPayloads = append(e.pendingPayloads, cp)
	return len(e.pendingSeqs) == e.k
}

// Flush computes the parity shard for the buffered block and returns the
// FEC packets to transmit (ParityCopies(k, overhead) identical copies, so
// losing any but the last copy still protects the block). seqFor assigns
// the wire seq_num for the i-th parity copy. Flush resets the buffer and
// advances the block index; calling it on a partial (non-full) block is
// valid and protects a short trailing block at end-of-stream.
func (e *BlockEncoder) Flush(seqFor func(copyIndex int) uint32) ([]wire.Packet, error) {
	n := len(e.pendingSeqs)
	if n == 0 {
		return nil, nil
	}

	maxLen := 0
	for _, p := range e.pendingPayloads {
		if len(p) > maxLen {
			maxLen = len(p)
		}
	}

	sourceLens := make([]uint32, n)
	shards := make([][]byte, e.k+1)
	for i := 0; i < n; i++ {
		sourceLens[i] = uint32(len(e.pendingPayloads[i]))
		shards[i] = padTo(e.pendingPayloads[i], maxLen)
	}
	for i := n; i < e.k; i++ {
		// Short trailing block: pad absent source slots with zero shards
		// so the matrix codec still has k inputs. Absent slots contribute
		// no source_seq entry, so the decoder never expects to recover
		// (or count as missing) a slot beyond n.
		shards[i] = make([]byte, maxLen)
	}
	shards[e.k] = make([]byte, maxLen)

	if err := e.codec.Encode(shards); err != nil {
		return nil, err
	}
	parity := shards[e.k]

	seqs := append([]uint32(nil), e.pendingSeqs...)
	blockIndex := e.blockIndex
	e.blockIndex++
	e.pendingSeqs = e.pendingSeqs[:0]
	e.pendingPayloads = e.pendingPayloads[:0]

	copies := ParityCopies(e.k, e.overhead)
	packets := make([]wire.Packet, copies)
	for c := 0; c < copies; c++ {
		packets[c] = wire.Packet{
			Header: wire.CommonHeader{Kind: wire.KindFEC, SeqNum: seqFor(c)},
			FEC: &wire.FECPacket{
				BlockIndex: blockIndex,
				SourceSeqs: seqs,
				SourceLens: sourceLens,
				Parity:     parity,
			},
		}
	}
	return packets, nil
}

// Pending reports how many source packets are currently buffered for the
// open block.
func (e *BlockEncoder) Pending() int { return len(e.pendingSeqs) }
