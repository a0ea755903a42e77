// Package fec implements C3: forward error correction over sliding blocks
// of k consecutive source VideoPackets. Parity is computed with a real
// Reed-Solomon code (github.com/klauspost/reedsolomon) configured with a
// single parity shard per block — the spec's minimum contract ("any block
// missing exactly one source packet is recoverable given its parity") is
// exactly the k-data/1-parity case of that code, and the library is the
// "stronger erasure code" spec.md §4.3 explicitly permits swapping in for
// the naive byte-wise XOR description, without changing the block framing
// or wire layout.
package fec

import (
	"fmt"

	"github.com/klauspost/reedsolomon"
)

// DefaultBlockSize is k, the number of source packets protected per block.
const DefaultBlockSize = 8

// DefaultOverhead is the parity ratio.
const DefaultOverhead = 0.2

// ParityCopies returns how many redundant FECPackets carry the block's
// single parity shard. spec.md gives the formula ⌈k·overhead⌉ but then
// states the overhead=0.2 default concretely yields "1 parity packet per
// 8 source packets" — ⌈8·0.2⌉ is 2, not 1. We resolve this ambiguity (see
// DESIGN.md) in favor of the concrete worked example: floor, with a floor
// of 1 so a block is never sent unprotected.
func ParityCopies(k int, overhead float64) int {
	n := int(float64(k) * overhead)
	if n < 1 {
		n = 1
	}
	return n
}

func padTo(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}

func newCodec(k int) (reedsolomon.Encoder, error) {
	codec, err := reedsolomon.New(k, 1)
	if err != nil {
		return nil, fmt.Errorf("fec: create reed-solomon codec (k=%d): %w", k, err)
	}
	return codec, nil
}
