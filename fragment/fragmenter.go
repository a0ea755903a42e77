// Package fragment implements C2: splitting a compressed frame into
// MTU-sized VideoPackets (Fragmenter) and reconstructing frames from
// received fragments (Reassembler).
package fragment

import (
	"fmt"

	"github.com/aj-web/weak-network-video-streaming/wire"
)

// Fragment splits data into consecutive VideoPackets, each carrying at
// most maxPayload bytes. seqFor assigns the on-the-wire seq_num for the
// i-th fragment (the caller owns the sender's seq counter). Every
// fragment of a keyframe gets FlagKeyframe; FlagFragment is set on every
// fragment once there is more than one, and FlagFragEnd only on the last.
func Fragment(data []byte, frameIndex uint32, isKeyframe bool, maxPayload int, seqFor func(fragmentIndex int) uint32) ([]wire.Packet, error) {
	if maxPayload <= 0 {
		return nil, fmt.Errorf("fragment: maxPayload must be positive, got %d", maxPayload)
	}

	total := (len(data) + maxPayload - 1) / maxPayload
	if total == 0 {
		total = 1 // an empty frame still produces one (empty) fragment
	}
	if total > 0xFFFF {
		return nil, fmt.Errorf("fragment: frame of %d bytes needs %d fragments, exceeds uint16 range", len(data), total)
	}

	packets := make([]wire.Packet, total)
	for i := 0; i < total; i++ {
		start := i * maxPayload
		end := start + maxPayload
		if end > len(data) {
			end = len(data)
		}

		var flags uint8
		if isKeyframe {
			flags |= wire.FlagKeyframe
		}
		if total > 1 {
			flags |= wire.FlagFragment
		}
		if i == total-1 {
			flags |= wire.FlagFragEnd
		}

		payload := make([]byte, end-start)
		copy(payload, data[start:end])

		packets[i] = wire.Packet{
			Header: wire.CommonHeader{
				Kind:   wire.KindVideo,
				SeqNum: seqFor(i),
				Flags:  flags,
			},
			Video: &wire.VideoPacket{
				FrameIndex:     frameIndex,
				FragmentIndex:  uint16(i),
				TotalFragments: uint16(total),
				Payload:        payload,
			},
		}
	}
	return packets, nil
}
