// Package wire implements the on-the-wire datagram format shared by the
// sender and receiver: a fixed 18-byte common header followed by a
// kind-specific payload. All multi-byte integers are big-endian.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// PacketKind identifies the variant that follows the common header.
type PacketKind uint8

const (
	KindVideo PacketKind = iota
	KindAudioReserved
	KindControl
	KindFEC
	KindHeartbeat
)

func (k PacketKind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudioReserved:
		return "audio-reserved"
	case KindControl:
		return "control"
	case KindFEC:
		return "fec"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Video packet flags.
const (
	FlagKeyframe   uint8 = 1 << 0
	FlagROI        uint8 = 1 << 1
	FlagFragment   uint8 = 1 << 2
	FlagFragEnd    uint8 = 1 << 3
)

// CommonHeaderSize is the fixed, big-endian header every datagram carries.
const CommonHeaderSize = 18

// Sentinel parse errors. Any malformed packet is dropped by the caller and
// counted; these are never swallowed silently.
var (
	ErrTruncated    = errors.New("wire: packet truncated")
	ErrUnknownKind  = errors.New("wire: unknown packet kind")
	ErrBadUTF8JSON  = errors.New("wire: control/heartbeat body is not valid JSON")
	ErrBufferTooSmall = errors.New("wire: destination buffer too small")
)

// CommonHeader is present at offset 0 of every datagram.
//
//	offset size field
//	0      1    packet_kind
//	1      4    seq_num (u32)
//	5      8    timestamp_ms (u64)
//	13     1    flags (u8)
//	14     4    payload_len (u32)
type CommonHeader struct {
	Kind      PacketKind
	SeqNum    uint32
	TimestampMs uint64
	Flags     uint8
	PayloadLen uint32
}

func (h *CommonHeader) marshal(buf []byte) {
	buf[0] = byte(h.Kind)
	binary.BigEndian.PutUint32(buf[1:5], h.SeqNum)
	binary.BigEndian.PutUint64(buf[5:13], h.TimestampMs)
	buf[13] = h.Flags
	binary.BigEndian.PutUint32(buf[14:18], h.PayloadLen)
}

func (h *CommonHeader) unmarshal(buf []byte) error {
	if len(buf) < CommonHeaderSize {
		return ErrTruncated
	}
	h.Kind = PacketKind(buf[0])
	h.SeqNum = binary.BigEndian.Uint32(buf[1:5])
	h.TimestampMs = binary.BigEndian.Uint64(buf[5:13])
	h.Flags = buf[13]
	h.PayloadLen = binary.BigEndian.Uint32(buf[14:18])
	return nil
}

// Packet is the decoded, kind-tagged union of every wire variant. Exactly
// one of the typed fields is populated, selected by Header.Kind.
type Packet struct {
	Header CommonHeader

	Video     *VideoPacket
	FEC       *FECPacket
	Control   *ControlPacket
	Heartbeat *HeartbeatPacket
}

// VideoPacket payload: an 8-byte prefix then raw bitstream bytes.
//
//	0 4 frame_index (u32)
//	4 2 fragment_index (u16)
//	6 2 total_fragments (u16)
const videoPrefixSize = 8

type VideoPacket struct {
	FrameIndex     uint32
	FragmentIndex  uint16
	TotalFragments uint16
	Payload        []byte
}

// FECPacket payload: block_index(u32) | num_sources(u16) |
// source_seq[num_sources](u32 each) | source_len[num_sources](u32 each) |
// parity bytes. The per-source length vector is mandatory: it is what
// makes XOR/Reed-Solomon reconstruction of variable-length source
// payloads correct.
type FECPacket struct {
	BlockIndex  uint32
	SourceSeqs  []uint32
	SourceLens  []uint32
	Parity      []byte
}

// ControlPacket and HeartbeatPacket carry a UTF-8 JSON body. See body.go
// for the closed set of recognized bodies.
type ControlPacket struct {
	Kind ControlKind
	Body json.RawMessage
}

type HeartbeatPacket struct {
	Body json.RawMessage
}

type ControlKind uint8

const (
	CtrlACK ControlKind = iota
	CtrlNACK
	CtrlSTATS
	CtrlCONFIG
)

// Encode serializes p into a new byte slice.
func Encode(p *Packet) ([]byte, error) {
	switch p.Header.Kind {
	case KindVideo:
		return encodeVideo(p)
	case KindFEC:
		return encodeFEC(p)
	case KindControl:
		return encodeControl(p)
	case KindHeartbeat:
		return encodeHeartbeat(p)
	default:
		return nil, ErrUnknownKind
	}
}

func encodeVideo(p *Packet) ([]byte, error) {
	body := EncodeVideoBody(p.Video)
	buf := make([]byte, CommonHeaderSize+len(body))
	p.Header.PayloadLen = uint32(len(body))
	p.Header.marshal(buf)
	copy(buf[CommonHeaderSize:], body)
	return buf, nil
}

func encodeFEC(p *Packet) ([]byte, error) {
	f := p.FEC
	n := len(f.SourceSeqs)
	if len(f.SourceLens) != n {
		return nil, fmt.Errorf("wire: fec source_lens length %d != source_seqs length %d", len(f.SourceLens), n)
	}
	bodyLen := 4 + 2 + 4*n + 4*n + len(f.Parity)
	buf := make([]byte, CommonHeaderSize+bodyLen)
	p.Header.PayloadLen = uint32(bodyLen)
	p.Header.marshal(buf)

	body := buf[CommonHeaderSize:]
	binary.BigEndian.PutUint32(body[0:4], f.BlockIndex)
	binary.BigEndian.PutUint16(body[4:6], uint16(n))
	off := 6
	for _, s := range f.SourceSeqs {
		binary.BigEndian.PutUint32(body[off:off+4], s)
		off += 4
	}
	for _, l := range f.SourceLens {
		binary.BigEndian.PutUint32(body[off:off+4], l)
		off += 4
	}
	copy(body[off:], f.Parity)
	return buf, nil
}

func encodeControl(p *Packet) ([]byte, error) {
	return encodeJSONBody(p, KindControl, append([]byte{byte(p.Control.Kind)}, p.Control.Body...))
}

func encodeHeartbeat(p *Packet) ([]byte, error) {
	return encodeJSONBody(p, KindHeartbeat, p.Heartbeat.Body)
}

func encodeJSONBody(p *Packet, kind PacketKind, body []byte) ([]byte, error) {
	buf := make([]byte, CommonHeaderSize+len(body))
	p.Header.PayloadLen = uint32(len(body))
	p.Header.marshal(buf)
	copy(buf[CommonHeaderSize:], body)
	return buf, nil
}

// Decode parses buf into a Packet, or returns a sentinel ParseError.
func Decode(buf []byte) (*Packet, error) {
	var h CommonHeader
	if err := h.unmarshal(buf); err != nil {
		return nil, err
	}
	body := buf[CommonHeaderSize:]
	if uint32(len(body)) < h.PayloadLen {
		return nil, ErrTruncated
	}
	body = body[:h.PayloadLen]

	p := &Packet{Header: h}
	switch h.Kind {
	case KindVideo:
		v, err := decodeVideo(body)
		if err != nil {
			return nil, err
		}
		p.Video = v
	case KindFEC:
		f, err := decodeFEC(body)
		if err != nil {
			return nil, err
		}
		p.FEC = f
	case KindControl:
		if len(body) < 1 {
			return nil, ErrTruncated
		}
		if !json.Valid(body[1:]) {
			return nil, ErrBadUTF8JSON
		}
		p.Control = &ControlPacket{Kind: ControlKind(body[0]), Body: append(json.RawMessage(nil), body[1:]...)}
	case KindHeartbeat:
		if !json.Valid(body) {
			return nil, ErrBadUTF8JSON
		}
		p.Heartbeat = &HeartbeatPacket{Body: append(json.RawMessage(nil), body...)}
	default:
		return nil, ErrUnknownKind
	}
	return p, nil
}

func decodeVideo(body []byte) (*VideoPacket, error) {
	return DecodeVideoBody(body)
}

// EncodeVideoBody serializes a VideoPacket's body (the 8-byte frame_index/
// fragment_index/total_fragments prefix followed by the raw bitstream
// bytes), without a CommonHeader. The FEC engine protects fragments at
// this granularity so that a recovered shard carries enough to be
// re-inserted into the reassembler, not just its bare payload bytes.
func EncodeVideoBody(v *VideoPacket) []byte {
	buf := make([]byte, videoPrefixSize+len(v.Payload))
	binary.BigEndian.PutUint32(buf[0:4], v.FrameIndex)
	binary.BigEndian.PutUint16(buf[4:6], v.FragmentIndex)
	binary.BigEndian.PutUint16(buf[6:8], v.TotalFragments)
	copy(buf[videoPrefixSize:], v.Payload)
	return buf
}

// DecodeVideoBody is the inverse of EncodeVideoBody.
func DecodeVideoBody(body []byte) (*VideoPacket, error) {
	if len(body) < videoPrefixSize {
		return nil, ErrTruncated
	}
	v := &VideoPacket{
		FrameIndex:     binary.BigEndian.Uint32(body[0:4]),
		FragmentIndex:  binary.BigEndian.Uint16(body[4:6]),
		TotalFragments: binary.BigEndian.Uint16(body[6:8]),
	}
	v.Payload = append([]byte(nil), body[videoPrefixSize:]...)
	return v, nil
}

func decodeFEC(body []byte) (*FECPacket, error) {
	if len(body) < 6 {
		return nil, ErrTruncated
	}
	blockIndex := binary.BigEndian.Uint32(body[0:4])
	n := int(binary.BigEndian.Uint16(body[4:6]))
	need := 6 + 4*n + 4*n
	if len(body) < need {
		return nil, ErrTruncated
	}
	f := &FECPacket{BlockIndex: blockIndex, SourceSeqs: make([]uint32, n), SourceLens: make([]uint32, n)}
	off := 6
	for i := 0; i < n; i++ {
		f.SourceSeqs[i] = binary.BigEndian.Uint32(body[off : off+4])
		off += 4
	}
	for i := 0; i < n; i++ {
		f.SourceLens[i] = binary.BigEndian.Uint32(body[off : off+4])
		off += 4
	}
	f.Parity = append([]byte(nil), body[off:]...)
	return f, nil
}

// IsFragment reports whether flags mark a video packet as one of several
// fragments of a frame.
func IsFragment(flags uint8) bool { return flags&FlagFragment != 0 }

// IsFragEnd reports the terminal fragment of a frame.
func IsFragEnd(flags uint8) bool { return flags&FlagFragEnd != 0 }

// IsKeyframe reports the KEYFRAME flag.
func IsKeyframe(flags uint8) bool { return flags&FlagKeyframe != 0 }

// IsNewer compares two indices with wrap-around handling (RFC 1982 serial
// arithmetic). Returns true if a is newer than b.
func IsNewer(a, b uint32) bool { return int32(a-b) > 0 }

// IsOlder compares two indices with wrap-around handling.
func IsOlder(a, b uint32) bool { return int32(a-b) < 0 }
