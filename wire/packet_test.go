package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVideoPacketRoundTrip(t *testing.T) {
	p := &Packet{
		Header: CommonHeader{Kind: KindVideo, SeqNum: 42, TimestampMs: 123456, Flags: FlagKeyframe | FlagFragment},
		Video: &VideoPacket{
			FrameIndex:     7,
			FragmentIndex:  1,
			TotalFragments: 3,
			Payload:        []byte("hello fragment"),
		},
	}
	buf, err := Encode(p)
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, KindVideo, got.Header.Kind)
	require.Equal(t, p.Header.SeqNum, got.Header.SeqNum)
	require.Equal(t, p.Header.TimestampMs, got.Header.TimestampMs)
	require.Equal(t, p.Header.Flags, got.Header.Flags)
	require.Equal(t, p.Video.FrameIndex, got.Video.FrameIndex)
	require.Equal(t, p.Video.FragmentIndex, got.Video.FragmentIndex)
	require.Equal(t, p.Video.TotalFragments, got.Video.TotalFragments)
	require.Equal(t, p.Video.Payload, got.Video.Payload)
}

func TestFECPacketRoundTrip(t *testing.T) {
	p := &Packet{
		Header: CommonHeader{Kind: KindFEC, SeqNum: 5},
		FEC: &FECPacket{
			BlockIndex: 2,
			SourceSeqs: []uint32{10, 11, 12},
			SourceLens: []uint32{100, 90, 110},
			Parity:     []byte{1, 2, 3, 4},
		},
	}
	buf, err := Encode(p)
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, p.FEC.BlockIndex, got.FEC.BlockIndex)
	require.Equal(t, p.FEC.SourceSeqs, got.FEC.SourceSeqs)
	require.Equal(t, p.FEC.SourceLens, got.FEC.SourceLens)
	require.Equal(t, p.FEC.Parity, got.FEC.Parity)
}

func TestControlPacketRoundTrip(t *testing.T) {
	body := EncodeNACK(&NACKBody{MissingSeqs: []uint32{1, 2, 3}})
	p := &Packet{
		Header:  CommonHeader{Kind: KindControl, SeqNum: 99},
		Control: &ControlPacket{Kind: CtrlNACK, Body: body},
	}
	buf, err := Encode(p)
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)
	require.Equal(t, CtrlNACK, got.Control.Kind)
	nack, err := DecodeNACK(got.Control.Body, LenientMode)
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 2, 3}, nack.MissingSeqs)
}

func TestHeartbeatPacketRoundTrip(t *testing.T) {
	body := EncodeHeartbeat(&HeartbeatBody{RTTMs: 12.5, PacketLoss: 0.01, BandwidthBps: 2_000_000, ReceivedFrames: 10, MissingPackets: 1})
	p := &Packet{
		Header:    CommonHeader{Kind: KindHeartbeat, SeqNum: 3},
		Heartbeat: &HeartbeatPacket{Body: body},
	}
	buf, err := Encode(p)
	require.NoError(t, err)

	got, err := Decode(buf)
	require.NoError(t, err)
	hb, err := DecodeHeartbeat(got.Heartbeat.Body, LenientMode)
	require.NoError(t, err)
	require.InDelta(t, 12.5, hb.RTTMs, 0.0001)
	require.Equal(t, uint64(10), hb.ReceivedFrames)
}

func TestDecodeTruncated(t *testing.T) {
	_, err := Decode([]byte{0, 0, 0})
	require.ErrorIs(t, err, ErrTruncated)
}

func TestDecodeUnknownKind(t *testing.T) {
	p := &Packet{Header: CommonHeader{Kind: KindVideo}, Video: &VideoPacket{}}
	buf, err := Encode(p)
	require.NoError(t, err)
	buf[0] = 0xFF
	_, err = Decode(buf)
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestDecodeBadJSON(t *testing.T) {
	buf := make([]byte, CommonHeaderSize+2)
	h := CommonHeader{Kind: KindHeartbeat, PayloadLen: 2}
	h.marshal(buf)
	copy(buf[CommonHeaderSize:], []byte("{{"))
	_, err := Decode(buf)
	require.ErrorIs(t, err, ErrBadUTF8JSON)
}

func TestNACKTruncatedTo100(t *testing.T) {
	seqs := make([]uint32, 150)
	for i := range seqs {
		seqs[i] = uint32(i)
	}
	body := EncodeNACK(&NACKBody{MissingSeqs: seqs})
	nack, err := DecodeNACK(body, LenientMode)
	require.NoError(t, err)
	require.Len(t, nack.MissingSeqs, MaxNACKSeqs)
}

func TestStrictModeRejectsUnknownFields(t *testing.T) {
	raw := []byte(`{"missing_seqs":[1,2],"bogus":true}`)
	_, err := DecodeNACK(raw, StrictMode)
	require.Error(t, err)
	_, err = DecodeNACK(raw, LenientMode)
	require.NoError(t, err)
}
