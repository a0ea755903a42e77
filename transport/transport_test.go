package transport

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/aj-web/weak-network-video-streaming/netmon"
	"github.com/aj-web/weak-network-video-streaming/wire"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestMaxPayloadCleanLinkIs1200(t *testing.T) {
	snap := netmon.Snapshot{RTTMs: 20, LossRatio: 0}
	require.Equal(t, 1200, MaxPayload(snap))
}

func TestMaxPayloadDropsTowardFloorUnderRTTSpike(t *testing.T) {
	snap := netmon.Snapshot{RTTMs: 300, LossRatio: 0}
	mp := MaxPayload(snap)
	require.Equal(t, 1080, mp)
	require.GreaterOrEqual(t, mp, 500)
}

func TestMaxPayloadNeverBelowFloor(t *testing.T) {
	snap := netmon.Snapshot{RTTMs: 1000, LossRatio: 0.5}
	require.Equal(t, 500, MaxPayload(snap))
}

type fakeSocket struct {
	mu      sync.Mutex
	sent    [][]byte
	failOn  *net.UDPAddr
}

func (f *fakeSocket) WriteToUDP(b []byte, addr *net.UDPAddr) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != nil && addr.String() == f.failOn.String() {
		return 0, net.ErrClosed
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	f.sent = append(f.sent, cp)
	return len(b), nil
}

func newTestAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestSendVideoFrameFragmentsAndCachesForRetransmit(t *testing.T) {
	reg := NewRegistry()
	sock := &fakeSocket{}
	s := NewSender(sock, reg, SenderConfig{
		FECBlockSize: 8, FECOverhead: 0.2, SendCacheDepth: 512,
		NACKInterval: 100 * time.Millisecond, RetransmitTimeout: 300 * time.Millisecond,
		InactivityTimeout: 10 * time.Second, TargetBitrateBps: 3_000_000,
	}, nil, zerolog.Nop())

	now := time.Now()
	peer := reg.GetOrCreate(newTestAddr(9001), 512, 8, 0.2, 100*time.Millisecond, 300*time.Millisecond, now)

	data := make([]byte, 3000)
	err := s.SendVideoFrame(peer, data, 1, true, now)
	require.NoError(t, err)
	require.Greater(t, peer.Queue.Len(), 0)

	s.Drain(peer, now)
	require.Greater(t, len(sock.sent), 0)

	_, _, _, ok := peer.SendCache.Lookup(0)
	require.True(t, ok)
}

func TestSocketFailureEvictsOnlyThatPeer(t *testing.T) {
	reg := NewRegistry()
	badAddr := newTestAddr(9002)
	sock := &fakeSocket{failOn: badAddr}
	s := NewSender(sock, reg, SenderConfig{
		FECBlockSize: 8, FECOverhead: 0.2, SendCacheDepth: 512,
		NACKInterval: 100 * time.Millisecond, RetransmitTimeout: 300 * time.Millisecond,
		InactivityTimeout: 10 * time.Second, TargetBitrateBps: 10_000_000,
	}, nil, zerolog.Nop())

	now := time.Now()
	badPeer := reg.GetOrCreate(badAddr, 512, 8, 0.2, 100*time.Millisecond, 300*time.Millisecond, now)
	goodPeer := reg.GetOrCreate(newTestAddr(9003), 512, 8, 0.2, 100*time.Millisecond, 300*time.Millisecond, now)

	require.NoError(t, s.SendVideoFrame(badPeer, []byte("x"), 1, false, now))
	require.NoError(t, s.SendVideoFrame(goodPeer, []byte("y"), 1, false, now))

	s.Drain(badPeer, now)
	s.Drain(goodPeer, now)

	_, stillThere := reg.Get(badAddr)
	require.False(t, stillThere)
	_, goodStillThere := reg.Get(goodPeer.Addr)
	require.True(t, goodStillThere)
}

func TestExpireStalePeersRemovesAfterInactivityTimeout(t *testing.T) {
	reg := NewRegistry()
	now := time.Now()
	addr := newTestAddr(9004)
	reg.GetOrCreate(addr, 512, 8, 0.2, 100*time.Millisecond, 300*time.Millisecond, now)

	s := NewSender(&fakeSocket{}, reg, SenderConfig{InactivityTimeout: 10 * time.Second}, nil, zerolog.Nop())
	s.ExpireStalePeers(now.Add(5 * time.Second))
	_, ok := reg.Get(addr)
	require.True(t, ok, "peer should still be present at half the inactivity timeout (not expired)")

	s.ExpireStalePeers(now.Add(11 * time.Second))
	_, ok = reg.Get(addr)
	require.False(t, ok)
}

func TestReceiverRejectsDatagramFromUnknownSource(t *testing.T) {
	serverAddr := newTestAddr(9100)
	r, err := NewReceiver(serverAddr, ReceiverConfig{
		ReorderWindowFrames: 30, MaxPresentationDelay: 200 * time.Millisecond,
		FECBlockSize: 8, NACKInterval: 100 * time.Millisecond, RetransmitTimeout: 300 * time.Millisecond,
	}, nil, zerolog.Nop())
	require.NoError(t, err)

	pkt := wire.Packet{
		Header: wire.CommonHeader{Kind: wire.KindVideo, SeqNum: 1},
		Video:  &wire.VideoPacket{FrameIndex: 1, FragmentIndex: 0, TotalFragments: 1, Payload: []byte("hi")},
	}
	buf, _ := wire.Encode(&pkt)

	spoofed := newTestAddr(9999)
	r.HandleDatagram(buf, spoofed, time.Now())

	_, ok := r.NextFrame(10 * time.Millisecond)
	require.False(t, ok)
}

func TestReceiverDeliversFrameFromLegitimateServer(t *testing.T) {
	serverAddr := newTestAddr(9101)
	r, err := NewReceiver(serverAddr, ReceiverConfig{
		ReorderWindowFrames: 30, MaxPresentationDelay: 200 * time.Millisecond,
		FECBlockSize: 8, NACKInterval: 100 * time.Millisecond, RetransmitTimeout: 300 * time.Millisecond,
	}, nil, zerolog.Nop())
	require.NoError(t, err)

	pkt := wire.Packet{
		Header: wire.CommonHeader{Kind: wire.KindVideo, SeqNum: 1, Flags: wire.FlagFragEnd},
		Video:  &wire.VideoPacket{FrameIndex: 1, FragmentIndex: 0, TotalFragments: 1, Payload: []byte("hi")},
	}
	buf, _ := wire.Encode(&pkt)

	r.HandleDatagram(buf, serverAddr, time.Now())

	frame, ok := r.NextFrame(10 * time.Millisecond)
	require.True(t, ok)
	require.Equal(t, []byte("hi"), frame.Data)
}

// TestFECRecoversSingleLostVideoPacket exercises the full sender-to-receiver
// path: one source packet in a four-packet FEC block is dropped in transit,
// and the receiver must still deliver its frame by recovering it from the
// block's parity (spec.md §2's "C2 reassembles using C3 to recover
// single-packet losses").
func TestFECRecoversSingleLostVideoPacket(t *testing.T) {
	const k = 4
	reg := NewRegistry()
	sock := &fakeSocket{}
	s := NewSender(sock, reg, SenderConfig{
		FECBlockSize: k, FECOverhead: 0.2, SendCacheDepth: 512,
		NACKInterval: 100 * time.Millisecond, RetransmitTimeout: 300 * time.Millisecond,
		InactivityTimeout: 10 * time.Second, TargetBitrateBps: 3_000_000,
	}, nil, zerolog.Nop())

	now := time.Now()
	addr := newTestAddr(9005)
	peer := reg.GetOrCreate(addr, 512, k, 0.2, 100*time.Millisecond, 300*time.Millisecond, now)

	for i := uint32(1); i <= k; i++ {
		data := []byte(fmt.Sprintf("frame-%d-payload", i))
		require.NoError(t, s.SendVideoFrame(peer, data, i, false, now))
	}
	s.Drain(peer, now)
	require.Greater(t, len(sock.sent), k, "expected video packets plus at least one FEC parity copy")

	r, err := NewReceiver(addr, ReceiverConfig{
		ReorderWindowFrames: 30, MaxPresentationDelay: time.Second,
		FECBlockSize: k, NACKInterval: 100 * time.Millisecond, RetransmitTimeout: 300 * time.Millisecond,
	}, nil, zerolog.Nop())
	require.NoError(t, err)

	var droppedFrame uint32
	dropped := false
	for _, raw := range sock.sent {
		pkt, err := wire.Decode(raw)
		require.NoError(t, err)
		if !dropped && pkt.Header.Kind == wire.KindVideo && pkt.Video.FrameIndex == 2 {
			dropped = true
			droppedFrame = pkt.Video.FrameIndex
			continue // simulate this single packet never arriving
		}
		r.HandleDatagram(raw, addr, now)
	}
	require.True(t, dropped)

	delivered := map[uint32][]byte{}
	for {
		frame, ok := r.NextFrame(10 * time.Millisecond)
		if !ok {
			break
		}
		delivered[frame.FrameIndex] = frame.Data
	}
	recovered, ok := delivered[droppedFrame]
	require.True(t, ok, "frame 2 should have been recovered via FEC rather than dropped")
	require.Equal(t, []byte("frame-2-payload"), recovered)
}

func TestReceiverDropsFrameExceedingPresentationDelay(t *testing.T) {
	serverAddr := newTestAddr(9102)
	r, err := NewReceiver(serverAddr, ReceiverConfig{
		ReorderWindowFrames: 30, MaxPresentationDelay: 50 * time.Millisecond,
		FECBlockSize: 8, NACKInterval: 100 * time.Millisecond, RetransmitTimeout: 300 * time.Millisecond,
	}, nil, zerolog.Nop())
	require.NoError(t, err)

	now := time.Now()
	first := wire.Packet{
		Header: wire.CommonHeader{Kind: wire.KindVideo, SeqNum: 1, Flags: wire.FlagFragment},
		Video:  &wire.VideoPacket{FrameIndex: 1, FragmentIndex: 0, TotalFragments: 2, Payload: []byte("h")},
	}
	second := wire.Packet{
		Header: wire.CommonHeader{Kind: wire.KindVideo, SeqNum: 2, Flags: wire.FlagFragment | wire.FlagFragEnd},
		Video:  &wire.VideoPacket{FrameIndex: 1, FragmentIndex: 1, TotalFragments: 2, Payload: []byte("i")},
	}
	buf1, _ := wire.Encode(&first)
	buf2, _ := wire.Encode(&second)

	r.HandleDatagram(buf1, serverAddr, now)
	r.HandleDatagram(buf2, serverAddr, now.Add(100*time.Millisecond))

	_, ok := r.NextFrame(10 * time.Millisecond)
	require.False(t, ok)
}
