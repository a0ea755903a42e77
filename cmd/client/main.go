// Command client is the receiving end: it establishes a session with one
// streaming server (C10), receives and reassembles frames (C7), requests
// retransmits (C5), and reports its own view of the link back via
// heartbeats (C4).
//
// Grounded on fpv-sender/main.go's App/State structure, mirrored for the
// receiving side: a struct holding every subsystem, context-cancellation
// goroutines, signal.Notify for graceful shutdown.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aj-web/weak-network-video-streaming/config"
	"github.com/aj-web/weak-network-video-streaming/fragment"
	"github.com/aj-web/weak-network-video-streaming/session"
	"github.com/aj-web/weak-network-video-streaming/transport"
	"github.com/aj-web/weak-network-video-streaming/wire"
	"github.com/aj-web/weak-network-video-streaming/wlog"
	"github.com/rs/zerolog"
)

// FrameSink is the out-of-scope video decoder/renderer collaborator
// (spec.md §1): it consumes reassembled compressed frames.
type FrameSink interface {
	Render(frame *fragment.Frame) error
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: client <server-host:port> [flags]")
		os.Exit(2)
	}
	cfg, err := config.Load(os.Args[2:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := wlog.New(os.Stdout, wlog.ParseLevel(cfg.LogLevel))

	serverAddr, err := net.ResolveUDPAddr("udp4", os.Args[1])
	if err != nil {
		log.Fatal().Err(err).Msg("invalid server address")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down")
		cancel()
	}()

	app, err := newClientApp(cfg, serverAddr, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start client")
	}
	defer app.conn.Close()

	if err := app.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("connect failed")
	}
	log.Info().Str("server", serverAddr.String()).Msg("session established")

	app.Run(ctx)
}

type clientApp struct {
	cfg config.Config
	log zerolog.Logger

	conn    *net.UDPConn
	sess    *session.ClientSession
	recv    *transport.Receiver
	sink    FrameSink
}

func newClientApp(cfg config.Config, serverAddr *net.UDPAddr, log zerolog.Logger) (*clientApp, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	sess := session.New(serverAddr, cfg.SendCacheDepth, cfg.FECBlockSize, cfg.FECOverhead, cfg.NACKInterval(), cfg.RetransmitTimeout(), time.Now())

	recv, err := transport.NewReceiver(serverAddr, transport.ReceiverConfig{
		ReorderWindowFrames: uint32(cfg.ReorderWindowFrames),
		MaxPresentationDelay: cfg.MaxPresentationDelay(),
		FECBlockSize:        cfg.FECBlockSize,
		NACKInterval:        cfg.NACKInterval(),
		RetransmitTimeout:   cfg.RetransmitTimeout(),
	}, nil, wlog.Component(log, "receiver"))
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &clientApp{
		cfg: cfg, log: log,
		conn: conn, sess: sess, recv: recv,
		sink: discardSink{},
	}, nil
}

// Connect sends heartbeats until the session is established (spec.md
// §4.10), reading replies from the socket concurrently.
func (a *clientApp) Connect(ctx context.Context) error {
	connCtx, cancel := context.WithTimeout(ctx, session.DefaultConnectTimeout)
	defer cancel()

	go a.rxLoop(ctx) // started early so a reply during Connect is observed

	return a.sess.Connect(connCtx, func() error {
		return a.sendHeartbeat()
	})
}

func (a *clientApp) sendHeartbeat() error {
	snap := a.recv.MonitorSnapshot()
	stats := a.recv.ReassemblyStats()
	body := &wire.HeartbeatBody{
		RTTMs: snap.RTTMs, PacketLoss: snap.LossRatio, BandwidthBps: snap.BandwidthBps,
		ReceivedFrames: stats.FramesDelivered, MissingPackets: uint64(a.sess.Peer().Gap.MissingCount()),
	}
	pkt := wire.Packet{
		Header:    wire.CommonHeader{Kind: wire.KindHeartbeat, SeqNum: a.sess.Peer().NextSeq(), TimestampMs: uint64(time.Now().UnixMilli())},
		Heartbeat: &wire.HeartbeatPacket{Body: wire.EncodeHeartbeat(body)},
	}
	buf, err := wire.Encode(&pkt)
	if err != nil {
		return err
	}
	_, err = a.conn.WriteToUDP(buf, a.sess.Peer().Addr)
	return err
}

// Run starts the NACK ticker and frame-delivery loop; rxLoop is already
// running from Connect.
func (a *clientApp) Run(ctx context.Context) {
	go a.nackLoop(ctx)
	go a.heartbeatLoop(ctx)
	a.deliverLoop(ctx)
}

// rxLoop reads every datagram from the server and routes it through the
// receiver (spec.md §4.7).
func (a *clientApp) rxLoop(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return
		}
		a.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		now := time.Now()
		a.sess.OnReply(now)
		a.recv.HandleDatagram(buf[:n], from, now)
	}
}

// nackLoop asks the gap tracker for pending retransmit requests at its own
// rate limit and sends them as Control/NACK packets (spec.md §4.5).
func (a *clientApp) nackLoop(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			missing, ok := a.recv.PendingNACK(now)
			if !ok {
				continue
			}
			body := &wire.NACKBody{MissingSeqs: missing}
			pkt := wire.Packet{
				Header:  wire.CommonHeader{Kind: wire.KindControl, SeqNum: a.sess.Peer().NextSeq(), TimestampMs: uint64(now.UnixMilli())},
				Control: &wire.ControlPacket{Kind: wire.CtrlNACK, Body: wire.EncodeNACK(body)},
			}
			buf, err := wire.Encode(&pkt)
			if err != nil {
				continue
			}
			a.conn.WriteToUDP(buf, a.sess.Peer().Addr)
		}
	}
}

func (a *clientApp) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.sendHeartbeat(); err != nil {
				a.log.Debug().Err(err).Msg("heartbeat send failed")
			}
		}
	}
}

func (a *clientApp) deliverLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		frame, ok := a.recv.NextFrame(100 * time.Millisecond)
		if !ok {
			continue
		}
		if err := a.sink.Render(frame); err != nil {
			a.log.Debug().Err(err).Msg("render failed")
		}
	}
}

// discardSink is the decoder/renderer stand-in: spec.md §1 places it
// out of scope, so the minimum viable collaborator here simply drops
// frames, which is sufficient to exercise the transport pipeline up to
// the decoder boundary.
type discardSink struct{}

func (discardSink) Render(*fragment.Frame) error { return nil }
