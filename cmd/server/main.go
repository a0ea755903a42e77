// Command server is the streaming server: it owns the capture → encode →
// fragment → FEC → socket pipeline (C6, C8, C9) and serves one or more
// clients registered in the peer table (C10).
//
// Grounded on fpv-sender/main.go's App/State structure: a struct holding
// every subsystem, context-cancellation-driven goroutines, and
// signal.Notify for graceful shutdown.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/aj-web/weak-network-video-streaming/config"
	"github.com/aj-web/weak-network-video-streaming/encoder"
	"github.com/aj-web/weak-network-video-streaming/metrics"
	"github.com/aj-web/weak-network-video-streaming/netmon"
	"github.com/aj-web/weak-network-video-streaming/roi"
	"github.com/aj-web/weak-network-video-streaming/transport"
	"github.com/aj-web/weak-network-video-streaming/wire"
	"github.com/aj-web/weak-network-video-streaming/wlog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gocv.io/x/gocv"
)

// VideoSource is the out-of-scope screen capture collaborator (spec.md
// §1): it produces raw BGR frames at the target rate.
type VideoSource interface {
	NextFrame() (data []byte, width, height int, err error)
	Close() error
}

// VideoCodec is the out-of-scope codec engine collaborator (spec.md §1):
// it consumes raw frames plus the controller's chosen Params and emits a
// compressed bitstream with a keyframe flag.
type VideoCodec interface {
	Encode(raw []byte, p encoder.Params, forceKeyframe bool, qpDelta *roi.QPDeltaMap) (data []byte, isKeyframe bool, err error)
	encoder.Codec
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := wlog.New(os.Stdout, wlog.ParseLevel(cfg.LogLevel))

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	metricsAddr := os.Getenv("STREAM_METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Warn().Err(err).Msg("metrics server exited")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info().Msg("shutting down")
		cancel()
	}()

	app, err := newServerApp(cfg, m, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}
	defer app.Close()

	if err := app.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("server exited with error")
	}
}

// serverApp bundles every subsystem wired together for one streaming
// session. A single instance serves every registered client.
type serverApp struct {
	cfg config.Config
	log zerolog.Logger
	m   *metrics.Metrics

	conn     *net.UDPConn
	registry *transport.Registry
	sender   *transport.Sender

	capture VideoSource
	codec   VideoCodec
	ctrl    *encoder.Controller
	roiDet  *roi.Detector

	frameIndex uint32
	mu         sync.Mutex
}

func newServerApp(cfg config.Config, m *metrics.Metrics, log zerolog.Logger) (*serverApp, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	registry := transport.NewRegistry()
	sender := transport.NewSender(conn, registry, transport.SenderConfig{
		FECBlockSize:      cfg.FECBlockSize,
		FECOverhead:       cfg.FECOverhead,
		SendCacheDepth:    cfg.SendCacheDepth,
		NACKInterval:      cfg.NACKInterval(),
		RetransmitTimeout: cfg.RetransmitTimeout(),
		InactivityTimeout: cfg.InactivityTimeout(),
		TargetBitrateBps:  3_000_000,
	}, m, wlog.Component(log, "sender"))

	codec := &passthroughCodec{log: wlog.Component(log, "codec")}
	ctrl := encoder.New(cfg.VideoWidth, cfg.VideoHeight, cfg.TargetFPS, 3_000_000, cfg.ROIMaxQPDelta, codec, m, wlog.Component(log, "encoder"))
	roiDet := roi.NewDetector(cfg.VideoWidth, cfg.VideoHeight, cfg.ROIGridSize)

	return &serverApp{
		cfg: cfg, log: log, m: m,
		conn: conn, registry: registry, sender: sender,
		capture: &stubVideoSource{width: cfg.VideoWidth, height: cfg.VideoHeight, fps: cfg.TargetFPS},
		codec:   codec, ctrl: ctrl, roiDet: roiDet,
	}, nil
}

func (a *serverApp) Close() {
	a.conn.Close()
	a.roiDet.Close()
	a.capture.Close()
}

// Run starts the RX, TX-pacing, encoder-controller, and capture/encode
// loops (spec.md §5's task topology) and blocks until ctx is canceled.
func (a *serverApp) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(4)

	go func() { defer wg.Done(); a.rxLoop(ctx) }()
	go func() { defer wg.Done(); a.txLoop(ctx) }()
	go func() { defer wg.Done(); a.controllerLoop(ctx) }()
	go func() { defer wg.Done(); a.heartbeatLoop(ctx) }()

	err := a.captureLoop(ctx)
	waitWithTimeout(&wg, 2*time.Second)
	return err
}

func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration) {
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

// rxLoop reads control/NACK/heartbeat datagrams from any registered peer
// and routes them (spec.md §4.6's sender-side control handling).
func (a *serverApp) rxLoop(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		if ctx.Err() != nil {
			return
		}
		a.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, addr, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			continue // timeout or transient error; loop and recheck ctx
		}
		pkt, err := wire.Decode(buf[:n])
		if err != nil {
			if a.m != nil {
				a.m.MalformedPackets.WithLabelValues("other").Inc()
			}
			continue
		}

		now := time.Now()
		peer := a.registry.GetOrCreate(addr, a.cfg.SendCacheDepth, a.cfg.FECBlockSize, a.cfg.FECOverhead, a.cfg.NACKInterval(), a.cfg.RetransmitTimeout(), now)
		wasEstablished := peer.CurrentState() == transport.StateEstablished
		peer.Touch(now)
		if !wasEstablished && peer.CurrentState() == transport.StateEstablished {
			a.log.Info().Str("peer", addr.String()).Str("session", peer.SessionID.String()).Msg("peer established")
		}

		switch pkt.Header.Kind {
		case wire.KindControl:
			if pkt.Control.Kind == wire.CtrlNACK {
				if nack, err := wire.DecodeNACK(pkt.Control.Body, wire.LenientMode); err == nil {
					a.sender.HandleNACK(peer, nack.MissingSeqs, now)
				}
			}
		case wire.KindHeartbeat:
			// The client's own heartbeat carries its measured stats
			// (spec.md §4.10); nothing further to do server-side beyond
			// the Touch already applied above.
		}
	}
}

// txLoop drains every registered peer's send queue under pacing, and
// expires stale peers (spec.md §4.6 steps 3 and 5).
func (a *serverApp) txLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	expireTicker := time.NewTicker(1 * time.Second)
	defer expireTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.registry.Each(func(_ string, p *transport.PeerEntry) {
				a.sender.Drain(p, now)
			})
		case now := <-expireTicker.C:
			a.sender.ExpireStalePeers(now)
		}
	}
}

// controllerLoop ticks the adaptive encoder controller at 1 Hz from the
// worst (or any representative) peer's network snapshot (spec.md §4.8).
func (a *serverApp) controllerLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			snap := a.worstPeerSnapshot()
			a.ctrl.Step(snap, now)
			_, params := a.ctrl.Current()
			a.sender.SetTargetBitrate(params.BitrateBps)
		}
	}
}

func (a *serverApp) worstPeerSnapshot() netmon.Snapshot {
	var worst netmon.Snapshot
	var have bool
	a.registry.Each(func(_ string, p *transport.PeerEntry) {
		s := p.Monitor.Snapshot()
		if a.m != nil {
			label := p.Addr.String()
			a.m.RTTMs.WithLabelValues(label).Set(s.RTTMs)
			a.m.LossRatio.WithLabelValues(label).Set(s.LossRatio)
			a.m.BandwidthBps.WithLabelValues(label).Set(s.BandwidthBps)
			a.m.Congestion.WithLabelValues(label).Set(s.Congestion)
			a.m.SendQueueDepth.WithLabelValues(label).Set(float64(p.Queue.Len()))
		}
		if !have || s.Congestion > worst.Congestion {
			worst = s
			have = true
		}
	})
	return worst
}

// heartbeatLoop emits a 1 Hz heartbeat to every registered peer carrying
// this side's view of the link (spec.md §4.6's send_heartbeat).
func (a *serverApp) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			a.registry.Each(func(_ string, p *transport.PeerEntry) {
				snap := p.Monitor.Snapshot()
				body := &wire.HeartbeatBody{RTTMs: snap.RTTMs, PacketLoss: snap.LossRatio, BandwidthBps: snap.BandwidthBps}
				if err := a.sender.SendHeartbeat(p, body, now); err != nil {
					a.log.Debug().Err(err).Str("peer", p.Addr.String()).Msg("heartbeat send failed")
				}
			})
		}
	}
}

// captureLoop pulls raw frames, runs ROI detection and encoding, and hands
// the compressed result to the sender for every registered peer (spec.md
// §2's server-side data flow).
func (a *serverApp) captureLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		raw, w, h, err := a.capture.NextFrame()
		if err != nil {
			return err
		}

		_, params := a.ctrl.Current()
		a.mu.Lock()
		frameIndex := a.frameIndex
		a.frameIndex++
		a.mu.Unlock()

		qpDelta := a.detectROI(raw, w, h)

		forceKeyframe := a.ctrl.ShouldKeyframe(frameIndex)
		data, isKeyframe, err := a.codec.Encode(raw, params, forceKeyframe, qpDelta)
		if err != nil {
			a.log.Warn().Err(err).Msg("codec encode failed, dropping frame")
			continue
		}

		now := time.Now()
		a.registry.Each(func(_ string, p *transport.PeerEntry) {
			if err := a.sender.SendVideoFrame(p, data, frameIndex, isKeyframe, now); err != nil {
				a.log.Debug().Err(err).Str("peer", p.Addr.String()).Msg("send_video_frame failed")
			}
		})
	}
}

// detectROI runs the ROI detector over one raw BGR frame and maps the
// resulting grid to a QP-delta map for the codec (spec.md §4.8's ROI
// hinting). Pointer position is an out-of-scope GUI collaborator (spec.md
// §1); absent one, the center of the frame is used as the pointer, so the
// pointer cue always weights the cells around the frame center.
func (a *serverApp) detectROI(raw []byte, w, h int) *roi.QPDeltaMap {
	mat, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC3, raw)
	if err != nil {
		return nil
	}
	defer mat.Close()

	grid := a.roiDet.Detect(mat, roi.Point{X: w / 2, Y: h / 2})
	return a.ctrl.QPDeltaForGrid(grid, false) // passthroughCodec cannot accept per-block QP
}

// passthroughCodec is a minimal encoder.Codec/VideoCodec stand-in: the
// real x264/x265 engine is an external collaborator per spec.md §1. It
// forwards raw bytes unchanged and honors forceKeyframe as its only
// encoding decision, which is sufficient to exercise the transport
// pipeline end-to-end without a real codec dependency.
type passthroughCodec struct {
	log           zerolog.Logger
	mu            sync.Mutex
	wantKeyframe  bool
}

func (c *passthroughCodec) Reconfigure(p encoder.Params) error {
	c.log.Info().Int("width", p.Width).Int("height", p.Height).Int("fps", p.FPS).
		Float64("bitrate", p.BitrateBps).Msg("codec reconfigured")
	return nil
}

func (c *passthroughCodec) RequestKeyframe() {
	c.mu.Lock()
	c.wantKeyframe = true
	c.mu.Unlock()
}

func (c *passthroughCodec) Encode(raw []byte, p encoder.Params, forceKeyframe bool, qpDelta *roi.QPDeltaMap) ([]byte, bool, error) {
	c.mu.Lock()
	keyframe := forceKeyframe || c.wantKeyframe
	c.wantKeyframe = false
	c.mu.Unlock()
	return raw, keyframe, nil
}

// stubVideoSource stands in for screen capture (spec.md §1, out of scope):
// it yields empty frames at the target rate so the pipeline above it can
// be exercised without a real capture backend.
type stubVideoSource struct {
	width, height, fps int
}

func (s *stubVideoSource) NextFrame() ([]byte, int, int, error) {
	time.Sleep(time.Second / time.Duration(maxInt(1, s.fps)))
	return make([]byte, s.width*s.height*3), s.width, s.height, nil
}

func (s *stubVideoSource) Close() error { return nil }

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
