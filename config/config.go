// Package config enumerates runtime options for the transport, loaded from
// flags with environment-variable fallback, grounded on fpv-sender/main.go's
// flag.String/flag.Int usage and restreamer/main.go's getEnv helper.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable named in spec.md §6 plus the video capture
// parameters C8 needs at startup.
type Config struct {
	Port int

	VideoWidth  int
	VideoHeight int
	TargetFPS   int

	// MaxPayloadMin and MaxPayloadMax are parsed but not read elsewhere:
	// transport.MaxPayload clamps to its own fixed 500 and 1400 bounds.
	MaxPayloadMin int
	MaxPayloadMax int

	FECBlockSize int
	FECOverhead  float64

	NACKIntervalMs      int
	RetransmitTimeoutMs int

	ReorderWindowFrames int
	MaxPresentationDelayMs int

	HeartbeatIntervalMs int
	InactivityTimeoutMs int

	SendCacheDepth int

	ROIGridSize    int
	ROIMaxQPDelta  int

	LogLevel string
}

// Default returns the spec-mandated defaults (spec.md §6's table).
func Default() Config {
	return Config{
		Port:                   8000,
		VideoWidth:             1280,
		VideoHeight:            720,
		TargetFPS:              30,
		MaxPayloadMin:          500,
		MaxPayloadMax:          1400,
		FECBlockSize:           8,
		FECOverhead:            0.2,
		NACKIntervalMs:         100,
		RetransmitTimeoutMs:    300,
		ReorderWindowFrames:    30,
		MaxPresentationDelayMs: 200,
		HeartbeatIntervalMs:    1000,
		InactivityTimeoutMs:    10000,
		SendCacheDepth:         512,
		ROIGridSize:            8,
		ROIMaxQPDelta:          10,
		LogLevel:               "info",
	}
}

// Load parses flags (falling back to environment variables, falling back to
// spec defaults) into a Config. args is typically os.Args[1:].
func Load(args []string) (Config, error) {
	cfg := Default()
	fs := flag.NewFlagSet("server", flag.ContinueOnError)

	fs.IntVar(&cfg.Port, "port", envInt("STREAM_PORT", cfg.Port), "UDP listen/bind port")
	fs.IntVar(&cfg.VideoWidth, "width", envInt("STREAM_WIDTH", cfg.VideoWidth), "native capture width")
	fs.IntVar(&cfg.VideoHeight, "height", envInt("STREAM_HEIGHT", cfg.VideoHeight), "native capture height")
	fs.IntVar(&cfg.TargetFPS, "fps", envInt("STREAM_FPS", cfg.TargetFPS), "capture/encode target frame rate")
	fs.IntVar(&cfg.MaxPayloadMin, "max-payload-min", envInt("STREAM_MAX_PAYLOAD_MIN", cfg.MaxPayloadMin), "minimum fragment payload")
	fs.IntVar(&cfg.MaxPayloadMax, "max-payload-max", envInt("STREAM_MAX_PAYLOAD_MAX", cfg.MaxPayloadMax), "maximum fragment payload")
	fs.IntVar(&cfg.FECBlockSize, "fec-block-size", envInt("STREAM_FEC_BLOCK_SIZE", cfg.FECBlockSize), "source packets per FEC block")
	fs.Float64Var(&cfg.FECOverhead, "fec-overhead", envFloat("STREAM_FEC_OVERHEAD", cfg.FECOverhead), "parity ratio")
	fs.IntVar(&cfg.NACKIntervalMs, "nack-interval-ms", envInt("STREAM_NACK_INTERVAL_MS", cfg.NACKIntervalMs), "minimum gap between NACKs")
	fs.IntVar(&cfg.RetransmitTimeoutMs, "retransmit-timeout-ms", envInt("STREAM_RETRANSMIT_TIMEOUT_MS", cfg.RetransmitTimeoutMs), "re-queue a pending NACK slot")
	fs.IntVar(&cfg.ReorderWindowFrames, "reorder-window-frames", envInt("STREAM_REORDER_WINDOW", cfg.ReorderWindowFrames), "how far back incomplete frames survive")
	fs.IntVar(&cfg.MaxPresentationDelayMs, "max-presentation-delay-ms", envInt("STREAM_MAX_PRESENTATION_DELAY_MS", cfg.MaxPresentationDelayMs), "late-frame drop threshold")
	fs.IntVar(&cfg.HeartbeatIntervalMs, "heartbeat-interval-ms", envInt("STREAM_HEARTBEAT_INTERVAL_MS", cfg.HeartbeatIntervalMs), "heartbeat cadence")
	fs.IntVar(&cfg.InactivityTimeoutMs, "inactivity-timeout-ms", envInt("STREAM_INACTIVITY_TIMEOUT_MS", cfg.InactivityTimeoutMs), "peer expiry")
	fs.IntVar(&cfg.SendCacheDepth, "send-cache-depth", envInt("STREAM_SEND_CACHE_DEPTH", cfg.SendCacheDepth), "retransmit window in packets")
	fs.IntVar(&cfg.ROIGridSize, "roi-grid-size", envInt("STREAM_ROI_GRID_SIZE", cfg.ROIGridSize), "ROI grid dimension G")
	fs.IntVar(&cfg.ROIMaxQPDelta, "roi-max-qp-delta", envInt("STREAM_ROI_MAX_QP_DELTA", cfg.ROIMaxQPDelta), "max QP adjustment")
	fs.StringVar(&cfg.LogLevel, "log-level", envString("STREAM_LOG_LEVEL", cfg.LogLevel), "debug, info, warn, or error")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) NACKInterval() time.Duration          { return time.Duration(c.NACKIntervalMs) * time.Millisecond }
func (c Config) RetransmitTimeout() time.Duration     { return time.Duration(c.RetransmitTimeoutMs) * time.Millisecond }
func (c Config) MaxPresentationDelay() time.Duration  { return time.Duration(c.MaxPresentationDelayMs) * time.Millisecond }
func (c Config) HeartbeatInterval() time.Duration     { return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond }
func (c Config) InactivityTimeout() time.Duration     { return time.Duration(c.InactivityTimeoutMs) * time.Millisecond }

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
