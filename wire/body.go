package wire

import (
	"bytes"
	"encoding/json"
)

// Control and Heartbeat bodies are a closed set of JSON schemas rather than
// free-form dictionaries (spec.md §9: "Dynamic JSON control bodies → tagged
// variants"). StrictMode rejects unrecognized fields; LenientMode (the
// default, matching a receiver that must tolerate a newer sender) ignores
// them.

// NACKBody is the Control/NACK payload. At most 100 entries; the sender
// truncates a longer request rather than rejecting it.
type NACKBody struct {
	MissingSeqs []uint32 `json:"missing_seqs"`
}

// MaxNACKSeqs is the wire-mandated cap on a single NACK's missing_seqs.
const MaxNACKSeqs = 100

// STATSBody is the Control/STATS payload: a receiver's view of the link,
// sent back to the sender as feedback.
type STATSBody struct {
	RTTMs       float64 `json:"rtt"`
	PacketLoss  float64 `json:"packet_loss"`
	BandwidthBps float64 `json:"bandwidth"`
}

// ConfigBody is the Control/CONFIG payload, reserved for future runtime
// renegotiation (e.g. a client requesting a capped resolution). Unused
// fields beyond these are rejected in StrictMode.
type ConfigBody struct {
	RequestedMaxWidth  int `json:"requested_max_width,omitempty"`
	RequestedMaxHeight int `json:"requested_max_height,omitempty"`
}

// HeartbeatBody mirrors STATSBody plus the sender's delivery counters.
type HeartbeatBody struct {
	RTTMs          float64 `json:"rtt"`
	PacketLoss     float64 `json:"packet_loss"`
	BandwidthBps   float64 `json:"bandwidth"`
	ReceivedFrames uint64  `json:"received_frames"`
	MissingPackets uint64  `json:"missing_packets"`
}

// DecodeMode selects how strictly a JSON body is validated.
type DecodeMode int

const (
	LenientMode DecodeMode = iota
	StrictMode
)

func unmarshalBody(raw json.RawMessage, mode DecodeMode, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if mode == StrictMode {
		dec.DisallowUnknownFields()
	}
	return dec.Decode(v)
}

// DecodeNACK parses a NACKBody, truncating MissingSeqs to MaxNACKSeqs.
func DecodeNACK(raw json.RawMessage, mode DecodeMode) (*NACKBody, error) {
	var b NACKBody
	if err := unmarshalBody(raw, mode, &b); err != nil {
		return nil, err
	}
	if len(b.MissingSeqs) > MaxNACKSeqs {
		b.MissingSeqs = b.MissingSeqs[:MaxNACKSeqs]
	}
	return &b, nil
}

// DecodeSTATS parses a STATSBody.
func DecodeSTATS(raw json.RawMessage, mode DecodeMode) (*STATSBody, error) {
	var b STATSBody
	if err := unmarshalBody(raw, mode, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// DecodeConfig parses a ConfigBody.
func DecodeConfig(raw json.RawMessage, mode DecodeMode) (*ConfigBody, error) {
	var b ConfigBody
	if err := unmarshalBody(raw, mode, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// DecodeHeartbeat parses a HeartbeatBody.
func DecodeHeartbeat(raw json.RawMessage, mode DecodeMode) (*HeartbeatBody, error) {
	var b HeartbeatBody
	if err := unmarshalBody(raw, mode, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// EncodeNACK truncates to MaxNACKSeqs and marshals.
func EncodeNACK(b *NACKBody) json.RawMessage {
	if len(b.MissingSeqs) > MaxNACKSeqs {
		b = &NACKBody{MissingSeqs: b.MissingSeqs[:MaxNACKSeqs]}
	}
	raw, _ := json.Marshal(b)
	return raw
}

// EncodeHeartbeat marshals a HeartbeatBody.
func EncodeHeartbeat(b *HeartbeatBody) json.RawMessage {
	raw, _ := json.Marshal(b)
	return raw
}

// EncodeSTATS marshals a STATSBody.
func EncodeSTATS(b *STATSBody) json.RawMessage {
	raw, _ := json.Marshal(b)
	return raw
}
