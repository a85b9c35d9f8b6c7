package wire

import "github.com/vmihailenco/msgpack/v5"

// LineageView is the wire representation of one lineage, msgpack-encoded
// as a response payload.
type LineageView struct {
	Index         uint32  `msgpack:"index"`
	Key           string  `msgpack:"key"`
	DerivedEnergy float32 `msgpack:"derived_energy"`
	Threshold     float32 `msgpack:"threshold"`
	AccessCount   uint32  `msgpack:"access_count"`
	Consciousness int8    `msgpack:"consciousness"`
}

// BondView is the wire representation of one neighbor edge.
type BondView struct {
	Other           uint32  `msgpack:"other"`
	Polarity        int8    `msgpack:"polarity"`
	DerivedStrength float32 `msgpack:"derived_strength"`
}

// StatsView is the OpStats payload: process-wide counters, matching
// spec.md §7's required field set exactly (state, recovery, mood,
// exhaustion_level, lineage_count, bond_count, warmup_ms_remaining), plus
// the bond/retention counters the rest of the surface already depended on.
type StatsView struct {
	State             string  `msgpack:"state"`
	Recovery          string  `msgpack:"recovery"`
	Mood              float64 `msgpack:"mood"`
	ExhaustionLevel   string  `msgpack:"exhaustion_level"`
	LineageCount      int     `msgpack:"lineage_count"`
	BondCount         int     `msgpack:"bond_count"`
	WarmupMsRemaining int64   `msgpack:"warmup_ms_remaining"`
	Exhaustion        uint8   `msgpack:"exhaustion"`
	RetentionLen      int     `msgpack:"retention_len"`
}

// CreateRequest is the OpCreate request payload.
type CreateRequest struct {
	Key       string  `msgpack:"key"`
	Energy    float32 `msgpack:"energy"`
	Threshold float32 `msgpack:"threshold"`
	DecayRate float64 `msgpack:"decay_rate"`
}

// CreateResponse is the OpCreate response payload.
type CreateResponse struct {
	Index uint32 `msgpack:"index"`
}

// GetRequest is the OpGet request payload.
type GetRequest struct {
	Index uint32 `msgpack:"index"`
	Flags uint8  `msgpack:"flags"`
	Tag   string `msgpack:"tag,omitempty"`
}

// StimulateRequest is the OpStimulate request payload.
type StimulateRequest struct {
	Index uint32  `msgpack:"index"`
	Delta float32 `msgpack:"delta"`
	Flags uint8   `msgpack:"flags"`
}

// StimulateResponse is the OpStimulate response payload.
type StimulateResponse struct {
	View     LineageView `msgpack:"view"`
	Affected int         `msgpack:"affected"`
}

// ForgetRequest is the OpForget request payload.
type ForgetRequest struct {
	Index uint32 `msgpack:"index"`
}

// TouchRequest is the OpTouch request payload.
type TouchRequest struct {
	Index uint32 `msgpack:"index"`
}

// ConnectRequest is the OpConnect request payload.
type ConnectRequest struct {
	From        uint32  `msgpack:"from"`
	To          uint32  `msgpack:"to"`
	Strength    float32 `msgpack:"strength"`
	Polarity    int8    `msgpack:"polarity"`
	Directional bool    `msgpack:"directional"`
	DecayRate   float64 `msgpack:"decay_rate"`
}

// ConnectResponse is the OpConnect response payload.
type ConnectResponse struct {
	BondIndex uint32 `msgpack:"bond_index"`
}

// ReinforceRequest is the OpReinforce request payload.
type ReinforceRequest struct {
	From uint32 `msgpack:"from"`
	To   uint32 `msgpack:"to"`
}

// ReinforceResponse is the OpReinforce response payload.
type ReinforceResponse struct {
	Strength float32 `msgpack:"strength"`
}

// SeverRequest is the OpSever request payload.
type SeverRequest struct {
	From uint32 `msgpack:"from"`
	To   uint32 `msgpack:"to"`
}

// NeighborsRequest is the OpNeighbors request payload.
type NeighborsRequest struct {
	Index uint32 `msgpack:"index"`
}

// NeighborsResponse is the OpNeighbors response payload.
type NeighborsResponse struct {
	Neighbors []BondView `msgpack:"neighbors"`
}

// TopKRequest is the OpTopK/OpConscious request payload.
type TopKRequest struct {
	K         int     `msgpack:"k"`
	MinEnergy float32 `msgpack:"min_energy"`
}

// TopKResponse is the OpTopK/OpConscious/OpTrauma/OpPattern response
// payload.
type TopKResponse struct {
	Lineages []LineageView `msgpack:"lineages"`
}

// PatternRequest is the OpPattern/OpTrauma request payload: a free-text
// tag the sentiment analyzer projects onto a cortex event.
type PatternRequest struct {
	Tag string `msgpack:"tag"`
	K   int    `msgpack:"k"`
}

// PhysicsTuneRequest is the OpPhysicsTune request payload. Zero-valued
// fields leave the corresponding synapse parameter unchanged.
type PhysicsTuneRequest struct {
	Resistance float32 `msgpack:"resistance"`
	Cutoff     float32 `msgpack:"cutoff"`
	MaxDepth   int     `msgpack:"max_depth"`
}

// MoodSetRequest is the OpSysMoodSet request payload.
type MoodSetRequest struct {
	Mood float64 `msgpack:"mood"`
}

// ErrorPayload is the payload of a StatusError response.
type ErrorPayload struct {
	Code    ErrCode `msgpack:"code"`
	Message string  `msgpack:"message"`
}

// Envelope is the response frame's logical content before encoding: a
// status plus an arbitrary msgpack-able payload.
type Envelope struct {
	Status  Status
	Payload any
}

// EncodeResponse msgpack-encodes payload and wraps it in a response frame
// that echoes the originating opcode, carrying status in the header's
// reserved byte (unused on requests).
func EncodeResponse(opcode Opcode, status Status, payload any) ([]byte, error) {
	var data []byte
	var err error
	if payload != nil {
		data, err = msgpack.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	buf, err := Encode(opcode, 0, data)
	if err != nil {
		return nil, err
	}
	buf[5] = byte(status) // reserved byte, offset 5: magic(2)+version(1)+opcode(1)+flags(1)
	return buf, nil
}

// ResponseStatus extracts the status a server frame encodes in its
// reserved byte.
func ResponseStatus(f Frame) Status {
	return Status(f.Header.Reserved)
}

// DecodePayload unmarshals a frame's payload into v.
func DecodePayload(payload []byte, v any) error {
	if len(payload) == 0 {
		return nil
	}
	return msgpack.Unmarshal(payload, v)
}
