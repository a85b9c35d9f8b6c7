// Package persistence implements the MFSS snapshot format, write-ahead
// log, and shutdown marker, modeled on the teacher's persistence.Store:
// atomic tmp+rename writes, a gzip+msgpack payload behind a fixed binary
// header, and a WAL replayed on startup between checkpoints.
package persistence

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// MagicBytes identifies an MFSS snapshot file.
const MagicBytes = "MFSS"

// FormatVersion is the current snapshot format version. Version 1 (dense,
// pre-retention-buffer) snapshots must still load; see LoadSnapshot.
const FormatVersion uint16 = 2

// Header is the fixed binary prefix of an MFSS snapshot file.
type Header struct {
	Magic    [4]byte
	Version  uint16
	Flags    uint16
	Reserved uint64
}

const (
	FlagCompressed uint16 = 1 << 0
)

// LineageRecord is the sparse, on-disk form of one arena slot.
type LineageRecord struct {
	Index       uint32  `msgpack:"index"`
	Key         string  `msgpack:"key"`
	BaseEnergy  float32 `msgpack:"base_energy"`
	Threshold   float32 `msgpack:"threshold"`
	DecayRate   float64 `msgpack:"decay_rate"`
	LastTouchMs int64   `msgpack:"last_touch_ms"`
	AccessCount uint32  `msgpack:"access_count"`
	Flags       uint8   `msgpack:"flags"`
}

// BondRecord is the on-disk form of one bond-graph edge.
type BondRecord struct {
	From        uint32  `msgpack:"from"`
	To          uint32  `msgpack:"to"`
	Directional bool    `msgpack:"directional"`
	Strength    float32 `msgpack:"strength"`
	Polarity    int8    `msgpack:"polarity"`
	DecayRate   float64 `msgpack:"decay_rate"`
	LastTouchMs int64   `msgpack:"last_touch_ms"`
}

// CortexRecord is the on-disk form of the process-wide cortex state.
type CortexRecord struct {
	Personality   uint16         `msgpack:"personality"` // setun.Octet.Pack()
	Mood          float64        `msgpack:"mood"`
	RetentionTTL  map[uint32]int `msgpack:"retention_ttl"`
}

// SnapshotData is the full decoded contents of an MFSS snapshot.
type SnapshotData struct {
	Lineages []LineageRecord `msgpack:"lineages"`
	Bonds    []BondRecord    `msgpack:"bonds"`
	Cortex   CortexRecord    `msgpack:"cortex"`
}

// EncodeSnapshot serialises data as a versioned, gzip-compressed MFSS
// file body (header + payload).
func EncodeSnapshot(data SnapshotData) ([]byte, error) {
	raw, err := msgpack.Marshal(data)
	if err != nil {
		return nil, err
	}

	var compressed bytes.Buffer
	w := gzip.NewWriter(&compressed)
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	h := Header{Version: FormatVersion, Flags: FlagCompressed}
	copy(h.Magic[:], MagicBytes)

	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, h); err != nil {
		return nil, err
	}
	if _, err := buf.Write(compressed.Bytes()); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ErrBadMagic is returned when a snapshot's magic bytes don't match.
var ErrBadMagic = errors.New("persistence: bad snapshot magic")

// ErrUnsupportedVersion is returned for a snapshot version newer than this
// binary understands.
var ErrUnsupportedVersion = errors.New("persistence: unsupported snapshot version")

// DecodeSnapshot parses an MFSS file body back into SnapshotData. Version
// 1 snapshots (pre-dating the retention buffer) decode with an empty
// RetentionTTL map rather than failing, so upgrading a binary never
// strands an old snapshot.
func DecodeSnapshot(raw []byte) (SnapshotData, error) {
	if len(raw) < 16 {
		return SnapshotData{}, errors.New("persistence: snapshot too short")
	}
	r := bytes.NewReader(raw)
	var h Header
	if err := binary.Read(r, binary.BigEndian, &h); err != nil {
		return SnapshotData{}, err
	}
	if string(h.Magic[:]) != MagicBytes {
		return SnapshotData{}, ErrBadMagic
	}
	if h.Version > FormatVersion {
		return SnapshotData{}, ErrUnsupportedVersion
	}

	body := raw[16:]
	if h.Flags&FlagCompressed != 0 {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return SnapshotData{}, err
		}
		defer gz.Close()
		decompressed, err := io.ReadAll(gz)
		if err != nil {
			return SnapshotData{}, err
		}
		body = decompressed
	}

	var data SnapshotData
	if err := msgpack.Unmarshal(body, &data); err != nil {
		return SnapshotData{}, err
	}
	if data.Cortex.RetentionTTL == nil {
		data.Cortex.RetentionTTL = make(map[uint32]int)
	}
	return data, nil
}
