// Package wire implements the MindFry Binary Protocol (MFBP) frame codec:
// an 8-byte fixed header followed by a msgpack-encoded payload, grounded on
// the teacher's persistence.Codec header/length-prefix idiom.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// Magic identifies an MFBP frame.
var Magic = [2]byte{'M', 'F'}

// Version is the current wire protocol version.
const Version uint8 = 1

// Opcode identifies the operation a frame requests.
type Opcode uint8

const (
	OpCreate    Opcode = 0x10
	OpGet       Opcode = 0x11
	OpStimulate Opcode = 0x12
	OpForget    Opcode = 0x13
	OpTouch     Opcode = 0x14

	OpConnect   Opcode = 0x20
	OpReinforce Opcode = 0x21
	OpSever     Opcode = 0x22
	OpNeighbors Opcode = 0x23

	OpConscious Opcode = 0x30
	OpTopK      Opcode = 0x31
	OpTrauma    Opcode = 0x32
	OpPattern   Opcode = 0x33

	OpPing         Opcode = 0x40
	OpStats        Opcode = 0x41
	OpSnapshot     Opcode = 0x42
	OpRestore      Opcode = 0x43
	OpFreeze       Opcode = 0x44
	OpPhysicsTune  Opcode = 0x45
	OpSysMoodSet   Opcode = 0x46

	OpSubscribe   Opcode = 0x50
	OpUnsubscribe Opcode = 0x51
)

// Query flag bits, mirrored in pkg/cortex for the filter policy and
// observer-effect decision.
const (
	FlagBypassFilters    uint8 = 0x01
	FlagIncludeRepressed uint8 = 0x02
	FlagNoSideEffects    uint8 = 0x04
	FlagHasTag           uint8 = 0x08
	FlagNoPropagate      uint8 = 0x10
)

// Status is the response envelope's outcome classification.
type Status uint8

const (
	StatusFound     Status = 0
	StatusNotFound  Status = 1
	StatusRepressed Status = 2
	StatusDormant   Status = 3
	StatusError     Status = 4
	StatusWarmingUp Status = 5
)

// ErrCode enumerates the machine-readable error codes carried in an error
// response payload.
type ErrCode uint8

const (
	ErrOk         ErrCode = 0x00
	ErrNotFound   ErrCode = 0x01
	ErrConflict   ErrCode = 0x02
	ErrWarmingUp  ErrCode = 0x03
	ErrExhausted  ErrCode = 0x04
	ErrDensityCap ErrCode = 0x05
	ErrMalformed  ErrCode = 0x06
	ErrInternal   ErrCode = 0x07
)

// HeaderSize is the fixed on-wire header length in bytes.
const HeaderSize = 8

// Header is the 8-byte fixed frame header: magic(2) version(1) opcode(1)
// flags(1) reserved(1) len(2), all multi-byte fields little-endian (MFBP
// is a little-endian wire protocol).
type Header struct {
	Magic    [2]byte
	Version  uint8
	Opcode   Opcode
	Flags    uint8
	Reserved uint8
	Len      uint16
}

// Frame is a decoded MFBP request or response: header plus its raw
// msgpack-encoded payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// ErrShortFrame is returned when a frame is truncated below the fixed
// header size or its declared payload length.
var ErrShortFrame = errors.New("wire: short frame")

// ErrBadMagic is returned when the header's magic bytes do not match.
var ErrBadMagic = errors.New("wire: bad magic")

// Encode serialises a frame to its wire bytes.
func Encode(opcode Opcode, flags uint8, payload []byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	h := Header{
		Magic:    Magic,
		Version:  Version,
		Opcode:   opcode,
		Flags:    flags,
		Reserved: 0,
		Len:      uint16(len(payload)),
	}
	if err := binary.Write(buf, binary.LittleEndian, h.Magic); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, h.Version); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, h.Opcode); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, h.Flags); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, h.Reserved); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, h.Len); err != nil {
		return nil, err
	}
	if _, err := buf.Write(payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses a single frame from raw, which must contain at least the
// header plus the declared payload length.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < HeaderSize {
		return Frame{}, ErrShortFrame
	}
	var h Header
	r := bytes.NewReader(raw)
	if err := binary.Read(r, binary.LittleEndian, &h.Magic); err != nil {
		return Frame{}, err
	}
	if h.Magic != Magic {
		return Frame{}, ErrBadMagic
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Version); err != nil {
		return Frame{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Opcode); err != nil {
		return Frame{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Flags); err != nil {
		return Frame{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Reserved); err != nil {
		return Frame{}, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Len); err != nil {
		return Frame{}, err
	}
	payload := make([]byte, h.Len)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, ErrShortFrame
	}
	return Frame{Header: h, Payload: payload}, nil
}

// ReadFrame reads exactly one frame from r, first reading the fixed header
// then the declared payload length. Used by the server's connection loop
// and the CLI client, which both operate on a stream rather than a single
// buffer.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	var h Header
	br := bytes.NewReader(hdr[:])
	binary.Read(br, binary.LittleEndian, &h.Magic)
	binary.Read(br, binary.LittleEndian, &h.Version)
	binary.Read(br, binary.LittleEndian, &h.Opcode)
	binary.Read(br, binary.LittleEndian, &h.Flags)
	binary.Read(br, binary.LittleEndian, &h.Reserved)
	binary.Read(br, binary.LittleEndian, &h.Len)
	if h.Magic != Magic {
		return Frame{}, ErrBadMagic
	}
	payload := make([]byte, h.Len)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, ErrShortFrame
	}
	return Frame{Header: h, Payload: payload}, nil
}

// WriteFrame encodes and writes a frame to w.
func WriteFrame(w io.Writer, opcode Opcode, flags uint8, payload []byte) error {
	raw, err := Encode(opcode, flags, payload)
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}
