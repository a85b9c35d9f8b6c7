package handler

import (
	"testing"

	"github.com/mindfry/mindfry/pkg/setun"
	"github.com/mindfry/mindfry/pkg/stability"
	"github.com/mindfry/mindfry/pkg/substrate"
	"github.com/mindfry/mindfry/pkg/synapse"
	"github.com/mindfry/mindfry/pkg/wire"
	"github.com/vmihailenco/msgpack/v5"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	sub := substrate.New(substrate.Config{
		Capacity:        10,
		MaxBondsPerNode: 5,
		PruneFloor:      0.01,
		Personality:     setun.Neutral(),
		SynapseCfg:      synapse.DefaultConfig(),
	})
	stab := stability.New(0, 0)
	h := New(sub, stab, nil, nil)
	stab.MarkReady()
	return h
}

func frame(opcode wire.Opcode, flags uint8, payload any) wire.Frame {
	data, _ := msgpack.Marshal(payload)
	return wire.Frame{Header: wire.Header{Magic: wire.Magic, Version: wire.Version, Opcode: opcode, Flags: flags, Len: uint16(len(data))}, Payload: data}
}

func TestHandleRejectsDuringWarmup(t *testing.T) {
	sub := substrate.New(substrate.Config{Capacity: 10, MaxBondsPerNode: 5, PruneFloor: 0.01, Personality: setun.Neutral(), SynapseCfg: synapse.DefaultConfig()})
	h := New(sub, stability.New(0, 0), nil, nil)

	resp := h.Handle(frame(wire.OpCreate, 0, wire.CreateRequest{Key: "A", Energy: 0.5, Threshold: 0.3}))
	f, _ := wire.Decode(resp)
	if wire.ResponseStatus(f) != wire.StatusWarmingUp {
		t.Errorf("expected StatusWarmingUp during warmup, got %v", wire.ResponseStatus(f))
	}
}

func TestHandleCreateAndGet(t *testing.T) {
	h := newTestHandler(t)

	resp := h.Handle(frame(wire.OpCreate, 0, wire.CreateRequest{Key: "A", Energy: 0.5, Threshold: 0.3}))
	f, _ := wire.Decode(resp)
	if wire.ResponseStatus(f) != wire.StatusFound {
		t.Fatalf("create status = %v", wire.ResponseStatus(f))
	}
	var created wire.CreateResponse
	if err := wire.DecodePayload(f.Payload, &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}

	resp = h.Handle(frame(wire.OpGet, 0, wire.GetRequest{Index: created.Index}))
	f, _ = wire.Decode(resp)
	if wire.ResponseStatus(f) != wire.StatusFound {
		t.Fatalf("get status = %v", wire.ResponseStatus(f))
	}
	var view wire.LineageView
	if err := wire.DecodePayload(f.Payload, &view); err != nil {
		t.Fatalf("decode lineage view: %v", err)
	}
	if view.Key != "A" {
		t.Errorf("view.Key = %q, want A", view.Key)
	}
}

func TestHandleGetUnknownIndexIsNotFound(t *testing.T) {
	h := newTestHandler(t)
	resp := h.Handle(frame(wire.OpGet, 0, wire.GetRequest{Index: 999}))
	f, _ := wire.Decode(resp)
	if wire.ResponseStatus(f) != wire.StatusNotFound {
		t.Errorf("expected StatusNotFound for unknown index, got %v", wire.ResponseStatus(f))
	}
}

func TestHandleConnectAndStimulatePropagates(t *testing.T) {
	h := newTestHandler(t)
	respA := h.Handle(frame(wire.OpCreate, 0, wire.CreateRequest{Key: "A", Energy: 0.1, Threshold: 0.5}))
	respB := h.Handle(frame(wire.OpCreate, 0, wire.CreateRequest{Key: "B", Energy: 0.1, Threshold: 0.5}))
	var a, b wire.CreateResponse
	fa, _ := wire.Decode(respA)
	fb, _ := wire.Decode(respB)
	wire.DecodePayload(fa.Payload, &a)
	wire.DecodePayload(fb.Payload, &b)

	connResp := h.Handle(frame(wire.OpConnect, 0, wire.ConnectRequest{From: a.Index, To: b.Index, Strength: 1.0, Polarity: 1, Directional: true}))
	fc, _ := wire.Decode(connResp)
	if wire.ResponseStatus(fc) != wire.StatusFound {
		t.Fatalf("connect status = %v", wire.ResponseStatus(fc))
	}

	stimResp := h.Handle(frame(wire.OpStimulate, 0, wire.StimulateRequest{Index: a.Index, Delta: 0.9}))
	fs, _ := wire.Decode(stimResp)
	var result wire.StimulateResponse
	wire.DecodePayload(fs.Payload, &result)
	if result.Affected == 0 {
		t.Error("expected stimulate to report at least one affected neighbor")
	}
}
