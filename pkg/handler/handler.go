// Package handler implements the Command Handler: it dispatches decoded
// wire frames onto substrate operations, applying the warmup gate, the
// cortex's read-path filter policy, the observer-effect stimulation, and
// the synapse propagation trigger, per spec.md §4.G.
package handler

import (
	"sync/atomic"

	"github.com/mindfry/mindfry/pkg/arena"
	"github.com/mindfry/mindfry/pkg/cortex"
	"github.com/mindfry/mindfry/pkg/mferr"
	"github.com/mindfry/mindfry/pkg/persistence"
	"github.com/mindfry/mindfry/pkg/sentiment"
	"github.com/mindfry/mindfry/pkg/setun"
	"github.com/mindfry/mindfry/pkg/stability"
	"github.com/mindfry/mindfry/pkg/substrate"
	"github.com/mindfry/mindfry/pkg/wire"
)

// observerEffectDelta is the energy bump a surfaced-by-read lineage
// receives unless the caller set NO_SIDE_EFFECTS (spec.md §9's resolved
// open question: observation nudges energy, but only when the lineage was
// actually surfaced).
const observerEffectDelta = 0.01

// Handler dispatches wire frames to substrate operations.
type Handler struct {
	Substrate *substrate.Substrate
	Stability *stability.Stability
	Sentiment *sentiment.Analyzer
	Store     *persistence.Store

	frozen atomic.Bool
}

// New builds a Handler over an already-constructed substrate.
func New(sub *substrate.Substrate, stab *stability.Stability, sa *sentiment.Analyzer, store *persistence.Store) *Handler {
	return &Handler{Substrate: sub, Stability: stab, Sentiment: sa, Store: store}
}

// opcodesAllowedDuringWarmup may run before MarkReady, since they either
// drive warmup itself (RESTORE) or carry no substrate semantics (PING,
// STATS).
var opcodesAllowedDuringWarmup = map[wire.Opcode]bool{
	wire.OpPing:     true,
	wire.OpStats:    true,
	wire.OpRestore:  true,
	wire.OpSnapshot: true,
}

// Handle dispatches one decoded frame and returns the encoded response
// frame. It never returns a Go error to its caller — every failure mode
// becomes a StatusError response, matching the wire protocol's envelope
// design.
func (h *Handler) Handle(f wire.Frame) []byte {
	if h.Stability.IsWarmingUp() && !opcodesAllowedDuringWarmup[f.Header.Opcode] {
		return h.errorResponse(f.Header.Opcode, wire.StatusWarmingUp, wire.ErrWarmingUp, "substrate is warming up")
	}
	if h.frozen.Load() && isMutatingOpcode(f.Header.Opcode) {
		return h.errorResponse(f.Header.Opcode, wire.StatusError, wire.ErrInternal, "substrate is frozen")
	}

	switch level := h.Stability.Level(); {
	case level == stability.Emergency && !isEpistemicOpcode(f.Header.Opcode):
		return h.errorResponse(f.Header.Opcode, wire.StatusError, wire.ErrExhausted, "substrate is in emergency exhaustion, only reads are accepted")
	case level == stability.Exhausted && isMutatingOpcode(f.Header.Opcode):
		return h.errorResponse(f.Header.Opcode, wire.StatusError, wire.ErrExhausted, "substrate is exhausted, writes are rejected until GC recovers capacity")
	}

	switch f.Header.Opcode {
	case wire.OpCreate:
		return h.handleCreate(f)
	case wire.OpGet:
		return h.handleGet(f)
	case wire.OpStimulate:
		return h.handleStimulate(f)
	case wire.OpForget:
		return h.handleForget(f)
	case wire.OpTouch:
		return h.handleTouch(f)
	case wire.OpConnect:
		return h.handleConnect(f)
	case wire.OpReinforce:
		return h.handleReinforce(f)
	case wire.OpSever:
		return h.handleSever(f)
	case wire.OpNeighbors:
		return h.handleNeighbors(f)
	case wire.OpConscious, wire.OpTopK:
		return h.handleTopK(f)
	case wire.OpTrauma:
		return h.handleTrauma(f)
	case wire.OpPattern:
		return h.handlePattern(f)
	case wire.OpPing:
		return h.encode(f.Header.Opcode, wire.StatusFound, map[string]bool{"alive": true})
	case wire.OpStats:
		return h.handleStats(f)
	case wire.OpSnapshot:
		return h.handleSnapshotOp(f)
	case wire.OpRestore:
		return h.handleRestoreOp(f)
	case wire.OpFreeze:
		h.frozen.Store(true)
		return h.encode(f.Header.Opcode, wire.StatusFound, nil)
	case wire.OpPhysicsTune:
		return h.handlePhysicsTune(f)
	case wire.OpSysMoodSet:
		return h.handleMoodSet(f)
	default:
		return h.errorResponse(f.Header.Opcode, wire.StatusError, wire.ErrMalformed, "unknown opcode")
	}
}

func isMutatingOpcode(op wire.Opcode) bool {
	switch op {
	case wire.OpCreate, wire.OpStimulate, wire.OpForget, wire.OpTouch, wire.OpConnect, wire.OpReinforce, wire.OpSever, wire.OpRestore:
		return true
	default:
		return false
	}
}

// isEpistemicOpcode marks the read-only/query operations that stay open
// even under Emergency exhaustion — everything that only observes state,
// never changes it. Every mutating opcode is non-epistemic by definition;
// administrative opcodes (FREEZE, PHYSICS_TUNE, SYS_MOOD_SET) are also
// non-epistemic since they change process-wide behavior.
func isEpistemicOpcode(op wire.Opcode) bool {
	switch op {
	case wire.OpGet, wire.OpNeighbors, wire.OpConscious, wire.OpTopK, wire.OpTrauma, wire.OpPattern, wire.OpPing, wire.OpStats:
		return true
	default:
		return false
	}
}

func (h *Handler) encode(opcode wire.Opcode, status wire.Status, payload any) []byte {
	raw, err := wire.EncodeResponse(opcode, status, payload)
	if err != nil {
		raw, _ = wire.EncodeResponse(opcode, wire.StatusError, wire.ErrorPayload{Code: wire.ErrInternal, Message: err.Error()})
	}
	return raw
}

func (h *Handler) errorResponse(opcode wire.Opcode, status wire.Status, code wire.ErrCode, msg string) []byte {
	return h.encode(opcode, status, wire.ErrorPayload{Code: code, Message: msg})
}

// errToResponse maps an mferr.Error's Kind onto a wire status/error-code
// pair.
func (h *Handler) errToResponse(opcode wire.Opcode, err error) []byte {
	switch mferr.KindOf(err) {
	case mferr.KindNotFound:
		return h.errorResponse(opcode, wire.StatusNotFound, wire.ErrNotFound, err.Error())
	case mferr.KindConflict:
		return h.errorResponse(opcode, wire.StatusError, wire.ErrConflict, err.Error())
	case mferr.KindDensityCap:
		return h.errorResponse(opcode, wire.StatusError, wire.ErrDensityCap, err.Error())
	case mferr.KindExhausted:
		return h.errorResponse(opcode, wire.StatusError, wire.ErrExhausted, err.Error())
	case mferr.KindWarmingUp:
		return h.errorResponse(opcode, wire.StatusWarmingUp, wire.ErrWarmingUp, err.Error())
	default:
		return h.errorResponse(opcode, wire.StatusError, wire.ErrInternal, err.Error())
	}
}

func (h *Handler) handleCreate(f wire.Frame) []byte {
	var req wire.CreateRequest
	if err := wire.DecodePayload(f.Payload, &req); err != nil {
		return h.errorResponse(f.Header.Opcode, wire.StatusError, wire.ErrMalformed, err.Error())
	}
	idx, err := h.Substrate.CreateLineage(req.Key, req.Energy, req.Threshold, req.DecayRate)
	if err != nil {
		return h.errToResponse(f.Header.Opcode, err)
	}
	if h.Store != nil {
		h.Store.LogMutation("create", f.Payload)
	}
	return h.encode(f.Header.Opcode, wire.StatusFound, wire.CreateResponse{Index: idx})
}

// handleGet applies the cortex's read-path filter policy before returning
// a lineage, and applies the observer-effect bump only when the lineage
// is actually surfaced (spec.md §9).
func (h *Handler) handleGet(f wire.Frame) []byte {
	var req wire.GetRequest
	if err := wire.DecodePayload(f.Payload, &req); err != nil {
		return h.errorResponse(f.Header.Opcode, wire.StatusError, wire.ErrMalformed, err.Error())
	}

	event := setun.Neutral()
	if req.Flags&wire.FlagHasTag != 0 && req.Tag != "" && h.Sentiment != nil {
		event = h.Sentiment.TagEvent(req.Tag)
	}

	h.Substrate.Cortex.RLock()
	result := h.Substrate.Cortex.FilterPolicy(event, req.Index, req.Flags)
	h.Substrate.Cortex.RUnlock()

	switch result {
	case cortex.Repressed:
		return h.encode(f.Header.Opcode, wire.StatusRepressed, nil)
	case cortex.DormantFiltered:
		return h.encode(f.Header.Opcode, wire.StatusDormant, nil)
	}

	if req.Flags&wire.FlagNoSideEffects == 0 {
		h.Substrate.StimulateDirect(req.Index, observerEffectDelta)
	}

	h.Substrate.Arena.RLock()
	view, err := h.Substrate.Arena.Get(req.Index)
	h.Substrate.Arena.RUnlock()
	if err != nil {
		return h.errToResponse(f.Header.Opcode, err)
	}

	h.Substrate.Cortex.RLock()
	consciousness := h.Substrate.Cortex.ConsciousnessState(view.DerivedEnergy, view.Threshold)
	h.Substrate.Cortex.RUnlock()

	return h.encode(f.Header.Opcode, wire.StatusFound, toLineageView(view, consciousness))
}

func (h *Handler) handleStimulate(f wire.Frame) []byte {
	var req wire.StimulateRequest
	if err := wire.DecodePayload(f.Payload, &req); err != nil {
		return h.errorResponse(f.Header.Opcode, wire.StatusError, wire.ErrMalformed, err.Error())
	}

	var v arena.View
	var affected int
	var err error

	if req.Flags&wire.FlagNoPropagate != 0 {
		v, err = h.Substrate.StimulateDirect(req.Index, req.Delta)
	} else {
		v, affected, err = h.Substrate.Stimulate(req.Index, req.Delta)
	}
	if err != nil {
		return h.errToResponse(f.Header.Opcode, err)
	}
	if h.Store != nil {
		h.Store.LogMutation("stimulate", f.Payload)
	}

	h.Substrate.Cortex.RLock()
	consciousness := h.Substrate.Cortex.ConsciousnessState(v.DerivedEnergy, v.Threshold)
	h.Substrate.Cortex.RUnlock()

	return h.encode(f.Header.Opcode, wire.StatusFound, wire.StimulateResponse{View: toLineageView(v, consciousness), Affected: affected})
}

func (h *Handler) handleForget(f wire.Frame) []byte {
	var req wire.ForgetRequest
	if err := wire.DecodePayload(f.Payload, &req); err != nil {
		return h.errorResponse(f.Header.Opcode, wire.StatusError, wire.ErrMalformed, err.Error())
	}
	h.Substrate.Arena.Lock()
	err := h.Substrate.Arena.Forget(req.Index)
	h.Substrate.Arena.Unlock()
	if err != nil {
		return h.errToResponse(f.Header.Opcode, err)
	}
	h.Substrate.Graph.Lock()
	h.Substrate.Graph.RemoveNode(req.Index)
	h.Substrate.Graph.Unlock()
	if h.Store != nil {
		h.Store.LogMutation("forget", f.Payload)
	}
	return h.encode(f.Header.Opcode, wire.StatusFound, nil)
}

func (h *Handler) handleTouch(f wire.Frame) []byte {
	var req wire.TouchRequest
	if err := wire.DecodePayload(f.Payload, &req); err != nil {
		return h.errorResponse(f.Header.Opcode, wire.StatusError, wire.ErrMalformed, err.Error())
	}
	h.Substrate.Arena.Lock()
	err := h.Substrate.Arena.Touch(req.Index)
	h.Substrate.Arena.Unlock()
	if err != nil {
		return h.errToResponse(f.Header.Opcode, err)
	}
	return h.encode(f.Header.Opcode, wire.StatusFound, nil)
}

func (h *Handler) handleConnect(f wire.Frame) []byte {
	var req wire.ConnectRequest
	if err := wire.DecodePayload(f.Payload, &req); err != nil {
		return h.errorResponse(f.Header.Opcode, wire.StatusError, wire.ErrMalformed, err.Error())
	}
	bondIdx, err := h.Substrate.Connect(req.From, req.To, req.Strength, setun.Trit(req.Polarity), req.Directional, req.DecayRate)
	if err != nil {
		return h.errToResponse(f.Header.Opcode, err)
	}
	if h.Store != nil {
		h.Store.LogMutation("connect", f.Payload)
	}
	return h.encode(f.Header.Opcode, wire.StatusFound, wire.ConnectResponse{BondIndex: bondIdx})
}

func (h *Handler) handleReinforce(f wire.Frame) []byte {
	var req wire.ReinforceRequest
	if err := wire.DecodePayload(f.Payload, &req); err != nil {
		return h.errorResponse(f.Header.Opcode, wire.StatusError, wire.ErrMalformed, err.Error())
	}
	h.Substrate.Graph.Lock()
	strength, err := h.Substrate.Graph.Reinforce(req.From, req.To)
	h.Substrate.Graph.Unlock()
	if err != nil {
		return h.errToResponse(f.Header.Opcode, err)
	}
	return h.encode(f.Header.Opcode, wire.StatusFound, wire.ReinforceResponse{Strength: strength})
}

func (h *Handler) handleSever(f wire.Frame) []byte {
	var req wire.SeverRequest
	if err := wire.DecodePayload(f.Payload, &req); err != nil {
		return h.errorResponse(f.Header.Opcode, wire.StatusError, wire.ErrMalformed, err.Error())
	}
	h.Substrate.Graph.Lock()
	err := h.Substrate.Graph.Sever(req.From, req.To)
	h.Substrate.Graph.Unlock()
	if err != nil {
		return h.errToResponse(f.Header.Opcode, err)
	}
	return h.encode(f.Header.Opcode, wire.StatusFound, nil)
}

func (h *Handler) handleNeighbors(f wire.Frame) []byte {
	var req wire.NeighborsRequest
	if err := wire.DecodePayload(f.Payload, &req); err != nil {
		return h.errorResponse(f.Header.Opcode, wire.StatusError, wire.ErrMalformed, err.Error())
	}
	h.Substrate.Graph.RLock()
	neighbors := h.Substrate.Graph.Neighbors(req.Index)
	h.Substrate.Graph.RUnlock()

	out := make([]wire.BondView, len(neighbors))
	for i, n := range neighbors {
		out[i] = wire.BondView{Other: n.Other, Polarity: int8(n.Polarity), DerivedStrength: n.DerivedStrength}
	}
	return h.encode(f.Header.Opcode, wire.StatusFound, wire.NeighborsResponse{Neighbors: out})
}

func (h *Handler) handleTopK(f wire.Frame) []byte {
	var req wire.TopKRequest
	if err := wire.DecodePayload(f.Payload, &req); err != nil {
		return h.errorResponse(f.Header.Opcode, wire.StatusError, wire.ErrMalformed, err.Error())
	}
	h.Substrate.Arena.Lock()
	indices := h.Substrate.Arena.TopKConscious(req.K, req.MinEnergy)
	h.Substrate.Arena.Unlock()

	views := make([]wire.LineageView, 0, len(indices))
	h.Substrate.Cortex.RLock()
	for _, idx := range indices {
		h.Substrate.Arena.RLock()
		v, err := h.Substrate.Arena.Get(idx)
		h.Substrate.Arena.RUnlock()
		if err != nil {
			continue
		}
		c := h.Substrate.Cortex.ConsciousnessState(v.DerivedEnergy, v.Threshold)
		views = append(views, toLineageView(v, c))
	}
	h.Substrate.Cortex.RUnlock()

	return h.encode(f.Header.Opcode, wire.StatusFound, wire.TopKResponse{Lineages: views})
}

// handleTrauma surfaces the current top-K conscious lineages only when the
// tag-derived event evaluates negatively against the cortex personality —
// the personality's "this resembles something I rejected before" signal.
func (h *Handler) handleTrauma(f wire.Frame) []byte {
	var req wire.PatternRequest
	if err := wire.DecodePayload(f.Payload, &req); err != nil {
		return h.errorResponse(f.Header.Opcode, wire.StatusError, wire.ErrMalformed, err.Error())
	}
	event := setun.Neutral()
	if h.Sentiment != nil {
		event = h.Sentiment.TagEvent(req.Tag)
	}
	h.Substrate.Cortex.RLock()
	verdict := h.Substrate.Cortex.Evaluate(event)
	h.Substrate.Cortex.RUnlock()

	if verdict != setun.False {
		return h.encode(f.Header.Opcode, wire.StatusFound, wire.TopKResponse{})
	}
	return h.handleTopK(wire.Frame{Header: f.Header, Payload: f.Payload})
}

// handlePattern surfaces the current top-K conscious lineages only when
// the tag-derived event resonates positively with the cortex personality
// — the complement of TRAUMA.
func (h *Handler) handlePattern(f wire.Frame) []byte {
	var req wire.PatternRequest
	if err := wire.DecodePayload(f.Payload, &req); err != nil {
		return h.errorResponse(f.Header.Opcode, wire.StatusError, wire.ErrMalformed, err.Error())
	}
	event := setun.Neutral()
	if h.Sentiment != nil {
		event = h.Sentiment.TagEvent(req.Tag)
	}
	h.Substrate.Cortex.RLock()
	verdict := h.Substrate.Cortex.Evaluate(event)
	h.Substrate.Cortex.RUnlock()

	if verdict != setun.True {
		return h.encode(f.Header.Opcode, wire.StatusFound, wire.TopKResponse{})
	}
	return h.handleTopK(wire.Frame{Header: f.Header, Payload: f.Payload})
}

func (h *Handler) handleStats(f wire.Frame) []byte {
	h.Substrate.Arena.RLock()
	lineageCount := h.Substrate.Arena.Len()
	h.Substrate.Arena.RUnlock()

	h.Substrate.Graph.RLock()
	bondCount := h.Substrate.Graph.BondCount()
	h.Substrate.Graph.RUnlock()

	h.Substrate.Cortex.RLock()
	mood := h.Substrate.Cortex.Mood()
	retentionLen := h.Substrate.Cortex.Retention().Len()
	h.Substrate.Cortex.RUnlock()

	state := "Ready"
	if h.Stability.IsWarmingUp() {
		state = "WarmingUp"
	}
	level := h.Stability.Level()

	return h.encode(f.Header.Opcode, wire.StatusFound, wire.StatsView{
		State:             state,
		Recovery:          h.Stability.Recovery().String(),
		Mood:              mood,
		ExhaustionLevel:   level.String(),
		LineageCount:      lineageCount,
		BondCount:         bondCount,
		WarmupMsRemaining: h.Stability.WarmupMsRemaining(),
		Exhaustion:        uint8(level),
		RetentionLen:      retentionLen,
	})
}

func (h *Handler) handleSnapshotOp(f wire.Frame) []byte {
	if h.Store == nil {
		return h.errorResponse(f.Header.Opcode, wire.StatusError, wire.ErrInternal, "no persistence store configured")
	}
	data := persistence.Capture(h.Substrate)
	if err := h.Store.WriteSnapshot(data); err != nil {
		return h.errorResponse(f.Header.Opcode, wire.StatusError, wire.ErrInternal, err.Error())
	}
	return h.encode(f.Header.Opcode, wire.StatusFound, nil)
}

func (h *Handler) handleRestoreOp(f wire.Frame) []byte {
	if h.Store == nil {
		return h.errorResponse(f.Header.Opcode, wire.StatusError, wire.ErrInternal, "no persistence store configured")
	}
	data, ok, err := h.Store.LoadSnapshot()
	if err != nil {
		return h.errorResponse(f.Header.Opcode, wire.StatusError, wire.ErrInternal, err.Error())
	}
	if !ok {
		return h.encode(f.Header.Opcode, wire.StatusNotFound, nil)
	}
	if err := persistence.Restore(h.Substrate, data); err != nil {
		return h.errorResponse(f.Header.Opcode, wire.StatusError, wire.ErrInternal, err.Error())
	}
	return h.encode(f.Header.Opcode, wire.StatusFound, nil)
}

func (h *Handler) handlePhysicsTune(f wire.Frame) []byte {
	var req wire.PhysicsTuneRequest
	if err := wire.DecodePayload(f.Payload, &req); err != nil {
		return h.errorResponse(f.Header.Opcode, wire.StatusError, wire.ErrMalformed, err.Error())
	}
	if req.Resistance > 0 {
		h.Substrate.SynapseCfg.Resistance = req.Resistance
	}
	if req.Cutoff > 0 {
		h.Substrate.SynapseCfg.Cutoff = req.Cutoff
	}
	if req.MaxDepth > 0 {
		h.Substrate.SynapseCfg.MaxDepth = req.MaxDepth
	}
	return h.encode(f.Header.Opcode, wire.StatusFound, nil)
}

func (h *Handler) handleMoodSet(f wire.Frame) []byte {
	var req wire.MoodSetRequest
	if err := wire.DecodePayload(f.Payload, &req); err != nil {
		return h.errorResponse(f.Header.Opcode, wire.StatusError, wire.ErrMalformed, err.Error())
	}
	h.Substrate.Cortex.Lock()
	h.Substrate.Cortex.SetMood(req.Mood)
	h.Substrate.Cortex.Unlock()
	h.Substrate.Arena.Lock()
	h.Substrate.Arena.InvalidateCache()
	h.Substrate.Arena.Unlock()
	return h.encode(f.Header.Opcode, wire.StatusFound, nil)
}

func toLineageView(v arena.View, c cortex.Consciousness) wire.LineageView {
	return wire.LineageView{
		Index:         v.Index,
		Key:           v.Key,
		DerivedEnergy: v.DerivedEnergy,
		Threshold:     v.Threshold,
		AccessCount:   v.AccessCount,
		Consciousness: int8(c),
	}
}
