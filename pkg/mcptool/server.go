// Package mcptool exposes the substrate's query surface as MCP tools,
// grounded on the teacher's pkg/mcp server — an LLM agent can stimulate,
// inspect, and connect lineages the same way a human operator would over
// MFBP, without speaking the wire protocol directly.
package mcptool

import (
	"context"
	"encoding/json"
	"fmt"

	mcpproto "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/mindfry/mindfry/pkg/handler"
	"github.com/mindfry/mindfry/pkg/wire"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	toolStimulate = "mindfry_stimulate"
	toolGet       = "mindfry_get"
	toolConnect   = "mindfry_connect"
	toolStats     = "mindfry_stats"
)

// NewServer builds an in-process MCP server wired directly to h, bypassing
// the TCP transport since both ends live in the same process.
func NewServer(h *handler.Handler) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer(
		"mindfry-mcp",
		"1.0.0",
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithRecovery(),
	)
	registerTools(s, h)
	return s
}

func registerTools(s *mcpserver.MCPServer, h *handler.Handler) {
	s.AddTool(mcpproto.NewTool(toolStimulate,
		mcpproto.WithDescription("Apply an energy delta to a lineage and propagate it through its bonds."),
		mcpproto.WithNumber("index", mcpproto.Required(), mcpproto.Description("Lineage index.")),
		mcpproto.WithNumber("delta", mcpproto.Required(), mcpproto.Description("Signed energy delta to apply.")),
	), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		args := req.GetArguments()
		index := getUint32(args, "index", 0)
		delta := getFloat32(args, "delta", 0)

		resp, err := call(h, wire.OpStimulate, wire.StimulateRequest{Index: index, Delta: delta})
		if err != nil {
			return errResult(err.Error()), nil
		}
		var out wire.StimulateResponse
		if err := wire.DecodePayload(resp.Payload, &out); err != nil {
			return errResult(err.Error()), nil
		}
		return structuredResult(fmt.Sprintf("stimulated lineage %d, %d neighbors affected", index, out.Affected), out)
	})

	s.AddTool(mcpproto.NewTool(toolGet,
		mcpproto.WithDescription("Fetch a lineage's current state, subject to the cortex's read-path filter policy."),
		mcpproto.WithNumber("index", mcpproto.Required(), mcpproto.Description("Lineage index.")),
	), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		args := req.GetArguments()
		index := getUint32(args, "index", 0)

		resp, err := call(h, wire.OpGet, wire.GetRequest{Index: index})
		if err != nil {
			return errResult(err.Error()), nil
		}
		if wire.ResponseStatus(resp) != wire.StatusFound {
			return errResult(fmt.Sprintf("lineage not surfaced (status=%d)", wire.ResponseStatus(resp))), nil
		}
		var out wire.LineageView
		if err := wire.DecodePayload(resp.Payload, &out); err != nil {
			return errResult(err.Error()), nil
		}
		return structuredResult(fmt.Sprintf("lineage %d: %s", index, out.Key), out)
	})

	s.AddTool(mcpproto.NewTool(toolConnect,
		mcpproto.WithDescription("Bond two lineages with a polarized strength."),
		mcpproto.WithNumber("from", mcpproto.Required(), mcpproto.Description("Source lineage index.")),
		mcpproto.WithNumber("to", mcpproto.Required(), mcpproto.Description("Target lineage index.")),
		mcpproto.WithNumber("strength", mcpproto.Description("Bond strength in [0,1] (default 0.5).")),
		mcpproto.WithNumber("polarity", mcpproto.Description("Bond polarity: -1 antagonism, 0 neutral, 1 synergy.")),
	), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		args := req.GetArguments()
		from := getUint32(args, "from", 0)
		to := getUint32(args, "to", 0)
		strength := getFloat32(args, "strength", 0.5)
		polarity := int8(getFloat32(args, "polarity", 0))

		resp, err := call(h, wire.OpConnect, wire.ConnectRequest{
			From: from, To: to, Strength: strength, Polarity: polarity, Directional: true,
		})
		if err != nil {
			return errResult(err.Error()), nil
		}
		var out wire.ConnectResponse
		if err := wire.DecodePayload(resp.Payload, &out); err != nil {
			return errResult(err.Error()), nil
		}
		return structuredResult(fmt.Sprintf("bonded %d -> %d", from, to), out)
	})

	s.AddTool(mcpproto.NewTool(toolStats,
		mcpproto.WithDescription("Report substrate-wide counters: lineage count, bond count, mood, exhaustion."),
	), func(ctx context.Context, req mcpproto.CallToolRequest) (*mcpproto.CallToolResult, error) {
		resp, err := call(h, wire.OpStats, nil)
		if err != nil {
			return errResult(err.Error()), nil
		}
		var out wire.StatsView
		if err := wire.DecodePayload(resp.Payload, &out); err != nil {
			return errResult(err.Error()), nil
		}
		return structuredResult("substrate stats", out)
	})
}

// call builds a synthetic wire frame for req and dispatches it directly
// to the handler, skipping the TCP round-trip entirely.
func call(h *handler.Handler, opcode wire.Opcode, req any) (wire.Frame, error) {
	var payload []byte
	var err error
	if req != nil {
		payload, err = msgpack.Marshal(req)
		if err != nil {
			return wire.Frame{}, err
		}
	}
	raw := h.Handle(wire.Frame{
		Header:  wire.Header{Magic: wire.Magic, Version: wire.Version, Opcode: opcode, Len: uint16(len(payload))},
		Payload: payload,
	})
	return wire.Decode(raw)
}

func errResult(msg string) *mcpproto.CallToolResult {
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{
			mcpproto.TextContent{Type: "text", Text: "Error: " + msg},
		},
		IsError: true,
	}
}

func structuredResult(summary string, data any) (*mcpproto.CallToolResult, error) {
	blob, err := json.Marshal(data)
	if err != nil {
		return errResult(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return &mcpproto.CallToolResult{
		Content: []mcpproto.Content{
			mcpproto.TextContent{Type: "text", Text: summary},
			mcpproto.TextContent{Type: "text", Text: string(blob)},
		},
	}, nil
}

func getUint32(args map[string]any, key string, def uint32) uint32 {
	if args == nil {
		return def
	}
	if v, ok := args[key].(float64); ok {
		return uint32(v)
	}
	return def
}

func getFloat32(args map[string]any, key string, def float32) float32 {
	if args == nil {
		return def
	}
	if v, ok := args[key].(float64); ok {
		return float32(v)
	}
	return def
}
