package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/mindfry/mindfry/pkg/wire"
	"github.com/vmihailenco/msgpack/v5"
)

const replHelp = `
mindfry-cli — available commands:

  ping                                   Check server health
  stats                                  Substrate statistics
  create <key> <energy> <threshold>      Create a lineage
  get <index>                            Fetch a lineage
  stimulate <index> <delta>              Apply a direct energy delta
  connect <from> <to> <strength> <pol>   Bond two lineages (pol: -1,0,1)
  neighbors <index>                      List a lineage's bonds
  topk <k>                               Top-K conscious lineages
  snapshot                               Force a checkpoint
  restore                                Reload from the last checkpoint
  freeze                                 Freeze all mutating opcodes

  \help                                  Show this help
  \quit  (or exit, quit, Ctrl-D)         Exit
`

// runREPL starts the interactive shell.
func runREPL(c *cli) {
	fmt.Printf("Connected to mindfryd at %s\nType \\help for commands, \\quit to exit.\n\n", c.addr)
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("mindfry> ")
		if !scanner.Scan() {
			fmt.Println()
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if dispatch(c, line) {
			fmt.Println("Bye.")
			break
		}
	}
}

// dispatch parses and executes one REPL line. Returns true when the user
// wants to quit.
func dispatch(c *cli, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	var err error
	switch cmd {
	case `\quit`, `\q`, "exit", "quit":
		return true
	case `\help`, `\h`, "help":
		fmt.Print(replHelp)
	case "ping":
		err = c.ping()
	case "stats":
		err = c.stats()
	case "create":
		err = c.create(args)
	case "get":
		err = c.get(args)
	case "stimulate":
		err = c.stimulate(args)
	case "connect":
		err = c.connect(args)
	case "neighbors":
		err = c.neighbors(args)
	case "topk":
		err = c.topk(args)
	case "snapshot":
		err = c.snapshot()
	case "restore":
		err = c.restore()
	case "freeze":
		err = c.freeze()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q — type \\help for available commands\n", cmd)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	return false
}

// roundTrip encodes req as opcode's payload, sends it, and decodes the
// response frame.
func roundTrip(c *cli, opcode wire.Opcode, req any) (wire.Frame, error) {
	var payload []byte
	var err error
	if req != nil {
		payload, err = msgpack.Marshal(req)
		if err != nil {
			return wire.Frame{}, err
		}
	}
	if err := wire.WriteFrame(c.conn, opcode, 0, payload); err != nil {
		return wire.Frame{}, err
	}
	return wire.ReadFrame(c.conn)
}

func printResult(f wire.Frame, out any) error {
	status := wire.ResponseStatus(f)
	if status != wire.StatusFound {
		var ep wire.ErrorPayload
		wire.DecodePayload(f.Payload, &ep)
		return fmt.Errorf("status=%d code=%d %s", status, ep.Code, ep.Message)
	}
	if out == nil {
		fmt.Println("ok")
		return nil
	}
	if err := wire.DecodePayload(f.Payload, out); err != nil {
		return err
	}
	fmt.Printf("%+v\n", out)
	return nil
}

func (c *cli) ping() error {
	f, err := roundTrip(c, wire.OpPing, nil)
	if err != nil {
		return err
	}
	var out map[string]bool
	return printResult(f, &out)
}

func (c *cli) stats() error {
	f, err := roundTrip(c, wire.OpStats, nil)
	if err != nil {
		return err
	}
	var out wire.StatsView
	return printResult(f, &out)
}

func (c *cli) create(args []string) error {
	if len(args) < 3 {
		return fmt.Errorf("usage: create <key> <energy> <threshold>")
	}
	energy, _ := strconv.ParseFloat(args[1], 32)
	threshold, _ := strconv.ParseFloat(args[2], 32)
	f, err := roundTrip(c, wire.OpCreate, wire.CreateRequest{Key: args[0], Energy: float32(energy), Threshold: float32(threshold)})
	if err != nil {
		return err
	}
	var out wire.CreateResponse
	return printResult(f, &out)
}

func (c *cli) get(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: get <index>")
	}
	idx, _ := strconv.ParseUint(args[0], 10, 32)
	f, err := roundTrip(c, wire.OpGet, wire.GetRequest{Index: uint32(idx)})
	if err != nil {
		return err
	}
	var out wire.LineageView
	return printResult(f, &out)
}

func (c *cli) stimulate(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: stimulate <index> <delta>")
	}
	idx, _ := strconv.ParseUint(args[0], 10, 32)
	delta, _ := strconv.ParseFloat(args[1], 32)
	f, err := roundTrip(c, wire.OpStimulate, wire.StimulateRequest{Index: uint32(idx), Delta: float32(delta)})
	if err != nil {
		return err
	}
	var out wire.StimulateResponse
	return printResult(f, &out)
}

func (c *cli) connect(args []string) error {
	if len(args) < 4 {
		return fmt.Errorf("usage: connect <from> <to> <strength> <polarity>")
	}
	from, _ := strconv.ParseUint(args[0], 10, 32)
	to, _ := strconv.ParseUint(args[1], 10, 32)
	strength, _ := strconv.ParseFloat(args[2], 32)
	pol, _ := strconv.ParseInt(args[3], 10, 8)
	f, err := roundTrip(c, wire.OpConnect, wire.ConnectRequest{
		From: uint32(from), To: uint32(to), Strength: float32(strength), Polarity: int8(pol), Directional: true,
	})
	if err != nil {
		return err
	}
	var out wire.ConnectResponse
	return printResult(f, &out)
}

func (c *cli) neighbors(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: neighbors <index>")
	}
	idx, _ := strconv.ParseUint(args[0], 10, 32)
	f, err := roundTrip(c, wire.OpNeighbors, wire.NeighborsRequest{Index: uint32(idx)})
	if err != nil {
		return err
	}
	var out wire.NeighborsResponse
	return printResult(f, &out)
}

func (c *cli) topk(args []string) error {
	k := 10
	if len(args) >= 1 {
		if n, err := strconv.Atoi(args[0]); err == nil {
			k = n
		}
	}
	f, err := roundTrip(c, wire.OpTopK, wire.TopKRequest{K: k})
	if err != nil {
		return err
	}
	var out wire.TopKResponse
	return printResult(f, &out)
}

func (c *cli) snapshot() error {
	f, err := roundTrip(c, wire.OpSnapshot, nil)
	if err != nil {
		return err
	}
	return printResult(f, nil)
}

func (c *cli) restore() error {
	f, err := roundTrip(c, wire.OpRestore, nil)
	if err != nil {
		return err
	}
	return printResult(f, nil)
}

func (c *cli) freeze() error {
	f, err := roundTrip(c, wire.OpFreeze, nil)
	if err != nil {
		return err
	}
	return printResult(f, nil)
}
