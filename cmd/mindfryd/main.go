// Command mindfryd runs the MindFry substrate server: it loads
// configuration, restores a substrate from its last checkpoint, and
// serves the MFBP protocol over TCP until terminated.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/mindfry/mindfry/internal/config"
	"github.com/mindfry/mindfry/pkg/api"
	"github.com/mindfry/mindfry/pkg/handler"
	"github.com/mindfry/mindfry/pkg/mcptool"
	"github.com/mindfry/mindfry/pkg/persistence"
	"github.com/mindfry/mindfry/pkg/sentiment"
	"github.com/mindfry/mindfry/pkg/setun"
	"github.com/mindfry/mindfry/pkg/stability"
	"github.com/mindfry/mindfry/pkg/substrate"
	"github.com/mindfry/mindfry/pkg/synapse"
	"github.com/mindfry/mindfry/pkg/wire"
)

// exitError pairs a failure with the specific process exit code spec.md §6
// assigns to that failure kind: 2 bad config, 3 snapshot corruption on
// restore, 4 bind failure, 130 SIGINT-initiated drain complete. A plain
// error from run() (not wrapped in exitError) still exits 1.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit %d", e.code)
	}
	return e.err.Error()
}

func badConfig(err error) error       { return &exitError{code: 2, err: err} }
func snapshotCorrupt(err error) error { return &exitError{code: 3, err: err} }
func bindFailure(err error) error     { return &exitError{code: 4, err: err} }
func sigintDrainComplete() error {
	return &exitError{code: 130, err: errors.New("SIGINT-initiated drain complete")}
}

func main() {
	var cliOverrides config.CLIOverrides

	rootCmd := &cobra.Command{
		Use:   "mindfryd",
		Short: "mindfryd - associative memory substrate with ternary cortex physics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Flags(), &cliOverrides)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := rootCmd.Flags()
	cliOverrides.ConfigPath = f.StringP("config", "f", "", "Path to YAML config file (overrides MINDFRY_CONFIG env)")
	cliOverrides.ListenAddr = f.String("listen-addr", "", "MFBP TCP listen address")
	cliOverrides.DataPath = f.String("data-path", "", "Data directory for snapshot/WAL files")
	cliOverrides.Capacity = f.Int("capacity", 0, "Preallocated lineage arena capacity")
	cliOverrides.LogLevel = f.String("log-level", "", "Log level")

	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(1)
	}
}

func run(flags *pflag.FlagSet, cliOverrides *config.CLIOverrides) error {
	printBanner()

	configPath := ""
	if cliOverrides.ConfigPath != nil && *cliOverrides.ConfigPath != "" {
		configPath = *cliOverrides.ConfigPath
	} else {
		configPath = os.Getenv("MINDFRY_CONFIG")
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return badConfig(fmt.Errorf("failed to load config: %w", err))
	}
	applyExplicitFlags(flags, cfg, cliOverrides)
	if err := cfg.Validate(); err != nil {
		return badConfig(fmt.Errorf("invalid config: %w", err))
	}

	log.Printf("Data path: %s", cfg.Storage.DataPath)
	log.Printf("Listen: %s", cfg.Server.ListenAddr)

	store, err := persistence.NewStore(cfg.Storage.DataPath, persistence.DurabilityConfig{
		WALEnabled:    cfg.Storage.WALEnabled,
		FsyncPolicy:   cfg.Storage.FsyncPolicy,
		FsyncInterval: cfg.Storage.FsyncInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize persistence store: %w", err)
	}
	log.Println("Persistence store initialized")

	stab := stability.New(cfg.Stability.WarmupDuration, time.Duration(cfg.Stability.ComaThresholdSecs)*time.Second)

	marker, hadMarker, err := store.ReadShutdownMarker()
	if err != nil {
		log.Printf("shutdown marker unreadable, treating as shock recovery: %v", err)
	}
	var elapsed time.Duration
	if hadMarker {
		elapsed = time.Since(time.Unix(marker.TExit, 0))
	}
	recovery := stab.ClassifyRecovery(hadMarker, marker.Clean, elapsed)
	log.Printf("Recovery classification: %s", recovery)

	personality := setun.Neutral()
	sub := substrate.New(substrate.Config{
		Capacity:        cfg.Substrate.Capacity,
		MaxBondsPerNode: cfg.Substrate.MaxBondsPerNode,
		PruneFloor:      cfg.Substrate.PruneFloor,
		Personality:     personality,
		SynapseCfg: synapse.Config{
			Resistance: cfg.Synapse.Resistance,
			Cutoff:     cfg.Synapse.Cutoff,
			MaxDepth:   cfg.Synapse.MaxDepth,
		},
	})

	sub.Cortex.Lock()
	sub.Cortex.SetMood(sub.Cortex.Mood() + recovery.MoodBias())
	sub.Cortex.Unlock()

	if data, ok, err := store.LoadSnapshot(); err != nil {
		return snapshotCorrupt(fmt.Errorf("snapshot corrupt, refusing to start: %w", err))
	} else if ok {
		if err := persistence.Restore(sub, data); err != nil {
			return snapshotCorrupt(fmt.Errorf("snapshot restore failed: %w", err))
		}
		log.Println("Snapshot restored")
	}

	applied, err := store.ReplayWAL(func(op string, payload []byte) error {
		return replayMutation(sub, op, payload)
	})
	if err != nil {
		log.Printf("WAL replay stopped early: %v", err)
	}
	if applied > 0 {
		log.Printf("Replayed %d WAL records", applied)
	}

	sentimentAnalyzer := sentiment.Default()
	log.Println("Sentiment layer initialized (VADER, 6 basic emotions)")

	sub.GCTick()

	h := handler.New(sub, stab, sentimentAnalyzer, store)

	ln, err := net.Listen("tcp", cfg.Server.ListenAddr)
	if err != nil {
		return bindFailure(fmt.Errorf("failed to listen on %s: %w", cfg.Server.ListenAddr, err))
	}
	log.Printf("MFBP listening on %s", cfg.Server.ListenAddr)

	ctx, cancel := context.WithCancel(context.Background())
	go acceptLoop(ctx, ln, h)

	// The warmup gate stays closed until cfg.Stability.WarmupDuration has
	// actually elapsed after the listener opened, so a client that connects
	// during the window genuinely observes WarmingUp rather than finding the
	// gate already open.
	warmupTimer := time.AfterFunc(cfg.Stability.WarmupDuration, func() {
		stab.MarkReady()
		log.Println("Warmup complete, substrate is ready")
	})
	defer warmupTimer.Stop()

	gcDone := make(chan struct{})
	go runGCTicker(ctx, sub, stab, cfg.Daemons.GCInterval, gcDone)

	snapDone := make(chan struct{})
	go runSnapshotTicker(ctx, sub, store, cfg.Daemons.SnapshotInterval, snapDone)

	var mcpServer *http.Server
	if cfg.MCP.Enabled {
		streamable := mcpserver.NewStreamableHTTPServer(mcptool.NewServer(h))
		mcpServer = &http.Server{Addr: cfg.MCP.Addr, Handler: streamable}
		go func() {
			if err := mcpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("MCP server error: %v", err)
			}
		}()
		log.Printf("MCP tool server listening on %s", cfg.MCP.Addr)
	}

	var adminServer *api.Server
	if cfg.Admin.Enabled {
		adminServer = api.NewServer(cfg.Admin.Addr, h)
		go func() {
			if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("admin server error: %v", err)
			}
		}()
		log.Printf("Admin HTTP surface listening on %s", cfg.Admin.Addr)
	}

	log.Println("mindfryd is ready")
	log.Println("--------------------------------------------")

	sig := waitForShutdown(ctx, cancel)

	log.Println("Initiating graceful shutdown...")
	ln.Close()
	<-gcDone
	<-snapDone
	if mcpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		mcpServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}
	if adminServer != nil {
		adminServer.Shutdown(5 * time.Second)
	}

	data := persistence.Capture(sub)
	if err := store.WriteSnapshot(data); err != nil {
		log.Printf("final snapshot failed: %v", err)
	}
	if err := store.WriteShutdownMarker(true); err != nil {
		log.Printf("shutdown marker write failed: %v", err)
	}
	if err := store.Close(); err != nil {
		log.Printf("store close error: %v", err)
	}

	log.Println("mindfryd shutdown complete")
	if sig == syscall.SIGINT {
		return sigintDrainComplete()
	}
	return nil
}

// replayMutation re-applies one WAL record to a freshly restored
// substrate. Only mutations that change substrate state, not derived
// response payloads, are replayed.
func replayMutation(sub *substrate.Substrate, op string, payload []byte) error {
	switch op {
	case "create":
		var req wire.CreateRequest
		if err := wire.DecodePayload(payload, &req); err != nil {
			return err
		}
		_, err := sub.CreateLineage(req.Key, req.Energy, req.Threshold, req.DecayRate)
		return err
	case "stimulate":
		var req wire.StimulateRequest
		if err := wire.DecodePayload(payload, &req); err != nil {
			return err
		}
		_, _, err := sub.Stimulate(req.Index, req.Delta)
		return err
	case "connect":
		var req wire.ConnectRequest
		if err := wire.DecodePayload(payload, &req); err != nil {
			return err
		}
		_, err := sub.Connect(req.From, req.To, req.Strength, setun.Trit(req.Polarity), req.Directional, req.DecayRate)
		return err
	case "forget":
		var req wire.ForgetRequest
		if err := wire.DecodePayload(payload, &req); err != nil {
			return err
		}
		sub.Arena.Lock()
		err := sub.Arena.Forget(req.Index)
		sub.Arena.Unlock()
		return err
	default:
		return nil
	}
}

func acceptLoop(ctx context.Context, ln net.Listener, h *handler.Handler) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Printf("accept error: %v", err)
				return
			}
		}
		go serveConn(conn, h)
	}
}

func serveConn(conn net.Conn, h *handler.Handler) {
	defer conn.Close()
	for {
		f, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		resp := h.Handle(f)
		if _, err := conn.Write(resp); err != nil {
			return
		}
	}
}

func runGCTicker(ctx context.Context, sub *substrate.Substrate, stab *stability.Stability, interval time.Duration, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			stats := sub.GCTick()
			if stats.Archived > 0 || stats.Pruned > 0 {
				log.Printf("GC tick: scanned=%d stable=%d unstable=%d obsolete=%d archived=%d pruned=%d",
					stats.Scanned, stats.Stable, stats.Unstable, stats.Obsolete, stats.Archived, stats.Pruned)
			}
			meanEnergy, capacityFraction := sub.LoadMetrics()
			pressure := capacityFraction
			if meanEnergy > pressure {
				pressure = meanEnergy
			}
			if level := stab.Observe(pressure); level != stability.Normal {
				log.Printf("exhaustion level: %s (mean_energy=%.3f capacity_fraction=%.3f)", level, meanEnergy, capacityFraction)
			}
		}
	}
}

func runSnapshotTicker(ctx context.Context, sub *substrate.Substrate, store *persistence.Store, interval time.Duration, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			data := persistence.Capture(sub)
			if err := store.WriteSnapshot(data); err != nil {
				log.Printf("periodic snapshot failed: %v", err)
			}
		}
	}
}

// waitForShutdown blocks until a termination signal arrives or ctx is
// cancelled some other way, returning the received signal (nil if none) so
// the caller can tell a SIGINT-initiated drain apart for its exit code.
func waitForShutdown(ctx context.Context, cancel context.CancelFunc) os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Printf("Received signal %v, initiating shutdown...", sig)
		cancel()
		return sig
	case <-ctx.Done():
		return nil
	}
}

func applyExplicitFlags(flags *pflag.FlagSet, cfg *config.Config, o *config.CLIOverrides) {
	overrides := config.CLIOverrides{}
	if flags.Changed("listen-addr") {
		overrides.ListenAddr = o.ListenAddr
	}
	if flags.Changed("data-path") {
		overrides.DataPath = o.DataPath
	}
	if flags.Changed("capacity") {
		overrides.Capacity = o.Capacity
	}
	if flags.Changed("log-level") {
		overrides.LogLevel = o.LogLevel
	}
	cfg.ApplyCLIOverrides(&overrides)
}

func printBanner() {
	banner := `
  __  __ _           _ ____
 |  \/  (_)_ __   __| |  __|_ __ _   _
 | |\/| | | '_ \ / _\ | |_ | '__| | | |
 | |  | | | | | | (_| |  _|| |  | |_| |
 |_|  |_|_|_| |_|\__,_|_|  |_|   \__, |
                                 |___/
   ternary-associative memory substrate
`
	fmt.Print(banner)
}
