// Package config implements MindFry's four-level configuration hierarchy:
// built-in defaults, an optional YAML file, environment variables
// (MINDFRY_*), then CLI flag overrides — in that ascending priority order,
// grounded on the teacher's pkg/core config loader.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig controls the MFBP TCP listener.
type ServerConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

// StorageConfig controls the persistence adapter.
type StorageConfig struct {
	DataPath      string        `yaml:"dataPath"`
	WALEnabled    bool          `yaml:"walEnabled"`
	FsyncPolicy   string        `yaml:"fsyncPolicy"`
	FsyncInterval time.Duration `yaml:"fsyncInterval"`
}

// SubstrateConfig controls arena/graph construction bounds.
type SubstrateConfig struct {
	Capacity        int     `yaml:"capacity"`
	MaxBondsPerNode int     `yaml:"maxBondsPerNode"`
	PruneFloor      float32 `yaml:"pruneFloor"`
}

// SynapseConfig controls the propagation damping law.
type SynapseConfig struct {
	Resistance float32 `yaml:"resistance"`
	Cutoff     float32 `yaml:"cutoff"`
	MaxDepth   int     `yaml:"maxDepth"`
}

// DaemonConfig controls background interval timers.
type DaemonConfig struct {
	GCInterval       time.Duration `yaml:"gcInterval"`
	SnapshotInterval time.Duration `yaml:"snapshotInterval"`
}

// StabilityConfig controls the exhaustion/warmup/recovery layer.
type StabilityConfig struct {
	ComaThresholdSecs int64         `yaml:"comaThresholdSecs"`
	WarmupDuration    time.Duration `yaml:"warmupDuration"`
}

// MCPConfig controls the optional MCP tool surface.
type MCPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// AdminConfig controls the optional read-only HTTP admin surface.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Config is the fully resolved, validated MindFry configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Substrate SubstrateConfig `yaml:"substrate"`
	Synapse   SynapseConfig   `yaml:"synapse"`
	Daemons   DaemonConfig    `yaml:"daemons"`
	Stability StabilityConfig `yaml:"stability"`
	MCP       MCPConfig       `yaml:"mcp"`
	Admin     AdminConfig     `yaml:"admin"`
	Log       LogConfig       `yaml:"log"`
}

// DefaultConfig returns MindFry's built-in defaults, matching spec.md §4.E
// (R=0.5, C=0.1, D=3) and §4.I (coma threshold 3600s).
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{ListenAddr: ":7070"},
		Storage: StorageConfig{
			DataPath:      "./data",
			WALEnabled:    true,
			FsyncPolicy:   "interval",
			FsyncInterval: 1 * time.Second,
		},
		Substrate: SubstrateConfig{
			Capacity:        0,
			MaxBondsPerNode: 20,
			PruneFloor:      0.01,
		},
		Synapse: SynapseConfig{
			Resistance: 0.5,
			Cutoff:     0.1,
			MaxDepth:   3,
		},
		Daemons: DaemonConfig{
			GCInterval:       5 * time.Second,
			SnapshotInterval: 60 * time.Second,
		},
		Stability: StabilityConfig{ComaThresholdSecs: 3600, WarmupDuration: 2 * time.Second},
		MCP:       MCPConfig{Enabled: false, Addr: ":7071"},
		Admin:     AdminConfig{Enabled: false, Addr: ":7072"},
		Log:       LogConfig{Level: "info"},
	}
}

// ConfigFromFile loads defaults then overlays the given YAML file.
func ConfigFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// ConfigFromEnv applies MINDFRY_* environment variable overrides to cfg.
//
//	MINDFRY_LISTEN_ADDR           -> Server.ListenAddr
//	MINDFRY_DATA_PATH             -> Storage.DataPath
//	MINDFRY_WAL_ENABLED           -> Storage.WALEnabled     ("true"/"false")
//	MINDFRY_FSYNC_POLICY          -> Storage.FsyncPolicy    (always|interval|off)
//	MINDFRY_FSYNC_INTERVAL_MS     -> Storage.FsyncInterval  (milliseconds)
//	MINDFRY_CAPACITY              -> Substrate.Capacity
//	MINDFRY_MAX_BONDS_PER_NODE    -> Substrate.MaxBondsPerNode
//	MINDFRY_PRUNE_FLOOR           -> Substrate.PruneFloor
//	MINDFRY_RESISTANCE            -> Synapse.Resistance
//	MINDFRY_CUTOFF                -> Synapse.Cutoff
//	MINDFRY_MAX_DEPTH             -> Synapse.MaxDepth
//	MINDFRY_GC_INTERVAL           -> Daemons.GCInterval      (duration string)
//	MINDFRY_SNAPSHOT_INTERVAL     -> Daemons.SnapshotInterval(duration string)
//	MINDFRY_COMA_THRESHOLD_SECS   -> Stability.ComaThresholdSecs
//	MINDFRY_WARMUP_DURATION       -> Stability.WarmupDuration (duration string)
//	MINDFRY_MCP_ENABLED           -> MCP.Enabled             ("true"/"false")
//	MINDFRY_MCP_ADDR              -> MCP.Addr
//	MINDFRY_ADMIN_ENABLED         -> Admin.Enabled           ("true"/"false")
//	MINDFRY_ADMIN_ADDR            -> Admin.Addr
//	MINDFRY_LOG_LEVEL             -> Log.Level
func ConfigFromEnv(cfg *Config) *Config {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	setEnvStr("MINDFRY_LISTEN_ADDR", &cfg.Server.ListenAddr)

	setEnvStr("MINDFRY_DATA_PATH", &cfg.Storage.DataPath)
	setEnvBool("MINDFRY_WAL_ENABLED", &cfg.Storage.WALEnabled)
	setEnvStr("MINDFRY_FSYNC_POLICY", &cfg.Storage.FsyncPolicy)
	setEnvDurationMs("MINDFRY_FSYNC_INTERVAL_MS", &cfg.Storage.FsyncInterval)

	setEnvInt("MINDFRY_CAPACITY", &cfg.Substrate.Capacity)
	setEnvInt("MINDFRY_MAX_BONDS_PER_NODE", &cfg.Substrate.MaxBondsPerNode)
	setEnvFloat32("MINDFRY_PRUNE_FLOOR", &cfg.Substrate.PruneFloor)

	setEnvFloat32("MINDFRY_RESISTANCE", &cfg.Synapse.Resistance)
	setEnvFloat32("MINDFRY_CUTOFF", &cfg.Synapse.Cutoff)
	setEnvInt("MINDFRY_MAX_DEPTH", &cfg.Synapse.MaxDepth)

	setEnvDuration("MINDFRY_GC_INTERVAL", &cfg.Daemons.GCInterval)
	setEnvDuration("MINDFRY_SNAPSHOT_INTERVAL", &cfg.Daemons.SnapshotInterval)

	setEnvInt64("MINDFRY_COMA_THRESHOLD_SECS", &cfg.Stability.ComaThresholdSecs)
	setEnvDuration("MINDFRY_WARMUP_DURATION", &cfg.Stability.WarmupDuration)

	setEnvBool("MINDFRY_MCP_ENABLED", &cfg.MCP.Enabled)
	setEnvStr("MINDFRY_MCP_ADDR", &cfg.MCP.Addr)

	setEnvBool("MINDFRY_ADMIN_ENABLED", &cfg.Admin.Enabled)
	setEnvStr("MINDFRY_ADMIN_ADDR", &cfg.Admin.Addr)

	setEnvStr("MINDFRY_LOG_LEVEL", &cfg.Log.Level)

	return cfg
}

// LoadConfig implements the configuration hierarchy's first three levels:
// defaults, optional YAML overlay, then environment variables. The
// caller applies CLI overrides afterward via ApplyCLIOverrides.
func LoadConfig(configPath string) (*Config, error) {
	var cfg *Config
	if configPath != "" {
		var err error
		cfg, err = ConfigFromFile(configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = DefaultConfig()
	}
	return ConfigFromEnv(cfg), nil
}

// Validate checks structural invariants the daemon refuses to start
// without.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listenAddr must not be empty")
	}
	if c.Storage.DataPath == "" {
		return fmt.Errorf("storage.dataPath must not be empty")
	}
	if c.Synapse.Resistance < 0 || c.Synapse.Resistance > 1 {
		return fmt.Errorf("synapse.resistance must be in [0,1]")
	}
	if c.Synapse.MaxDepth <= 0 {
		return fmt.Errorf("synapse.maxDepth must be positive")
	}
	if c.Substrate.MaxBondsPerNode <= 0 {
		return fmt.Errorf("substrate.maxBondsPerNode must be positive")
	}
	return nil
}

// CLIOverrides carries optional values set via command-line flags.
// Pointer fields are nil when the flag was not explicitly provided,
// letting ApplyCLIOverrides distinguish "not set" from the zero value.
type CLIOverrides struct {
	ConfigPath *string
	ListenAddr *string
	DataPath   *string
	Capacity   *int
	Resistance *float32
	LogLevel   *string
}

// ApplyCLIOverrides patches cfg with any explicitly-set CLI flags.
func (c *Config) ApplyCLIOverrides(o *CLIOverrides) {
	if o == nil {
		return
	}
	if o.ListenAddr != nil {
		c.Server.ListenAddr = *o.ListenAddr
	}
	if o.DataPath != nil {
		c.Storage.DataPath = *o.DataPath
	}
	if o.Capacity != nil {
		c.Substrate.Capacity = *o.Capacity
	}
	if o.Resistance != nil {
		c.Synapse.Resistance = *o.Resistance
	}
	if o.LogLevel != nil {
		c.Log.Level = *o.LogLevel
	}
}

func setEnvStr(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func setEnvBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}

func setEnvInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func setEnvInt64(key string, target *int64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

func setEnvFloat32(key string, target *float32) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			*target = float32(f)
		}
	}
}

func setEnvDuration(key string, target *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*target = d
		}
	}
}

func setEnvDurationMs(key string, target *time.Duration) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = time.Duration(n) * time.Millisecond
		}
	}
}
