package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	FsyncPolicyAlways   = "always"
	FsyncPolicyInterval = "interval"
	FsyncPolicyOff      = "off"
)

// DurabilityConfig controls WAL and fsync behavior, mirrored from the
// teacher's persistence.DurabilityConfig.
type DurabilityConfig struct {
	WALEnabled    bool
	FsyncPolicy   string
	FsyncInterval time.Duration
}

// DefaultDurabilityConfig returns the default durability profile.
func DefaultDurabilityConfig() DurabilityConfig {
	return DurabilityConfig{
		WALEnabled:    true,
		FsyncPolicy:   FsyncPolicyInterval,
		FsyncInterval: 1 * time.Second,
	}
}

func (c DurabilityConfig) normalized() DurabilityConfig {
	n := c
	n.FsyncPolicy = strings.ToLower(strings.TrimSpace(n.FsyncPolicy))
	if n.FsyncPolicy != FsyncPolicyAlways && n.FsyncPolicy != FsyncPolicyOff {
		n.FsyncPolicy = FsyncPolicyInterval
	}
	if n.FsyncInterval <= 0 {
		n.FsyncInterval = 1 * time.Second
	}
	return n
}

// walOp identifies the kind of mutation a WAL record captures.
type walOp string

const (
	walOpStimulate walOp = "stimulate"
	walOpCreate    walOp = "create"
	walOpConnect   walOp = "connect"
	walOpForget    walOp = "forget"
)

type walRecord struct {
	Op      walOp  `msgpack:"op"`
	Payload []byte `msgpack:"payload"`
}

// ShutdownMarker records how the process last exited, read at startup by
// the Stability Layer's recovery classifier.
type ShutdownMarker struct {
	Clean   bool   `json:"clean"`
	TExit   int64  `json:"t_exit"`
	Version uint16 `json:"version"`
}

// Store is the on-disk persistence adapter for one substrate: a single
// MFSS checkpoint file, an append-only WAL of mutations since the last
// checkpoint, and a shutdown marker sidecar.
type Store struct {
	basePath   string
	durability DurabilityConfig

	walMu  sync.Mutex
	walF   *os.File
	wal    *msgpack.Encoder

	lastSync time.Time
}

// NewStore opens or creates a persistence store rooted at basePath.
func NewStore(basePath string, durability DurabilityConfig) (*Store, error) {
	durability = durability.normalized()
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("persistence: create base path: %w", err)
	}

	s := &Store{basePath: basePath, durability: durability}
	if durability.WALEnabled {
		f, err := os.OpenFile(s.walPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("persistence: open wal: %w", err)
		}
		s.walF = f
		s.wal = msgpack.NewEncoder(f)
	}
	return s, nil
}

func (s *Store) walPath() string         { return filepath.Join(s.basePath, "wal.log") }
func (s *Store) snapshotPath() string    { return filepath.Join(s.basePath, "snapshot.mfss") }
func (s *Store) markerPath() string      { return filepath.Join(s.basePath, "shutdown.json") }

// appendWAL writes one mutation record, fsyncing per the configured policy.
func (s *Store) appendWAL(op walOp, payload []byte) error {
	if !s.durability.WALEnabled {
		return nil
	}
	s.walMu.Lock()
	defer s.walMu.Unlock()

	if err := s.wal.Encode(walRecord{Op: op, Payload: payload}); err != nil {
		return fmt.Errorf("persistence: append wal: %w", err)
	}

	switch s.durability.FsyncPolicy {
	case FsyncPolicyAlways:
		return s.walF.Sync()
	case FsyncPolicyInterval:
		if time.Since(s.lastSync) >= s.durability.FsyncInterval {
			s.lastSync = time.Now()
			return s.walF.Sync()
		}
	}
	return nil
}

// LogMutation appends a WAL record for a mutation already applied to the
// in-memory substrate. A []byte payload is taken as already msgpack-encoded
// (a request frame's payload) and stored as is; any other value is
// msgpack-encoded here.
func (s *Store) LogMutation(op string, payload any) error {
	if raw, ok := payload.([]byte); ok {
		return s.appendWAL(walOp(op), raw)
	}
	data, err := msgpack.Marshal(payload)
	if err != nil {
		return err
	}
	return s.appendWAL(walOp(op), data)
}

// WriteSnapshot atomically writes a full MFSS checkpoint and truncates the
// WAL, since everything in it is now reflected in the checkpoint.
func (s *Store) WriteSnapshot(data SnapshotData) error {
	raw, err := EncodeSnapshot(data)
	if err != nil {
		return fmt.Errorf("persistence: encode snapshot: %w", err)
	}
	if err := s.writeAtomically(s.snapshotPath(), raw, 0o644); err != nil {
		return fmt.Errorf("persistence: write snapshot: %w", err)
	}
	return s.truncateWAL()
}

func (s *Store) truncateWAL() error {
	if !s.durability.WALEnabled {
		return nil
	}
	s.walMu.Lock()
	defer s.walMu.Unlock()

	if err := s.walF.Close(); err != nil {
		return err
	}
	f, err := os.OpenFile(s.walPath(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	s.walF = f
	s.wal = msgpack.NewEncoder(f)
	return nil
}

// LoadSnapshot reads the last checkpoint, if any. ok is false when no
// snapshot file exists yet (a fresh process).
func (s *Store) LoadSnapshot() (data SnapshotData, ok bool, err error) {
	raw, err := os.ReadFile(s.snapshotPath())
	if err != nil {
		if os.IsNotExist(err) {
			return SnapshotData{}, false, nil
		}
		return SnapshotData{}, false, fmt.Errorf("persistence: read snapshot: %w", err)
	}
	data, err = DecodeSnapshot(raw)
	if err != nil {
		return SnapshotData{}, false, fmt.Errorf("persistence: decode snapshot: %w", err)
	}
	return data, true, nil
}

// ReplayWAL decodes every WAL record written since the last checkpoint, in
// order, calling apply for each. Used at startup to bring a loaded
// snapshot forward to the last acknowledged mutation.
func (s *Store) ReplayWAL(apply func(op string, payload []byte) error) (int, error) {
	if !s.durability.WALEnabled {
		return 0, nil
	}
	f, err := os.Open(s.walPath())
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	dec := msgpack.NewDecoder(f)
	applied := 0
	for {
		var rec walRecord
		if err := dec.Decode(&rec); err != nil {
			break // EOF or truncated tail record; stop replay here
		}
		if err := apply(string(rec.Op), rec.Payload); err != nil {
			return applied, fmt.Errorf("persistence: replay wal op %s: %w", rec.Op, err)
		}
		applied++
	}
	return applied, nil
}

// WriteShutdownMarker records a clean or unclean exit for the next
// startup's recovery classification.
func (s *Store) WriteShutdownMarker(clean bool) error {
	marker := ShutdownMarker{Clean: clean, TExit: time.Now().Unix(), Version: FormatVersion}
	data, err := json.Marshal(marker)
	if err != nil {
		return err
	}
	return s.writeAtomically(s.markerPath(), data, 0o644)
}

// ReadShutdownMarker reads the marker left by the previous process, if
// any.
func (s *Store) ReadShutdownMarker() (marker ShutdownMarker, ok bool, err error) {
	data, err := os.ReadFile(s.markerPath())
	if err != nil {
		if os.IsNotExist(err) {
			return ShutdownMarker{}, false, nil
		}
		return ShutdownMarker{}, false, err
	}
	if err := json.Unmarshal(data, &marker); err != nil {
		return ShutdownMarker{}, false, err
	}
	return marker, true, nil
}

// writeAtomically writes data to a temp file in the same directory as
// path, then renames over it, so a crash mid-write never corrupts the
// previous file.
func (s *Store) writeAtomically(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

// Close closes the WAL file handle.
func (s *Store) Close() error {
	if s.walF == nil {
		return nil
	}
	return s.walF.Close()
}
