// Package arena implements the Lineage Arena: dense, index-addressable
// storage of lineage energy/threshold/decay state plus the key<->index map.
package arena

import (
	"sort"
	"sync"
	"time"

	"github.com/mindfry/mindfry/pkg/decay"
	"github.com/mindfry/mindfry/pkg/mferr"
)

// Flag bits stored per lineage.
const (
	FlagActive   uint8 = 1 << 0
	FlagArchived uint8 = 1 << 1
	FlagSystem   uint8 = 1 << 2
)

// View is a read-only snapshot of one lineage's state at the moment of the
// call, with energy already resolved through the decay LUT.
type View struct {
	Index         uint32
	Key           string
	BaseEnergy    float32
	DerivedEnergy float32
	Threshold     float32
	DecayRate     float64
	LastTouchMs   int64
	AccessCount   uint32
	Flags         uint8
}

// Arena is the dense columnar lineage store. Exported Lock/Unlock/RLock/
// RUnlock wrap a private RWMutex so callers outside the package (the
// synapse engine, the GC tick) can participate in the documented lock order
// without the mutex itself being part of the public API surface — the same
// idiom the teacher's core.Matrix uses.
type Arena struct {
	mu sync.RWMutex

	epoch time.Time
	lut   *decay.LUT

	capacity int
	keys     []string // "" marks a free/reclaimed slot
	keyIndex map[string]uint32

	baseEnergy      []float32
	threshold       []float32
	decayRate       []float64
	decayRateBucket []uint8
	lastTouchMs     []int64
	accessCount     []uint32
	flags           []uint8
	live            []bool

	count int

	topKCache topKCache
	gen       uint64
}

type topKCache struct {
	valid     bool
	gen       uint64
	k         int
	minEnergy float32
	result    []uint32
}

// New creates an arena with the given capacity and shared decay LUT.
func New(capacity int, lut *decay.LUT) *Arena {
	return &Arena{
		epoch:           time.Now(),
		lut:             lut,
		capacity:        capacity,
		keys:            make([]string, 0, capacity),
		keyIndex:        make(map[string]uint32, capacity),
		baseEnergy:      make([]float32, 0, capacity),
		threshold:       make([]float32, 0, capacity),
		decayRate:       make([]float64, 0, capacity),
		decayRateBucket: make([]uint8, 0, capacity),
		lastTouchMs:     make([]int64, 0, capacity),
		accessCount:     make([]uint32, 0, capacity),
		flags:           make([]uint8, 0, capacity),
		live:            make([]bool, 0, capacity),
	}
}

// Lock/Unlock/RLock/RUnlock expose the arena's write/read guard to callers
// that must take it jointly with the bond graph lock in documented order.
func (a *Arena) Lock()    { a.mu.Lock() }
func (a *Arena) Unlock()  { a.mu.Unlock() }
func (a *Arena) RLock()   { a.mu.RLock() }
func (a *Arena) RUnlock() { a.mu.RUnlock() }

func (a *Arena) nowMs() int64 {
	return time.Since(a.epoch).Milliseconds()
}

// EpochUnixMilli returns this arena's epoch as Unix milliseconds. The
// epoch itself resets on every process start, so a stored last_touch_ms
// (which is epoch-relative) is only portable across a restart once it has
// been rebased through this value — see pkg/persistence/bridge.go.
func (a *Arena) EpochUnixMilli() int64 { return a.epoch.UnixMilli() }

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Create allocates a new lineage under key. Must be called under write lock.
func (a *Arena) Create(key string, energy, threshold float32, decayRate float64) (uint32, error) {
	if _, exists := a.keyIndex[key]; exists {
		return 0, mferr.Conflict("arena.Create")
	}
	// Reuse a reclaimed slot if one exists.
	for i, k := range a.keys {
		if k == "" {
			a.installSlot(uint32(i), key, energy, threshold, decayRate)
			return uint32(i), nil
		}
	}
	if a.capacity > 0 && len(a.keys) >= a.capacity {
		return 0, mferr.Exhausted("arena.Create")
	}
	idx := uint32(len(a.keys))
	a.keys = append(a.keys, "")
	a.baseEnergy = append(a.baseEnergy, 0)
	a.threshold = append(a.threshold, 0)
	a.decayRate = append(a.decayRate, 0)
	a.decayRateBucket = append(a.decayRateBucket, 0)
	a.lastTouchMs = append(a.lastTouchMs, 0)
	a.accessCount = append(a.accessCount, 0)
	a.flags = append(a.flags, 0)
	a.live = append(a.live, false)
	a.installSlot(idx, key, energy, threshold, decayRate)
	return idx, nil
}

func (a *Arena) installSlot(idx uint32, key string, energy, threshold float32, decayRate float64) {
	a.keys[idx] = key
	a.keyIndex[key] = idx
	a.baseEnergy[idx] = clamp01(energy)
	a.threshold[idx] = clamp01(threshold)
	a.decayRate[idx] = decayRate
	a.decayRateBucket[idx] = decay.RateBucket(decayRate)
	a.lastTouchMs[idx] = a.nowMs()
	a.accessCount[idx] = 0
	flag := FlagActive
	if len(key) >= 8 && key[:8] == "_system." {
		flag |= FlagSystem
	}
	a.flags[idx] = flag
	a.live[idx] = true
	a.count++
	a.invalidateCache()
}

// RestoreSlot installs a lineage at an exact index, growing the backing
// slices as needed. Used only by the persistence adapter when replaying a
// snapshot, so restored bonds (which reference indices directly) still
// resolve correctly. Must be called under write lock, before any Create
// call in the same arena lifetime.
func (a *Arena) RestoreSlot(idx uint32, key string, baseEnergy, threshold float32, decayRate float64, lastTouchMs int64, accessCount uint32, flags uint8) error {
	if _, exists := a.keyIndex[key]; exists {
		return mferr.Conflict("arena.RestoreSlot")
	}
	for uint32(len(a.keys)) <= idx {
		a.keys = append(a.keys, "")
		a.baseEnergy = append(a.baseEnergy, 0)
		a.threshold = append(a.threshold, 0)
		a.decayRate = append(a.decayRate, 0)
		a.decayRateBucket = append(a.decayRateBucket, 0)
		a.lastTouchMs = append(a.lastTouchMs, 0)
		a.accessCount = append(a.accessCount, 0)
		a.flags = append(a.flags, 0)
		a.live = append(a.live, false)
	}
	a.keys[idx] = key
	a.keyIndex[key] = idx
	a.baseEnergy[idx] = clamp01(baseEnergy)
	a.threshold[idx] = clamp01(threshold)
	a.decayRate[idx] = decayRate
	a.decayRateBucket[idx] = decay.RateBucket(decayRate)
	a.lastTouchMs[idx] = lastTouchMs
	a.accessCount[idx] = accessCount
	a.flags[idx] = flags
	a.live[idx] = true
	a.count++
	a.invalidateCache()
	return nil
}

// Lookup resolves key to its index.
func (a *Arena) Lookup(key string) (uint32, bool) {
	idx, ok := a.keyIndex[key]
	return idx, ok
}

// derivedEnergy computes E(t) via the LUT, without bumping access_count.
func (a *Arena) derivedEnergy(idx uint32) float32 {
	elapsed := float64(a.nowMs()-a.lastTouchMs[idx]) / 1000.0
	if elapsed < 0 {
		elapsed = 0
	}
	factor := a.lut.Factor(a.decayRateBucket[idx], elapsed)
	return clamp01(a.baseEnergy[idx] * factor)
}

// Get returns a view of the lineage at idx with its observer-effect delta
// (if any) already folded in by the caller — Get itself has no side
// effects; the handler applies the +0.01 observer bump via Stimulate.
func (a *Arena) Get(idx uint32) (View, error) {
	if !a.validIndex(idx) {
		return View{}, mferr.NotFound("arena.Get")
	}
	return a.view(idx), nil
}

func (a *Arena) view(idx uint32) View {
	return View{
		Index:         idx,
		Key:           a.keys[idx],
		BaseEnergy:    a.baseEnergy[idx],
		DerivedEnergy: a.derivedEnergy(idx),
		Threshold:     a.threshold[idx],
		DecayRate:     a.decayRate[idx],
		LastTouchMs:   a.lastTouchMs[idx],
		AccessCount:   a.accessCount[idx],
		Flags:         a.flags[idx],
	}
}

func (a *Arena) validIndex(idx uint32) bool {
	return idx < uint32(len(a.keys)) && a.live[idx] && a.keys[idx] != ""
}

// Stimulate sets base_energy to clamp(derived_energy + delta, 0, 1) and
// bumps last_touch to now. Must be called under write lock.
func (a *Arena) Stimulate(idx uint32, delta float32) (View, error) {
	if !a.validIndex(idx) {
		return View{}, mferr.NotFound("arena.Stimulate")
	}
	derived := a.derivedEnergy(idx)
	a.baseEnergy[idx] = clamp01(derived + delta)
	a.lastTouchMs[idx] = a.nowMs()
	a.accessCount[idx]++
	a.invalidateCache()
	return a.view(idx), nil
}

// Touch updates last_touch without changing energy.
func (a *Arena) Touch(idx uint32) error {
	if !a.validIndex(idx) {
		return mferr.NotFound("arena.Touch")
	}
	a.lastTouchMs[idx] = a.nowMs()
	return nil
}

// Forget archives the lineage; slot reclamation happens lazily on the next
// Create that scans for a free slot.
func (a *Arena) Forget(idx uint32) error {
	if !a.validIndex(idx) {
		return mferr.NotFound("arena.Forget")
	}
	a.flags[idx] |= FlagArchived
	a.flags[idx] &^= FlagActive
	key := a.keys[idx]
	delete(a.keyIndex, key)
	a.keys[idx] = ""
	a.live[idx] = false
	a.count--
	a.invalidateCache()
	return nil
}

// TopKConscious returns up to k indices with derived energy >=
// max(minEnergy, threshold), ordered by derived energy descending. Results
// are cached and invalidated on any mutation (Create/Stimulate/Forget) or
// on cortex mood change via InvalidateCache.
func (a *Arena) TopKConscious(k int, minEnergy float32) []uint32 {
	if a.topKCache.valid && a.topKCache.gen == a.gen && a.topKCache.k == k && a.topKCache.minEnergy == minEnergy {
		return a.topKCache.result
	}
	type scored struct {
		idx    uint32
		energy float32
	}
	candidates := make([]scored, 0, a.count)
	for i := range a.keys {
		if !a.live[i] || a.keys[i] == "" {
			continue
		}
		e := a.derivedEnergy(uint32(i))
		floor := a.threshold[i]
		if minEnergy > floor {
			floor = minEnergy
		}
		if e >= floor {
			candidates = append(candidates, scored{uint32(i), e})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].energy > candidates[j].energy })
	if k > 0 && len(candidates) > k {
		candidates = candidates[:k]
	}
	result := make([]uint32, len(candidates))
	for i, c := range candidates {
		result[i] = c.idx
	}
	a.topKCache = topKCache{valid: true, gen: a.gen, k: k, minEnergy: minEnergy, result: result}
	return result
}

// InvalidateCache drops the top-K cache; called by the cortex when mood
// changes, since mood shifts consciousness classification downstream.
func (a *Arena) InvalidateCache() {
	a.invalidateCache()
}

func (a *Arena) invalidateCache() {
	a.gen++
	a.topKCache.valid = false
}

// Len returns the number of live lineages.
func (a *Arena) Len() int { return a.count }

// Capacity returns the configured maximum lineage count (0 = unbounded).
func (a *Arena) Capacity() int { return a.capacity }

// ForEachLive calls fn with a view of every live lineage, for GC and
// snapshot sweeps. Must be called under at least a read lock.
func (a *Arena) ForEachLive(fn func(View)) {
	for i := range a.keys {
		if a.live[i] && a.keys[i] != "" {
			fn(a.view(uint32(i)))
		}
	}
}

// ForEachLiveChunked behaves like ForEachLive but walks the backing slices
// in chunkSize-sized strides rather than one slot at a time, so a full GC
// sweep touches memory in cache-line-sized runs. Used by the GC tick with
// decay.SweepChunkSize(); a non-positive chunkSize falls back to a single
// chunk covering the whole arena.
func (a *Arena) ForEachLiveChunked(chunkSize int, fn func(View)) {
	n := len(a.keys)
	if chunkSize <= 0 {
		chunkSize = n
	}
	if chunkSize == 0 {
		return
	}
	for start := 0; start < n; start += chunkSize {
		end := start + chunkSize
		if end > n {
			end = n
		}
		for i := start; i < end; i++ {
			if a.live[i] && a.keys[i] != "" {
				fn(a.view(uint32(i)))
			}
		}
	}
}
