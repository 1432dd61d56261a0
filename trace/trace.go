// Package trace accumulates per-region timing counters for the
// specialization runtime. Entering a region subtracts the current
// timestamp, exiting adds it; the net is the cumulative time spent in
// the region. Counters are flushed to a pluggable Sink at shutdown.
package trace

import (
	"log"
	"os"
	"sync"
	"time"
)

// Reserved engine-internal region ids. Regions extracted from user code
// are assigned ids starting at FirstUserRegion.
const (
	RegionStart    uint64 = 0
	RegionCodegen  uint64 = 1
	RegionVariant  uint64 = 2
	RegionCacheHit uint64 = 3

	FirstUserRegion uint64 = 4
)

// Clock returns a monotonic timestamp in microseconds.
type Clock func() int64

var processStart = time.Now()

// MonotonicClock is the default clock: microseconds since process start.
func MonotonicClock() int64 {
	return time.Since(processStart).Microseconds()
}

// RegionStat is one flushed accumulator row.
type RegionStat struct {
	ID       uint64
	Name     string
	Duration int64  // net microseconds
	Events   uint64 // number of region entries
}

// Sink persists the accumulated region map at shutdown.
type Sink interface {
	StoreRun(stats []RegionStat, runID int) error
}

// Accumulator collects enter/exit events. Safe for concurrent use; the
// map is locked on write and read only at shutdown.
type Accumulator struct {
	mu      sync.Mutex
	events  map[uint64]int64
	entries map[uint64]uint64
	regions map[uint64]string
	clock   Clock
}

// NewAccumulator starts an accumulator with the engine-internal regions
// registered and the START region entered.
func NewAccumulator(clock Clock) *Accumulator {
	if clock == nil {
		clock = MonotonicClock
	}
	a := &Accumulator{
		events:  make(map[uint64]int64),
		entries: make(map[uint64]uint64),
		regions: make(map[uint64]string),
		clock:   clock,
	}
	a.AddRegion("START", RegionStart)
	a.AddRegion("CODEGEN", RegionCodegen)
	a.AddRegion("VARIANTS", RegionVariant)
	a.AddRegion("CACHE_HIT", RegionCacheHit)

	a.EnterAt(RegionStart, a.clock())
	a.EnterAt(RegionCacheHit, 0)
	return a
}

// AddRegion registers a logical name for a region id.
func (a *Accumulator) AddRegion(name string, id uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.regions[id] = name
}

// Enter marks entry into a region at the current time.
func (a *Accumulator) Enter(id uint64) { a.EnterAt(id, a.clock()) }

// Exit marks exit from a region at the current time.
func (a *Accumulator) Exit(id uint64) { a.ExitAt(id, a.clock()) }

// EnterAt marks entry into a region at time t.
func (a *Accumulator) EnterAt(id uint64, t int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events[id] -= t
	a.entries[id]++
}

// ExitAt marks exit from a region at time t.
func (a *Accumulator) ExitAt(id uint64, t int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events[id] += t
}

// Increment counts one synthetic enter/exit pair of the given length.
func (a *Accumulator) Increment(id uint64, step int64) {
	a.EnterAt(id, 0)
	a.ExitAt(id, step)
}

// Snapshot returns the current accumulator contents.
func (a *Accumulator) Snapshot() []RegionStat {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := make([]RegionStat, 0, len(a.events))
	for id, dur := range a.events {
		stats = append(stats, RegionStat{
			ID:       id,
			Name:     a.regions[id],
			Duration: dur,
			Events:   a.entries[id],
		})
	}
	return stats
}

// Flush exits the START region and hands the accumulated map to the
// sink. A failing sink is logged once; the data is dropped.
func (a *Accumulator) Flush(sink Sink, runID int) {
	a.ExitAt(RegionStart, a.clock())
	if sink == nil {
		return
	}
	if err := sink.StoreRun(a.Snapshot(), runID); err != nil {
		logger.Printf("telemetry sink unreachable, dropping run: %v", err)
	}
}

var logger = log.New(os.Stderr, "polli/trace: ", log.LstdFlags)
