package trace

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock hands out scripted timestamps.
type fakeClock struct {
	times []int64
	idx   int
}

func (c *fakeClock) now() int64 {
	if c.idx >= len(c.times) {
		return c.times[len(c.times)-1]
	}
	t := c.times[c.idx]
	c.idx++
	return t
}

func statFor(stats []RegionStat, id uint64) (RegionStat, bool) {
	for _, s := range stats {
		if s.ID == id {
			return s, true
		}
	}
	return RegionStat{}, false
}

func TestEnterExitAccumulatesElapsedTime(t *testing.T) {
	a := NewAccumulator(func() int64 { return 0 })

	a.EnterAt(FirstUserRegion, 100)
	a.ExitAt(FirstUserRegion, 150)
	a.EnterAt(FirstUserRegion, 200)
	a.ExitAt(FirstUserRegion, 260)

	s, ok := statFor(a.Snapshot(), FirstUserRegion)
	require.True(t, ok)
	assert.Equal(t, int64(110), s.Duration)
	assert.Equal(t, uint64(2), s.Events)
}

func TestReservedRegionsAreRegistered(t *testing.T) {
	a := NewAccumulator(func() int64 { return 0 })
	stats := a.Snapshot()

	names := map[uint64]string{
		RegionStart:    "START",
		RegionCacheHit: "CACHE_HIT",
	}
	for id, want := range names {
		s, ok := statFor(stats, id)
		require.True(t, ok, "reserved region %d missing", id)
		assert.Equal(t, want, s.Name)
	}
}

func TestIncrementCountsAnEvent(t *testing.T) {
	a := NewAccumulator(func() int64 { return 0 })
	a.Increment(RegionCacheHit, 0)
	a.Increment(RegionCacheHit, 0)

	s, ok := statFor(a.Snapshot(), RegionCacheHit)
	require.True(t, ok)
	// One entry from setup plus two increments.
	assert.Equal(t, uint64(3), s.Events)
	assert.Equal(t, int64(0), s.Duration)
}

func TestConservationAcrossBalancedRegions(t *testing.T) {
	clock := &fakeClock{times: []int64{0, 10, 20, 30, 40, 50, 60}}
	a := NewAccumulator(clock.now)

	a.AddRegion("matmul", 4)
	a.AddRegion("stencil", 5)

	a.Enter(4)
	a.Exit(4)
	a.Enter(5)
	a.Exit(5)

	// Every balanced region nets exit - enter; nothing is lost or
	// double counted across regions.
	var total int64
	for _, s := range a.Snapshot() {
		if s.ID == RegionStart {
			continue // still on the stack until Flush
		}
		total += s.Duration
	}
	assert.Equal(t, int64(20), total)
}

type captureSink struct {
	stats []RegionStat
	runID int
	err   error
}

func (s *captureSink) StoreRun(stats []RegionStat, runID int) error {
	s.stats = stats
	s.runID = runID
	return s.err
}

func TestFlushClosesStartAndStores(t *testing.T) {
	clock := &fakeClock{times: []int64{100, 400}}
	a := NewAccumulator(clock.now)

	sink := &captureSink{}
	a.Flush(sink, 17)

	require.NotEmpty(t, sink.stats)
	assert.Equal(t, 17, sink.runID)

	s, ok := statFor(sink.stats, RegionStart)
	require.True(t, ok)
	assert.Equal(t, int64(300), s.Duration)
}

func TestFailingSinkIsDropped(t *testing.T) {
	a := NewAccumulator(func() int64 { return 0 })
	sink := &captureSink{err: errors.New("connection refused")}
	// Must not panic; the run is logged and dropped.
	a.Flush(sink, 0)
}
