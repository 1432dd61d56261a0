package pjit

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertIfAbsentIsExclusive(t *testing.T) {
	c := NewCache()
	k := CacheKey{Prototype: 7, ValueHash: 42}

	const goroutines = 64
	var wg sync.WaitGroup
	var mu sync.Mutex
	inserts := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var slot unsafe.Pointer
			if _, inserted := c.InsertIfAbsent(k, &slot); inserted {
				mu.Lock()
				inserts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, inserts, "exactly one caller may win the insert")
}

func TestCompleteFansOutToWaiters(t *testing.T) {
	c := NewCache()
	k := CacheKey{Prototype: 1, ValueHash: 2}

	var s1, s2, s3 unsafe.Pointer
	_, inserted := c.InsertIfAbsent(k, &s1)
	require.True(t, inserted)
	c.AddWaiter(k, &s2)
	c.AddWaiter(k, &s3)

	c.Complete(k, 0xbeef)

	assert.Equal(t, unsafe.Pointer(uintptr(0xbeef)), s1)
	assert.Equal(t, unsafe.Pointer(uintptr(0xbeef)), s2)
	assert.Equal(t, unsafe.Pointer(uintptr(0xbeef)), s3)
}

func TestCompleteIsIdempotentAndMonotone(t *testing.T) {
	c := NewCache()
	k := CacheKey{Prototype: 3, ValueHash: 4}

	var slot unsafe.Pointer
	c.InsertIfAbsent(k, &slot)
	c.Complete(k, 0x1000)
	c.Complete(k, 0x2000) // duplicate completion must not win

	e, ok := c.Find(k)
	require.True(t, ok)
	addr, ready := e.Address()
	assert.True(t, ready)
	assert.Equal(t, uintptr(0x1000), addr)
	assert.Equal(t, unsafe.Pointer(uintptr(0x1000)), slot)
}

func TestRemovedWaiterIsNotWritten(t *testing.T) {
	c := NewCache()
	k := CacheKey{Prototype: 5, ValueHash: 6}

	var kept, cleared unsafe.Pointer
	c.InsertIfAbsent(k, &kept)
	c.AddWaiter(k, &cleared)
	c.RemoveWaiter(k, &cleared)

	c.Complete(k, 0xabc0)

	assert.Equal(t, unsafe.Pointer(uintptr(0xabc0)), kept)
	assert.Nil(t, cleared, "a removed checkpoint pointer must never be written")
}

func TestClearWaitersDropsEveryRegistration(t *testing.T) {
	c := NewCache()
	k := CacheKey{Prototype: 8, ValueHash: 9}

	var s1, s2 unsafe.Pointer
	c.InsertIfAbsent(k, &s1)
	c.AddWaiter(k, &s2)
	c.ClearWaiters(k)

	c.Complete(k, 0xf00)
	assert.Nil(t, s1)
	assert.Nil(t, s2)
}

func TestAddWaiterOnReadyEntryWritesImmediately(t *testing.T) {
	c := NewCache()
	k := CacheKey{Prototype: 10, ValueHash: 11}

	c.InsertIfAbsent(k, nil)
	c.Complete(k, 0x4242)

	var slot unsafe.Pointer
	c.AddWaiter(k, &slot)
	assert.Equal(t, unsafe.Pointer(uintptr(0x4242)), slot)
}

func TestBuildClaim(t *testing.T) {
	c := NewCache()
	k := CacheKey{Prototype: 12, ValueHash: 13}

	var slot unsafe.Pointer
	_, inserted := c.InsertIfAbsent(k, &slot)
	require.True(t, inserted)

	// The insert holds the claim.
	assert.False(t, c.TryClaimBuild(k))

	// A failed build releases it; exactly one retry may claim.
	c.BuildFailed(k)
	assert.True(t, c.TryClaimBuild(k))
	assert.False(t, c.TryClaimBuild(k))

	// Ready entries are never claimable again.
	c.BuildFailed(k)
	c.Complete(k, 0x77)
	assert.False(t, c.TryClaimBuild(k))
}
