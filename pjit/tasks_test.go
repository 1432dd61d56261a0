package pjit

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPoolRunsEveryJob(t *testing.T) {
	p := NewPool(2)
	var ran atomic.Int64

	for i := 0; i < 100; i++ {
		p.Submit(func() { ran.Add(1) })
	}
	p.Drain()

	assert.Equal(t, int64(100), ran.Load())
}

func TestDrainWaitsForQueuedJobs(t *testing.T) {
	p := NewPool(1)
	var order []int

	for i := 0; i < 10; i++ {
		i := i
		p.Submit(func() { order = append(order, i) })
	}
	p.Drain()

	// One worker drains in submission order.
	assert.Len(t, order, 10)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestSubmitAfterDrainIsDropped(t *testing.T) {
	p := NewPool(1)
	p.Drain()

	var ran atomic.Bool
	p.Submit(func() { ran.Store(true) })
	p.Drain()

	assert.False(t, ran.Load())
}
