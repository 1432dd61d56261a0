package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/go-llvm"
)

func TestLoopBoundLiftsTripCount(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	f := buildFixture(t, ctx)
	se := NewBuilder()

	count := se.Unknown(f.n)
	q := NewQualifier(se)
	results := q.Run([]Rejection{{
		Region: f.reg,
		Log:    []RejectReason{&LoopBound{Loop: f.loop, Count: count}},
	}})

	require.Len(t, results, 1)
	res := results[0]
	require.True(t, res.Qualified)
	require.Len(t, res.Params, 1)
	assert.Equal(t, "%n", res.Params[0].String())
	assert.Nil(t, res.Blocking)
}

func TestEveryReasonMustBeFixable(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	f := buildFixture(t, ctx)
	se := NewBuilder()

	fixable := &LoopBound{Loop: f.loop, Count: se.Unknown(f.n)}
	// A pointer-typed unknown cannot be lifted.
	blocking := &NonAffineAccess{Access: se.Unknown(f.a)}

	q := NewQualifier(se)
	results := q.Run([]Rejection{{Region: f.reg, Log: []RejectReason{fixable, blocking}}})

	require.Len(t, results, 1)
	assert.False(t, results[0].Qualified)
	assert.Equal(t, RejectReason(blocking), results[0].Blocking)
}

func TestBasePointerLeakBlocksTheRegion(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	f := buildFixture(t, ctx)
	se := NewBuilder()

	// The subscript references the access's own base address.
	reason := &NonAffineAccess{Access: se.Unknown(f.n), Base: f.n}
	q := NewQualifier(se)
	results := q.Run([]Rejection{{Region: f.reg, Log: []RejectReason{reason}}})

	require.Len(t, results, 1)
	assert.False(t, results[0].Qualified)
}

func TestParamsAreConcatenatedAndDeduplicated(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	f := buildFixture(t, ctx)
	se := NewBuilder()

	n := se.Unknown(f.n)
	m := se.Unknown(f.m)
	q := NewQualifier(se)
	results := q.Run([]Rejection{{
		Region: f.reg,
		Log: []RejectReason{
			&LoopBound{Loop: f.loop, Count: n},
			&NonAffineBranch{LHS: n, RHS: m},
		},
	}})

	require.Len(t, results, 1)
	res := results[0]
	require.True(t, res.Qualified)
	require.Len(t, res.Params, 2, "n appears once despite two witnesses")
	assert.Equal(t, "%n", res.Params[0].String())
	assert.Equal(t, "%m", res.Params[1].String())
}

func TestEmptyRejectionLogDoesNotQualify(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	f := buildFixture(t, ctx)
	se := NewBuilder()

	q := NewQualifier(se)
	results := q.Run([]Rejection{{Region: f.reg}})

	require.Len(t, results, 1)
	assert.False(t, results[0].Qualified)
	assert.Nil(t, results[0].Blocking)
}

func TestAcceptedParentPrunesNestedRegion(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	f := buildFixture(t, ctx)
	se := NewBuilder()

	parent := NewRegion("parent", f.fn, f.entry, f.exit, f.header, f.body)
	child := NewRegion("child", f.fn, f.header, f.exit, f.body)
	child.SetParent(parent)

	reason := func() RejectReason {
		return &LoopBound{Loop: f.loop, Count: se.Unknown(f.n)}
	}

	q := NewQualifier(se)
	results := q.Run([]Rejection{
		{Region: child, Log: []RejectReason{reason()}},
		{Region: parent, Log: []RejectReason{reason()}},
	})

	require.Len(t, results, 2)
	assert.False(t, results[0].Qualified, "nested region yields to its parent")
	assert.True(t, results[1].Qualified)
}

func TestOverlappingRegionsKeepTheLarger(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	f := buildFixture(t, ctx)
	se := NewBuilder()

	big := NewRegion("big", f.fn, f.header, f.exit, f.body)
	small := NewRegion("small", f.fn, f.body, f.exit)

	reason := func() RejectReason {
		return &LoopBound{Loop: f.loop, Count: se.Unknown(f.n)}
	}

	q := NewQualifier(se)
	results := q.Run([]Rejection{
		{Region: small, Log: []RejectReason{reason()}},
		{Region: big, Log: []RejectReason{reason()}},
	})

	require.Len(t, results, 2)
	assert.False(t, results[0].Qualified, "the smaller overlapping region loses")
	assert.True(t, results[1].Qualified)
}
