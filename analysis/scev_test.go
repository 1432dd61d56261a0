package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"tinygo.org/x/go-llvm"
)

func TestSCEVRendering(t *testing.T) {
	se := NewBuilder()
	l := &Loop{Name: "L"}

	rec := se.AddRec(se.Const(0, 64), se.Const(4, 64), l)
	assert.Equal(t, "{0,+,4}<L>", rec.String())

	sum := se.Add(se.Const(1, 64), se.Const(2, 64))
	assert.Equal(t, "(1 + 2)", sum.String())

	div := se.UDiv(se.Const(8, 32), se.Const(2, 32))
	assert.Equal(t, "(8 /u 2)", div.String())
}

func TestUnknownsAreInternedPerValue(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	f := buildFixture(t, ctx)
	se := NewBuilder()

	u1 := se.Unknown(f.n)
	u2 := se.Unknown(f.n)
	assert.Same(t, u1, u2, "repeated queries hand back the same handle")
	assert.NotSame(t, u1, se.Unknown(f.m))
}

func TestSCEVOfFallsBackToUnknown(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	f := buildFixture(t, ctx)
	se := NewBuilder()

	reg := se.Add(se.Unknown(f.m), se.Const(1, 64))
	se.Register(f.n, reg)

	assert.True(t, se.SCEVOf(f.n) == SCEV(reg))
	assert.True(t, se.SCEVOf(f.m) == SCEV(se.Unknown(f.m)))
}

func TestAddRecAffinity(t *testing.T) {
	se := NewBuilder()
	l := &Loop{Name: "L"}
	outer := &Loop{Name: "outer"}

	affine := se.AddRec(se.Const(0, 64), se.Const(1, 64), l)
	assert.True(t, affine.IsAffine())

	// A step varying in the recurrence's own loop is polynomial.
	poly := se.AddRec(se.Const(0, 64), affine, l)
	assert.False(t, poly.IsAffine())

	// A step varying only in another loop stays affine with respect to L.
	mixed := se.AddRec(se.Const(0, 64), se.AddRec(se.Const(0, 64), se.Const(1, 64), outer), l)
	assert.True(t, mixed.IsAffine())
}
