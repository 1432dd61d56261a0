package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tinygo.org/x/go-llvm"
)

// fixture is a small loop kernel: void f(i64 %n, i64 %m, ptr %a) with
// entry -> header -> body -> header / exit. The region spans header and
// body; the loop is {header, body}.
type fixture struct {
	ctx llvm.Context
	mod llvm.Module
	fn  llvm.Value

	entry, header, body, exit llvm.BasicBlock

	n, m, a llvm.Value
	load    llvm.Value // %ld  = load i64, ptr %a        (in region)
	sdivC   llvm.Value // %sd  = sdiv i64 %n, 4          (in region)
	sdivM   llvm.Value // %sq  = sdiv i64 %n, %m         (in region)

	loop  *Loop
	outer *Loop // encloses the region (header outside it)
	reg   *Region
}

func buildFixture(t *testing.T, ctx llvm.Context) *fixture {
	t.Helper()

	mod := ctx.NewModule("classify.test")
	i64 := ctx.Int64Type()
	ptr := llvm.PointerType(ctx.Int8Type(), 0)
	fnTy := llvm.FunctionType(ctx.VoidType(), []llvm.Type{i64, i64, ptr}, false)
	fn := llvm.AddFunction(mod, "f", fnTy)

	n, m, a := fn.Param(0), fn.Param(1), fn.Param(2)
	n.SetName("n")
	m.SetName("m")
	a.SetName("a")

	entry := ctx.AddBasicBlock(fn, "entry")
	header := ctx.AddBasicBlock(fn, "header")
	body := ctx.AddBasicBlock(fn, "body")
	exit := ctx.AddBasicBlock(fn, "exit")

	b := ctx.NewBuilder()
	defer b.Dispose()

	b.SetInsertPointAtEnd(entry)
	b.CreateBr(header)

	b.SetInsertPointAtEnd(header)
	iv := b.CreatePHI(i64, "i")
	cmp := b.CreateICmp(llvm.IntSLT, iv, n, "cond")
	b.CreateCondBr(cmp, body, exit)

	b.SetInsertPointAtEnd(body)
	load := b.CreateLoad(i64, a, "ld")
	sdivC := b.CreateBinOp(llvm.SDiv, n, llvm.ConstInt(i64, 4, false), "sd")
	sdivM := b.CreateBinOp(llvm.SDiv, n, m, "sq")
	next := b.CreateBinOp(llvm.Add, iv, llvm.ConstInt(i64, 1, false), "i.next")
	b.CreateBr(header)

	iv.AddIncoming(
		[]llvm.Value{llvm.ConstInt(i64, 0, false), next},
		[]llvm.BasicBlock{entry, body},
	)

	b.SetInsertPointAtEnd(exit)
	b.CreateRetVoid()

	loop := NewLoop("loop", header, body)
	outer := NewLoop("outer", entry)
	reg := NewRegion("header => exit", fn, header, exit, body)

	return &fixture{
		ctx: ctx, mod: mod, fn: fn,
		entry: entry, header: header, body: body, exit: exit,
		n: n, m: m, a: a,
		load: load, sdivC: sdivC, sdivM: sdivM,
		loop: loop, outer: outer, reg: reg,
	}
}

func classifyFixture(f *fixture, scope *Loop, e SCEV, se *Builder) Verdict {
	return Classify(f.reg, scope, e, se, llvm.Value{}, NewInvariantLoads())
}

func TestClassifyBasicKinds(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	f := buildFixture(t, ctx)
	se := NewBuilder()

	iv := se.AddRec(se.Const(0, 64), se.Const(1, 64), f.loop)
	pn := se.Unknown(f.n)

	tests := []struct {
		name  string
		expr  SCEV
		scope *Loop
		kind  VerdictKind
	}{
		{"constant", se.Const(42, 64), f.loop, Int},
		{"unknown argument", pn, f.loop, Param},
		{"sext passes through", se.SExt(pn), f.loop, Param},
		{"trunc of constant", se.Trunc(se.Const(7, 64)), f.loop, Param},
		{"trunc of iv", se.Trunc(iv), f.loop, Invalid},
		{"zext of param", se.ZExt(pn), f.loop, Param},
		{"add of int and param", se.Add(se.Const(1, 64), pn), f.loop, Param},
		{"add short-circuits invalid", se.Add(se.UMax(iv, pn), pn), f.loop, Invalid},
		{"mul const by param", se.Mul(se.Const(2, 64), pn), f.loop, Param},
		{"mul const by iv", se.Mul(se.Const(4, 64), iv), f.loop, IV},
		{"mul iv by param", se.Mul(iv, pn), f.loop, Invalid},
		{"udiv of params", se.UDiv(pn, se.Const(8, 64)), f.loop, Param},
		{"udiv of iv", se.UDiv(iv, se.Const(8, 64)), f.loop, Invalid},
		{"affine iv", iv, f.loop, IV},
		{"iv without scope", iv, nil, Invalid},
		{"smax of int and param", se.SMax(se.Const(3, 64), pn), f.loop, Param},
		{"umax of constants", se.UMax(se.Const(1, 64), pn), f.loop, Param},
		{"umax of iv", se.UMax(iv, se.Const(1, 64)), f.loop, Invalid},
		{"pointer unknown", se.Unknown(f.a), f.loop, Invalid},
		{"could not compute", se.CouldNotCompute(), f.loop, Invalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyFixture(f, tt.scope, tt.expr, se)
			assert.Equal(t, tt.kind, got.Kind)
		})
	}
}

func TestProductOfTwoParamsIsOneParameter(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	f := buildFixture(t, ctx)
	se := NewBuilder()

	// Loop count n*m: the key is the concrete product, not (n, m).
	product := se.Mul(se.Unknown(f.n), se.Unknown(f.m))
	got := classifyFixture(f, f.loop, product, se)

	require.Equal(t, Param, got.Kind)
	require.Len(t, got.Params, 1)
	assert.True(t, got.Params[0] == SCEV(product), "the witness is the whole product")
}

func TestAddRecOfEnclosingLoop(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	f := buildFixture(t, ctx)
	se := NewBuilder()

	zeroStart := se.AddRec(se.Const(0, 64), se.Const(3, 64), f.outer)
	got := classifyFixture(f, f.loop, zeroStart, se)
	require.Equal(t, Param, got.Kind)
	require.Len(t, got.Params, 1)
	assert.True(t, got.Params[0] == SCEV(zeroStart))

	// A non-zero start decomposes into start + {0,+,step}.
	shifted := se.AddRec(se.Const(5, 64), se.Const(3, 64), f.outer)
	got = classifyFixture(f, f.loop, shifted, se)
	require.Equal(t, Param, got.Kind)
	require.Len(t, got.Params, 1)
	assert.Equal(t, "{0,+,3}<outer>", got.Params[0].String())
}

func TestAddRecWithParametrizedStep(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	f := buildFixture(t, ctx)
	se := NewBuilder()

	step := se.Unknown(f.n)
	rec := se.AddRec(se.Const(0, 64), step, f.loop)
	got := classifyFixture(f, f.loop, rec, se)

	require.Equal(t, Param, got.Kind)
	require.Len(t, got.Params, 1)
	assert.True(t, got.Params[0] == SCEV(step))
}

func TestPolynomialRecurrenceIsInvalid(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	f := buildFixture(t, ctx)
	se := NewBuilder()

	inner := se.AddRec(se.Const(0, 64), se.Const(1, 64), f.loop)
	poly := se.AddRec(se.Const(0, 64), inner, f.loop)
	got := classifyFixture(f, f.loop, poly, se)
	assert.Equal(t, Invalid, got.Kind)
}

func TestBaseAddressLeakDisqualifies(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	f := buildFixture(t, ctx)
	se := NewBuilder()

	// An expression referencing the analyzed access's own base address
	// cannot be lifted.
	got := Classify(f.reg, f.loop, se.Unknown(f.n), se, f.n, NewInvariantLoads())
	assert.Equal(t, Invalid, got.Kind)
}

func TestRegionInternalLoadIsRecorded(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	f := buildFixture(t, ctx)
	se := NewBuilder()

	loads := NewInvariantLoads()
	got := Classify(f.reg, f.loop, se.Unknown(f.load), se, llvm.Value{}, loads)

	require.Equal(t, Param, got.Kind)
	require.Len(t, loads.Values(), 1)
	assert.Equal(t, f.load, loads.Values()[0])
}

func TestSignedDivisionByConstantRecursesOnDividend(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	f := buildFixture(t, ctx)
	se := NewBuilder()

	// %sd = sdiv i64 %n, 4 -- the dividend's evolution decides.
	se.Register(f.n, se.Unknown(f.n))
	got := classifyFixture(f, f.loop, se.Unknown(f.sdivC), se)
	require.Equal(t, Param, got.Kind)
	require.Len(t, got.Params, 1)
	assert.Equal(t, "%n", got.Params[0].String())

	// %sq = sdiv i64 %n, %m -- non-constant divisor stays opaque.
	got = classifyFixture(f, f.loop, se.Unknown(f.sdivM), se)
	require.Equal(t, Param, got.Kind)
	assert.Equal(t, "%sq", got.Params[0].String())
}

func TestVerdictsAreDeterministic(t *testing.T) {
	ctx := llvm.NewContext()
	defer ctx.Dispose()
	f := buildFixture(t, ctx)
	se := NewBuilder()

	expr := se.Add(
		se.Mul(se.Unknown(f.n), se.Unknown(f.m)),
		se.AddRec(se.Const(0, 64), se.Const(1, 64), f.loop),
	)

	first := classifyFixture(f, f.loop, expr, se)
	second := classifyFixture(f, f.loop, expr, se)

	assert.Equal(t, first.Kind, second.Kind)
	require.Equal(t, len(first.Params), len(second.Params))
	for i := range first.Params {
		assert.Equal(t, first.Params[i].String(), second.Params[i].String())
	}
}
