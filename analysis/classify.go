package analysis

import (
	"fmt"

	"tinygo.org/x/go-llvm"
)

// VerdictKind orders the classifier outcomes. Merging two verdicts takes
// the maximum kind; the order is load-bearing.
type VerdictKind int

const (
	// Int is a compile-time integer constant.
	Int VerdictKind = iota
	// Param is constant during one execution of the region but may
	// depend on values unknown until run time.
	Param
	// IV varies with an induction variable of the region.
	IV
	// Invalid disqualifies the region.
	Invalid
)

func (k VerdictKind) String() string {
	switch k {
	case Int:
		return "INT"
	case Param:
		return "PARAM"
	case IV:
		return "IV"
	case Invalid:
		return "INVALID"
	}
	return fmt.Sprintf("VerdictKind(%d)", int(k))
}

// Verdict is the classifier result for one expression: the kind plus
// the PARAM witnesses collected underneath it, in visit order.
type Verdict struct {
	Kind   VerdictKind
	Params []SCEV
}

func verdict(k VerdictKind) Verdict { return Verdict{Kind: k} }

func paramVerdict(e SCEV) Verdict { return Verdict{Kind: Param, Params: []SCEV{e}} }

// merge folds o into v: maximum kind, concatenated params.
func (v *Verdict) merge(o Verdict) {
	if o.Kind > v.Kind {
		v.Kind = o.Kind
	}
	v.Params = append(v.Params, o.Params...)
}

func (v Verdict) isConstant() bool { return v.Kind == Int || v.Kind == Param }
func (v Verdict) isValid() bool    { return v.Kind != Invalid }

// InvariantLoads is an ordered set of region-internal loads the
// classifier found to be required-invariant.
type InvariantLoads struct {
	order []llvm.Value
	seen  map[llvm.Value]bool
}

// NewInvariantLoads returns an empty set.
func NewInvariantLoads() *InvariantLoads {
	return &InvariantLoads{seen: make(map[llvm.Value]bool)}
}

func (s *InvariantLoads) insert(v llvm.Value) {
	if s.seen[v] {
		return
	}
	s.seen[v] = true
	s.order = append(s.order, v)
}

// Values returns the loads in discovery order.
func (s *InvariantLoads) Values() []llvm.Value { return s.order }

// validator classifies SCEVs for one (region, scope) pair. Verdicts are
// memoized per expression handle; shared sub-expressions of a DAG are
// visited once.
type validator struct {
	region *Region
	scope  *Loop
	se     *Builder
	base   llvm.Value
	loads  *InvariantLoads
	memo   map[SCEV]Verdict
}

// Classify runs the SCEV classifier. scope is the loop the expression
// is evaluated relative to (nil for region scope), base the region's
// base address (a zero llvm.Value when unknown), loads an optional
// output set of required-invariant region-internal loads.
func Classify(r *Region, scope *Loop, expr SCEV, se *Builder, base llvm.Value, loads *InvariantLoads) Verdict {
	v := &validator{
		region: r,
		scope:  scope,
		se:     se,
		base:   base,
		loads:  loads,
		memo:   make(map[SCEV]Verdict),
	}
	return v.visit(expr)
}

// IsFixableExpr reports whether expr can be salvaged by lifting its
// unknown parts to run-time parameters.
func IsFixableExpr(r *Region, scope *Loop, expr SCEV, se *Builder, base llvm.Value, loads *InvariantLoads) bool {
	if expr.Kind() == KindCouldNotCompute {
		return false
	}
	return Classify(r, scope, expr, se, base, loads).isValid()
}

// ParamsInExpr returns the lifted parameters of a fixable expression.
func ParamsInExpr(r *Region, scope *Loop, expr SCEV, se *Builder, base llvm.Value) []SCEV {
	if expr.Kind() == KindCouldNotCompute {
		return nil
	}
	res := Classify(r, scope, expr, se, base, NewInvariantLoads())
	if !res.isValid() {
		panic("requested parameters for an invalid SCEV")
	}
	return res.Params
}

func (v *validator) visit(e SCEV) Verdict {
	if cached, ok := v.memo[e]; ok {
		return cached
	}
	res := v.classify(e)
	v.memo[e] = res
	return res
}

func (v *validator) classify(e SCEV) Verdict {
	switch s := e.(type) {
	case *Constant:
		return verdict(Int)
	case *Trunc:
		return v.visitCast(s, s.Op)
	case *ZExt:
		return v.visitCast(s, s.Op)
	case *SExt:
		// Only signed expressions are modeled; a sign extension is a
		// noop for classification.
		return v.visit(s.Op)
	case *Add:
		return v.visitAdd(s)
	case *Mul:
		return v.visitMul(s)
	case *UDiv:
		return v.visitUDiv(s)
	case *AddRec:
		return v.visitAddRec(s)
	case *SMax:
		return v.visitSMax(s)
	case *UMax:
		return v.visitUMax(s)
	case *Unknown:
		return v.visitUnknown(s)
	case *CouldNotCompute:
		return verdict(Invalid)
	default:
		panic(fmt.Sprintf("unhandled SCEV kind %T", e))
	}
}

// visitCast handles truncation and zero extension: constant-within-
// region operands make the whole cast a parameter, induction variables
// are not representable.
func (v *validator) visitCast(e SCEV, op SCEV) Verdict {
	res := v.visit(op)
	switch res.Kind {
	case Int, Param:
		return paramVerdict(e)
	case IV:
		debugf("INVALID: cast of an IV expression: %s", e)
		return verdict(Invalid)
	default:
		return res
	}
}

func (v *validator) visitAdd(e *Add) Verdict {
	res := verdict(Int)
	for _, op := range e.Ops {
		res.merge(v.visit(op))
		if !res.isValid() {
			break
		}
	}
	return res
}

// visitMul allows at most one non-INT factor. Two or more PARAM factors
// collapse the whole product into a single parameter; an IV factor next
// to any other non-INT factor is invalid.
func (v *validator) visitMul(e *Mul) Verdict {
	res := verdict(Int)
	multipleParams := false

	for _, op := range e.Ops {
		opRes := v.visit(op)
		if opRes.Kind == Int {
			continue
		}
		if opRes.Kind == Param && res.Kind == Param {
			multipleParams = true
			continue
		}
		if (opRes.Kind == IV || opRes.Kind == Param) && res.Kind != Int {
			debugf("INVALID: more than one non-int operand in %s", e)
			return verdict(Invalid)
		}
		res.merge(opRes)
	}

	if multipleParams && res.isValid() {
		return paramVerdict(e)
	}
	return res
}

// visitUDiv treats a division that is constant during region execution
// as a parameter and rejects everything else.
func (v *validator) visitUDiv(e *UDiv) Verdict {
	lhs := v.visit(e.LHS)
	rhs := v.visit(e.RHS)

	if lhs.isConstant() && rhs.isConstant() {
		return paramVerdict(e)
	}
	debugf("INVALID: unsigned division of non-constant expressions: %s", e)
	return verdict(Invalid)
}

func (v *validator) visitAddRec(e *AddRec) Verdict {
	if !e.IsAffine() {
		debugf("INVALID: add-recurrence is not affine: %s", e)
		return verdict(Invalid)
	}

	start := v.visit(e.Start)
	if !start.isValid() {
		return start
	}
	step := v.visit(e.Step)
	if !step.isValid() {
		return step
	}

	if v.region.ContainsLoop(e.Loop) {
		// A recurrence of a loop whose exit value cannot be
		// synthesized at the scope loop is not representable.
		if v.scope == nil || !e.Loop.ContainsLoop(v.scope) {
			debugf("INVALID: add-recurrence out of a loop whose exit value is not synthesizable: %s", e)
			return verdict(Invalid)
		}

		if step.Kind == Int {
			res := verdict(IV)
			res.Params = append(res.Params, start.Params...)
			return res
		}
		if _, polynomial := e.Step.(*AddRec); polynomial {
			return verdict(Invalid)
		}
		if step.Kind == Param {
			res := paramVerdict(e.Step)
			res.Params = append(res.Params, start.Params...)
			debugf("VALID: add-recurrence within region has parametrized step: %s", e)
			return res
		}
		debugf("INVALID: add-recurrence within region has non-int step: %s", e)
		return verdict(Invalid)
	}

	if !start.isConstant() || !step.isConstant() {
		return verdict(Invalid)
	}

	// The recurrence belongs to a loop enclosing the region; its value
	// is fixed for one region execution. With a zero start the whole
	// expression is the parameter, otherwise it decomposes as
	// start + {0,+,step}.
	if c, ok := e.Start.(*Constant); ok && c.Value == 0 {
		return paramVerdict(e)
	}

	width := 64
	if c, ok := e.Start.(*Constant); ok {
		width = c.Width
	}
	zeroStart := v.se.AddRec(v.se.Const(0, width), e.Step, e.Loop)
	res := paramVerdict(zeroStart)
	res.Params = append(res.Params, start.Params...)
	return res
}

func (v *validator) visitSMax(e *SMax) Verdict {
	res := verdict(Int)
	for _, op := range e.Ops {
		opRes := v.visit(op)
		if !opRes.isValid() {
			return opRes
		}
		res.merge(opRes)
	}
	return res
}

// visitUMax supports only operands that are constant during region
// execution; unsigned semantics are otherwise not modeled.
func (v *validator) visitUMax(e *UMax) Verdict {
	for _, op := range e.Ops {
		if !v.visit(op).isConstant() {
			debugf("INVALID: unsigned max has a non-constant operand: %s", e)
			return verdict(Invalid)
		}
	}
	return paramVerdict(e)
}

func (v *validator) visitUnknown(e *Unknown) Verdict {
	val := e.Value

	if val.Type().TypeKind() == llvm.PointerTypeKind {
		debugf("INVALID: unknown is a pointer type: %s", e)
		return verdict(Invalid)
	}
	if val.Type().TypeKind() != llvm.IntegerTypeKind {
		debugf("INVALID: unknown is not an integer: %s", e)
		return verdict(Invalid)
	}
	if val.IsUndef() {
		debugf("INVALID: unknown references an undef value: %s", e)
		return verdict(Invalid)
	}
	if !v.base.IsNil() && val == v.base {
		debugf("INVALID: unknown references the region's base address: %s", e)
		return verdict(Invalid)
	}

	if !val.IsAInstruction().IsNil() {
		switch val.InstructionOpcode() {
		case llvm.Load:
			return v.visitLoad(val, e)
		case llvm.SDiv:
			return v.visitSignedDivision(val, e)
		case llvm.SRem:
			return v.visitSignedDivision(val, e)
		default:
			return paramVerdict(e)
		}
	}

	return paramVerdict(e)
}

// visitLoad records a region-internal load as required-invariant when a
// collector was supplied; the load's value is then a parameter.
func (v *validator) visitLoad(inst llvm.Value, e *Unknown) Verdict {
	if v.region.ContainsValue(inst) && v.loads != nil {
		v.loads.insert(inst)
		return paramVerdict(e)
	}
	return paramVerdict(e)
}

// visitSignedDivision recurses on the dividend when the division lies
// inside the region and the divisor is a constant: x /s C is
// constant-within-region exactly when x is.
func (v *validator) visitSignedDivision(inst llvm.Value, e *Unknown) Verdict {
	if !v.region.ContainsValue(inst) {
		return paramVerdict(e)
	}
	divisor := inst.Operand(1)
	if divisor.IsAConstantInt().IsNil() {
		return paramVerdict(e)
	}
	dividend := inst.Operand(0)
	return v.visit(v.se.SCEVOf(dividend))
}

// debugf is the classifier's one-line rejection trace; it stays silent
// unless the package-level debug hook is set (the driver wires it to
// the verbose flag).
var debugf = func(format string, args ...any) {}

// SetDebugLogger routes classifier rejection traces to fn. Passing nil
// silences them.
func SetDebugLogger(fn func(format string, args ...any)) {
	if fn == nil {
		fn = func(string, ...any) {}
	}
	debugf = fn
}
