// Package analysis holds the static preparation side of the runtime:
// the scalar-evolution expression model, the classifier that decides
// which non-affine expressions can be lifted to run-time parameters,
// and the region qualifier that turns the host's rejection logs into a
// set of specializable regions.
package analysis

import (
	"fmt"
	"strings"

	"tinygo.org/x/go-llvm"
)

// SCEVKind discriminates the closed set of SCEV variants.
type SCEVKind int

const (
	KindConstant SCEVKind = iota
	KindUnknown
	KindTrunc
	KindZExt
	KindSExt
	KindAdd
	KindMul
	KindSMax
	KindUMax
	KindUDiv
	KindAddRec
	KindCouldNotCompute
)

// SCEV is one node of a scalar-evolution expression tree. Trees are
// DAGs with shared sub-expressions; node identity (the interface value,
// which wraps a pointer) is the handle the classifier memoizes on.
type SCEV interface {
	Kind() SCEVKind
	String() string
}

// Constant is a compile-time integer.
type Constant struct {
	Value int64
	Width int // bit width of the integer type
}

func (c *Constant) Kind() SCEVKind { return KindConstant }
func (c *Constant) String() string { return fmt.Sprintf("%d", c.Value) }

// Unknown is a value the host could not express symbolically; it may be
// an instruction (load, division) or an opaque SSA value.
type Unknown struct {
	Value llvm.Value
}

func (u *Unknown) Kind() SCEVKind { return KindUnknown }
func (u *Unknown) String() string {
	if name := u.Value.Name(); name != "" {
		return "%" + name
	}
	return "%unknown"
}

// Trunc truncates its operand to a narrower integer type.
type Trunc struct{ Op SCEV }

func (t *Trunc) Kind() SCEVKind { return KindTrunc }
func (t *Trunc) String() string { return "(trunc " + t.Op.String() + ")" }

// ZExt zero-extends its operand.
type ZExt struct{ Op SCEV }

func (z *ZExt) Kind() SCEVKind { return KindZExt }
func (z *ZExt) String() string { return "(zext " + z.Op.String() + ")" }

// SExt sign-extends its operand.
type SExt struct{ Op SCEV }

func (s *SExt) Kind() SCEVKind { return KindSExt }
func (s *SExt) String() string { return "(sext " + s.Op.String() + ")" }

// Add is an n-ary sum.
type Add struct{ Ops []SCEV }

func (a *Add) Kind() SCEVKind { return KindAdd }
func (a *Add) String() string { return nary("+", a.Ops) }

// Mul is an n-ary product.
type Mul struct{ Ops []SCEV }

func (m *Mul) Kind() SCEVKind { return KindMul }
func (m *Mul) String() string { return nary("*", m.Ops) }

// SMax is an n-ary signed maximum.
type SMax struct{ Ops []SCEV }

func (s *SMax) Kind() SCEVKind { return KindSMax }
func (s *SMax) String() string { return "smax" + nary(",", s.Ops) }

// UMax is an n-ary unsigned maximum.
type UMax struct{ Ops []SCEV }

func (u *UMax) Kind() SCEVKind { return KindUMax }
func (u *UMax) String() string { return "umax" + nary(",", u.Ops) }

// UDiv is an unsigned division.
type UDiv struct{ LHS, RHS SCEV }

func (u *UDiv) Kind() SCEVKind { return KindUDiv }
func (u *UDiv) String() string { return "(" + u.LHS.String() + " /u " + u.RHS.String() + ")" }

// AddRec is the add-recurrence {Start,+,Step}_Loop: the value begins at
// Start on loop entry and advances by Step each iteration. It is affine
// iff Step is invariant with respect to Loop.
type AddRec struct {
	Start SCEV
	Step  SCEV
	Loop  *Loop
}

func (a *AddRec) Kind() SCEVKind { return KindAddRec }
func (a *AddRec) String() string {
	return fmt.Sprintf("{%s,+,%s}<%s>", a.Start.String(), a.Step.String(), a.Loop.Name)
}

// IsAffine reports whether the recurrence's step is invariant with
// respect to its own loop.
func (a *AddRec) IsAffine() bool {
	return !variesIn(a.Step, a.Loop)
}

// variesIn reports whether e contains a recurrence over l.
func variesIn(e SCEV, l *Loop) bool {
	switch s := e.(type) {
	case *Constant, *Unknown, *CouldNotCompute:
		return false
	case *Trunc:
		return variesIn(s.Op, l)
	case *ZExt:
		return variesIn(s.Op, l)
	case *SExt:
		return variesIn(s.Op, l)
	case *Add:
		return anyVariesIn(s.Ops, l)
	case *Mul:
		return anyVariesIn(s.Ops, l)
	case *SMax:
		return anyVariesIn(s.Ops, l)
	case *UMax:
		return anyVariesIn(s.Ops, l)
	case *UDiv:
		return variesIn(s.LHS, l) || variesIn(s.RHS, l)
	case *AddRec:
		if s.Loop == l {
			return true
		}
		return variesIn(s.Start, l) || variesIn(s.Step, l)
	default:
		panic(fmt.Sprintf("unhandled SCEV kind %T", e))
	}
}

func anyVariesIn(ops []SCEV, l *Loop) bool {
	for _, op := range ops {
		if variesIn(op, l) {
			return true
		}
	}
	return false
}

// CouldNotCompute is the host's sentinel for an inexpressible value.
type CouldNotCompute struct{}

func (c *CouldNotCompute) Kind() SCEVKind { return KindCouldNotCompute }
func (c *CouldNotCompute) String() string { return "<<could-not-compute>>" }

func nary(op string, ops []SCEV) string {
	parts := make([]string, len(ops))
	for i, o := range ops {
		parts[i] = o.String()
	}
	return "(" + strings.Join(parts, " "+op+" ") + ")"
}

// Builder is the arena that owns SCEV nodes and doubles as the host's
// scalar-evolution oracle: unknowns are interned per llvm.Value so that
// repeated queries hand back the same handle, and SCEVOf resolves the
// expression previously registered for a value (the classifier uses it
// to recurse through in-region signed divisions).
type Builder struct {
	unknowns map[llvm.Value]*Unknown
	values   map[llvm.Value]SCEV
	exprs    []SCEV
}

// NewBuilder returns an empty arena.
func NewBuilder() *Builder {
	return &Builder{
		unknowns: make(map[llvm.Value]*Unknown),
		values:   make(map[llvm.Value]SCEV),
	}
}

func (b *Builder) keep(e SCEV) SCEV {
	b.exprs = append(b.exprs, e)
	return e
}

// Const builds a compile-time integer of the given bit width.
func (b *Builder) Const(v int64, width int) *Constant {
	c := &Constant{Value: v, Width: width}
	b.keep(c)
	return c
}

// Unknown interns the SCEV unknown for an llvm value.
func (b *Builder) Unknown(v llvm.Value) *Unknown {
	if u, ok := b.unknowns[v]; ok {
		return u
	}
	u := &Unknown{Value: v}
	b.unknowns[v] = u
	b.keep(u)
	return u
}

// Trunc, ZExt and SExt build cast nodes.
func (b *Builder) Trunc(op SCEV) *Trunc { t := &Trunc{Op: op}; b.keep(t); return t }
func (b *Builder) ZExt(op SCEV) *ZExt   { z := &ZExt{Op: op}; b.keep(z); return z }
func (b *Builder) SExt(op SCEV) *SExt   { s := &SExt{Op: op}; b.keep(s); return s }

// Add, Mul, SMax and UMax build n-ary nodes.
func (b *Builder) Add(ops ...SCEV) *Add   { a := &Add{Ops: ops}; b.keep(a); return a }
func (b *Builder) Mul(ops ...SCEV) *Mul   { m := &Mul{Ops: ops}; b.keep(m); return m }
func (b *Builder) SMax(ops ...SCEV) *SMax { s := &SMax{Ops: ops}; b.keep(s); return s }
func (b *Builder) UMax(ops ...SCEV) *UMax { u := &UMax{Ops: ops}; b.keep(u); return u }

// UDiv builds an unsigned division node.
func (b *Builder) UDiv(lhs, rhs SCEV) *UDiv {
	u := &UDiv{LHS: lhs, RHS: rhs}
	b.keep(u)
	return u
}

// AddRec builds the recurrence {start,+,step}<l>.
func (b *Builder) AddRec(start, step SCEV, l *Loop) *AddRec {
	a := &AddRec{Start: start, Step: step, Loop: l}
	b.keep(a)
	return a
}

// CouldNotCompute returns the inexpressible sentinel.
func (b *Builder) CouldNotCompute() *CouldNotCompute {
	c := &CouldNotCompute{}
	b.keep(c)
	return c
}

// Register associates an llvm value with its scalar evolution, mirroring
// the host's getSCEV cache.
func (b *Builder) Register(v llvm.Value, e SCEV) {
	b.values[v] = e
}

// SCEVOf returns the expression registered for v, falling back to an
// interned unknown.
func (b *Builder) SCEVOf(v llvm.Value) SCEV {
	if e, ok := b.values[v]; ok {
		return e
	}
	return b.Unknown(v)
}

// ParamValues collects the llvm values behind the unknown leaves of the
// given parameter expressions, in traversal order. The extractor uses
// it to mark which captured inputs feed lifted parameters.
func ParamValues(exprs []SCEV) []llvm.Value {
	var out []llvm.Value
	seen := make(map[llvm.Value]bool)

	var walk func(e SCEV)
	walk = func(e SCEV) {
		switch s := e.(type) {
		case *Constant, *CouldNotCompute:
		case *Unknown:
			if !seen[s.Value] {
				seen[s.Value] = true
				out = append(out, s.Value)
			}
		case *Trunc:
			walk(s.Op)
		case *ZExt:
			walk(s.Op)
		case *SExt:
			walk(s.Op)
		case *Add:
			for _, op := range s.Ops {
				walk(op)
			}
		case *Mul:
			for _, op := range s.Ops {
				walk(op)
			}
		case *SMax:
			for _, op := range s.Ops {
				walk(op)
			}
		case *UMax:
			for _, op := range s.Ops {
				walk(op)
			}
		case *UDiv:
			walk(s.LHS)
			walk(s.RHS)
		case *AddRec:
			walk(s.Start)
			walk(s.Step)
		}
	}
	for _, e := range exprs {
		walk(e)
	}
	return out
}
