// Package extract turns qualified regions into self-contained prototype
// functions, installs call-site trampolines and clones the fallback
// bodies the trampolines fall through to.
package extract

import (
	"fmt"
	"strings"

	"tinygo.org/x/go-llvm"
)

// edge names one CFG edge of the source function.
type edge struct {
	from llvm.BasicBlock
	to   llvm.BasicBlock
}

// cloner re-emits a set of basic blocks into a target function through
// the IR builder, remapping values along the way. Cloning by re-emission
// gives the canonicalization the prototype needs for free: instruction
// metadata is not carried over and debug intrinsics are dropped.
//
// Instructions outside the small set numerical loop kernels are made of
// fail the clone; callers treat that as "region not extractable".
type cloner struct {
	ctx llvm.Context
	b   llvm.Builder

	// vmap maps source values to their clones. Pre-seeded by the caller
	// with argument and global substitutions.
	vmap map[llvm.Value]llvm.Value
	// blocks maps source blocks to target blocks. Pre-seeded entries
	// (e.g. region exit -> return block) are respected.
	blocks map[llvm.BasicBlock]llvm.BasicBlock

	// redirect reroutes one specific source edge to a different target
	// block (used to splice the fallback's re-poll block in).
	redirect map[edge]llvm.BasicBlock
	// phiBlockOverride substitutes the incoming block recorded in
	// cloned phis for values arriving from the given source block.
	phiBlockOverride map[llvm.BasicBlock]llvm.BasicBlock
	// phiValueOverride substitutes the incoming value of a source phi
	// for one specific source predecessor (lower-bound lifting).
	phiValueOverride map[llvm.Value]map[llvm.BasicBlock]llvm.Value

	phis []phiPair
}

type phiPair struct {
	src llvm.Value
	dst llvm.Value
}

func newCloner(ctx llvm.Context) *cloner {
	return &cloner{
		ctx:              ctx,
		b:                ctx.NewBuilder(),
		vmap:             make(map[llvm.Value]llvm.Value),
		blocks:           make(map[llvm.BasicBlock]llvm.BasicBlock),
		redirect:         make(map[edge]llvm.BasicBlock),
		phiBlockOverride: make(map[llvm.BasicBlock]llvm.BasicBlock),
		phiValueOverride: make(map[llvm.Value]map[llvm.BasicBlock]llvm.Value),
	}
}

func (c *cloner) dispose() { c.b.Dispose() }

func (c *cloner) mapValue(src, dst llvm.Value) { c.vmap[src] = dst }

func (c *cloner) mapBlock(src, dst llvm.BasicBlock) { c.blocks[src] = dst }

func (c *cloner) redirectEdge(from, to, dst llvm.BasicBlock) {
	c.redirect[edge{from, to}] = dst
}

func (c *cloner) overridePhiValue(phi llvm.Value, pred llvm.BasicBlock, v llvm.Value) {
	m, ok := c.phiValueOverride[phi]
	if !ok {
		m = make(map[llvm.BasicBlock]llvm.Value)
		c.phiValueOverride[phi] = m
	}
	m[pred] = v
}

// cloneBlocks copies the given source blocks (in order) into dst and
// wires phis once every value exists.
func (c *cloner) cloneBlocks(src []llvm.BasicBlock, dst llvm.Value) error {
	for _, bb := range src {
		if _, ok := c.blocks[bb]; ok {
			continue
		}
		c.blocks[bb] = c.ctx.AddBasicBlock(dst, bb.AsValue().Name())
	}

	for _, bb := range src {
		c.b.SetInsertPointAtEnd(c.blocks[bb])
		for inst := bb.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
			if err := c.cloneInstruction(bb, inst); err != nil {
				return err
			}
		}
	}

	return c.wirePhis()
}

func (c *cloner) cloneInstruction(bb llvm.BasicBlock, inst llvm.Value) error {
	op := inst.InstructionOpcode()
	name := inst.Name()

	switch op {
	case llvm.PHI:
		phi := c.b.CreatePHI(inst.Type(), name)
		c.vmap[inst] = phi
		c.phis = append(c.phis, phiPair{src: inst, dst: phi})
		return nil

	case llvm.Ret:
		if inst.OperandsCount() == 0 {
			c.b.CreateRetVoid()
			return nil
		}
		v, err := c.resolve(inst.Operand(0))
		if err != nil {
			return err
		}
		c.b.CreateRet(v)
		return nil

	case llvm.Br:
		return c.cloneBranch(bb, inst)

	case llvm.Unreachable:
		c.b.CreateUnreachable()
		return nil

	case llvm.Alloca:
		c.vmap[inst] = c.b.CreateAlloca(inst.AllocatedType(), name)
		return nil

	case llvm.Load:
		ptr, err := c.resolve(inst.Operand(0))
		if err != nil {
			return err
		}
		c.vmap[inst] = c.b.CreateLoad(inst.Type(), ptr, name)
		return nil

	case llvm.Store:
		val, err := c.resolve(inst.Operand(0))
		if err != nil {
			return err
		}
		ptr, err := c.resolve(inst.Operand(1))
		if err != nil {
			return err
		}
		c.b.CreateStore(val, ptr)
		return nil

	case llvm.GetElementPtr:
		return c.cloneGEP(inst, name)

	case llvm.ICmp:
		lhs, rhs, err := c.resolvePair(inst)
		if err != nil {
			return err
		}
		c.vmap[inst] = c.b.CreateICmp(inst.IntPredicate(), lhs, rhs, name)
		return nil

	case llvm.FCmp:
		lhs, rhs, err := c.resolvePair(inst)
		if err != nil {
			return err
		}
		c.vmap[inst] = c.b.CreateFCmp(inst.FloatPredicate(), lhs, rhs, name)
		return nil

	case llvm.Select:
		cond, err := c.resolve(inst.Operand(0))
		if err != nil {
			return err
		}
		tv, err := c.resolve(inst.Operand(1))
		if err != nil {
			return err
		}
		fv, err := c.resolve(inst.Operand(2))
		if err != nil {
			return err
		}
		c.vmap[inst] = c.b.CreateSelect(cond, tv, fv, name)
		return nil

	case llvm.Call:
		return c.cloneCall(inst, name)

	case llvm.Add, llvm.FAdd, llvm.Sub, llvm.FSub, llvm.Mul, llvm.FMul,
		llvm.UDiv, llvm.SDiv, llvm.FDiv, llvm.URem, llvm.SRem, llvm.FRem,
		llvm.Shl, llvm.LShr, llvm.AShr, llvm.And, llvm.Or, llvm.Xor:
		lhs, rhs, err := c.resolvePair(inst)
		if err != nil {
			return err
		}
		c.vmap[inst] = c.b.CreateBinOp(op, lhs, rhs, name)
		return nil

	case llvm.Trunc, llvm.ZExt, llvm.SExt, llvm.FPTrunc, llvm.FPExt,
		llvm.FPToUI, llvm.FPToSI, llvm.UIToFP, llvm.SIToFP,
		llvm.PtrToInt, llvm.IntToPtr, llvm.BitCast:
		return c.cloneCast(op, inst, name)

	default:
		return fmt.Errorf("instruction %q not supported in extracted regions", name)
	}
}

func (c *cloner) cloneBranch(bb llvm.BasicBlock, inst llvm.Value) error {
	if inst.OperandsCount() == 1 {
		dst, err := c.branchTarget(bb, inst.Operand(0).AsBasicBlock())
		if err != nil {
			return err
		}
		c.b.CreateBr(dst)
		return nil
	}

	// Conditional branches store [cond, iffalse, iftrue].
	cond, err := c.resolve(inst.Operand(0))
	if err != nil {
		return err
	}
	onFalse, err := c.branchTarget(bb, inst.Operand(1).AsBasicBlock())
	if err != nil {
		return err
	}
	onTrue, err := c.branchTarget(bb, inst.Operand(2).AsBasicBlock())
	if err != nil {
		return err
	}
	c.b.CreateCondBr(cond, onTrue, onFalse)
	return nil
}

func (c *cloner) branchTarget(from, to llvm.BasicBlock) (llvm.BasicBlock, error) {
	if dst, ok := c.redirect[edge{from, to}]; ok {
		return dst, nil
	}
	dst, ok := c.blocks[to]
	if !ok {
		return llvm.BasicBlock{}, fmt.Errorf("branch to %q leaves the cloned region", to.AsValue().Name())
	}
	return dst, nil
}

func (c *cloner) cloneGEP(inst llvm.Value, name string) error {
	ptr, err := c.resolve(inst.Operand(0))
	if err != nil {
		return err
	}
	indices := make([]llvm.Value, 0, inst.OperandsCount()-1)
	for i := 1; i < inst.OperandsCount(); i++ {
		idx, err := c.resolve(inst.Operand(i))
		if err != nil {
			return err
		}
		indices = append(indices, idx)
	}
	c.vmap[inst] = c.b.CreateInBoundsGEP(inst.GEPSourceElementType(), ptr, indices, name)
	return nil
}

func (c *cloner) cloneCast(op llvm.Opcode, inst llvm.Value, name string) error {
	v, err := c.resolve(inst.Operand(0))
	if err != nil {
		return err
	}
	ty := inst.Type()
	var nv llvm.Value
	switch op {
	case llvm.Trunc:
		nv = c.b.CreateTrunc(v, ty, name)
	case llvm.ZExt:
		nv = c.b.CreateZExt(v, ty, name)
	case llvm.SExt:
		nv = c.b.CreateSExt(v, ty, name)
	case llvm.FPTrunc:
		nv = c.b.CreateFPTrunc(v, ty, name)
	case llvm.FPExt:
		nv = c.b.CreateFPExt(v, ty, name)
	case llvm.FPToUI:
		nv = c.b.CreateFPToUI(v, ty, name)
	case llvm.FPToSI:
		nv = c.b.CreateFPToSI(v, ty, name)
	case llvm.UIToFP:
		nv = c.b.CreateUIToFP(v, ty, name)
	case llvm.SIToFP:
		nv = c.b.CreateSIToFP(v, ty, name)
	case llvm.PtrToInt:
		nv = c.b.CreatePtrToInt(v, ty, name)
	case llvm.IntToPtr:
		nv = c.b.CreateIntToPtr(v, ty, name)
	case llvm.BitCast:
		nv = c.b.CreateBitCast(v, ty, name)
	}
	c.vmap[inst] = nv
	return nil
}

func (c *cloner) cloneCall(inst llvm.Value, name string) error {
	callee := inst.CalledValue()

	// Debug intrinsics do not survive extraction; dropping them here is
	// what makes two extractions of identical source hash identically.
	if !callee.IsAFunction().IsNil() && strings.HasPrefix(callee.Name(), "llvm.dbg.") {
		return nil
	}

	resolvedCallee, err := c.resolve(callee)
	if err != nil {
		return err
	}

	argc := inst.OperandsCount() - 1 // last operand is the callee
	args := make([]llvm.Value, 0, argc)
	for i := 0; i < argc; i++ {
		arg, err := c.resolve(inst.Operand(i))
		if err != nil {
			return err
		}
		args = append(args, arg)
	}
	c.vmap[inst] = c.b.CreateCall(inst.CalledFunctionType(), resolvedCallee, args, name)
	return nil
}

func (c *cloner) resolvePair(inst llvm.Value) (llvm.Value, llvm.Value, error) {
	lhs, err := c.resolve(inst.Operand(0))
	if err != nil {
		return llvm.Value{}, llvm.Value{}, err
	}
	rhs, err := c.resolve(inst.Operand(1))
	if err != nil {
		return llvm.Value{}, llvm.Value{}, err
	}
	return lhs, rhs, nil
}

// resolve maps a source operand into the target function. Instructions
// and arguments must have been cloned or pre-seeded; constants pass
// through, except constant expressions over remapped globals, which are
// materialized as explicit instructions first.
func (c *cloner) resolve(v llvm.Value) (llvm.Value, error) {
	if mapped, ok := c.vmap[v]; ok {
		return mapped, nil
	}

	switch {
	case !v.IsAInstruction().IsNil():
		return llvm.Value{}, fmt.Errorf("value %q is defined outside the cloned blocks", v.Name())
	case !v.IsAArgument().IsNil():
		return llvm.Value{}, fmt.Errorf("argument %q was not captured as an input", v.Name())
	case !v.IsAConstantExpr().IsNil():
		return c.resolveConstantExpr(v)
	case !v.IsAFunction().IsNil():
		return v, nil
	case !v.IsAGlobalVariable().IsNil():
		return v, nil
	default:
		return v, nil
	}
}

// resolveConstantExpr rewrites a constant expression as an instruction
// when one of its operands was remapped (a lifted global); untouched
// constant expressions pass through unchanged.
func (c *cloner) resolveConstantExpr(ce llvm.Value) (llvm.Value, error) {
	needsRewrite := false
	for i := 0; i < ce.OperandsCount(); i++ {
		if c.operandRemapped(ce.Operand(i)) {
			needsRewrite = true
			break
		}
	}
	if !needsRewrite {
		return ce, nil
	}

	ops := make([]llvm.Value, ce.OperandsCount())
	for i := range ops {
		op, err := c.resolve(ce.Operand(i))
		if err != nil {
			return llvm.Value{}, err
		}
		ops[i] = op
	}

	switch ce.Opcode() {
	case llvm.GetElementPtr:
		return c.b.CreateInBoundsGEP(ce.GEPSourceElementType(), ops[0], ops[1:], ""), nil
	case llvm.BitCast:
		return c.b.CreateBitCast(ops[0], ce.Type(), ""), nil
	case llvm.PtrToInt:
		return c.b.CreatePtrToInt(ops[0], ce.Type(), ""), nil
	case llvm.IntToPtr:
		return c.b.CreateIntToPtr(ops[0], ce.Type(), ""), nil
	default:
		return llvm.Value{}, fmt.Errorf("constant expression with opcode %d not supported", ce.Opcode())
	}
}

func (c *cloner) operandRemapped(v llvm.Value) bool {
	if _, ok := c.vmap[v]; ok {
		return true
	}
	if !v.IsAConstantExpr().IsNil() {
		for i := 0; i < v.OperandsCount(); i++ {
			if c.operandRemapped(v.Operand(i)) {
				return true
			}
		}
	}
	return false
}

// wirePhis adds the incoming edges of every cloned phi after all values
// exist. Incomings from blocks outside the cloned set are rerouted
// through phiBlockOverride; duplicate rerouted predecessors are a clone
// error (the host should have split those edges).
func (c *cloner) wirePhis() error {
	for _, pair := range c.phis {
		n := pair.src.IncomingCount()
		values := make([]llvm.Value, 0, n)
		blocks := make([]llvm.BasicBlock, 0, n)
		seen := make(map[llvm.BasicBlock]bool)

		for i := 0; i < n; i++ {
			srcVal := pair.src.IncomingValue(i)
			srcBlk := pair.src.IncomingBlock(i)

			if override, ok := c.phiValueOverride[pair.src]; ok {
				if v, ok := override[srcBlk]; ok {
					srcVal = v
				}
			}

			var dstBlk llvm.BasicBlock
			if mapped, ok := c.blocks[srcBlk]; ok {
				dstBlk = mapped
				if o, ok := c.phiBlockOverride[srcBlk]; ok {
					dstBlk = o
				}
			} else if o, ok := c.phiBlockOverride[srcBlk]; ok {
				dstBlk = o
			} else {
				return fmt.Errorf("phi %q has an incoming edge from outside the cloned blocks", pair.src.Name())
			}

			if seen[dstBlk] {
				return fmt.Errorf("phi %q would receive duplicate predecessors", pair.src.Name())
			}
			seen[dstBlk] = true

			// Materialized constant expressions must land in the
			// predecessor, ahead of its terminator.
			if term := dstBlk.LastInstruction(); !term.IsNil() {
				c.b.SetInsertPointBefore(term)
			} else {
				c.b.SetInsertPointAtEnd(dstBlk)
			}
			v, err := c.resolve(srcVal)
			if err != nil {
				return err
			}
			values = append(values, v)
			blocks = append(blocks, dstBlk)
		}

		pair.dst.AddIncoming(values, blocks)
	}
	return nil
}
