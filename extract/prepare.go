package extract

import (
	"tinygo.org/x/go-llvm"

	"github.com/CIB/polli/analysis"
)

// prepareRegion normalizes a region's CFG ahead of extraction. Two
// shapes get rewritten rather than refused: a region with several
// exiting edges has its exit predecessors funneled through a fresh
// split block, and a block that mixes phis with multiple successors is
// split after its phis. Both transforms are semantics-preserving, so a
// region that is later skipped anyway leaves a still-correct function
// behind.
func (e *Extractor) prepareRegion(r *analysis.Region) {
	e.splitExitPredecessors(r)
	e.splitBlocksAfterPhis(r)
}

// splitExitPredecessors gives the region a single exiting edge: every
// region-side branch into the exit block is retargeted at a new
// ".polyjit.ext.split" block that falls through to the exit. Exit phis
// fed from several region blocks collapse into one incoming; differing
// values meet in a merge phi inside the split block.
func (e *Extractor) splitExitPredecessors(r *analysis.Region) {
	var exiting []llvm.BasicBlock
	for _, bb := range r.Blocks() {
		term := bb.LastInstruction()
		if term.IsNil() {
			continue
		}
		for i := 0; i < term.OperandsCount(); i++ {
			op := term.Operand(i)
			if op.IsBasicBlock() && op.AsBasicBlock() == r.Exit {
				exiting = append(exiting, bb)
				break
			}
		}
	}
	if len(exiting) <= 1 {
		return
	}

	split := e.Ctx.AddBasicBlock(r.Fn, r.Exit.AsValue().Name()+".polyjit.ext.split")
	b := e.Ctx.NewBuilder()
	defer b.Dispose()

	// Collapse the exit phis' region-side incomings before the split
	// block gets its terminator, so merge phis land at its top.
	b.SetInsertPointAtEnd(split)
	for _, phi := range blockPhis(r.Exit) {
		var keepVals []llvm.Value
		var keepBlocks []llvm.BasicBlock
		var mergeVals []llvm.Value
		var mergeBlocks []llvm.BasicBlock
		for i := 0; i < phi.IncomingCount(); i++ {
			v, blk := phi.IncomingValue(i), phi.IncomingBlock(i)
			if r.Contains(blk) {
				mergeVals = append(mergeVals, v)
				mergeBlocks = append(mergeBlocks, blk)
			} else {
				keepVals = append(keepVals, v)
				keepBlocks = append(keepBlocks, blk)
			}
		}
		if len(mergeVals) == 0 {
			continue
		}

		merged := mergeVals[0]
		if !allSameValue(mergeVals) {
			mergePhi := b.CreatePHI(phi.Type(), phi.Name()+".merge")
			mergePhi.AddIncoming(mergeVals, mergeBlocks)
			merged = mergePhi
		}
		rebuildPhi(e.Ctx, phi, append(keepVals, merged), append(keepBlocks, split))
	}

	b.SetInsertPointAtEnd(split)
	b.CreateBr(r.Exit)

	for _, bb := range exiting {
		term := bb.LastInstruction()
		for i := 0; i < term.OperandsCount(); i++ {
			op := term.Operand(i)
			if op.IsBasicBlock() && op.AsBasicBlock() == r.Exit {
				term.SetOperand(i, split.AsValue())
			}
		}
	}

	r.AddBlock(split)
}

// splitBlocksAfterPhis breaks every region block that starts with a phi
// and branches to more than one successor: the phis stay put, the rest
// of the block moves into a ".split" successor.
func (e *Extractor) splitBlocksAfterPhis(r *analysis.Region) {
	blocks := append([]llvm.BasicBlock{}, r.Blocks()...)
	b := e.Ctx.NewBuilder()
	defer b.Dispose()

	for _, bb := range blocks {
		first := bb.FirstInstruction()
		if first.IsNil() || first.InstructionOpcode() != llvm.PHI {
			continue
		}
		term := bb.LastInstruction()
		if len(blockSuccessors(term)) <= 1 {
			continue
		}

		split := e.Ctx.AddBasicBlock(r.Fn, bb.AsValue().Name()+".split")
		b.SetInsertPointAtEnd(split)
		inst := firstNonPhi(bb)
		for !inst.IsNil() {
			next := llvm.NextInstruction(inst)
			inst.RemoveFromParentAsInstruction()
			b.Insert(inst)
			inst = next
		}

		b.SetInsertPointAtEnd(bb)
		b.CreateBr(split)

		// The moved terminator's successors now see the split block as
		// their predecessor.
		for _, succ := range blockSuccessors(split.LastInstruction()) {
			retargetPhiIncomings(e.Ctx, succ, func(p llvm.BasicBlock) bool { return p == bb }, split)
		}

		r.AddBlock(split)
		for _, l := range e.LI.Loops {
			if l.Contains(bb) {
				l.AddBlock(split)
			}
		}
	}
}

// blockPhis snapshots the leading phis of a block, so callers can
// rebuild them while iterating.
func blockPhis(bb llvm.BasicBlock) []llvm.Value {
	var phis []llvm.Value
	for inst := bb.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
		if inst.InstructionOpcode() != llvm.PHI {
			break
		}
		phis = append(phis, inst)
	}
	return phis
}

func firstNonPhi(bb llvm.BasicBlock) llvm.Value {
	for inst := bb.FirstInstruction(); !inst.IsNil(); inst = llvm.NextInstruction(inst) {
		if inst.InstructionOpcode() != llvm.PHI {
			return inst
		}
	}
	return llvm.Value{}
}

func blockSuccessors(term llvm.Value) []llvm.BasicBlock {
	if term.IsNil() {
		return nil
	}
	var succs []llvm.BasicBlock
	for i := 0; i < term.OperandsCount(); i++ {
		op := term.Operand(i)
		if op.IsBasicBlock() {
			succs = append(succs, op.AsBasicBlock())
		}
	}
	return succs
}

func allSameValue(vals []llvm.Value) bool {
	for _, v := range vals[1:] {
		if v != vals[0] {
			return false
		}
	}
	return true
}

// rebuildPhi replaces a phi with a fresh node carrying the given
// incoming pairs; the C API cannot mutate incoming blocks in place.
func rebuildPhi(ctx llvm.Context, phi llvm.Value, values []llvm.Value, blocks []llvm.BasicBlock) llvm.Value {
	name := phi.Name()
	b := ctx.NewBuilder()
	defer b.Dispose()
	b.SetInsertPointBefore(phi)

	np := b.CreatePHI(phi.Type(), "")
	np.AddIncoming(values, blocks)
	phi.ReplaceAllUsesWith(np)
	phi.EraseFromParentAsInstruction()
	np.SetName(name)
	return np
}

// retargetPhiIncomings rewrites the phis of bb so that every incoming
// edge from a block matching the predicate is attributed to the
// replacement block instead; edge multiplicity is preserved.
func retargetPhiIncomings(ctx llvm.Context, bb llvm.BasicBlock, from func(llvm.BasicBlock) bool, to llvm.BasicBlock) {
	for _, phi := range blockPhis(bb) {
		n := phi.IncomingCount()
		values := make([]llvm.Value, 0, n)
		blocks := make([]llvm.BasicBlock, 0, n)
		hits := 0
		for i := 0; i < n; i++ {
			blk := phi.IncomingBlock(i)
			if from(blk) {
				blk = to
				hits++
			}
			values = append(values, phi.IncomingValue(i))
			blocks = append(blocks, blk)
		}
		if hits == 0 {
			continue
		}
		rebuildPhi(ctx, phi, values, blocks)
	}
}
